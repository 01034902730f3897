package binprot

import (
	"bytes"
	"context"
	"io"
)

// minReadSize is the free space guaranteed in the read buffer before each Fill.
const minReadSize = 4096

// Allocator takes back read buffers lent to a Batch.
type Allocator interface {
	Release(buf *bytes.Buffer)
}

// State is the position of a Batch in its response stream.
type State uint8

const (
	AwaitingFrame State = iota
	ParsingExtras
	ParsingKey
	ParsingValue
	FrameComplete
	BatchDone
)

func (s State) String() string {
	switch s {
	case AwaitingFrame:
		return "awaiting frame"
	case ParsingExtras:
		return "parsing extras"
	case ParsingKey:
		return "parsing key"
	case ParsingValue:
		return "parsing value"
	case FrameComplete:
		return "frame complete"
	case BatchDone:
		return "batch done"
	default:
		return "unknown"
	}
}

// Batch decodes the response stream of one multi-get exchange and routes
// every answered key to the waiters registered for it.
//
// A Batch is driven by a single goroutine: Fill/Feed then Decode, until
// Decode reports the batch done. The only state shared with other goroutines
// are the waiters' signals and the batch's own signal.
type Batch struct {
	registry *Registry
	results  *Results
	frame    frameDecoder

	buf   *bytes.Buffer
	alloc Allocator

	signal *Signal
	done   bool
	err    error

	frames int
}

// NewBatch returns a Batch resolving the waiters of reg. The read buffer buf
// is borrowed from alloc and handed back when the terminal frame is decoded.
func NewBatch(reg *Registry, buf *bytes.Buffer, alloc Allocator) *Batch {
	return &Batch{
		registry: reg,
		results:  NewResults(),
		buf:      buf,
		alloc:    alloc,
		signal:   NewSignal(),
	}
}

// ExpectOpaque restricts the accepted responses to those whose opaque field
// lies in [first, first+span). Responses left over from an earlier exchange
// on the same stream then fail the batch instead of being taken as answers.
func (b *Batch) ExpectOpaque(first, span uint32) {
	b.frame.checkOpaque = true
	b.frame.opaqueFirst = first
	b.frame.opaqueSpan = span
}

// Fill reads one chunk from r into the read buffer.
func (b *Batch) Fill(r io.Reader) (int, error) {
	if b.done {
		return 0, b.doneErr()
	}

	b.buf.Grow(minReadSize)
	p := b.buf.AvailableBuffer()
	n, err := r.Read(p[:cap(p)])
	b.buf.Write(p[:n])
	return n, err
}

// Feed appends a chunk to the read buffer.
func (b *Batch) Feed(p []byte) error {
	if b.done {
		return b.doneErr()
	}
	b.buf.Write(p)
	return nil
}

// Decode consumes every buffered byte. It returns true once the terminal
// frame has been processed or the batch failed.
//
// A protocol violation fails the batch: every waiter still registered is
// released with the error.
func (b *Batch) Decode() (bool, error) {
	if b.done {
		return true, b.doneErr()
	}

	for b.buf.Len() > 0 {
		n, complete, err := b.frame.decode(b.buf.Bytes(), b.results)
		b.buf.Next(n)
		if err != nil {
			b.Fail(err)
			return true, err
		}
		if !complete {
			return false, nil
		}

		if b.finish() {
			return true, b.err
		}
	}

	return false, nil
}

// finish routes the frame just decoded and reports whether it ended the batch.
func (b *Batch) finish() bool {
	f := &b.frame
	b.frames++

	if f.hasKey {
		slot, _ := b.results.Get(f.key)
		if rec, ok := b.registry.Take(f.key); ok {
			rec.deliver(slot)
		}
	}

	if !f.terminal {
		f.reset()
		return false
	}

	if b.buf.Len() > 0 {
		b.err = ErrTrailingData
	}
	b.alloc.Release(b.buf)
	b.buf = nil

	b.registry.ReleaseAll(nil)
	b.done = true
	b.signal.Release()
	return true
}

// Fail ends the batch with err, typically a connection failure reported by
// the transport. Waiters not yet resolved are released with err. The read
// buffer is abandoned rather than returned, its content is unreliable.
// Fail is a no-op on a finished batch.
func (b *Batch) Fail(err error) {
	if b.done {
		return
	}
	b.buf = nil
	b.err = err
	b.done = true
	b.registry.ReleaseAll(err)
	b.signal.Release()
}

func (b *Batch) doneErr() error {
	if b.err != nil {
		return b.err
	}
	return ErrBatchDone
}

// State returns the current decoding state.
func (b *Batch) State() State {
	if b.done {
		return BatchDone
	}
	switch b.frame.stage {
	case stageExtras:
		return ParsingExtras
	case stageKey:
		return ParsingKey
	case stageValue, stageSkip:
		return ParsingValue
	case stageComplete:
		return FrameComplete
	default:
		return AwaitingFrame
	}
}

// Results returns the values decoded so far. Misses are absent.
// Results must not be read concurrently with Decode.
func (b *Batch) Results() *Results {
	return b.results
}

// Frames returns the number of frames decoded.
func (b *Batch) Frames() int {
	return b.frames
}

// Err returns the error the batch ended with, if any.
func (b *Batch) Err() error {
	return b.err
}

// Done returns a channel closed when the batch is finished or failed.
func (b *Batch) Done() <-chan struct{} {
	return b.signal.Done()
}

// Wait blocks until the batch is finished or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	if err := b.signal.Wait(ctx); err != nil {
		return err
	}
	return b.err
}
