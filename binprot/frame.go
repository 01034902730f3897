package binprot

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// stage is the position of the frame decoder within the current frame.
type stage uint8

const (
	stageHeader stage = iota
	stageExtras
	stageKey
	stageValue
	stageSkip
	stageComplete
)

// frameDecoder parses one response frame at a time. All progress lives in
// its fields, so parsing can stop at any byte and resume with the next chunk
// without reading anything twice.
type frameDecoder struct {
	stage stage

	hdr     [HeaderLen]byte
	hdrN    int
	partial []byte // extras or key bytes received so far

	header   Header
	flags    uint32
	key      string
	hasKey   bool
	slot     *Slot
	skip     int // body bytes left to discard
	terminal bool

	seen map[string]struct{} // keys answered so far in this batch

	// Accepted opaque range, when checkOpaque is set. Modular arithmetic
	// keeps it valid across uint32 wraparound.
	checkOpaque bool
	opaqueFirst uint32
	opaqueSpan  uint32
}

// reset prepares the decoder for the next frame of the same batch.
func (f *frameDecoder) reset() {
	f.stage = stageHeader
	f.hdrN = 0
	f.partial = f.partial[:0]
	f.header = Header{}
	f.flags = 0
	f.key = ""
	f.hasKey = false
	f.slot = nil
	f.skip = 0
	f.terminal = false
}

// decode consumes bytes of the current frame from p.
// It returns the number of bytes consumed and whether the frame is complete.
// An incomplete frame always consumes all of p.
func (f *frameDecoder) decode(p []byte, results *Results) (int, bool, error) {
	consumed := 0
	for {
		var (
			n    int
			done bool
			err  error
		)

		switch f.stage {
		case stageHeader:
			n, done, err = f.readHeader(p[consumed:])
		case stageExtras:
			n, done = f.readExtras(p[consumed:])
		case stageKey:
			n, done, err = f.readKey(p[consumed:], results)
		case stageValue:
			n, done = f.readValue(p[consumed:], results)
		case stageSkip:
			n, done = f.skipBody(p[consumed:])
		case stageComplete:
			return consumed, true, nil
		}

		consumed += n
		if err != nil {
			return consumed, false, err
		}
		if !done {
			return consumed, false, nil
		}
	}
}

func (f *frameDecoder) readHeader(p []byte) (int, bool, error) {
	n := copy(f.hdr[f.hdrN:], p)
	f.hdrN += n
	if f.hdrN < HeaderLen {
		return n, false, nil
	}

	h, err := ParseResponseHeader(f.hdr[:])
	if err != nil {
		return n, false, err
	}

	switch h.Opcode {
	case OpGetKQ:
	case OpGetK, OpNoOp:
		f.terminal = true
	default:
		return n, false, &ParseError{Message: "unexpected opcode " + h.Opcode.String() + " in multi-get response"}
	}

	if f.checkOpaque && h.Opaque-f.opaqueFirst >= f.opaqueSpan {
		return n, false, &ParseError{Message: "response opaque " + strconv.FormatUint(uint64(h.Opaque), 10) + " does not belong to this batch"}
	}

	f.header = h
	f.stage = stageExtras
	return n, true, nil
}

// accumulate appends up to want-len(f.partial) bytes of p to f.partial.
func (f *frameDecoder) accumulate(p []byte, want int) (int, bool) {
	missing := want - len(f.partial)
	if missing > len(p) {
		missing = len(p)
	}
	f.partial = append(f.partial, p[:missing]...)
	return missing, len(f.partial) == want
}

func (f *frameDecoder) readExtras(p []byte) (int, bool) {
	extrasLen := int(f.header.ExtrasLength)
	n, done := f.accumulate(p, extrasLen)
	if !done {
		return n, false
	}

	// Any other extras length carries no client flags and is skipped.
	if extrasLen == FlagsExtrasLen {
		f.flags = binary.BigEndian.Uint32(f.partial)
	}

	f.partial = f.partial[:0]
	f.stage = stageKey
	return n, true
}

func (f *frameDecoder) readKey(p []byte, results *Results) (int, bool, error) {
	keyLen := int(f.header.KeyLength)
	if keyLen == 0 {
		f.stage = stageValue
		return 0, true, nil
	}

	n, done := f.accumulate(p, keyLen)
	if !done {
		return n, false, nil
	}

	key := string(f.partial)
	f.partial = f.partial[:0]

	if _, ok := f.seen[key]; ok {
		return n, false, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	if f.seen == nil {
		f.seen = make(map[string]struct{})
	}
	f.seen[key] = struct{}{}

	f.key = key
	f.hasKey = true
	f.slot = newSlot(f.flags, f.header.CAS)
	results.Put(key, f.slot)

	f.stage = stageValue
	return n, true, nil
}

func (f *frameDecoder) readValue(p []byte, results *Results) (int, bool) {
	valueLen := f.header.ValueLength()

	if f.header.Status != StatusNoError {
		// Miss or error for this key: drop the slot and discard the body.
		if f.hasKey {
			results.Delete(f.key)
			f.slot = nil
		}
		return f.startSkip(valueLen), true
	}

	if !f.hasKey {
		return f.startSkip(valueLen), true
	}

	f.slot.size(valueLen)
	n := f.slot.fill(p)
	if f.slot.remaining() > 0 {
		return n, false
	}

	f.stage = stageComplete
	return n, true
}

func (f *frameDecoder) startSkip(n int) int {
	if n < 0 {
		n = 0
	}
	f.skip = n
	f.stage = stageSkip
	return 0
}

func (f *frameDecoder) skipBody(p []byte) (int, bool) {
	n := f.skip
	if n > len(p) {
		n = len(p)
	}
	f.skip -= n
	if f.skip > 0 {
		return n, false
	}

	f.stage = stageComplete
	return n, true
}
