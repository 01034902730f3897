package binprot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// frame builds a response frame.
func frame(op Opcode, status Status, key string, extras, value []byte, cas uint64) []byte {
	b := AppendHeader(nil, Header{
		Magic:        MagicResponse,
		Opcode:       op,
		KeyLength:    uint16(len(key)),
		ExtrasLength: uint8(len(extras)),
		Status:       status,
		BodyLength:   uint32(len(extras) + len(key) + len(value)),
		CAS:          cas,
	})
	b = append(b, extras...)
	b = append(b, key...)
	return append(b, value...)
}

func flagsExtras(flags uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, flags)
}

// hitFrame is a quiet get-with-key hit as sent by memcached.
func hitFrame(key, value string, flags uint32, cas uint64) []byte {
	return frame(OpGetKQ, StatusNoError, key, flagsExtras(flags), []byte(value), cas)
}

// missFrame is a get-with-key miss carrying the key.
func missFrame(key string) []byte {
	return frame(OpGetKQ, StatusKeyNotFound, key, nil, nil, 0)
}

// terminalFrame is the empty end-of-batch marker.
func terminalFrame() []byte {
	return frame(OpGetK, StatusKeyNotFound, "", nil, nil, 0)
}

func stream(frames ...[]byte) []byte {
	return bytes.Join(frames, nil)
}

// recordingWaiter logs every call into a log shared by all waiters of a test.
type recordingWaiter struct {
	name      string
	log       *[]string
	slot      *Slot
	delivered int
	released  int
	err       error
}

func newWaiter(name string, log *[]string) *recordingWaiter {
	return &recordingWaiter{name: name, log: log}
}

func (w *recordingWaiter) Deliver(slot *Slot) {
	w.delivered++
	w.slot = slot
	if slot == nil {
		*w.log = append(*w.log, "deliver "+w.name+" <nil>")
		return
	}
	*w.log = append(*w.log, fmt.Sprintf("deliver %s %q", w.name, slot.Value()))
}

func (w *recordingWaiter) Release(err error) {
	w.released++
	w.err = err
	*w.log = append(*w.log, "release "+w.name)
}

type countingAllocator struct {
	released []*bytes.Buffer
}

func (a *countingAllocator) Release(buf *bytes.Buffer) {
	a.released = append(a.released, buf)
}

// decodeChunks feeds chunks one at a time until the batch is done.
func decodeChunks(t testing.TB, batch *Batch, chunks ...[]byte) (bool, error) {
	t.Helper()
	for i, c := range chunks {
		require.NoError(t, batch.Feed(c))
		done, err := batch.Decode()
		if done {
			require.Equal(t, len(chunks)-1, i, "batch finished before the last chunk")
			return done, err
		}
	}
	return false, nil
}

// splitEvery cuts data into chunks of size n.
func splitEvery(data []byte, n int) [][]byte {
	var chunks [][]byte
	for len(data) > n {
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return append(chunks, data)
}

type slotSnapshot struct {
	Key      string
	Flags    uint32
	CAS      uint64
	Value    string
	Capacity int
}

func snapshot(r *Results) []slotSnapshot {
	var out []slotSnapshot
	for k, s := range r.All() {
		out = append(out, slotSnapshot{k, s.Flags, s.CAS, string(s.Value()), s.Capacity()})
	}
	return out
}
