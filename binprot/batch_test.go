package binprot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatch(keys ...string) (*Batch, *countingAllocator, map[string]*recordingWaiter, *[]string) {
	log := &[]string{}
	reg := NewRegistry()
	waiters := make(map[string]*recordingWaiter)
	for _, k := range keys {
		w := newWaiter(k, log)
		waiters[k] = w
		reg.Register(k, w)
	}
	alloc := &countingAllocator{}
	return NewBatch(reg, &bytes.Buffer{}, alloc), alloc, waiters, log
}

func TestBatch_HitMissHit(t *testing.T) {
	batch, alloc, waiters, log := newTestBatch("a", "b", "c")

	data := stream(
		hitFrame("a", "1", 0, 11),
		missFrame("b"),
		hitFrame("c", "2", 0, 13),
		terminalFrame(),
	)

	done, err := decodeChunks(t, batch, data)
	require.True(t, done)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`deliver a "1"`, "release a",
		"deliver b <nil>", "release b",
		`deliver c "2"`, "release c",
	}, *log)

	assert.Equal(t, "1", string(waiters["a"].slot.Value()))
	assert.Equal(t, uint64(11), waiters["a"].slot.CAS)
	assert.Nil(t, waiters["b"].slot)
	assert.Equal(t, "2", string(waiters["c"].slot.Value()))

	_, found := batch.Results().Get("b")
	assert.False(t, found, "miss must not be stored")
	assert.Equal(t, []string{"a", "c"}, batch.Results().Keys())

	assert.Len(t, alloc.released, 1)
	assert.Equal(t, BatchDone, batch.State())
	assert.Equal(t, 4, batch.Frames())

	select {
	case <-batch.Done():
	default:
		t.Fatal("batch signal not released")
	}
}

func TestBatch_QuietMissReleasedAtTerminal(t *testing.T) {
	batch, _, waiters, log := newTestBatch("a", "b", "c")

	// memcached suppresses quiet misses: b never shows up in the stream
	data := stream(hitFrame("a", "1", 0, 1), hitFrame("c", "2", 0, 2), terminalFrame())

	done, err := decodeChunks(t, batch, data)
	require.True(t, done)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`deliver a "1"`, "release a",
		`deliver c "2"`, "release c",
		"release b",
	}, *log)
	assert.Equal(t, 0, waiters["b"].delivered)
	assert.Equal(t, 1, waiters["b"].released)
	assert.NoError(t, waiters["b"].err)
}

func TestBatch_LastKeyClosesBatch(t *testing.T) {
	batch, alloc, waiters, _ := newTestBatch("a", "b")

	// Exchange as written by WriteGetMulti: the last key is sent as GETK
	data := stream(
		hitFrame("a", "1", 0, 1),
		frame(OpGetK, StatusNoError, "b", flagsExtras(7), []byte("bee"), 2),
	)

	done, err := decodeChunks(t, batch, data)
	require.True(t, done)
	require.NoError(t, err)

	assert.Equal(t, "bee", string(waiters["b"].slot.Value()))
	assert.Equal(t, uint32(7), waiters["b"].slot.Flags)
	assert.Len(t, alloc.released, 1)
}

func TestBatch_LastKeyMissClosesBatch(t *testing.T) {
	batch, _, waiters, _ := newTestBatch("a", "b")

	data := stream(hitFrame("a", "1", 0, 1), frame(OpGetK, StatusKeyNotFound, "b", nil, nil, 0))

	done, err := decodeChunks(t, batch, data)
	require.True(t, done)
	require.NoError(t, err)

	assert.Equal(t, 1, waiters["b"].delivered)
	assert.Nil(t, waiters["b"].slot)
	assert.Equal(t, 1, waiters["b"].released)
}

func TestBatch_NoOpTerminatesEmptyBatch(t *testing.T) {
	batch, alloc, _, log := newTestBatch()

	done, err := decodeChunks(t, batch, frame(OpNoOp, StatusNoError, "", nil, nil, 0))
	require.True(t, done)
	require.NoError(t, err)
	assert.Empty(t, *log)
	assert.Len(t, alloc.released, 1)
	assert.Equal(t, 0, batch.Results().Len())
}

func TestBatch_DuplicateWaiters(t *testing.T) {
	log := &[]string{}
	reg := NewRegistry()
	primary := newWaiter("a1", log)
	dup := newWaiter("a2", log)
	other := newWaiter("b", log)

	assert.False(t, reg.Register("a", primary))
	assert.True(t, reg.Register("a", dup))
	assert.False(t, reg.Register("b", other))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 3, reg.Waiters())

	batch := NewBatch(reg, &bytes.Buffer{}, &countingAllocator{})
	done, err := decodeChunks(t, batch, stream(hitFrame("a", "value", 3, 9), terminalFrame()))
	require.True(t, done)
	require.NoError(t, err)

	assert.Same(t, primary.slot, dup.slot)
	assert.Equal(t, "value", string(dup.slot.Value()))
	assert.Equal(t, 1, primary.released)
	assert.Equal(t, 1, dup.released)
	assert.Equal(t, 1, other.released)
	assert.Equal(t, 0, other.delivered)
	assert.Equal(t, []string{
		`deliver a1 "value"`, "release a1",
		`deliver a2 "value"`, "release a2",
		"release b",
	}, *log)
}

func TestBatch_ValueSplitAcrossChunks(t *testing.T) {
	batch, _, waiters, _ := newTestBatch("k")

	value := "hello, binary world"
	hit := hitFrame("k", value, 0, 5)
	valueStart := len(hit) - len(value)

	chunks := [][]byte{
		hit[:valueStart+1],
		hit[valueStart+1 : valueStart+3],
		append(append([]byte(nil), hit[valueStart+3:]...), terminalFrame()...),
	}

	require.NoError(t, batch.Feed(chunks[0]))
	done, err := batch.Decode()
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, ParsingValue, batch.State())

	slot, ok := batch.Results().Get("k")
	require.True(t, ok)
	assert.Equal(t, len(value), slot.Capacity())
	assert.Equal(t, 1, slot.Filled())

	require.NoError(t, batch.Feed(chunks[1]))
	done, err = batch.Decode()
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, 3, slot.Filled())
	assert.Equal(t, len(value), slot.Capacity(), "capacity is set once")

	require.NoError(t, batch.Feed(chunks[2]))
	done, err = batch.Decode()
	require.NoError(t, err)
	require.True(t, done)

	assert.True(t, slot.Complete())
	assert.Equal(t, value, string(waiters["k"].slot.Value()))
}

func TestBatch_ChunkBoundaryInvariance(t *testing.T) {
	data := stream(
		hitFrame("alpha", "first value", 42, 100),
		missFrame("beta"),
		hitFrame("gamma", "", 1, 101),
		frame(OpGetKQ, StatusNoError, "delta", []byte{1, 2}, []byte("no flags"), 102),
		frame(OpGetKQ, StatusOutOfMemory, "eps", nil, []byte("out of memory"), 0),
		hitFrame("orphan", "nobody asked", 0, 103),
		terminalFrame(),
	)
	keys := []string{"alpha", "beta", "gamma", "delta", "eps", "zeta"}

	run := func(chunks [][]byte) ([]slotSnapshot, []string, int) {
		batch, alloc, _, log := newTestBatch(keys...)
		batch.registry.Register("alpha", newWaiter("alpha-dup", log))
		done, err := decodeChunks(t, batch, chunks...)
		require.True(t, done)
		require.NoError(t, err)
		return snapshot(batch.Results()), *log, len(alloc.released)
	}

	wantSlots, wantLog, _ := run([][]byte{data})
	require.Len(t, wantSlots, 4)
	assert.Equal(t, slotSnapshot{"delta", 0, 102, "no flags", 8}, wantSlots[2])
	assert.Equal(t, slotSnapshot{"orphan", 0, 103, "nobody asked", 12}, wantSlots[3])

	for split := 1; split < len(data); split++ {
		slots, log, released := run([][]byte{data[:split], data[split:]})
		require.Equal(t, wantSlots, slots, "split at %d", split)
		require.Equal(t, wantLog, log, "split at %d", split)
		require.Equal(t, 1, released, "split at %d", split)
	}

	for _, size := range []int{1, 2, 3, 7, 23, 24, 25} {
		slots, log, released := run(splitEvery(data, size))
		require.Equal(t, wantSlots, slots, "chunk size %d", size)
		require.Equal(t, wantLog, log, "chunk size %d", size)
		require.Equal(t, 1, released, "chunk size %d", size)
	}
}

func TestBatch_FlagsAndCAS(t *testing.T) {
	batch, _, waiters, _ := newTestBatch("k")

	_, err := decodeChunks(t, batch, stream(hitFrame("k", "abc", 0xdeadbeef, 0x0102030405060708), terminalFrame()))
	require.NoError(t, err)

	slot := waiters["k"].slot
	require.NotNil(t, slot)
	assert.Equal(t, uint32(0xdeadbeef), slot.Flags)
	assert.Equal(t, uint64(0x0102030405060708), slot.CAS)
	assert.Equal(t, 3, slot.Capacity())
}

func TestBatch_ErrorStatusBodySkipped(t *testing.T) {
	data := stream(
		frame(OpGetKQ, StatusValueTooLarge, "a", nil, []byte("Too large."), 0),
		hitFrame("b", "fine", 0, 1),
		terminalFrame(),
	)

	for _, chunks := range [][][]byte{{data}, splitEvery(data, 5)} {
		batch, _, waiters, _ := newTestBatch("a", "b")
		done, err := decodeChunks(t, batch, chunks...)
		require.True(t, done)
		require.NoError(t, err)

		assert.Nil(t, waiters["a"].slot)
		assert.Equal(t, 1, waiters["a"].released)
		assert.Equal(t, "fine", string(waiters["b"].slot.Value()))
	}
}

func TestBatch_NegativeValueLengthIsIgnored(t *testing.T) {
	batch, _, waiters, _ := newTestBatch("k")

	// body length smaller than key + extras: the slot is never sized
	bad := AppendHeader(nil, Header{
		Magic:        MagicResponse,
		Opcode:       OpGetKQ,
		KeyLength:    1,
		ExtrasLength: 4,
		BodyLength:   2,
		CAS:          3,
	})
	bad = append(bad, flagsExtras(9)...)
	bad = append(bad, 'k')

	done, err := decodeChunks(t, batch, stream(bad, terminalFrame()))
	require.True(t, done)
	require.NoError(t, err)

	slot := waiters["k"].slot
	require.NotNil(t, slot)
	assert.Equal(t, -1, slot.Capacity())
	assert.Nil(t, slot.Value())
	assert.False(t, slot.Complete())
}

func TestBatch_DuplicateKeyInStream(t *testing.T) {
	batch, alloc, waiters, _ := newTestBatch("a", "b")

	data := stream(hitFrame("a", "1", 0, 1), hitFrame("a", "2", 0, 2), terminalFrame())

	require.NoError(t, batch.Feed(data))
	done, err := batch.Decode()
	require.True(t, done)
	require.ErrorIs(t, err, ErrDuplicateKey)
	assert.True(t, ShouldCloseConnection(err))

	assert.Equal(t, "1", string(waiters["a"].slot.Value()), "first answer is kept")
	assert.Equal(t, 1, waiters["a"].released)
	assert.NoError(t, waiters["a"].err)

	assert.Equal(t, 1, waiters["b"].released)
	assert.ErrorIs(t, waiters["b"].err, ErrDuplicateKey)
	assert.Empty(t, alloc.released, "failed batch does not return its buffer")
}

func TestBatch_DuplicateKeyAfterMiss(t *testing.T) {
	batch, _, _, _ := newTestBatch("a")

	require.NoError(t, batch.Feed(stream(missFrame("a"), hitFrame("a", "late", 0, 1))))
	_, err := batch.Decode()
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestBatch_ProtocolErrors(t *testing.T) {
	badMagic := hitFrame("a", "1", 0, 1)
	badMagic[0] = byte(MagicRequest)

	badOpcode := frame(OpGet, StatusNoError, "", flagsExtras(0), []byte("x"), 0)

	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", badMagic},
		{"unexpected opcode", badOpcode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, _, waiters, _ := newTestBatch("a")
			require.NoError(t, batch.Feed(tt.data))

			done, err := batch.Decode()
			require.True(t, done)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.True(t, ShouldCloseConnection(err))
			assert.ErrorIs(t, waiters["a"].err, err)
			assert.Equal(t, BatchDone, batch.State())
		})
	}
}

func TestBatch_ExpectOpaque(t *testing.T) {
	withOpaque := func(frame []byte, opaque uint32) []byte {
		binary.BigEndian.PutUint32(frame[12:16], opaque)
		return frame
	}

	t.Run("in range", func(t *testing.T) {
		batch, _, waiters, _ := newTestBatch("a", "b")
		batch.ExpectOpaque(math.MaxUint32, 2)

		data := stream(
			withOpaque(hitFrame("a", "1", 0, 1), math.MaxUint32),
			withOpaque(frame(OpGetK, StatusNoError, "b", flagsExtras(0), []byte("2"), 2), 0),
		)
		done, err := decodeChunks(t, batch, data)
		require.True(t, done)
		require.NoError(t, err)
		assert.Equal(t, "2", string(waiters["b"].slot.Value()))
	})

	t.Run("left over from a previous batch", func(t *testing.T) {
		batch, _, waiters, _ := newTestBatch("a")
		batch.ExpectOpaque(10, 1)

		require.NoError(t, batch.Feed(withOpaque(hitFrame("a", "old", 0, 1), 9)))
		done, err := batch.Decode()
		require.True(t, done)

		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Nil(t, waiters["a"].slot)
		assert.ErrorIs(t, waiters["a"].err, err)
	})
}

func TestBatch_LargeBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("large batch")
	}

	const n = 200_000
	keys := make([]string, n)
	var data bytes.Buffer
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		if i%3 == 0 {
			data.Write(missFrame(keys[i]))
		} else {
			data.Write(hitFrame(keys[i], "v", 0, uint64(i)))
		}
	}
	data.Write(terminalFrame())

	batch, alloc, waiters, _ := newTestBatch(keys...)

	start := time.Now()
	done, err := decodeChunks(t, batch, splitEvery(data.Bytes(), 64<<10)...)
	elapsed := time.Since(start)
	require.True(t, done)
	require.NoError(t, err)

	// Bookkeeping is constant time per frame. A linear scan per key takes
	// well over ten seconds at this size.
	assert.Less(t, elapsed, 10*time.Second)

	assert.Equal(t, n-n/3-1, batch.Results().Len())
	assert.Equal(t, 0, batch.registry.Len())
	assert.Len(t, alloc.released, 1)
	for _, w := range waiters {
		require.Equal(t, 1, w.released)
	}
}

func TestBatch_TrailingData(t *testing.T) {
	batch, alloc, waiters, _ := newTestBatch("a")

	done, err := decodeChunks(t, batch, stream(hitFrame("a", "1", 0, 1), terminalFrame(), []byte{0x81}))
	require.True(t, done)
	require.ErrorIs(t, err, ErrTrailingData)

	assert.Equal(t, 1, waiters["a"].released)
	assert.NoError(t, waiters["a"].err)
	assert.Len(t, alloc.released, 1)
	assert.ErrorIs(t, batch.Err(), ErrTrailingData)
}

func TestBatch_DecodeAfterDone(t *testing.T) {
	batch, alloc, _, _ := newTestBatch()

	_, err := decodeChunks(t, batch, terminalFrame())
	require.NoError(t, err)

	assert.ErrorIs(t, batch.Feed(terminalFrame()), ErrBatchDone)
	done, err := batch.Decode()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrBatchDone)
	assert.Len(t, alloc.released, 1, "buffer is released only once")
}

func TestBatch_States(t *testing.T) {
	batch, _, _, _ := newTestBatch("key")
	hit := hitFrame("key", "value", 1, 1)

	steps := []struct {
		upTo int
		want State
	}{
		{0, AwaitingFrame},
		{10, AwaitingFrame},
		{HeaderLen + 2, ParsingExtras},
		{HeaderLen + 4 + 1, ParsingKey},
		{HeaderLen + 4 + 3 + 2, ParsingValue},
		{len(hit), AwaitingFrame},
	}

	prev := 0
	for _, step := range steps {
		require.NoError(t, batch.Feed(hit[prev:step.upTo]))
		_, err := batch.Decode()
		require.NoError(t, err)
		assert.Equal(t, step.want, batch.State(), "after %d bytes", step.upTo)
		prev = step.upTo
	}
}

func TestBatch_Fail(t *testing.T) {
	batch, alloc, waiters, _ := newTestBatch("a", "b")

	require.NoError(t, batch.Feed(hitFrame("a", "1", 0, 1)))
	done, err := batch.Decode()
	require.NoError(t, err)
	require.False(t, done)

	failure := &ConnectionError{Op: "read", Err: errors.New("connection reset")}
	batch.Fail(failure)
	batch.Fail(errors.New("ignored"))

	assert.NoError(t, waiters["a"].err)
	assert.Equal(t, 1, waiters["a"].released)
	assert.Equal(t, 1, waiters["b"].released)
	assert.ErrorIs(t, waiters["b"].err, failure)
	assert.Empty(t, alloc.released)

	err = batch.Wait(context.Background())
	assert.ErrorIs(t, err, failure)

	_, err = batch.Decode()
	assert.ErrorIs(t, err, failure)
}

func TestBatch_Fill(t *testing.T) {
	batch, _, waiters, _ := newTestBatch("a")

	data := stream(hitFrame("a", "from reader", 0, 1), terminalFrame())
	r := &chunkReader{chunks: splitEvery(data, 9)}

	for {
		_, err := batch.Fill(r)
		require.NoError(t, err)
		done, err := batch.Decode()
		require.NoError(t, err)
		if done {
			break
		}
	}

	assert.Equal(t, "from reader", string(waiters["a"].slot.Value()))
}

func TestBatch_WaitTimeout(t *testing.T) {
	batch, _, _, _ := newTestBatch("a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, batch.Wait(ctx), context.DeadlineExceeded)
}

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}
