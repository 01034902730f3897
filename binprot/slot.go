package binprot

// Slot accumulates the metadata and value of one key while its frame is
// decoded. A value may arrive across any number of reads.
type Slot struct {
	// Flags are the opaque client flags stored with the item.
	Flags uint32

	// CAS is the item's version stamp.
	CAS uint64

	capacity int // -1 until sized
	data     []byte
	filled   int
}

func newSlot(flags uint32, cas uint64) *Slot {
	return &Slot{Flags: flags, CAS: cas, capacity: -1}
}

// Capacity returns the value length, or -1 if the slot has not been sized yet.
func (s *Slot) Capacity() int {
	return s.capacity
}

// Filled returns the number of value bytes received so far.
func (s *Slot) Filled() int {
	return s.filled
}

// Complete reports whether the whole value has been received.
func (s *Slot) Complete() bool {
	return s.capacity >= 0 && s.filled == s.capacity
}

// Value returns the value bytes. It is nil until the slot is sized.
func (s *Slot) Value() []byte {
	return s.data
}

// size allocates the value buffer. Only the first call has an effect.
func (s *Slot) size(n int) {
	if n < 0 || s.capacity >= 0 {
		return
	}
	s.capacity = n
	s.data = make([]byte, n)
}

func (s *Slot) remaining() int {
	if s.capacity < 0 {
		return 0
	}
	return s.capacity - s.filled
}

// fill copies as much of p as fits and returns the number of bytes taken.
func (s *Slot) fill(p []byte) int {
	if s.remaining() == 0 {
		return 0
	}
	n := copy(s.data[s.filled:s.capacity], p)
	s.filled += n
	return n
}
