package testutils

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pior/memcache-binary/binprot"
)

type storedItem struct {
	value []byte
	flags uint32
	cas   uint64
}

// Server is an in-process memcached speaking the binary protocol for the
// get commands used by multi-get batches. Quiet misses are not answered and
// responses are flushed when a non-quiet request is processed, like memcached.
type Server struct {
	listener net.Listener
	wg       sync.WaitGroup

	mu        sync.Mutex
	items     map[string]storedItem
	nextCAS   uint64
	requested []string
	batches   int
	chunkSize int
	delay     time.Duration
	failNext  bool
	conns     map[net.Conn]struct{}
}

// NewServer starts a server on a random local port. It is closed when the
// test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		listener: l,
		items:    make(map[string]storedItem),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Set stores an item.
func (s *Server) Set(key string, value []byte, flags uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCAS++
	s.items[key] = storedItem{value: value, flags: flags, cas: s.nextCAS}
}

// CAS returns the version stamp of a stored key.
func (s *Server) CAS(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key].cas
}

// SetChunkSize makes the server write responses in chunks of at most n bytes.
func (s *Server) SetChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = n
}

// SetDelay makes the server wait before answering each batch.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailNextBatch makes the server drop the connection instead of answering
// the next batch.
func (s *Server) FailNextBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// Batches returns the number of batches answered.
func (s *Server) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Requested returns every key requested so far, in arrival order.
func (s *Server) Requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requested...)
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	_ = s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	var hdr [binprot.HeaderLen]byte
	var out []byte

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		op := binprot.Opcode(hdr[1])
		keyLen := int(binary.BigEndian.Uint16(hdr[2:4]))
		extrasLen := int(hdr[4])
		bodyLen := int(binary.BigEndian.Uint32(hdr[8:12]))
		opaque := binary.BigEndian.Uint32(hdr[12:16])

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		if extrasLen+keyLen > bodyLen {
			return
		}
		key := string(body[extrasLen : extrasLen+keyLen])

		quiet := false
		switch op {
		case binprot.OpGetKQ, binprot.OpGetK:
			quiet = op == binprot.OpGetKQ
			out = s.appendGet(out, op, key, opaque)
		case binprot.OpNoOp:
			out = appendResponse(out, op, binprot.StatusNoError, "", nil, nil, 0, opaque)
		default:
			out = appendResponse(out, op, binprot.StatusUnknownCommand, "", nil, []byte("Unknown command"), 0, opaque)
		}
		if quiet {
			continue
		}

		s.mu.Lock()
		fail := s.failNext
		s.failNext = false
		if !fail {
			s.batches++
		}
		chunkSize, delay := s.chunkSize, s.delay
		s.mu.Unlock()

		if fail {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := writeChunks(conn, out, chunkSize); err != nil {
			return
		}
		out = out[:0]
	}
}

func (s *Server) appendGet(out []byte, op binprot.Opcode, key string, opaque uint32) []byte {
	s.mu.Lock()
	s.requested = append(s.requested, key)
	it, ok := s.items[key]
	s.mu.Unlock()

	if ok {
		extras := binary.BigEndian.AppendUint32(nil, it.flags)
		return appendResponse(out, op, binprot.StatusNoError, key, extras, it.value, it.cas, opaque)
	}
	if op == binprot.OpGetKQ {
		return out
	}
	return appendResponse(out, op, binprot.StatusKeyNotFound, key, nil, []byte("Not found"), 0, opaque)
}

func appendResponse(out []byte, op binprot.Opcode, status binprot.Status, key string, extras, value []byte, cas uint64, opaque uint32) []byte {
	out = binprot.AppendHeader(out, binprot.Header{
		Magic:        binprot.MagicResponse,
		Opcode:       op,
		KeyLength:    uint16(len(key)),
		ExtrasLength: uint8(len(extras)),
		Status:       status,
		BodyLength:   uint32(len(extras) + len(key) + len(value)),
		Opaque:       opaque,
		CAS:          cas,
	})
	out = append(out, extras...)
	out = append(out, key...)
	return append(out, value...)
}

func writeChunks(w io.Writer, p []byte, size int) error {
	if size <= 0 {
		size = len(p)
	}
	for len(p) > 0 {
		n := min(size, len(p))
		if _, err := w.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
