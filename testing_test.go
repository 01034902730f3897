package memcache

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal/testutils"
	"github.com/stretchr/testify/require"
)

// responseFrame builds a binary protocol response.
func responseFrame(op binprot.Opcode, status binprot.Status, key string, value string, flags uint32) []byte {
	var extras []byte
	if status == binprot.StatusNoError && key != "" {
		extras = binary.BigEndian.AppendUint32(nil, flags)
	}
	b := binprot.AppendHeader(nil, binprot.Header{
		Magic:        binprot.MagicResponse,
		Opcode:       op,
		KeyLength:    uint16(len(key)),
		ExtrasLength: uint8(len(extras)),
		Status:       status,
		BodyLength:   uint32(len(extras) + len(key) + len(value)),
	})
	b = append(b, extras...)
	b = append(b, key...)
	return append(b, value...)
}

func newPendingGet(key string) *pendingGet {
	return &pendingGet{signal: binprot.NewSignal(), item: Item{Key: key}}
}

func requireReleased(t testing.TB, g *pendingGet) {
	t.Helper()
	require.True(t, g.signal.Released(), "waiter for %q was not released", g.item.Key)
}

// newTestClient creates a client for the given servers, closed when the test ends.
func newTestClient(t testing.TB, config Config, servers ...*testutils.Server) *Client {
	t.Helper()

	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.Addr()
	}

	client, err := NewClient(NewStaticServers(addrs...), config)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func createListener(t testing.TB, handler func(conn net.Conn)) string {
	// Start a simple test server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}

	t.Cleanup(func() {
		listener.Close()
	})

	// Accept connections in background
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				if handler != nil {
					handler(c)
				}
			}(conn)
		}
	}()

	// Give the server time to start
	time.Sleep(10 * time.Millisecond)

	return listener.Addr().String()
}

// garbageResponder answers any request with bytes that are not a binary protocol response.
func garbageResponder(conn net.Conn) {
	buf := make([]byte, 1024)
	if _, err := conn.Read(buf); err != nil {
		return
	}
	_, _ = conn.Write([]byte("ERROR\r\n" + string(make([]byte, binprot.HeaderLen))))
}

// closedAddr returns the address of a port nothing listens on.
func closedAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// withOpaque sets the opaque field of a response frame.
func withOpaque(frame []byte, opaque uint32) []byte {
	binary.BigEndian.PutUint32(frame[12:16], opaque)
	return frame
}

// countingWaiter counts the calls a batch makes on it.
type countingWaiter struct {
	delivered int
	released  int
	value     []byte
	err       error
}

func (w *countingWaiter) Deliver(slot *binprot.Slot) {
	w.delivered++
	if slot != nil {
		w.value = slot.Value()
	}
}

func (w *countingWaiter) Release(err error) {
	w.released++
	w.err = err
}
