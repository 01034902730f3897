package memcache

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal"
)

const defaultReadBufferSize = 16 << 10

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Connection is a connection to one memcached server. It runs one batch at a
// time and must not be shared between goroutines, the pools take care of it.
type Connection struct {
	conn    net.Conn
	Writer  *bufio.Writer
	buffers *internal.BufferPool

	// first opaque of the next batch, each batch uses a fresh range
	opaque uint32
}

// NewConnection wraps conn. Read buffers are borrowed from buffers, or from a
// private pool when buffers is nil.
func NewConnection(conn net.Conn, buffers *internal.BufferPool) *Connection {
	if buffers == nil {
		buffers = internal.NewBufferPool(defaultReadBufferSize)
	}
	return &Connection{
		conn:    conn,
		Writer:  bufio.NewWriter(conn),
		buffers: buffers,
	}
}

// ExecuteBatch sends a multi-get for every key of reg and decodes the
// responses until the end of the batch. Every waiter of reg is released
// exactly once before ExecuteBatch returns, with the error when it fails.
//
// The returned Results hold every value received, whether a waiter was
// registered for it or not.
func (c *Connection) ExecuteBatch(ctx context.Context, reg *binprot.Registry) (*binprot.Results, error) {
	if err := ctx.Err(); err != nil {
		reg.ReleaseAll(err)
		return nil, err
	}

	// A zero deadline clears the previous one.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		connErr := &binprot.ConnectionError{Op: "set deadline", Err: err}
		reg.ReleaseAll(connErr)
		return nil, connErr
	}

	// Cancellation unblocks any pending read or write. The connection must
	// not go back to the pool while the deadline is being moved.
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(aLongTimeAgo)
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	keys := reg.Keys()
	batch := binprot.NewBatch(reg, c.buffers.Get(), c.buffers)

	// Bytes a misbehaving server sent after the end of the previous batch
	// carry that batch's opaques and fail this one.
	opaque, span := c.opaque, binprot.OpaqueSpan(len(keys))
	c.opaque += span
	batch.ExpectOpaque(opaque, span)

	if err := binprot.WriteGetMulti(c.Writer, keys, opaque); err != nil {
		var keyErr *binprot.InvalidKeyError
		if !errors.As(err, &keyErr) {
			err = c.ioError(ctx, "write", err)
		}
		batch.Fail(err)
		return nil, err
	}
	if err := c.Writer.Flush(); err != nil {
		err = c.ioError(ctx, "write", err)
		batch.Fail(err)
		return nil, err
	}

	for {
		n, readErr := batch.Fill(c.conn)
		if n > 0 {
			done, err := batch.Decode()
			if done {
				return batch.Results(), err
			}
		}
		if readErr != nil {
			err := c.ioError(ctx, "read", readErr)
			batch.Fail(err)
			return nil, err
		}
	}
}

// Ping runs an empty batch, which is a single no-op round trip.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.ExecuteBatch(ctx, binprot.NewRegistry())
	return err
}

// ioError reports the context error rather than the socket deadline it caused.
func (c *Connection) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		// The socket can time out slightly before the context timer fires.
		err = context.DeadlineExceeded
	}
	return &binprot.ConnectionError{Op: op, Err: err}
}

func (c *Connection) Close() error {
	return c.conn.Close()
}
