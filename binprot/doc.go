// Package binprot implements the memcached binary protocol pieces needed for
// batched multi-key fetches: request encoding and an incremental decoder that
// demultiplexes a response stream back to the callers of each key.
//
// # Exchange
//
// A batch for keys k1..kn is written as n-1 quiet get-with-key requests
// (GETKQ) and one get-with-key request (GETK) for the last key:
//
//	err := binprot.WriteGetMulti(conn, []string{"a", "b", "c"}, opaque)
//
// The server answers only the hits of the quiet requests, then always answers
// the GETK, whose response closes the batch. A batch without keys is a single
// NOOP, whose empty response also closes the batch. Requests carry
// consecutive opaque values starting at opaque; a connection that advances
// opaque by OpaqueSpan for every batch can call Batch.ExpectOpaque to reject
// responses left over from a previous batch.
//
// # Decoding
//
// Callers register themselves in a Registry, one Waiter per request. Several
// waiters may register for the same key; the first one is the primary and the
// others are its duplicates.
//
//	reg := binprot.NewRegistry()
//	reg.Register("a", w1)
//	reg.Register("a", w2) // duplicate, shares the wire request of w1
//
// A Batch then consumes the response stream in chunks of any size. Decoding
// never blocks: when a chunk ends in the middle of a frame the partial frame
// is kept and decoding resumes with the next chunk.
//
//	batch := binprot.NewBatch(reg, buf, allocator)
//	for {
//	    if _, err := batch.Fill(conn); err != nil {
//	        batch.Fail(&binprot.ConnectionError{Op: "read", Err: err})
//	        return err
//	    }
//	    done, err := batch.Decode()
//	    if done {
//	        return err
//	    }
//	}
//
// Each answered key is delivered to all its waiters as soon as its frame is
// complete. When the terminal frame is decoded the read buffer goes back to
// its allocator, every waiter still registered is released without a value
// (a miss), and the batch's own signal is released.
//
// # Error Handling
//
// A non-success status for a key is a miss, not an error. Errors that leave
// the stream position unknown (ParseError, ConnectionError) require closing
// the connection; use ShouldCloseConnection.
//
// # Thread Safety
//
// Registry, Results and Batch are not safe for concurrent use. Signal is.
package binprot
