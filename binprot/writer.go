package binprot

import (
	"io"
	"sync"
)

// Pooled request buffers grown past this size are dropped instead of reused.
const maxPooledBufferSize = 64 << 10

// Buffer pool for building requests
var bufferPool = sync.Pool{
	New: func() any {
		// A batch of a dozen short keys fits in 512 bytes
		b := make([]byte, 0, 512)
		return &b
	},
}

// ValidateKey checks if a key is valid for the binary protocol.
// Keys must be 1-250 bytes. Whitespace and control characters are rejected
// so that keys stay interchangeable with text protocol clients.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength {
		return &InvalidKeyError{Key: key, Message: "key is empty"}
	}

	if len(key) > MaxKeyLength {
		return &InvalidKeyError{Key: key, Message: "key exceeds maximum length of 250 bytes"}
	}

	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return &InvalidKeyError{Key: key, Message: "key contains whitespace or control characters"}
		}
	}

	return nil
}

// AppendGetRequest appends a get-family request for key to dst.
// The key is not validated; OpNoOp is encoded with an empty key.
func AppendGetRequest(dst []byte, op Opcode, key string, opaque uint32) []byte {
	dst = AppendHeader(dst, Header{
		Magic:      MagicRequest,
		Opcode:     op,
		KeyLength:  uint16(len(key)),
		BodyLength: uint32(len(key)),
		Opaque:     opaque,
	})
	return append(dst, key...)
}

// AppendGetMulti appends a complete multi-get exchange to dst: one OpGetKQ
// request per key except the last, which uses OpGetK so that its response
// always comes back and closes the batch. Without keys the exchange is a
// single OpNoOp. Keys must be distinct.
//
// The opaque field of the i-th request is opaque+i, see OpaqueSpan.
func AppendGetMulti(dst []byte, keys []string, opaque uint32) ([]byte, error) {
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return dst, err
		}
	}

	if len(keys) == 0 {
		return AppendGetRequest(dst, OpNoOp, "", opaque), nil
	}

	last := len(keys) - 1
	for i, key := range keys[:last] {
		dst = AppendGetRequest(dst, OpGetKQ, key, opaque+uint32(i))
	}
	return AppendGetRequest(dst, OpGetK, keys[last], opaque+uint32(last)), nil
}

// OpaqueSpan returns the number of opaque values used by the exchange for n
// keys.
func OpaqueSpan(n int) uint32 {
	return uint32(max(n, 1))
}

// WriteGetMulti validates keys and writes a multi-get exchange to w.
//
// Nothing is written if any key is invalid. Writes to a bufio.Writer are not
// flushed, the caller decides when the batch goes out.
func WriteGetMulti(w io.Writer, keys []string, opaque uint32) error {
	bp := bufferPool.Get().(*[]byte)
	defer func() {
		if cap(*bp) <= maxPooledBufferSize {
			*bp = (*bp)[:0]
			bufferPool.Put(bp)
		}
	}()

	buf, err := AppendGetMulti((*bp)[:0], keys, opaque)
	*bp = buf
	if err != nil {
		return err
	}

	_, err = w.Write(buf)
	return err
}
