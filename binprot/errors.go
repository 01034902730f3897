package binprot

import (
	"errors"
	"fmt"
)

// Error types for binary protocol operations.
// They tell the transport whether the connection can be reused after a failure.

var (
	// ErrDuplicateKey is returned when a key shows up twice in one batch.
	// The protocol answers each distinct key at most once, so a repeat means
	// the stream is out of sync with the request.
	ErrDuplicateKey = &ParseError{Message: "key returned twice in one batch"}

	// ErrTrailingData is returned when bytes follow the terminal frame of a batch.
	ErrTrailingData = &ParseError{Message: "unexpected data after end of batch"}

	// ErrBatchDone is returned when a finished batch is asked to decode more data.
	ErrBatchDone = errors.New("binprot: batch already finished")
)

// ParseError represents a malformed response stream.
// Raised for a bad magic byte, an unexpected opcode, inconsistent lengths or
// a key repeated within a batch.
//
// Connection handling: CLOSE connection, the stream position is unknown.
type ParseError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "binprot: parse error: " + e.Message + ": " + e.Err.Error()
	}
	return "binprot: parse error: " + e.Message
}

// Unwrap returns the underlying error for error chain inspection
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - parse errors indicate corrupted state
func (e *ParseError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps underlying I/O errors from connection operations.
//
// Connection handling: Connection is already broken, CLOSE and potentially RECONNECT
type ConnectionError struct {
	Op  string // Operation that failed (read, write, etc.)
	Err error  // Underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("binprot: connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - connection errors mean connection is broken
func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// InvalidKeyError is returned when a key fails validation before being sent.
//
// Connection handling: Connection is still valid, the request was rejected client-side
type InvalidKeyError struct {
	Key     string
	Message string
}

func (e *InvalidKeyError) Error() string {
	return "binprot: invalid key " + fmt.Sprintf("%q", e.Key) + ": " + e.Message
}

// ShouldCloseConnection returns false - nothing was written to the connection
func (e *InvalidKeyError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by all protocol error types.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
//
// Returns false for nil and InvalidKeyError, true for ParseError,
// ConnectionError and any unknown error.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	// Unknown error type - be conservative and close connection
	return true
}
