package binprot

import "strconv"

// Magic identifies the direction of a binary protocol packet.
type Magic byte

// Opcode identifies the command of a binary protocol packet.
type Opcode byte

// Status is the 16-bit response status of a binary protocol packet.
type Status uint16

// Packet magic bytes
const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// Opcodes used by multi-get exchanges.
//
// A batch is encoded as one OpGetKQ request per distinct key but the last,
// which is sent as OpGetK. The server answers hits for the quiet requests
// (misses are suppressed) and always answers the OpGetK, hit or miss, which
// therefore marks the end of the batch. An empty batch is a lone OpNoOp.
const (
	// OpGet retrieves a value without echoing the key.
	OpGet Opcode = 0x00

	// OpGetQ is the quiet variant of OpGet (misses are not answered).
	OpGetQ Opcode = 0x09

	// OpNoOp is answered with an empty response. It ends an empty batch.
	OpNoOp Opcode = 0x0a

	// OpGetK retrieves a value and echoes the key. Its response ends a batch.
	OpGetK Opcode = 0x0c

	// OpGetKQ is the quiet variant of OpGetK.
	OpGetKQ Opcode = 0x0d
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpGetQ:
		return "GETQ"
	case OpNoOp:
		return "NOOP"
	case OpGetK:
		return "GETK"
	case OpGetKQ:
		return "GETKQ"
	default:
		return "0x" + strconv.FormatUint(uint64(o), 16)
	}
}

// Response statuses
const (
	StatusNoError          Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArguments Status = 0x0004
	StatusItemNotStored    Status = 0x0005
	StatusNonNumeric       Status = 0x0006
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
)

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "no error"
	case StatusKeyNotFound:
		return "key not found"
	case StatusKeyExists:
		return "key exists"
	case StatusValueTooLarge:
		return "value too large"
	case StatusInvalidArguments:
		return "invalid arguments"
	case StatusItemNotStored:
		return "item not stored"
	case StatusNonNumeric:
		return "incr/decr on non-numeric value"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusOutOfMemory:
		return "out of memory"
	default:
		return "status 0x" + strconv.FormatUint(uint64(s), 16)
	}
}

// Protocol limits and sizes
const (
	// HeaderLen is the fixed size of every request and response header.
	HeaderLen = 24

	// FlagsExtrasLen is the extras length of a get response carrying client flags.
	FlagsExtrasLen = 4

	// MinKeyLength is the minimum key length in bytes.
	MinKeyLength = 1

	// MaxKeyLength is the maximum key length in bytes.
	MaxKeyLength = 250

	// MaxValueLength bounds the body length accepted from a server (memcached's
	// default item size limit is 1MB, large slab configs go up to 1GB).
	MaxValueLength = 1 << 30
)
