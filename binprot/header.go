package binprot

import (
	"encoding/binary"
	"strconv"
)

// Header is the fixed 24-byte header of a binary protocol packet.
//
//	byte  0: magic
//	byte  1: opcode
//	bytes 2-3: key length
//	byte  4: extras length
//	byte  5: data type
//	bytes 6-7: status (responses) or vbucket id (requests)
//	bytes 8-11: total body length (extras + key + value)
//	bytes 12-15: opaque
//	bytes 16-23: CAS
//
// All integers are big endian.
type Header struct {
	Magic        Magic
	Opcode       Opcode
	KeyLength    uint16
	ExtrasLength uint8
	DataType     uint8
	Status       Status
	BodyLength   uint32
	Opaque       uint32
	CAS          uint64
}

// ValueLength returns the length of the value section of the body.
// It is negative when the header is inconsistent.
func (h *Header) ValueLength() int {
	return int(h.BodyLength) - int(h.KeyLength) - int(h.ExtrasLength)
}

// ParseResponseHeader decodes a response header from the first HeaderLen bytes of b.
func ParseResponseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, &ParseError{Message: "short header: " + strconv.Itoa(len(b)) + " bytes"}
	}

	h := Header{
		Magic:        Magic(b[0]),
		Opcode:       Opcode(b[1]),
		KeyLength:    binary.BigEndian.Uint16(b[2:4]),
		ExtrasLength: b[4],
		DataType:     b[5],
		Status:       Status(binary.BigEndian.Uint16(b[6:8])),
		BodyLength:   binary.BigEndian.Uint32(b[8:12]),
		Opaque:       binary.BigEndian.Uint32(b[12:16]),
		CAS:          binary.BigEndian.Uint64(b[16:24]),
	}

	if h.Magic != MagicResponse {
		return h, &ParseError{Message: "bad magic byte 0x" + strconv.FormatUint(uint64(h.Magic), 16)}
	}
	if h.BodyLength > MaxValueLength {
		return h, &ParseError{Message: "body length " + strconv.FormatUint(uint64(h.BodyLength), 10) + " exceeds limit"}
	}

	return h, nil
}

// AppendHeader appends the wire encoding of h to dst.
// The status field is written as-is, which is the vbucket id for requests.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, byte(h.Magic), byte(h.Opcode))
	dst = binary.BigEndian.AppendUint16(dst, h.KeyLength)
	dst = append(dst, h.ExtrasLength, h.DataType)
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Status))
	dst = binary.BigEndian.AppendUint32(dst, h.BodyLength)
	dst = binary.BigEndian.AppendUint32(dst, h.Opaque)
	dst = binary.BigEndian.AppendUint64(dst, h.CAS)
	return dst
}
