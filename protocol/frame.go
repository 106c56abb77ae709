// Package protocol implements the length-prefixed framing codec: a u32
// total length, a one-byte frame type, a u32 sequence number, a u64
// request id, a payload, and a trailing integrity checksum. All
// multi-byte integers are network byte order.
package protocol

import (
	"encoding/binary"
	"hash/fnv"

	"qlserver/errs"
)

// Type identifies the kind of payload a Frame carries.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeText
	TypeFileStream
	TypeBinary
	TypeHeartbeat
)

const (
	// headerSize is type(1) + sequence(4) + requestID(8), the portion of
	// the frame covered by length but preceding the payload.
	headerSize = 1 + 4 + 8
	// hashSize is the width of the trailing FNV-1a 64 checksum.
	hashSize = 8
	// minBodySize is the smallest legal value of the length prefix: a
	// header and checksum with an empty payload.
	minBodySize = headerSize + hashSize
	// maxBodySize bounds a single frame to 16 MiB to keep a single bad
	// length prefix from causing unbounded buffering.
	maxBodySize = 16 << 20
	// LengthPrefixSize is the width of the leading length field itself.
	LengthPrefixSize = 4
)

// Frame is one decoded packet.
type Frame struct {
	Type      Type
	Sequence  uint32
	RequestID uint64
	Payload   []byte
}

func checksum(typ Type, seq uint32, reqID uint64, payload []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(typ)})
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], seq)
	h.Write(tmp[:4])
	binary.BigEndian.PutUint64(tmp[:], reqID)
	h.Write(tmp[:])
	h.Write(payload)
	return h.Sum64()
}

// Encode serializes f into a complete wire frame, including the leading
// length prefix and trailing checksum.
func Encode(f Frame) []byte {
	bodyLen := headerSize + len(f.Payload) + hashSize
	out := make([]byte, LengthPrefixSize+bodyLen)

	binary.BigEndian.PutUint32(out[0:4], uint32(bodyLen))
	out[4] = byte(f.Type)
	binary.BigEndian.PutUint32(out[5:9], f.Sequence)
	binary.BigEndian.PutUint64(out[9:17], f.RequestID)
	copy(out[17:17+len(f.Payload)], f.Payload)

	sum := checksum(f.Type, f.Sequence, f.RequestID, f.Payload)
	binary.BigEndian.PutUint64(out[17+len(f.Payload):], sum)
	return out
}

// decodeBody parses a body slice (everything after the length prefix,
// exactly as many bytes as the prefix declares) into a Frame.
func decodeBody(body []byte) (Frame, error) {
	if len(body) < minBodySize {
		return Frame{}, errs.ErrInvalidData
	}
	payload := body[headerSize : len(body)-hashSize]
	f := Frame{
		Type:      Type(body[0]),
		Sequence:  binary.BigEndian.Uint32(body[1:5]),
		RequestID: binary.BigEndian.Uint64(body[5:13]),
		Payload:   append([]byte(nil), payload...),
	}
	wantSum := binary.BigEndian.Uint64(body[len(body)-hashSize:])
	gotSum := checksum(f.Type, f.Sequence, f.RequestID, f.Payload)
	if wantSum != gotSum {
		return Frame{}, errs.ErrHashMismatched
	}
	return f, nil
}
