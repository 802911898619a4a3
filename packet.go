package gearman

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire framing: 4-byte magic, 4-byte big-endian type, 4-byte big-endian
// payload size, then the payload. Multi-field payloads join their fields
// with NUL bytes; only the final field may itself contain NUL bytes, which
// is why every variable-length packet puts the opaque argument or result
// last.
const (
	headerSize = 12

	// maxPacketSize bounds what we are willing to allocate for a single
	// decoded payload. A peer announcing more than this is treated as
	// misbehaving rather than trusted with the allocation.
	maxPacketSize = 64 << 20
)

var (
	magicReq = [4]byte{0, 'R', 'E', 'Q'}
	magicRes = [4]byte{0, 'R', 'E', 'S'}
)

// Packet is one decoded frame. Args holds the NUL-split payload fields;
// argCount below fixes how many fields a given type carries so the split
// never severs an opaque trailing field.
type Packet struct {
	Type PacketType
	Args [][]byte
}

// argCount returns how many NUL-separated fields a response payload of the
// given type carries. Splitting stops after argCount-1 separators so a
// trailing result blob keeps its embedded NUL bytes.
func argCount(pt PacketType) int {
	switch pt {
	case JobCreated, EchoRes, OptionRes:
		return 1
	case WorkFail:
		return 1
	case WorkComplete, WorkException, WorkData, WorkWarning, Error:
		return 2
	case WorkStatus:
		return 3
	case StatusRes:
		return 5
	default:
		return 1
	}
}

// encodePacket frames a request. Fields are joined with NUL separators; the
// caller is responsible for putting the only NUL-bearing field last.
func encodePacket(pt PacketType, args ...[]byte) []byte {
	return encodeFrame(magicReq, pt, args...)
}

func encodeFrame(magic [4]byte, pt PacketType, args ...[]byte) []byte {
	size := 0
	for _, a := range args {
		size += len(a)
	}
	if len(args) > 1 {
		size += len(args) - 1
	}

	buf := make([]byte, headerSize, headerSize+size)
	copy(buf, magic[:])
	binary.BigEndian.PutUint32(buf[4:], uint32(pt))
	binary.BigEndian.PutUint32(buf[8:], uint32(size))
	for i, a := range args {
		if i > 0 {
			buf = append(buf, 0)
		}
		buf = append(buf, a...)
	}
	return buf
}

// decodeHeader validates a response header and returns its type and payload
// size.
func decodeHeader(header []byte) (PacketType, int, error) {
	if len(header) != headerSize {
		return 0, 0, fmt.Errorf("%w: short header (%d bytes)", ErrProtocol, len(header))
	}
	if !bytes.Equal(header[:4], magicRes[:]) {
		return 0, 0, fmt.Errorf("%w: bad magic %q", ErrProtocol, header[:4])
	}
	pt := PacketType(binary.BigEndian.Uint32(header[4:8]))
	size := binary.BigEndian.Uint32(header[8:12])
	if size > maxPacketSize {
		return 0, 0, fmt.Errorf("%w: announced %d bytes", ErrPacketTooLarge, size)
	}
	return pt, int(size), nil
}

// decodePayload splits a payload into the fixed field count for its type.
func decodePayload(pt PacketType, payload []byte) (*Packet, error) {
	want := argCount(pt)
	args := bytes.SplitN(payload, []byte{0}, want)
	if len(payload) == 0 {
		args = nil
	}
	if len(args) < want && want > 1 {
		return nil, fmt.Errorf("%w: %s payload has %d fields, want %d",
			ErrProtocol, pt, len(args), want)
	}
	return &Packet{Type: pt, Args: args}, nil
}

// arg returns the i-th field, tolerating short packets from lax servers.
func (p *Packet) arg(i int) []byte {
	if i < len(p.Args) {
		return p.Args[i]
	}
	return nil
}
