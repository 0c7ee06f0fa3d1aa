// Package wire implements the host runtime's on-the-wire and on-disk
// codecs: the 12-byte stream-transport frame, and the small tagged-record
// file formats (scan map, snapshot, manifest, memory map, init-call list).
//
// All integers are little-endian. Structs are marshaled field-by-field with
// encoding/binary rather than via reflection or an unsafe memory cast, so
// the wire layout is independent of host struct padding.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType is byte 0 of a 12-byte stream frame. The same numeric value is
// read as a request type host->peer and a response type peer->host.
type FrameType uint8

const (
	FrameRead     FrameType = 0 // host->peer request; peer->host ReadResp
	FrameWrite    FrameType = 1 // host->peer request; peer->host WriteAck
	FrameIrq      FrameType = 2 // peer->host only
	FrameShutdown FrameType = 3 // either direction
)

func (t FrameType) String() string {
	switch t {
	case FrameRead:
		return "Read/ReadResp"
	case FrameWrite:
		return "Write/WriteAck"
	case FrameIrq:
		return "Irq"
	case FrameShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// FrameSize is the fixed wire size of every stream-transport message.
const FrameSize = 12

// Frame is the decoded form of a 12-byte message.
//
//	byte 0      type
//	bytes 1-3   reserved, must be zero
//	bytes 4-7   address (host->peer) or read data (peer->host)
//	bytes 8-11  write data (host->peer) or irq bitmask (peer->host)
type Frame struct {
	Type    FrameType
	AddrOrData uint32 // address on a request, or read-result/irq-mask on a response
	WriteData  uint32 // write data on a request; unused on most responses
}

// EncodeFrame packs a Frame into a fresh FrameSize-byte buffer.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, FrameSize)
	buf[0] = byte(f.Type)
	// bytes 1-3 left zero (reserved)
	binary.LittleEndian.PutUint32(buf[4:8], f.AddrOrData)
	binary.LittleEndian.PutUint32(buf[8:12], f.WriteData)
	return buf
}

// DecodeFrame unpacks exactly FrameSize bytes into a Frame.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < FrameSize {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Type:       FrameType(buf[0]),
		AddrOrData: binary.LittleEndian.Uint32(buf[4:8]),
		WriteData:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// ReadRequest builds the frame for a read32(addr) request.
func ReadRequest(addr uint32) []byte {
	return EncodeFrame(Frame{Type: FrameRead, AddrOrData: addr})
}

// WriteRequest builds the frame for a write32(addr, val) request.
func WriteRequest(addr, val uint32) []byte {
	return EncodeFrame(Frame{Type: FrameWrite, AddrOrData: addr, WriteData: val})
}

// WireError is a small sentinel error type for this package, following the
// host runtime's structured-error convention of string-valued error codes.
type WireError string

func (e WireError) Error() string { return string(e) }

const (
	ErrShortFrame       WireError = "wire: frame shorter than 12 bytes"
	ErrInsufficientData WireError = "wire: insufficient data for record"
	ErrBadTag           WireError = "wire: unexpected record tag"
	ErrTruncated        WireError = "wire: truncated record"
)
