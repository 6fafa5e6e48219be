package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// MaxPacketSize is the hard cap on a serialized packet. Frames larger
// than this are rejected before any JSON allocation happens.
const MaxPacketSize = 1 << 20 // 1 MiB

// Codec errors.
var (
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	ErrMalformedJSON  = errors.New("malformed packet JSON")
	ErrMissingType    = errors.New("packet has no type")
	ErrEmptyFrame     = errors.New("empty packet frame")
)

// Encode serializes a packet as a single JSON line, newline terminator
// included. The returned buffer is freshly allocated.
func Encode(p *Packet) ([]byte, error) {
	data, err := sonic.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	if len(data)+1 > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data)+1, MaxPacketSize)
	}
	return append(data, '\n'), nil
}

// EncodedSize returns the serialized size of a packet including the newline
// terminator. Used for transport MTU checks before any I/O occurs.
func EncodedSize(p *Packet) (int, error) {
	data, err := sonic.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode packet: %w", err)
	}
	return len(data) + 1, nil
}

// Decode parses a single packet frame. The frame may or may not carry its
// trailing newline. Oversized frames are rejected by length before parsing
// so a malicious peer cannot force unbounded allocation, and packets with a
// missing or empty type are refused.
func Decode(data []byte) (*Packet, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), MaxPacketSize)
	}

	var p Packet
	if err := sonic.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if p.Type == "" {
		return nil, ErrMissingType
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	return &p, nil
}
