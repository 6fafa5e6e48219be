package protocol

import (
	"time"
)

// ProtocolVersion is the KDE Connect protocol version this implementation speaks.
const ProtocolVersion = 8

// Well-known packet types handled by the core itself.
// Plugin packet types (battery, clipboard, ...) are opaque dotted strings.
const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// Discovery and transfer port constants.
//
// The historical KDE Connect range is 1714-1764; we listen on 1716 and
// allocate payload-transfer listeners from the upper part of the range so
// both daemons can coexist on one host.
const (
	// DiscoveryPort is the UDP port identity packets are broadcast on.
	DiscoveryPort = 1716

	// PortRangeMin is the lowest usable protocol port.
	PortRangeMin = 1716

	// PortRangeMax is the highest usable protocol port.
	PortRangeMax = 1764

	// TransferPortMin is the lowest port used for payload side channels.
	TransferPortMin = 1739
)

// PayloadTransferInfo describes the side channel carrying a bulk payload.
type PayloadTransferInfo struct {
	// Port is the TCP port the sender listens on for the payload connection.
	Port uint16 `json:"port"`
}

// Packet is a single protocol message.
//
// A Packet is immutable once constructed. The sender owns it exclusively
// until it is handed to a transport, after which it belongs to the
// transport's outbound queue.
type Packet struct {
	// ID is a millisecond timestamp. Non-decreasing per sender.
	ID int64 `json:"id"`

	// Type is the dotted capability name, e.g. "kdeconnect.battery".
	Type string `json:"type"`

	// Body is the opaque packet payload.
	Body map[string]any `json:"body"`

	// PayloadSize is the size in bytes of an attached bulk payload, if any.
	PayloadSize *int64 `json:"payloadSize,omitempty"`

	// PayloadTransferInfo describes how to fetch the bulk payload, if any.
	PayloadTransferInfo *PayloadTransferInfo `json:"payloadTransferInfo,omitempty"`
}

// New creates a packet of the given type with the current timestamp as ID.
func New(packetType string, body map[string]any) *Packet {
	if body == nil {
		body = map[string]any{}
	}
	return &Packet{
		ID:   CurrentTimestamp(),
		Type: packetType,
		Body: body,
	}
}

// NewWithPayload creates a packet announcing a bulk payload of size bytes
// served on the given side-channel port.
func NewWithPayload(packetType string, body map[string]any, size int64, port uint16) *Packet {
	p := New(packetType, body)
	p.PayloadSize = &size
	p.PayloadTransferInfo = &PayloadTransferInfo{Port: port}
	return p
}

// CurrentTimestamp returns the current time in milliseconds since the epoch,
// the unit packet IDs are expressed in.
func CurrentTimestamp() int64 {
	return time.Now().UnixMilli()
}

// HasPayload reports whether the packet announces a bulk payload.
func (p *Packet) HasPayload() bool {
	return p.PayloadSize != nil && p.PayloadTransferInfo != nil
}

// IsIdentity reports whether the packet is an identity packet.
func (p *Packet) IsIdentity() bool {
	return p.Type == TypeIdentity
}

// IsPair reports whether the packet is a pairing packet.
func (p *Packet) IsPair() bool {
	return p.Type == TypePair
}
