package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
)

// Type identifies a transport variant.
type Type uint8

const (
	// TypeTCP is TLS over TCP.
	TypeTCP Type = iota

	// TypeBluetooth is Bluetooth LE GATT.
	TypeBluetooth
)

// String returns the transport type name.
func (t Type) String() string {
	switch t {
	case TypeTCP:
		return "TCP"
	case TypeBluetooth:
		return "BLUETOOTH"
	default:
		return "UNKNOWN"
	}
}

// LatencyClass is a coarse latency bucket for a transport.
type LatencyClass uint8

const (
	LatencyLow LatencyClass = iota
	LatencyMedium
	LatencyHigh
)

// String returns the latency class name.
func (l LatencyClass) String() string {
	switch l {
	case LatencyLow:
		return "LOW"
	case LatencyMedium:
		return "MEDIUM"
	case LatencyHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Capabilities describes what a transport can carry. Computed once per
// transport type and never mutated after construction.
type Capabilities struct {
	// MaxPacketSize is the largest encoded packet the transport accepts.
	MaxPacketSize int

	// Reliable indicates delivery and integrity guarantees.
	Reliable bool

	// ConnectionOriented indicates a session must be established first.
	ConnectionOriented bool

	// Latency is the expected latency class.
	Latency LatencyClass
}

// Transport constants.
const (
	// TCPMaxPacketSize is the control-channel packet cap on TCP.
	TCPMaxPacketSize = protocol.MaxPacketSize // 1 MiB

	// BLEMaxPacketSize is the GATT MTU-bound packet cap on Bluetooth LE.
	BLEMaxPacketSize = 512

	// TCPConnectTimeout bounds TCP dial plus TLS handshake.
	TCPConnectTimeout = 10 * time.Second

	// BLEConnectTimeout bounds BLE connect plus service discovery.
	// Longer than TCP to reflect radio latency.
	BLEConnectTimeout = 15 * time.Second
)

// TCPCapabilities returns the capability description of the TCP transport.
func TCPCapabilities() Capabilities {
	return Capabilities{
		MaxPacketSize:      TCPMaxPacketSize,
		Reliable:           true,
		ConnectionOriented: true,
		Latency:            LatencyLow,
	}
}

// BLECapabilities returns the capability description of the BLE transport.
func BLECapabilities() Capabilities {
	return Capabilities{
		MaxPacketSize:      BLEMaxPacketSize,
		Reliable:           true,
		ConnectionOriented: true,
		Latency:            LatencyMedium,
	}
}

// Address identifies a connection endpoint. It is a tagged union over the
// transport variants; the Type field selects which fields are meaningful.
// Two addresses for the same logical device are distinct connection keys
// unless merged by device identity at a higher layer.
type Address struct {
	Type Type

	// TCP fields.
	Host string
	Port uint16

	// Bluetooth fields.
	Device  string // adapter address, e.g. "AA:BB:CC:DD:EE:FF"
	Service string // GATT service UUID
}

// TCPAddress builds a TCP endpoint address.
func TCPAddress(host string, port uint16) Address {
	return Address{Type: TypeTCP, Host: host, Port: port}
}

// BluetoothAddress builds a Bluetooth LE endpoint address.
func BluetoothAddress(device, service string) Address {
	return Address{Type: TypeBluetooth, Device: device, Service: service}
}

// Key returns a stable map key for the address.
func (a Address) Key() string {
	switch a.Type {
	case TypeTCP:
		return fmt.Sprintf("tcp/%s:%d", a.Host, a.Port)
	case TypeBluetooth:
		return fmt.Sprintf("ble/%s/%s", a.Device, a.Service)
	default:
		return "unknown"
	}
}

// String returns a human-readable form of the address.
func (a Address) String() string {
	return a.Key()
}

// Connection is an established, bidirectional packet channel to a peer.
//
// Send preserves per-connection ordering: packets are written in call order
// and never reordered by the transport layer. Received packets are pushed
// on the Packets channel, which is closed when the connection ends; Err
// reports the terminal error (nil for a locally initiated close).
type Connection interface {
	// Send writes one packet. It fails fast with ErrPacketExceedsMTU if
	// the encoded packet is larger than the transport's MaxPacketSize,
	// before any I/O occurs.
	Send(p *protocol.Packet) error

	// Packets is the inbound packet stream. Closed on disconnect.
	Packets() <-chan *protocol.Packet

	// Done is closed when the connection has fully shut down.
	Done() <-chan struct{}

	// Err returns the classified error that ended the connection, or nil
	// after a clean local close. Valid once Done is closed.
	Err() error

	// RemoteAddress returns the peer's transport address.
	RemoteAddress() Address

	// PeerCertificate returns the peer's TLS certificate, or nil when the
	// transport carries no certificate (BLE).
	PeerCertificate() *x509.Certificate

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport is a factory for outbound connections of one variant.
type Transport interface {
	// Type returns the transport variant.
	Type() Type

	// Capabilities returns the immutable capability description.
	Capabilities() Capabilities

	// Connect dials the address and completes the transport handshake.
	// The context bounds the whole attempt; cancelling it must not leak
	// the underlying socket or radio handle.
	Connect(ctx context.Context, addr Address) (Connection, error)
}

// Listener is implemented by transports that also accept inbound
// connections. Accepted connections are delivered on the channel returned
// by Listen until the context is cancelled.
type Listener interface {
	Listen(ctx context.Context) (<-chan Connection, error)
}
