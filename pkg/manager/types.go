package manager

import (
	"fmt"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// ConnectionState is the per-device lifecycle state. It is owned by the
// Manager and mutated only through its API; other components observe
// transitions via events.
type ConnectionState uint8

const (
	StateDiscovered ConnectionState = iota
	StateHandshaking
	StatePaired
	StateRejected
	StateConnected
	StateDisconnected
	StateReconnecting
	StateAbandoned
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StatePaired:
		return "PAIRED"
	case StateRejected:
		return "REJECTED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s ConnectionState) Terminal() bool {
	return s == StateRejected || s == StateAbandoned
}

// Preference selects the transport attempt order.
type Preference uint8

const (
	// PreferTCP tries TCP before Bluetooth.
	PreferTCP Preference = iota
	// PreferBluetooth tries Bluetooth before TCP.
	PreferBluetooth
	// TCPFirst is an alias ordering of PreferTCP kept for configuration
	// compatibility.
	TCPFirst
	// BluetoothFirst is the Bluetooth-leading counterpart of TCPFirst.
	BluetoothFirst
	// TCPOnly never attempts Bluetooth.
	TCPOnly
	// BluetoothOnly never attempts TCP.
	BluetoothOnly
)

// ParsePreference maps a configuration string to a Preference.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "", "prefer-tcp":
		return PreferTCP, nil
	case "prefer-bluetooth":
		return PreferBluetooth, nil
	case "tcp-first":
		return TCPFirst, nil
	case "bluetooth-first":
		return BluetoothFirst, nil
	case "tcp-only":
		return TCPOnly, nil
	case "bluetooth-only":
		return BluetoothOnly, nil
	default:
		return 0, fmt.Errorf("unknown transport preference %q", s)
	}
}

// order returns the transport types to attempt, most preferred first.
func (p Preference) order() []transport.Type {
	switch p {
	case PreferBluetooth, BluetoothFirst:
		return []transport.Type{transport.TypeBluetooth, transport.TypeTCP}
	case TCPOnly:
		return []transport.Type{transport.TypeTCP}
	case BluetoothOnly:
		return []transport.Type{transport.TypeBluetooth}
	default:
		return []transport.Type{transport.TypeTCP, transport.TypeBluetooth}
	}
}

// exclusive reports whether fallback to another transport type is ruled out
// regardless of the auto-fallback setting.
func (p Preference) exclusive() bool {
	return p == TCPOnly || p == BluetoothOnly
}

// EventKind distinguishes manager events.
type EventKind int

const (
	// EventConnected: a device session is established and verified.
	EventConnected EventKind = iota + 1
	// EventDisconnected: a session ended. Err is nil for a local
	// disconnect and carries the classified cause otherwise.
	EventDisconnected
	// EventPacketReceived: one inbound packet from a connected device.
	EventPacketReceived
	// EventPairingRequested: a pair request awaits external acceptance.
	EventPairingRequested
	// EventPairingResult: a pair request was resolved.
	EventPairingResult
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPacketReceived:
		return "packet"
	case EventPairingRequested:
		return "pairing-requested"
	case EventPairingResult:
		return "pairing-result"
	default:
		return "unknown"
	}
}

// Event is the normalized form of all transport-specific happenings. Every
// transport's events surface through this one type.
type Event struct {
	Kind     EventKind
	DeviceID string

	// Identity is set on EventConnected.
	Identity *protocol.DeviceIdentity

	// Packet is set on EventPacketReceived.
	Packet *protocol.Packet

	// Address is the transport address involved, when known.
	Address transport.Address

	// Fingerprint is set on EventPairingRequested.
	Fingerprint string

	// Accepted is set on EventPairingResult.
	Accepted bool

	// Err carries the classified cause on EventDisconnected.
	Err error
}

// Gate is the admission-control hook consulted before a connection attempt.
// A nil Gate admits everything.
type Gate interface {
	// AdmitConnection reserves a connection slot for the device. The
	// returned error classifies as user-action-required when a ceiling is
	// hit.
	AdmitConnection(deviceID string) error

	// ReleaseConnection returns a previously admitted slot.
	ReleaseConnection(deviceID string)
}
