package discovery

import (
	"context"
	"time"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// EventKind distinguishes discovery events.
type EventKind int

const (
	// DeviceDiscovered reports a device seen for the first time, or seen
	// again after having been reported lost.
	DeviceDiscovered EventKind = iota + 1
	// DeviceLost reports a device that has not announced itself within the
	// lost timeout.
	DeviceLost
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case DeviceDiscovered:
		return "discovered"
	case DeviceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is a single discovery observation.
type Event struct {
	Kind     EventKind
	DeviceID string

	// Identity is set on DeviceDiscovered. BLE discoveries carry a minimal
	// identity (ID and name only) until the first handshake fills it in.
	Identity *protocol.DeviceIdentity

	// Address is where the device can be reached.
	Address transport.Address

	// Source names the producer that observed the device.
	Source string
}

// Producer is one discovery mechanism running as a background task.
// Run blocks until ctx is cancelled or the producer fails terminally;
// it must never close out.
type Producer interface {
	Name() string
	Run(ctx context.Context, out chan<- Event) error
}

// Discovery timing defaults.
const (
	// DefaultBroadcastInterval is how often the UDP producer announces us.
	DefaultBroadcastInterval = 10 * time.Second

	// DefaultLostTimeout is how long a device may stay silent before a
	// DeviceLost event is emitted.
	DefaultLostTimeout = 60 * time.Second

	// DefaultBLEScanInterval is how often the BLE producer scans.
	DefaultBLEScanInterval = 10 * time.Second
)
