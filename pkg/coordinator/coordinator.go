// Package coordinator wires discovery, the transport manager, recovery,
// and admission control into one event stream for plugin consumers.
//
// It is pure composition: it subscribes to the sub-components' events,
// consults the resource gate before any action, drives retry and cleanup
// work on a periodic tick, and republishes a single normalized stream. It
// holds no state of its own; removing it and wiring the components
// directly would reproduce the same externally observable behavior.
package coordinator

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/cosmic-connect/connect-go/pkg/discovery"
	"github.com/cosmic-connect/connect-go/pkg/manager"
	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/recovery"
	"github.com/cosmic-connect/connect-go/pkg/resource"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// DefaultTick drives retry processing, transfer garbage collection, and
// idle reclaim.
const DefaultTick = 5 * time.Second

// EventKind distinguishes the plugin-facing events.
type EventKind int

const (
	EventDiscovered EventKind = iota + 1
	EventLost
	EventConnected
	EventDisconnected
	EventPacketReceived
	EventPairingRequested
	EventPairingResult
	EventDeliveryFailed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventLost:
		return "lost"
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
	case EventDeliveryFailed:
		return "delivery-failed"
	default:
		return "unknown"
	}
}

// Event is the normalized plugin-facing event.
type Event struct {
	Kind        EventKind
	DeviceID    string
	Identity    *protocol.DeviceIdentity
	Packet      *protocol.Packet
	Address     transport.Address
	Fingerprint string
	Accepted    bool
	Err         error
}

// Config configures the coordinator.
type Config struct {
	// Tick is the period of retry/cleanup processing (default 5s).
	Tick time.Duration

	// AutoConnect connects to trusted devices as soon as discovery sees
	// them (default behavior; disable for fully manual operation).
	AutoConnect bool
}

// Coordinator is the composition layer.
type Coordinator struct {
	config    Config
	discovery *discovery.Service
	manager   *manager.Manager
	reconnect *recovery.Reconnector
	retries   *recovery.RetryQueue
	transfers *recovery.TransferStore
	resources *resource.Manager
	logger    *log.Logger

	events chan Event
}

// New creates the coordinator over already-constructed components and
// wires the cross-component callbacks.
func New(
	config Config,
	disco *discovery.Service,
	mgr *manager.Manager,
	reconnect *recovery.Reconnector,
	retries *recovery.RetryQueue,
	transfers *recovery.TransferStore,
	resources *resource.Manager,
	logger *log.Logger,
) *Coordinator {
	if config.Tick == 0 {
		config.Tick = DefaultTick
	}
	if logger == nil {
		logger = log.Default()
	}

	c := &Coordinator{
		config:    config,
		discovery: disco,
		manager:   mgr,
		reconnect: reconnect,
		retries:   retries,
		transfers: transfers,
		resources: resources,
		logger:    logger.With("component", "coordinator"),
		events:    make(chan Event, 64),
	}

	retries.OnDeliveryFailed(func(deviceID string, p *protocol.Packet) {
		resources.ReleaseQueuedPacket(deviceID, packetSize(p))
		c.emit(Event{Kind: EventDeliveryFailed, DeviceID: deviceID, Packet: p})
	})
	retries.OnDelivered(func(deviceID string, p *protocol.Packet) {
		resources.ReleaseQueuedPacket(deviceID, packetSize(p))
	})

	return c
}

// Events returns the plugin-facing event stream.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Run processes events and ticks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.consumeDiscovery(ctx) })
	g.Go(func() error { return c.consumeManager(ctx) })
	g.Go(func() error { return c.tick(ctx) })

	err := g.Wait()
	close(c.events)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Send delivers a packet to a device, queueing it for retry when the
// transport is transiently unavailable. Queue room is admitted before the
// packet is held.
func (c *Coordinator) Send(deviceID string, p *protocol.Packet) error {
	err := c.manager.SendPacket(deviceID, p)
	if err == nil {
		c.resources.Touch(deviceID)
		return nil
	}
	if !transport.IsRecoverable(err) {
		return err
	}

	if admitErr := c.resources.AdmitQueuedPacket(deviceID, packetSize(p)); admitErr != nil {
		return admitErr
	}
	if enqueueErr := c.retries.Enqueue(deviceID, p); enqueueErr != nil {
		c.resources.ReleaseQueuedPacket(deviceID, packetSize(p))
		return enqueueErr
	}
	c.logger.Debug("packet queued for retry", "device", deviceID, "type", p.Type)
	return nil
}

// StartTransfer admits and checkpoints a new inbound transfer.
func (c *Coordinator) StartTransfer(state *recovery.TransferState) error {
	if err := c.resources.AdmitTransfer(state.DeviceID, state.TotalSize); err != nil {
		return err
	}
	if err := c.transfers.Begin(state); err != nil {
		c.resources.ReleaseTransfer(state.DeviceID, state.TotalSize)
		return err
	}
	return nil
}

// CheckpointTransfer records chunk progress.
func (c *Coordinator) CheckpointTransfer(transferID string, bytesReceived int64) error {
	return c.transfers.Checkpoint(transferID, bytesReceived)
}

// CompleteTransfer finishes a transfer and releases its admission.
func (c *Coordinator) CompleteTransfer(transferID string) error {
	state, ok := c.transfers.Get(transferID)
	if !ok {
		return recovery.ErrUnknownTransfer
	}
	if err := c.transfers.Complete(transferID); err != nil {
		return err
	}
	c.resources.ReleaseTransfer(state.DeviceID, state.TotalSize)
	return nil
}

// AbortTransfer cancels a transfer, cleans up partial output, and releases
// its admission.
func (c *Coordinator) AbortTransfer(transferID string) error {
	state, ok := c.transfers.Get(transferID)
	if !ok {
		return recovery.ErrUnknownTransfer
	}
	if err := c.transfers.Abort(transferID); err != nil {
		return err
	}
	c.resources.ReleaseTransfer(state.DeviceID, state.TotalSize)
	return nil
}

// Unpair revokes trust and cancels every recovery activity for the device.
func (c *Coordinator) Unpair(deviceID string) error {
	c.reconnect.Cancel(deviceID)
	c.retries.Clear(deviceID)
	return c.manager.Unpair(deviceID)
}

// consumeDiscovery forwards discovery observations and connects to trusted
// devices as they appear.
func (c *Coordinator) consumeDiscovery(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.discovery.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case discovery.DeviceDiscovered:
				c.manager.AddDevice(ev.Identity, ev.Address)
				c.emit(Event{Kind: EventDiscovered, DeviceID: ev.DeviceID, Identity: ev.Identity, Address: ev.Address})
				if c.config.AutoConnect && c.manager.Trust().IsTrusted(ev.DeviceID) && !c.manager.HasConnection(ev.DeviceID) {
					go c.connectDevice(ctx, ev.DeviceID)
				}
			case discovery.DeviceLost:
				c.emit(Event{Kind: EventLost, DeviceID: ev.DeviceID})
			}
		}
	}
}

// consumeManager forwards session events and feeds recovery.
func (c *Coordinator) consumeManager(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.manager.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case manager.EventConnected:
				c.reconnect.NotifyConnected(ev.DeviceID)
				c.resources.Touch(ev.DeviceID)
				// A fresh session flushes the retry backlog once, then
				// clears it; stale leftovers must not trail newer state.
				c.retries.Flush(ev.DeviceID)
				c.emit(Event{Kind: EventConnected, DeviceID: ev.DeviceID, Identity: ev.Identity, Address: ev.Address})
			case manager.EventDisconnected:
				c.reconnect.HandleDisconnect(ctx, ev.DeviceID, ev.Err)
				c.emit(Event{Kind: EventDisconnected, DeviceID: ev.DeviceID, Err: ev.Err})
			case manager.EventPacketReceived:
				c.resources.Touch(ev.DeviceID)
				c.emit(Event{Kind: EventPacketReceived, DeviceID: ev.DeviceID, Packet: ev.Packet})
			case manager.EventPairingRequested:
				c.emit(Event{Kind: EventPairingRequested, DeviceID: ev.DeviceID, Fingerprint: ev.Fingerprint})
			case manager.EventPairingResult:
				c.emit(Event{Kind: EventPairingResult, DeviceID: ev.DeviceID, Accepted: ev.Accepted})
			}
		}
	}
}

// tick drives the periodic work: packet retries, stale transfer
// collection, and idle connection reclaim.
func (c *Coordinator) tick(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.retries.Process(now)
			c.transfers.GC(now)
			c.resources.ReclaimIdle(now, c.manager.Disconnect)
		}
	}
}

func (c *Coordinator) connectDevice(ctx context.Context, deviceID string) {
	if err := c.manager.Connect(ctx, deviceID); err != nil {
		c.logger.Warn("auto-connect failed", "device", deviceID, "err", err)
	}
}

func (c *Coordinator) emit(ev Event) {
	c.events <- ev
}

// packetSize estimates a packet's buffered footprint for queue accounting.
func packetSize(p *protocol.Packet) int {
	n, err := protocol.EncodedSize(p)
	if err != nil {
		return 0
	}
	return n
}
