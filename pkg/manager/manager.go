// Package manager composes the concrete transports, the trust store, and
// admission control behind a single connection facade.
//
// The Manager owns the per-device connection state machine
// (Discovered → Handshaking → Paired|Rejected → Connected →
// (Disconnected → Reconnecting → Connected | Abandoned)) and normalizes all
// transport-specific happenings into one Event stream. Bluetooth support is
// purely additive: with no Bluetooth transport registered, every operation
// behaves identically over TCP alone.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cosmic-connect/connect-go/pkg/pairing"
	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// Manager errors.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrDeviceTerminal   = errors.New("device is in a terminal state")
	ErrNoUsableAddress  = errors.New("no usable address for device")
	ErrNotPaired        = errors.New("device is not paired")
	ErrPairingRejected  = errors.New("pairing rejected")
	ErrPairingTimedOut  = errors.New("pairing not accepted in time")
	ErrProtocolMismatch = errors.New("protocol version mismatch")
)

// Config configures the Manager.
type Config struct {
	// Identity is announced during every handshake. Required.
	Identity *protocol.DeviceIdentity

	// Preference selects the transport attempt order.
	Preference Preference

	// AutoFallback allows trying the next transport type after the
	// preferred one fails. Exclusive preferences ignore it.
	AutoFallback bool

	// HandshakeTimeout bounds the identity exchange (default 10s).
	HandshakeTimeout time.Duration
}

// Manager is the transport facade.
type Manager struct {
	config Config
	trust  *pairing.Trust
	gate   Gate
	logger *log.Logger

	transports map[transport.Type]transport.Transport

	mu      sync.RWMutex
	devices map[string]*device

	events chan Event
}

// device is the per-device bookkeeping. Connection attempts are serialized
// through connectMu; everything else is guarded by the manager lock.
type device struct {
	id        string
	identity  *protocol.DeviceIdentity
	state     ConnectionState
	addresses []transport.Address
	conn      transport.Connection
	cancel    context.CancelFunc

	// provisional marks an entry keyed by something other than the real
	// device id (BLE discovery only knows the hardware address). It is
	// resolved into the identity-keyed entry during the first handshake.
	provisional bool

	connectMu sync.Mutex

	pairMu       sync.Mutex
	pairDecision chan bool
}

// NewManager creates the facade. gate may be nil to disable admission
// control (tests only; production wiring always passes one).
func NewManager(config Config, trust *pairing.Trust, gate Gate, logger *log.Logger) *Manager {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = transport.TCPConnectTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		config:     config,
		trust:      trust,
		gate:       gate,
		logger:     logger.With("component", "manager"),
		transports: make(map[transport.Type]transport.Transport),
		devices:    make(map[string]*device),
		events:     make(chan Event, 32),
	}
}

// RegisterTransport makes a transport available for connection attempts.
func (m *Manager) RegisterTransport(t transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Type()] = t
}

// Events returns the normalized event stream.
func (m *Manager) Events() <-chan Event { return m.events }

// Trust exposes the trust manager for read access (pairing state queries).
func (m *Manager) Trust() *pairing.Trust { return m.trust }

// AddDevice records a discovered device and one of its addresses. Calling
// it again refreshes the identity and accumulates addresses; it never
// regresses the connection state. An identity that never came from an
// identity packet (no protocol version, as BLE scans produce) creates a
// provisional entry that the first handshake resolves to the real id.
func (m *Manager) AddDevice(identity *protocol.DeviceIdentity, addr transport.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[identity.ID]
	if !ok {
		dev = &device{id: identity.ID, state: StateDiscovered, provisional: identity.ProtocolVersion == 0}
		m.devices[identity.ID] = dev
	}
	dev.identity = identity
	if identity.ProtocolVersion > 0 {
		dev.provisional = false
	}

	for _, known := range dev.addresses {
		if known.Key() == addr.Key() {
			return
		}
	}
	dev.addresses = append(dev.addresses, addr)
}

// RemoveDevice forgets a device that is not currently connected.
func (m *Manager) RemoveDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok || dev.conn != nil {
		return
	}
	delete(m.devices, deviceID)
}

// DeviceState returns the connection state of a device.
func (m *Manager) DeviceState(deviceID string) (ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	if !ok {
		return 0, false
	}
	return dev.state, true
}

// HasConnection reports whether the device has a live session.
func (m *Manager) HasConnection(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	return ok && dev.conn != nil
}

// Identity returns the last known identity of a device.
func (m *Manager) Identity(deviceID string) (*protocol.DeviceIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	if !ok || dev.identity == nil {
		return nil, false
	}
	return dev.identity, true
}

// Connect establishes a verified session with a known device, attempting
// transports in preference order. Attempts for one device are serialized;
// a second Connect while one is in flight waits for the first.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.RLock()
	dev, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return transport.UserAction("connect", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID))
	}

	dev.connectMu.Lock()
	defer dev.connectMu.Unlock()

	m.mu.Lock()
	if dev.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if dev.state.Terminal() {
		m.mu.Unlock()
		return transport.UserAction("connect", fmt.Errorf("%w: %s is %s", ErrDeviceTerminal, deviceID, dev.state))
	}
	prior := dev.state
	dev.state = StateHandshaking
	candidates := m.candidateAddresses(dev)
	m.mu.Unlock()

	if len(candidates) == 0 {
		m.setState(dev, prior)
		return transport.UserAction("connect", fmt.Errorf("%w: %s", ErrNoUsableAddress, deviceID))
	}

	if m.gate != nil {
		if err := m.gate.AdmitConnection(deviceID); err != nil {
			m.setState(dev, prior)
			return err
		}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	dev.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	var attemptErrs []error
	for _, addr := range candidates {
		tr := m.transportFor(addr.Type)
		if tr == nil {
			continue
		}

		conn, err := tr.Connect(attemptCtx, addr)
		if err != nil {
			m.logger.Warn("connect attempt failed", "device", deviceID, "addr", addr, "err", err)
			attemptErrs = append(attemptErrs, err)
			continue
		}

		target, identity, err := m.handshake(attemptCtx, dev, conn, false)
		if err != nil {
			conn.Close()
			if !transport.IsRecoverable(err) {
				// Trust and protocol failures end the attempt: another
				// transport would present the same identity.
				m.releaseGate(deviceID)
				stateDev := dev
				if target != nil {
					stateDev = target
				}
				if isRejection(err) {
					m.setState(stateDev, StateRejected)
				} else {
					m.setState(stateDev, prior)
				}
				return err
			}
			attemptErrs = append(attemptErrs, err)
			continue
		}

		if target.id != deviceID && m.gate != nil {
			// A provisional entry resolved to its real identity; the
			// admission slot moves with the session.
			m.gate.ReleaseConnection(deviceID)
			if admitErr := m.gate.AdmitConnection(target.id); admitErr != nil {
				conn.Close()
				m.setState(target, prior)
				return admitErr
			}
		}
		m.finalize(target, conn, identity, addr)
		return nil
	}

	m.releaseGate(deviceID)
	m.setState(dev, prior)
	return transport.Recoverable("connect",
		fmt.Errorf("all transports failed for %s: %w", deviceID, errors.Join(attemptErrs...)))
}

// SendPacket sends one packet on the device's live session. With no
// session, the failure is recoverable so the retry queue picks it up.
func (m *Manager) SendPacket(deviceID string, p *protocol.Packet) error {
	m.mu.RLock()
	dev, ok := m.devices[deviceID]
	var conn transport.Connection
	if ok {
		conn = dev.conn
	}
	m.mu.RUnlock()

	if conn == nil {
		return transport.Recoverable("send", fmt.Errorf("%w: %s", transport.ErrNotConnected, deviceID))
	}
	return conn.Send(p)
}

// Disconnect closes the device's session locally. A local disconnect is
// solicited: the Disconnected event carries no error and no reconnection
// follows.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	var conn transport.Connection
	if ok {
		conn = dev.conn
		if dev.cancel != nil {
			dev.cancel()
			dev.cancel = nil
		}
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// MarkReconnecting records that recovery has scheduled reconnection.
func (m *Manager) MarkReconnecting(deviceID string) {
	m.transition(deviceID, StateDisconnected, StateReconnecting)
}

// MarkAbandoned records that recovery has given the device up.
func (m *Manager) MarkAbandoned(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok || dev.conn != nil {
		return
	}
	dev.state = StateAbandoned
}

// AcceptPairing resolves a pending pair request positively.
func (m *Manager) AcceptPairing(deviceID string) error {
	if err := m.trust.Accept(deviceID); err != nil {
		return err
	}
	m.resolvePairing(deviceID, true)
	return nil
}

// RejectPairing resolves a pending pair request negatively.
func (m *Manager) RejectPairing(deviceID string) error {
	if err := m.trust.Reject(deviceID); err != nil {
		return err
	}
	m.resolvePairing(deviceID, false)
	return nil
}

// Unpair revokes trust, drops the session, and forgets the device's
// reconnection eligibility. The next contact is first contact.
func (m *Manager) Unpair(deviceID string) error {
	m.Disconnect(deviceID)
	if err := m.trust.Unpair(deviceID); err != nil {
		return err
	}
	m.mu.Lock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.state = StateDiscovered
	}
	m.mu.Unlock()
	return nil
}

// ServeInbound accepts inbound connections on every registered transport
// that can listen, until ctx is cancelled.
func (m *Manager) ServeInbound(ctx context.Context) error {
	m.mu.RLock()
	var listeners []transport.Listener
	for _, tr := range m.transports {
		if l, ok := tr.(transport.Listener); ok {
			listeners = append(listeners, l)
		}
	}
	m.mu.RUnlock()

	for _, l := range listeners {
		accepted, err := l.Listen(ctx)
		if err != nil {
			return err
		}
		go func() {
			for conn := range accepted {
				go m.handleInbound(ctx, conn)
			}
		}()
	}
	return nil
}

// handleInbound runs the identity exchange and trust path for one accepted
// connection.
func (m *Manager) handleInbound(ctx context.Context, conn transport.Connection) {
	identity, err := m.exchangeIdentity(ctx, conn, true)
	if err != nil {
		m.logger.Warn("inbound handshake failed", "peer", conn.RemoteAddress(), "err", err)
		conn.Close()
		return
	}

	if m.gate != nil {
		if err := m.gate.AdmitConnection(identity.ID); err != nil {
			m.logger.Warn("inbound connection refused", "device", identity.ID, "err", err)
			conn.Close()
			return
		}
	}

	m.AddDevice(identity, conn.RemoteAddress())
	m.mu.RLock()
	dev := m.devices[identity.ID]
	m.mu.RUnlock()

	if err := m.establishTrust(ctx, dev, conn); err != nil {
		m.logger.Warn("inbound trust failed", "device", identity.ID, "err", err)
		m.releaseGate(identity.ID)
		m.setState(dev, StateRejected)
		conn.Close()
		return
	}

	m.finalize(dev, conn, identity, conn.RemoteAddress())
}

// candidateAddresses orders the device's known addresses per the configured
// preference, honoring auto-fallback.
func (m *Manager) candidateAddresses(dev *device) []transport.Address {
	order := m.config.Preference.order()
	if !m.config.AutoFallback && !m.config.Preference.exclusive() {
		order = order[:1]
	}

	var out []transport.Address
	for _, typ := range order {
		for _, addr := range dev.addresses {
			if addr.Type == typ {
				out = append(out, addr)
			}
		}
	}
	return out
}

func (m *Manager) transportFor(typ transport.Type) transport.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transports[typ]
}

// finalize installs a verified connection and starts its pump.
func (m *Manager) finalize(dev *device, conn transport.Connection, identity *protocol.DeviceIdentity, addr transport.Address) {
	m.mu.Lock()
	if dev.conn != nil {
		// A concurrent inbound connection won the race; keep the existing
		// session and drop this one.
		m.mu.Unlock()
		m.releaseGate(dev.id)
		conn.Close()
		return
	}
	dev.conn = conn
	dev.identity = identity
	dev.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("device connected", "device", dev.id, "addr", addr)
	m.emit(Event{Kind: EventConnected, DeviceID: dev.id, Identity: identity, Address: addr})
	go m.pump(dev, conn)
}

// pump forwards inbound packets until the connection ends, then records
// the disconnect.
func (m *Manager) pump(dev *device, conn transport.Connection) {
	for pkt := range conn.Packets() {
		m.emit(Event{Kind: EventPacketReceived, DeviceID: dev.id, Packet: pkt})
	}
	<-conn.Done()

	m.mu.Lock()
	if dev.conn == conn {
		dev.conn = nil
		dev.state = StateDisconnected
	}
	m.mu.Unlock()

	m.releaseGate(dev.id)
	err := conn.Err()
	if err != nil {
		m.logger.Warn("device disconnected", "device", dev.id, "err", err)
	} else {
		m.logger.Info("device disconnected", "device", dev.id)
	}
	m.emit(Event{Kind: EventDisconnected, DeviceID: dev.id, Address: conn.RemoteAddress(), Err: err})
}

func (m *Manager) setState(dev *device, state ConnectionState) {
	m.mu.Lock()
	dev.state = state
	m.mu.Unlock()
}

func (m *Manager) transition(deviceID string, from, to ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok || dev.state != from {
		return
	}
	dev.state = to
}

func (m *Manager) releaseGate(deviceID string) {
	if m.gate != nil {
		m.gate.ReleaseConnection(deviceID)
	}
}

func (m *Manager) emit(ev Event) {
	m.events <- ev
}

// isRejection reports whether a handshake failure is a pairing rejection,
// which is terminal, as opposed to a retryable user-action error such as a
// pairing timeout.
func isRejection(err error) bool {
	return errors.Is(err, ErrPairingRejected) ||
		errors.Is(err, pairing.ErrFingerprintMismatch) ||
		errors.Is(err, pairing.ErrDeviceRevoked)
}
