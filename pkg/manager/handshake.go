package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/cosmic-connect/connect-go/pkg/pairing"
	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// handshake runs the identity exchange followed by the trust path for an
// outbound connection. It returns the device entry the session belongs to,
// which differs from dev when a provisional entry resolves to its real
// identity, along with the verified peer identity.
func (m *Manager) handshake(ctx context.Context, dev *device, conn transport.Connection, inbound bool) (*device, *protocol.DeviceIdentity, error) {
	identity, err := m.exchangeIdentity(ctx, conn, inbound)
	if err != nil {
		return nil, nil, err
	}
	target, err := m.resolveIdentity(dev, identity)
	if err != nil {
		return nil, nil, err
	}
	if err := m.establishTrust(ctx, target, conn); err != nil {
		return target, nil, err
	}
	return target, identity, nil
}

// resolveIdentity maps the peer's announced identity onto the canonical
// device entry. An id mismatch against a provisional entry means discovery
// only knew an address-level name for the device (a BLE hardware address);
// the entry is merged into the identity-keyed device, so trust lookups and
// the address book always run against the real device id. A mismatch
// against a non-provisional entry is an impersonation attempt.
func (m *Manager) resolveIdentity(dev *device, identity *protocol.DeviceIdentity) (*device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if identity.ID == dev.id {
		return dev, nil
	}
	if !dev.provisional {
		return nil, transport.Critical("handshake",
			fmt.Errorf("peer identified as %q, expected %q", identity.ID, dev.id))
	}

	delete(m.devices, dev.id)

	target, ok := m.devices[identity.ID]
	if !ok {
		// No identity-keyed entry yet: re-key the provisional one.
		dev.id = identity.ID
		dev.identity = identity
		dev.provisional = false
		m.devices[identity.ID] = dev
		return dev, nil
	}

	// Merge the provisional entry's addresses into the existing device.
	for _, addr := range dev.addresses {
		known := false
		for _, have := range target.addresses {
			if have.Key() == addr.Key() {
				known = true
				break
			}
		}
		if !known {
			target.addresses = append(target.addresses, addr)
		}
	}
	target.identity = identity
	target.provisional = false
	return target, nil
}

// exchangeIdentity swaps identity packets with the peer. The initiator
// announces first; the accepting side waits for the peer's announcement
// before replying. The first packet on a fresh session must be an identity
// packet.
func (m *Manager) exchangeIdentity(ctx context.Context, conn transport.Connection, inbound bool) (*protocol.DeviceIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	announce := func() error {
		if err := conn.Send(protocol.IdentityPacket(m.config.Identity)); err != nil {
			return fmt.Errorf("announce identity: %w", err)
		}
		return nil
	}

	if !inbound {
		if err := announce(); err != nil {
			return nil, err
		}
	}

	var identity *protocol.DeviceIdentity
	select {
	case pkt, ok := <-conn.Packets():
		if !ok {
			return nil, transport.Recoverable("handshake", transport.ErrConnectionClosed)
		}
		if !pkt.IsIdentity() {
			return nil, transport.Critical("handshake",
				fmt.Errorf("expected identity packet, got %s", pkt.Type))
		}
		var err error
		identity, err = protocol.IdentityFromPacket(pkt)
		if err != nil {
			return nil, transport.Critical("handshake", err)
		}
	case <-conn.Done():
		return nil, transport.Recoverable("handshake", transport.ErrConnectionClosed)
	case <-ctx.Done():
		return nil, transport.Recoverable("handshake", fmt.Errorf("identity exchange: %w", ctx.Err()))
	}

	if identity.ProtocolVersion > protocol.ProtocolVersion {
		return nil, transport.UserAction("handshake",
			fmt.Errorf("%w: peer speaks v%d, we speak v%d", ErrProtocolMismatch,
				identity.ProtocolVersion, protocol.ProtocolVersion))
	}

	if inbound {
		if err := announce(); err != nil {
			return nil, err
		}
	}
	return identity, nil
}

// establishTrust verifies the peer certificate against the pinned
// fingerprint and, for first contact, drives the pairing flow. Bluetooth
// sessions carry no certificate: they are only accepted for devices already
// paired over TLS.
func (m *Manager) establishTrust(ctx context.Context, dev *device, conn transport.Connection) error {
	cert := conn.PeerCertificate()
	if cert == nil {
		if m.trust.IsTrusted(dev.id) {
			return nil
		}
		return transport.UserAction("trust",
			fmt.Errorf("%w: %s (pair over TCP first)", ErrNotPaired, dev.id))
	}

	if err := m.trust.VerifyPeer(dev.id, cert); err != nil {
		return err
	}
	if m.trust.IsTrusted(dev.id) {
		return nil
	}

	decision := m.armPairing(dev)
	if err := m.trust.RequestPairing(dev.id, cert); err != nil {
		m.disarmPairing(dev)
		return err
	}

	switch m.trust.State(dev.id) {
	case pairing.Trusted:
		// Trust-on-first-use pinned immediately.
		m.disarmPairing(dev)
		m.emit(Event{Kind: EventPairingResult, DeviceID: dev.id, Accepted: true})
		return nil
	case pairing.PendingPairing:
		m.emit(Event{Kind: EventPairingRequested, DeviceID: dev.id, Fingerprint: pairing.Fingerprint(cert)})
		return m.awaitPairing(ctx, dev, decision)
	default:
		m.disarmPairing(dev)
		return transport.UserAction("trust", fmt.Errorf("%w: %s", ErrNotPaired, dev.id))
	}
}

// armPairing prepares the decision channel Accept/Reject will resolve.
func (m *Manager) armPairing(dev *device) <-chan bool {
	dev.pairMu.Lock()
	defer dev.pairMu.Unlock()
	dev.pairDecision = make(chan bool, 1)
	return dev.pairDecision
}

func (m *Manager) disarmPairing(dev *device) {
	dev.pairMu.Lock()
	defer dev.pairMu.Unlock()
	dev.pairDecision = nil
}

// resolvePairing delivers the external accept/reject decision.
func (m *Manager) resolvePairing(deviceID string, accepted bool) {
	m.mu.RLock()
	dev, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	dev.pairMu.Lock()
	decision := dev.pairDecision
	dev.pairDecision = nil
	dev.pairMu.Unlock()

	if decision != nil {
		decision <- accepted
	}
}

// awaitPairing blocks the handshake until the pair request is resolved or
// times out.
func (m *Manager) awaitPairing(ctx context.Context, dev *device, decision <-chan bool) error {
	timer := time.NewTimer(pairing.PairingTimeout)
	defer timer.Stop()

	select {
	case accepted := <-decision:
		m.emit(Event{Kind: EventPairingResult, DeviceID: dev.id, Accepted: accepted})
		if !accepted {
			return transport.UserAction("pairing", fmt.Errorf("%w: %s", ErrPairingRejected, dev.id))
		}
		return nil
	case <-timer.C:
		m.disarmPairing(dev)
		m.emit(Event{Kind: EventPairingResult, DeviceID: dev.id, Accepted: false})
		return transport.UserAction("pairing", fmt.Errorf("%w: %s", ErrPairingTimedOut, dev.id))
	case <-ctx.Done():
		m.disarmPairing(dev)
		return transport.Recoverable("pairing", ctx.Err())
	}
}
