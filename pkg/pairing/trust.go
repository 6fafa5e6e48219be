package pairing

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// PairingTimeout is how long an outstanding pair request stays valid.
const PairingTimeout = 30 * time.Second

// TrustState is the trust lifecycle state of a remote device.
type TrustState uint8

const (
	// Untrusted: no trust record exists (first contact).
	Untrusted TrustState = iota

	// PendingPairing: a pair request is awaiting acceptance.
	PendingPairing

	// Trusted: the fingerprint is pinned.
	Trusted

	// Revoked: the device was rejected; contact is refused until the
	// record is cleared.
	Revoked
)

// String returns the state name.
func (s TrustState) String() string {
	switch s {
	case Untrusted:
		return "UNTRUSTED"
	case PendingPairing:
		return "PENDING_PAIRING"
	case Trusted:
		return "TRUSTED"
	case Revoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}

// Policy selects how pair requests are accepted.
type Policy uint8

const (
	// PolicyManual surfaces the request and waits for Accept or Reject.
	PolicyManual Policy = iota

	// PolicyTrustOnFirstUse accepts the first fingerprint automatically.
	PolicyTrustOnFirstUse
)

// Record is one persisted trust entry.
type Record struct {
	DeviceID    string     `json:"device_id"`
	Fingerprint string     `json:"fingerprint"`
	State       TrustState `json:"state"`
	PairedAt    time.Time  `json:"paired_at,omitempty"`
	RequestedAt time.Time  `json:"requested_at,omitempty"`
}

// Store persists trust records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the record for a device, or nil when none exists.
	Get(deviceID string) (*Record, error)

	// Put inserts or replaces a record.
	Put(rec *Record) error

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(deviceID string) error

	// List returns all records.
	List() ([]*Record, error)
}

// Trust errors.
var (
	ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")
	ErrDeviceRevoked       = errors.New("device is revoked")
	ErrNotPending          = errors.New("no pending pair request")
	ErrAlreadyTrusted      = errors.New("device already trusted")
	ErrNoCertificate       = errors.New("peer presented no certificate")
)

// Trust is the pairing state machine over a Store. It is the exclusive
// owner of trust records; other components hold read access only, through
// VerifyPeer and State.
type Trust struct {
	mu     sync.Mutex
	store  Store
	policy Policy
	logger *log.Logger

	// onRequest surfaces pair requests needing external acceptance.
	onRequest func(deviceID, fingerprint string)
}

// NewTrust creates the trust manager.
func NewTrust(store Store, policy Policy, logger *log.Logger) *Trust {
	if logger == nil {
		logger = log.Default()
	}
	return &Trust{
		store:  store,
		policy: policy,
		logger: logger.With("component", "pairing"),
	}
}

// OnPairingRequest registers the callback invoked when a pair request
// needs external acceptance (manual policy only).
func (t *Trust) OnPairingRequest(fn func(deviceID, fingerprint string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRequest = fn
}

// State returns the trust state of a device.
func (t *Trust) State(deviceID string) TrustState {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.Get(deviceID)
	if err != nil || rec == nil {
		return Untrusted
	}
	if rec.State == PendingPairing && time.Since(rec.RequestedAt) > PairingTimeout {
		// Expired request: back to first contact.
		_ = t.store.Delete(deviceID)
		return Untrusted
	}
	return rec.State
}

// IsTrusted reports whether the device's fingerprint is pinned.
func (t *Trust) IsTrusted(deviceID string) bool {
	return t.State(deviceID) == Trusted
}

// RequestPairing records an incoming or outgoing pair request carrying the
// peer certificate. Under trust-on-first-use the fingerprint is pinned
// immediately; under manual policy the request is surfaced and stays
// pending until Accept, Reject, or timeout.
func (t *Trust) RequestPairing(deviceID string, peerCert *x509.Certificate) error {
	if peerCert == nil {
		return transport.Critical("pair request", ErrNoCertificate)
	}
	fingerprint := Fingerprint(peerCert)

	t.mu.Lock()
	rec, err := t.store.Get(deviceID)
	if err != nil {
		t.mu.Unlock()
		return transport.Critical("trust store", err)
	}

	switch {
	case rec != nil && rec.State == Trusted:
		t.mu.Unlock()
		if rec.Fingerprint != fingerprint {
			return transport.Critical("pair request", fmt.Errorf("%w: device %s", ErrFingerprintMismatch, deviceID))
		}
		return transport.UserAction("pair request", ErrAlreadyTrusted)

	case rec != nil && rec.State == Revoked:
		t.mu.Unlock()
		return transport.UserAction("pair request", ErrDeviceRevoked)
	}

	if t.policy == PolicyTrustOnFirstUse {
		err := t.store.Put(&Record{
			DeviceID:    deviceID,
			Fingerprint: fingerprint,
			State:       Trusted,
			PairedAt:    time.Now(),
		})
		t.mu.Unlock()
		if err != nil {
			return transport.Critical("trust store", err)
		}
		t.logger.Info("device trusted on first use", "device", deviceID)
		return nil
	}

	err = t.store.Put(&Record{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		State:       PendingPairing,
		RequestedAt: time.Now(),
	})
	onRequest := t.onRequest
	t.mu.Unlock()
	if err != nil {
		return transport.Critical("trust store", err)
	}

	t.logger.Info("pairing requested", "device", deviceID, "fingerprint", fingerprint[:16])
	if onRequest != nil {
		onRequest(deviceID, fingerprint)
	}
	return nil
}

// Accept promotes a pending request to Trusted, pinning the fingerprint.
func (t *Trust) Accept(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.Get(deviceID)
	if err != nil {
		return transport.Critical("trust store", err)
	}
	if rec == nil || rec.State != PendingPairing {
		return transport.UserAction("pair accept", ErrNotPending)
	}

	rec.State = Trusted
	rec.PairedAt = time.Now()
	rec.RequestedAt = time.Time{}
	if err := t.store.Put(rec); err != nil {
		return transport.Critical("trust store", err)
	}
	t.logger.Info("device trusted", "device", deviceID)
	return nil
}

// Reject refuses a pending request. The device is marked Revoked so that
// repeated requests do not re-prompt until the record is cleared by Unpair.
func (t *Trust) Reject(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.Get(deviceID)
	if err != nil {
		return transport.Critical("trust store", err)
	}
	if rec == nil || rec.State != PendingPairing {
		return transport.UserAction("pair reject", ErrNotPending)
	}

	rec.State = Revoked
	rec.RequestedAt = time.Time{}
	if err := t.store.Put(rec); err != nil {
		return transport.Critical("trust store", err)
	}
	t.logger.Info("pairing rejected", "device", deviceID)
	return nil
}

// Unpair deletes the trust record entirely. The next contact from the
// device, even with the same certificate, is first contact again.
func (t *Trust) Unpair(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.Delete(deviceID); err != nil {
		return transport.Critical("trust store", err)
	}
	t.logger.Info("device unpaired", "device", deviceID)
	return nil
}

// VerifyPeer validates a handshake certificate against the pinned
// fingerprint. First contact (no record) passes: pairing decides trust.
// A Trusted device presenting a different fingerprint is rejected as
// critical, never silently re-trusted.
func (t *Trust) VerifyPeer(deviceID string, peerCert *x509.Certificate) error {
	if peerCert == nil {
		return transport.Critical("verify peer", ErrNoCertificate)
	}

	t.mu.Lock()
	rec, err := t.store.Get(deviceID)
	t.mu.Unlock()
	if err != nil {
		return transport.Critical("trust store", err)
	}
	if rec == nil {
		return nil
	}

	switch rec.State {
	case Revoked:
		return transport.UserAction("verify peer", ErrDeviceRevoked)
	case Trusted, PendingPairing:
		if rec.Fingerprint != Fingerprint(peerCert) {
			return transport.Critical("verify peer", fmt.Errorf("%w: device %s", ErrFingerprintMismatch, deviceID))
		}
	}
	return nil
}

// TrustedDevices returns the ids of all devices in Trusted state.
func (t *Trust) TrustedDevices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	recs, err := t.store.List()
	if err != nil {
		return nil
	}
	var out []string
	for _, rec := range recs {
		if rec.State == Trusted {
			out = append(out, rec.DeviceID)
		}
	}
	return out
}
