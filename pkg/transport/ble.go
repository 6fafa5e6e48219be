package transport

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
)

// Fixed BLE identifiers shared by every platform implementation. The
// service UUID matches the KDE Connect bluetooth backend; the two GATT
// characteristics carry the packet stream in each direction.
const (
	// BLEServiceUUID is the GATT service advertised by peers.
	BLEServiceUUID = "185f3df4-3268-4e3f-9fca-d4d5059915bd"

	// BLEWriteCharacteristicUUID is written by the local side.
	BLEWriteCharacteristicUUID = "185f3df5-3268-4e3f-9fca-d4d5059915bd"

	// BLENotifyCharacteristicUUID notifies the local side of peer data.
	BLENotifyCharacteristicUUID = "185f3df6-3268-4e3f-9fca-d4d5059915bd"
)

// GATTConn is one open GATT session. Implementations live outside this
// module (the platform Bluetooth stack); tests use in-memory fakes.
// Notification chunks arrive in write order but may be fragmented at radio
// MTU boundaries; the BLE connection reassembles newline-delimited frames.
type GATTConn interface {
	// Write writes data to the peer's write characteristic.
	Write(data []byte) error

	// Notifications streams chunks from the notify characteristic.
	// Closed when the session ends.
	Notifications() <-chan []byte

	// Close releases the GATT session and the underlying radio handle.
	Close() error
}

// GATTDialer opens GATT sessions to nearby devices.
type GATTDialer interface {
	// Dial connects to the device and subscribes to the service's notify
	// characteristic. Cancelling ctx must release the radio handle.
	Dial(ctx context.Context, device, service string) (GATTConn, error)
}

// BLETransport is the Bluetooth LE transport. It is purely additive: the
// rest of the stack behaves identically whether or not it is registered.
type BLETransport struct {
	dialer GATTDialer
	caps   Capabilities
	logger *log.Logger
}

// NewBLETransport creates a BLE transport over the given platform dialer.
func NewBLETransport(dialer GATTDialer, logger *log.Logger) *BLETransport {
	if logger == nil {
		logger = log.Default()
	}
	return &BLETransport{
		dialer: dialer,
		caps:   BLECapabilities(),
		logger: logger.With("component", "transport.ble"),
	}
}

// Type returns TypeBluetooth.
func (t *BLETransport) Type() Type { return TypeBluetooth }

// Capabilities returns the BLE capability description.
func (t *BLETransport) Capabilities() Capabilities { return t.caps }

// Connect opens a GATT session to the addressed device.
func (t *BLETransport) Connect(ctx context.Context, addr Address) (Connection, error) {
	if addr.Type != TypeBluetooth {
		return nil, UserAction("ble connect", fmt.Errorf("%w: %s", ErrNoAddress, addr))
	}

	service := addr.Service
	if service == "" {
		service = BLEServiceUUID
	}

	ctx, cancel := context.WithTimeout(ctx, BLEConnectTimeout)
	defer cancel()

	sess, err := t.dialer.Dial(ctx, addr.Device, service)
	if err != nil {
		return nil, ClassifyDialError("ble dial", err)
	}

	t.logger.Debug("connected", "peer", addr.Device)
	return newBLEConn(sess, addr, t.caps, t.logger), nil
}

// bleConn is a Connection over a GATT session. Frames are the same
// newline-delimited JSON as TCP, bounded by the 512-byte BLE packet cap.
type bleConn struct {
	id      string
	sess    GATTConn
	addr    Address
	caps    Capabilities
	logger  *log.Logger
	packets chan *protocol.Packet

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func newBLEConn(sess GATTConn, addr Address, caps Capabilities, logger *log.Logger) *bleConn {
	c := &bleConn{
		id:      uuid.NewString(),
		sess:    sess,
		addr:    addr,
		caps:    caps,
		logger:  logger,
		packets: make(chan *protocol.Packet, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send encodes and writes one packet. A packet whose encoded form exceeds
// the 512-byte BLE cap fails fast before any radio I/O; large payloads must
// use the bulk side channel instead.
func (c *bleConn) Send(p *protocol.Packet) error {
	select {
	case <-c.done:
		return Recoverable("ble send", ErrConnectionClosed)
	default:
	}

	data, err := protocol.Encode(p)
	if err != nil {
		return Critical("encode packet", err)
	}
	if len(data) > c.caps.MaxPacketSize {
		return Critical("ble send", fmt.Errorf("%w: %d > %d", ErrPacketExceedsMTU, len(data), c.caps.MaxPacketSize))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sess.Write(data); err != nil {
		c.closeWithError(Recoverable("ble write", err))
		return Recoverable("ble write", err)
	}
	c.logger.Debug("sent", "conn", c.id, "type", p.Type, "bytes", len(data))
	return nil
}

// Packets returns the inbound packet stream.
func (c *bleConn) Packets() <-chan *protocol.Packet { return c.packets }

// Done is closed when the connection has shut down.
func (c *bleConn) Done() <-chan struct{} { return c.done }

// Err returns the terminal connection error.
func (c *bleConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddress returns the peer's address.
func (c *bleConn) RemoteAddress() Address { return c.addr }

// PeerCertificate returns nil: BLE sessions carry no TLS certificate.
// Trust for BLE peers is pinned during a prior TCP pairing.
func (c *bleConn) PeerCertificate() *x509.Certificate { return nil }

// Close tears the connection down.
func (c *bleConn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *bleConn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.sess.Close()
		close(c.done)
	})
}

// readLoop reassembles newline-delimited frames from notification chunks.
// The reassembly buffer is capped at the BLE packet size; a peer that
// withholds the newline past the cap is cut off.
func (c *bleConn) readLoop() {
	defer close(c.packets)

	var buf bytes.Buffer
	for {
		select {
		case chunk, ok := <-c.sess.Notifications():
			if !ok {
				c.closeWithError(Recoverable("ble read", ErrConnectionClosed))
				return
			}
			buf.Write(chunk)
			if !c.drainFrames(&buf) {
				return
			}
			if buf.Len() > c.caps.MaxPacketSize {
				c.closeWithError(Critical("ble read", fmt.Errorf("%w: partial frame exceeds %d", ErrPacketExceedsMTU, c.caps.MaxPacketSize)))
				return
			}
		case <-c.done:
			return
		}
	}
}

// drainFrames decodes every complete frame in buf. Returns false when the
// connection was torn down.
func (c *bleConn) drainFrames(buf *bytes.Buffer) bool {
	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			// Incomplete frame: put the remainder back and wait.
			rest := append([]byte(nil), line...)
			buf.Reset()
			buf.Write(rest)
			return true
		}
		pkt, err := protocol.Decode(line)
		if err != nil {
			c.logger.Error("malformed packet", "conn", c.id, "err", err)
			c.closeWithError(Critical("decode packet", err))
			return false
		}
		select {
		case c.packets <- pkt:
		case <-c.done:
			return false
		}
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Transport  = (*BLETransport)(nil)
	_ Connection = (*bleConn)(nil)
)
