package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
)

// fakeGATT is an in-memory GATT session for tests.
type fakeGATT struct {
	written chan []byte
	notify  chan []byte
	closed  chan struct{}
}

func newFakeGATT() *fakeGATT {
	return &fakeGATT{
		written: make(chan []byte, 16),
		notify:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeGATT) Write(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("session closed")
	default:
	}
	f.written <- append([]byte(nil), data...)
	return nil
}

func (f *fakeGATT) Notifications() <-chan []byte { return f.notify }

func (f *fakeGATT) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
		close(f.notify)
	}
	return nil
}

type fakeDialer struct {
	sess *fakeGATT
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, device, service string) (GATTConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

func dialBLE(t *testing.T, sess *fakeGATT) Connection {
	t.Helper()
	tr := NewBLETransport(&fakeDialer{sess: sess}, nil)
	conn, err := tr.Connect(context.Background(), BluetoothAddress("AA:BB:CC:DD:EE:FF", ""))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBLEOversizedPacketFailsFast(t *testing.T) {
	sess := newFakeGATT()
	conn := dialBLE(t, sess)

	// A ~600 byte packet must be rejected before any radio I/O.
	big := protocol.New("kdeconnect.notification", map[string]any{
		"text": strings.Repeat("a", 600),
	})
	err := conn.Send(big)
	if !errors.Is(err, ErrPacketExceedsMTU) {
		t.Fatalf("Send oversized = %v, want ErrPacketExceedsMTU", err)
	}
	if ClassOf(err) != ClassCritical {
		t.Errorf("oversized packet class = %v, want critical", ClassOf(err))
	}

	select {
	case data := <-sess.written:
		t.Fatalf("oversized packet reached the radio: %d bytes", len(data))
	default:
	}

	// The connection stays usable for packets within the MTU.
	if err := conn.Send(protocol.New("kdeconnect.ping", nil)); err != nil {
		t.Fatalf("Send small packet after rejection failed: %v", err)
	}
}

func TestBLEFrameReassembly(t *testing.T) {
	sess := newFakeGATT()
	conn := dialBLE(t, sess)

	frame, err := protocol.Encode(protocol.New("kdeconnect.ping", nil))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Deliver the frame fragmented at radio-MTU-like boundaries.
	mid := len(frame) / 2
	sess.notify <- frame[:mid]
	sess.notify <- frame[mid:]

	select {
	case pkt := <-conn.Packets():
		if pkt.Type != "kdeconnect.ping" {
			t.Errorf("reassembled type = %q", pkt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled packet")
	}
}

func TestBLEMultipleFramesInOneChunk(t *testing.T) {
	sess := newFakeGATT()
	conn := dialBLE(t, sess)

	a, _ := protocol.Encode(protocol.New("kdeconnect.ping", nil))
	b, _ := protocol.Encode(protocol.New("kdeconnect.battery", map[string]any{"isCharging": true}))
	sess.notify <- append(append([]byte(nil), a...), b...)

	for _, want := range []string{"kdeconnect.ping", "kdeconnect.battery"} {
		select {
		case pkt := <-conn.Packets():
			if pkt.Type != want {
				t.Errorf("packet type = %q, want %q", pkt.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestBLEMalformedFrameTearsDown(t *testing.T) {
	sess := newFakeGATT()
	conn := dialBLE(t, sess)

	sess.notify <- []byte("this is not json\n")

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not torn down on malformed frame")
	}
	if ClassOf(conn.Err()) != ClassCritical {
		t.Errorf("malformed frame class = %v, want critical", ClassOf(conn.Err()))
	}
}

func TestBLESessionEndClosesConnection(t *testing.T) {
	sess := newFakeGATT()
	conn := dialBLE(t, sess)

	sess.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed when session ended")
	}
	if !IsRecoverable(conn.Err()) {
		t.Errorf("session end should be recoverable, got %v", conn.Err())
	}
}

func TestBLEDialFailureClassified(t *testing.T) {
	tr := NewBLETransport(&fakeDialer{err: context.DeadlineExceeded}, nil)
	_, err := tr.Connect(context.Background(), BluetoothAddress("AA:BB:CC:DD:EE:FF", ""))
	if !IsRecoverable(err) {
		t.Errorf("dial timeout should be recoverable, got %v", err)
	}
}

func TestBLERejectsTCPAddress(t *testing.T) {
	tr := NewBLETransport(&fakeDialer{sess: newFakeGATT()}, nil)
	_, err := tr.Connect(context.Background(), TCPAddress("10.0.0.1", 1716))
	if !errors.Is(err, ErrNoAddress) {
		t.Errorf("Connect with TCP address = %v, want ErrNoAddress", err)
	}
}
