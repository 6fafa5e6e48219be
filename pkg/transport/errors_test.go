package transport

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"recoverable", Recoverable("op", errors.New("x")), ClassRecoverable},
		{"user action", UserAction("op", errors.New("x")), ClassUserAction},
		{"critical", Critical("op", errors.New("x")), ClassCritical},
		{"wrapped classified", fmt.Errorf("outer: %w", Recoverable("op", errors.New("x"))), ClassRecoverable},
		{"unclassified defaults to critical", errors.New("mystery"), ClassCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassificationTravelsUnchanged(t *testing.T) {
	// The class assigned at the lowest layer must survive wrapping at
	// every layer above; no re-classification happens upward.
	base := Recoverable("tcp dial", syscall.ECONNREFUSED)
	managerErr := fmt.Errorf("connect device phone-1: %w", base)
	coordinatorErr := fmt.Errorf("handle event: %w", managerErr)

	if ClassOf(coordinatorErr) != ClassRecoverable {
		t.Errorf("class changed while traveling up: %v", ClassOf(coordinatorErr))
	}
	if !IsRecoverable(coordinatorErr) {
		t.Error("IsRecoverable = false for wrapped recoverable error")
	}
	if !errors.Is(coordinatorErr, syscall.ECONNREFUSED) {
		t.Error("underlying cause lost while wrapping")
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"refused", syscall.ECONNREFUSED, ClassRecoverable},
		{"reset", syscall.ECONNRESET, ClassRecoverable},
		{"host unreachable", syscall.EHOSTUNREACH, ClassRecoverable},
		{"net unreachable", syscall.ENETUNREACH, ClassRecoverable},
		{"deadline", context.DeadlineExceeded, ClassRecoverable},
		{"tls failure", errors.New("tls: bad record MAC"), ClassCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyDialError("dial", tt.err)
			if got.Class != tt.want {
				t.Errorf("ClassifyDialError(%v).Class = %v, want %v", tt.err, got.Class, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error does not unwrap to cause")
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	tcp := TCPCapabilities()
	if tcp.MaxPacketSize != 1<<20 {
		t.Errorf("TCP MaxPacketSize = %d, want 1MiB", tcp.MaxPacketSize)
	}
	if !tcp.Reliable || !tcp.ConnectionOriented || tcp.Latency != LatencyLow {
		t.Errorf("unexpected TCP capabilities: %+v", tcp)
	}

	ble := BLECapabilities()
	if ble.MaxPacketSize != 512 {
		t.Errorf("BLE MaxPacketSize = %d, want 512", ble.MaxPacketSize)
	}
	if !ble.Reliable || !ble.ConnectionOriented || ble.Latency != LatencyMedium {
		t.Errorf("unexpected BLE capabilities: %+v", ble)
	}
}

func TestAddressKeys(t *testing.T) {
	a := TCPAddress("192.168.1.10", 1716)
	b := TCPAddress("192.168.1.10", 1717)
	if a.Key() == b.Key() {
		t.Error("distinct ports must produce distinct keys")
	}

	c := BluetoothAddress("AA:BB:CC:DD:EE:FF", BLEServiceUUID)
	if c.Key() == a.Key() {
		t.Error("transport variants must produce distinct keys")
	}
	if c.Type != TypeBluetooth || a.Type != TypeTCP {
		t.Error("address constructors set wrong type")
	}
}
