package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// fakeScanner returns a fixed advertisement set per scan pass.
type fakeScanner struct {
	mu             sync.Mutex
	advertisements []Advertisement
	err            error
}

func (s *fakeScanner) Scan(ctx context.Context) ([]Advertisement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertisements, s.err
}

func (s *fakeScanner) set(advertisements []Advertisement, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertisements = advertisements
	s.err = err
}

func connectAdvertisement(device string) Advertisement {
	return Advertisement{
		Device:       device,
		Name:         "Phone",
		ServiceUUIDs: []string{transport.BLEServiceUUID},
	}
}

func TestBLEDiscoversAdvertisedDevice(t *testing.T) {
	p := NewBLEProducer(&fakeScanner{}, BLEScanConfig{}, nil)
	out := make(chan Event, 8)

	p.handleAdvertisement(connectAdvertisement("aa:bb:cc:dd:ee:ff"), out)

	require.Len(t, out, 1)
	ev := <-out
	require.Equal(t, DeviceDiscovered, ev.Kind)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", ev.DeviceID)
	require.Equal(t, transport.TypeBluetooth, ev.Address.Type)
	require.Equal(t, transport.BLEServiceUUID, ev.Address.Service)
	require.Equal(t, "Phone", ev.Identity.Name, "minimal identity carries the advertised name")
}

func TestBLEIgnoresForeignServices(t *testing.T) {
	p := NewBLEProducer(&fakeScanner{}, BLEScanConfig{}, nil)
	out := make(chan Event, 8)

	p.handleAdvertisement(Advertisement{
		Device:       "AA:BB:CC:DD:EE:FF",
		ServiceUUIDs: []string{"0000180f-0000-1000-8000-00805f9b34fb"},
	}, out)

	require.Empty(t, out)
}

func TestBLEAllowListFilters(t *testing.T) {
	p := NewBLEProducer(&fakeScanner{}, BLEScanConfig{
		AllowList: []string{"11:22:33:44:55:66"},
	}, nil)
	out := make(chan Event, 8)

	p.handleAdvertisement(connectAdvertisement("AA:BB:CC:DD:EE:FF"), out)
	require.Empty(t, out, "device outside the allow list must be ignored")

	p.handleAdvertisement(connectAdvertisement("11:22:33:44:55:66"), out)
	require.Len(t, out, 1)
}

func TestBLEDeduplicatesAdvertisements(t *testing.T) {
	p := NewBLEProducer(&fakeScanner{}, BLEScanConfig{}, nil)
	out := make(chan Event, 8)

	for i := 0; i < 4; i++ {
		p.handleAdvertisement(connectAdvertisement("AA:BB:CC:DD:EE:FF"), out)
	}
	require.Len(t, out, 1)
}

func TestBLELostAfterSilence(t *testing.T) {
	p := NewBLEProducer(&fakeScanner{}, BLEScanConfig{
		LostTimeout: 100 * time.Millisecond,
	}, nil)
	out := make(chan Event, 8)

	p.handleAdvertisement(connectAdvertisement("AA:BB:CC:DD:EE:FF"), out)
	<-out

	p.sweep(time.Now().Add(200*time.Millisecond), out)
	require.Len(t, out, 1)
	ev := <-out
	require.Equal(t, DeviceLost, ev.Kind)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", ev.DeviceID)
}

func TestBLEScanFailureRetriedNextTick(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("radio busy")}
	p := NewBLEProducer(scanner, BLEScanConfig{Interval: 20 * time.Millisecond}, nil)
	out := make(chan Event, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx, out)
	}()

	// Let a failing pass happen, then recover the scanner.
	time.Sleep(30 * time.Millisecond)
	scanner.set([]Advertisement{connectAdvertisement("AA:BB:CC:DD:EE:FF")}, nil)

	select {
	case ev := <-out:
		require.Equal(t, DeviceDiscovered, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("producer never recovered from a failed scan")
	}

	cancel()
	<-done
}
