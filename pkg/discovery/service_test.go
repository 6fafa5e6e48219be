package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedProducer emits a fixed event sequence then idles until cancelled.
type scriptedProducer struct {
	name   string
	events []Event
}

func (p *scriptedProducer) Name() string { return p.name }

func (p *scriptedProducer) Run(ctx context.Context, out chan<- Event) error {
	for _, ev := range p.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

type panickingProducer struct{}

func (p *panickingProducer) Name() string { return "broken" }

func (p *panickingProducer) Run(ctx context.Context, out chan<- Event) error {
	panic("adapter exploded")
}

func collect(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	for len(got) < n {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestServiceMergesProducers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(nil,
		&scriptedProducer{name: "broadcast", events: []Event{
			{Kind: DeviceDiscovered, DeviceID: "phone-1", Source: "broadcast"},
		}},
		&scriptedProducer{name: "mdns", events: []Event{
			{Kind: DeviceDiscovered, DeviceID: "laptop-2", Source: "mdns"},
		}},
	)
	svc.Start(ctx)

	got := collect(t, svc.Events(), 2)
	seen := map[string]bool{}
	for _, ev := range got {
		seen[ev.DeviceID] = true
	}
	require.True(t, seen["phone-1"] && seen["laptop-2"])
}

func TestServiceSurvivesPanickingProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(nil,
		&panickingProducer{},
		&scriptedProducer{name: "broadcast", events: []Event{
			{Kind: DeviceDiscovered, DeviceID: "phone-1", Source: "broadcast"},
		}},
	)
	svc.Start(ctx)

	got := collect(t, svc.Events(), 1)
	require.Equal(t, "phone-1", got[0].DeviceID,
		"a panicking producer must not block the others")
}

func TestServiceWithoutBLEBehavesIdentically(t *testing.T) {
	// The same broadcast script must produce the same events whether or
	// not a BLE producer is configured alongside it.
	script := []Event{
		{Kind: DeviceDiscovered, DeviceID: "phone-1", Source: "broadcast"},
		{Kind: DeviceLost, DeviceID: "phone-1", Source: "broadcast"},
	}

	run := func(producers ...Producer) []Event {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		svc := NewService(nil, producers...)
		svc.Start(ctx)
		return collect(t, svc.Events(), len(script))
	}

	withoutBLE := run(&scriptedProducer{name: "broadcast", events: script})
	withBLE := run(
		&scriptedProducer{name: "broadcast", events: script},
		NewBLEProducer(&fakeScanner{}, BLEScanConfig{Interval: time.Hour}, nil),
	)

	require.Equal(t, withoutBLE, withBLE)
}

func TestServiceClosesEventsAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	svc := NewService(nil, &scriptedProducer{name: "broadcast"})
	svc.Start(ctx)
	cancel()

	select {
	case _, open := <-svc.Events():
		require.False(t, open, "events channel must close once producers stop")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}
