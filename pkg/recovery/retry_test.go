package recovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// recordingSender scripts per-call send outcomes and records the order.
type recordingSender struct {
	mu   sync.Mutex
	fail bool
	sent []*protocol.Packet
}

func (s *recordingSender) send(deviceID string, p *protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return transport.Recoverable("send", errors.New("transport down"))
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *recordingSender) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, p := range s.sent {
		out[i] = p.Type
	}
	return out
}

func newTestQueue(sender *recordingSender) *RetryQueue {
	return NewRetryQueue(RetryQueueConfig{Delay: time.Millisecond}, sender.send, nil)
}

func TestRetryDropsAfterMaxAttemptsWithOneFailureEvent(t *testing.T) {
	sender := &recordingSender{fail: true}
	q := newTestQueue(sender)

	var failures int
	q.OnDeliveryFailed(func(deviceID string, p *protocol.Packet) { failures++ })

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))

	// Drive well past the attempt budget; the drop must happen exactly once.
	now := time.Now()
	for i := 1; i <= 6; i++ {
		q.Process(now.Add(time.Duration(i) * time.Second))
	}

	require.Equal(t, 1, failures, "delivery-failed must fire exactly once")
	require.Zero(t, q.Depth("phone-1"))
}

func TestRetryDeliversWhenTransportRecovers(t *testing.T) {
	sender := &recordingSender{fail: true}
	q := newTestQueue(sender)

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))

	now := time.Now()
	q.Process(now.Add(time.Second))

	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	q.Process(now.Add(2 * time.Second))
	require.Equal(t, []string{"kdeconnect.ping"}, sender.sentTypes())
	require.Zero(t, q.Depth("phone-1"))
}

func TestRetryPreservesPerDeviceOrder(t *testing.T) {
	sender := &recordingSender{fail: true}
	q := newTestQueue(sender)

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.clipboard", nil)))
	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.battery", nil)))

	// While the head keeps failing, the second packet is never attempted.
	now := time.Now()
	q.Process(now.Add(time.Second))
	require.Empty(t, sender.sentTypes())

	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	q.Process(now.Add(2 * time.Second))
	require.Equal(t, []string{"kdeconnect.clipboard", "kdeconnect.battery"}, sender.sentTypes())
}

func TestRetryNotDueBeforeDelay(t *testing.T) {
	sender := &recordingSender{}
	q := NewRetryQueue(RetryQueueConfig{Delay: time.Hour}, sender.send, nil)

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))
	q.Process(time.Now())

	require.Empty(t, sender.sentTypes(), "a packet is not retried before its delay elapses")
	require.Equal(t, 1, q.Depth("phone-1"))
}

func TestFlushDeliversInOrderAndClears(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(sender)

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.clipboard", nil)))
	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.battery", nil)))

	q.Flush("phone-1")

	require.Equal(t, []string{"kdeconnect.clipboard", "kdeconnect.battery"}, sender.sentTypes())
	require.Zero(t, q.Depth("phone-1"))
}

func TestFlushDropsStillFailingPackets(t *testing.T) {
	sender := &recordingSender{fail: true}
	q := newTestQueue(sender)

	var failed []string
	q.OnDeliveryFailed(func(deviceID string, p *protocol.Packet) {
		failed = append(failed, p.Type)
	})

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))
	q.Flush("phone-1")

	require.Equal(t, []string{"kdeconnect.ping"}, failed,
		"packets failing the flush are stale and dropped, not re-queued")
	require.Zero(t, q.Depth("phone-1"))
}

func TestEnqueueRejectsBeyondDepth(t *testing.T) {
	sender := &recordingSender{}
	q := NewRetryQueue(RetryQueueConfig{MaxDepth: 2}, sender.send, nil)

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))
	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))

	err := q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, transport.ClassUserAction, transport.ClassOf(err))
}

func TestClearDropsWithoutSending(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(sender)

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.ping", nil)))
	q.Clear("phone-1")

	q.Process(time.Now().Add(time.Second))
	require.Empty(t, sender.sentTypes())
}

func TestClearNotifiesEachDroppedPacket(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(sender)

	var failed []string
	q.OnDeliveryFailed(func(deviceID string, p *protocol.Packet) {
		failed = append(failed, p.Type)
	})

	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.clipboard", nil)))
	require.NoError(t, q.Enqueue("phone-1", protocol.New("kdeconnect.battery", nil)))
	require.NoError(t, q.Enqueue("phone-2", protocol.New("kdeconnect.ping", nil)))

	q.Clear("phone-1")

	require.Equal(t, []string{"kdeconnect.clipboard", "kdeconnect.battery"}, failed,
		"clearing drops packets but still fires their failure notification")
	require.Empty(t, sender.sentTypes())
	require.Equal(t, 1, q.Depth("phone-2"), "other devices are untouched")
}
