package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// Retry queue defaults.
const (
	// MaxRetryAttempts is how often one packet is retried before being
	// dropped.
	MaxRetryAttempts = 3

	// RetryDelay is the spacing between attempts for one packet.
	RetryDelay = 500 * time.Millisecond

	// DefaultQueueDepth bounds the per-device retry queue.
	DefaultQueueDepth = 100
)

// ErrQueueFull rejects enqueues beyond the configured depth.
var ErrQueueFull = errors.New("retry queue full")

// SendFunc delivers one packet to a device.
type SendFunc func(deviceID string, p *protocol.Packet) error

// RetryQueueConfig configures the retry queue.
type RetryQueueConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDepth    int
}

// RetryQueue holds packets that failed to send and retries them a bounded
// number of times. Per-device order is preserved; a packet exceeding its
// attempt budget is dropped with exactly one delivery-failed notification.
type RetryQueue struct {
	config RetryQueueConfig
	send   SendFunc
	logger *log.Logger

	// onDeliveryFailed fires once per dropped packet.
	onDeliveryFailed func(deviceID string, p *protocol.Packet)

	// onDelivered fires once per packet that eventually went out.
	onDelivered func(deviceID string, p *protocol.Packet)

	mu     sync.Mutex
	queues map[string][]*pendingPacket
}

type pendingPacket struct {
	packet      *protocol.Packet
	attempts    int
	nextAttempt time.Time
}

// NewRetryQueue creates the queue.
func NewRetryQueue(config RetryQueueConfig, send SendFunc, logger *log.Logger) *RetryQueue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = MaxRetryAttempts
	}
	if config.Delay <= 0 {
		config.Delay = RetryDelay
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RetryQueue{
		config: config,
		send:   send,
		logger: logger.With("component", "recovery.retry"),
		queues: make(map[string][]*pendingPacket),
	}
}

// OnDeliveryFailed registers the drop notification callback.
func (q *RetryQueue) OnDeliveryFailed(fn func(deviceID string, p *protocol.Packet)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeliveryFailed = fn
}

// OnDelivered registers the successful-delivery callback, the counterpart
// of OnDeliveryFailed for releasing queue accounting.
func (q *RetryQueue) OnDelivered(fn func(deviceID string, p *protocol.Packet)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDelivered = fn
}

// Enqueue adds a packet that failed its first send. The first retry is due
// one delay from now.
func (q *RetryQueue) Enqueue(deviceID string, p *protocol.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queues[deviceID]) >= q.config.MaxDepth {
		return transport.UserAction("retry enqueue",
			fmt.Errorf("%w: device %s at depth %d", ErrQueueFull, deviceID, q.config.MaxDepth))
	}
	q.queues[deviceID] = append(q.queues[deviceID], &pendingPacket{
		packet:      p,
		nextAttempt: time.Now().Add(q.config.Delay),
	})
	return nil
}

// Depth returns the number of packets queued for a device.
func (q *RetryQueue) Depth(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[deviceID])
}

// Process retries due packets. Called on the periodic tick. Per device,
// packets are attempted in order and processing stops at the first failure
// so delivery order is never inverted.
func (q *RetryQueue) Process(now time.Time) {
	q.mu.Lock()
	deviceIDs := make([]string, 0, len(q.queues))
	for id := range q.queues {
		deviceIDs = append(deviceIDs, id)
	}
	q.mu.Unlock()

	for _, deviceID := range deviceIDs {
		q.processDevice(deviceID, now)
	}
}

func (q *RetryQueue) processDevice(deviceID string, now time.Time) {
	for {
		q.mu.Lock()
		queue := q.queues[deviceID]
		if len(queue) == 0 {
			delete(q.queues, deviceID)
			q.mu.Unlock()
			return
		}
		head := queue[0]
		if head.nextAttempt.After(now) {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		err := q.send(deviceID, head.packet)

		q.mu.Lock()
		// Re-check: a flush may have raced with the send.
		queue = q.queues[deviceID]
		if len(queue) == 0 || queue[0] != head {
			q.mu.Unlock()
			return
		}
		if err == nil {
			q.queues[deviceID] = queue[1:]
			onDelivered := q.onDelivered
			q.mu.Unlock()
			if onDelivered != nil {
				onDelivered(deviceID, head.packet)
			}
			continue
		}

		head.attempts++
		if head.attempts >= q.config.MaxAttempts {
			q.queues[deviceID] = queue[1:]
			onFailed := q.onDeliveryFailed
			q.mu.Unlock()
			q.logger.Warn("packet dropped after retries",
				"device", deviceID, "type", head.packet.Type, "attempts", head.attempts)
			if onFailed != nil {
				onFailed(deviceID, head.packet)
			}
			continue
		}
		head.nextAttempt = now.Add(q.config.Delay)
		q.mu.Unlock()
		return
	}
}

// Flush delivers the device's queued packets once, in order, and clears the
// queue atomically with respect to new enqueues. Called when a fresh
// session comes up: anything that still fails is stale and dropped rather
// than retried after the new session has exchanged newer state.
func (q *RetryQueue) Flush(deviceID string) {
	q.mu.Lock()
	queue := q.queues[deviceID]
	delete(q.queues, deviceID)
	onFailed := q.onDeliveryFailed
	onDelivered := q.onDelivered
	q.mu.Unlock()

	for _, pending := range queue {
		if err := q.send(deviceID, pending.packet); err != nil {
			q.logger.Warn("flush failed, dropping packet",
				"device", deviceID, "type", pending.packet.Type, "err", err)
			if onFailed != nil {
				onFailed(deviceID, pending.packet)
			}
			continue
		}
		if onDelivered != nil {
			onDelivered(deviceID, pending.packet)
		}
	}
}

// Clear drops the device's queue without sending. Called on unpair. Every
// dropped packet still gets its delivery-failed notification so the
// admission accounting taken at enqueue time is released.
func (q *RetryQueue) Clear(deviceID string) {
	q.mu.Lock()
	queue := q.queues[deviceID]
	delete(q.queues, deviceID)
	onFailed := q.onDeliveryFailed
	q.mu.Unlock()

	if onFailed != nil {
		for _, pending := range queue {
			onFailed(deviceID, pending.packet)
		}
	}
}
