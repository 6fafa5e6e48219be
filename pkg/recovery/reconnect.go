package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// ConnectFunc attempts one connection to a device.
type ConnectFunc func(ctx context.Context, deviceID string) error

// PairedFunc reports whether a device is currently paired.
type PairedFunc func(deviceID string) bool

// ReconnectorConfig configures the reconnector.
type ReconnectorConfig struct {
	// Backoff parameters shared by every device strategy.
	Backoff BackoffConfig

	// AttemptTimeout bounds each individual reconnect attempt
	// (default 10s).
	AttemptTimeout time.Duration
}

// Hooks are the reconnector's observer callbacks. All are optional.
type Hooks struct {
	// OnReconnecting fires before waiting out each backoff delay.
	OnReconnecting func(deviceID string, attempt int, delay time.Duration)

	// OnReconnected fires after a successful reconnect.
	OnReconnected func(deviceID string)

	// OnAbandoned fires when the attempt budget is spent.
	OnAbandoned func(deviceID string)
}

// Reconnector schedules reconnection for paired devices after unsolicited
// disconnects. Attempts for one device are serialized: a disconnect
// reported while its loop is already running is ignored.
type Reconnector struct {
	config   ReconnectorConfig
	connect  ConnectFunc
	isPaired PairedFunc
	hooks    Hooks
	logger   *log.Logger

	mu    sync.Mutex
	loops map[string]*reconnectLoop
}

type reconnectLoop struct {
	backoff *Backoff
	cancel  context.CancelFunc
	running bool
}

// NewReconnector creates the reconnector.
func NewReconnector(config ReconnectorConfig, connect ConnectFunc, isPaired PairedFunc, hooks Hooks, logger *log.Logger) *Reconnector {
	if config.AttemptTimeout == 0 {
		config.AttemptTimeout = transport.TCPConnectTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconnector{
		config:   config,
		connect:  connect,
		isPaired: isPaired,
		hooks:    hooks,
		logger:   logger.With("component", "recovery.reconnect"),
		loops:    make(map[string]*reconnectLoop),
	}
}

// HandleDisconnect reacts to a session ending. Solicited disconnects
// (nil cause) and unpaired devices are ignored; everything else schedules
// the reconnect loop.
func (r *Reconnector) HandleDisconnect(ctx context.Context, deviceID string, cause error) {
	if cause == nil {
		return
	}
	if !r.isPaired(deviceID) {
		r.logger.Debug("not reconnecting unpaired device", "device", deviceID)
		return
	}

	r.mu.Lock()
	loop, ok := r.loops[deviceID]
	if !ok {
		loop = &reconnectLoop{backoff: NewBackoffWithConfig(r.config.Backoff)}
		r.loops[deviceID] = loop
	}
	if loop.running {
		r.mu.Unlock()
		return
	}
	loop.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	loop.cancel = cancel
	r.mu.Unlock()

	go r.run(loopCtx, deviceID, loop)
}

// NotifyConnected resets the device's strategy. Any successful connection,
// whoever initiated it, counts.
func (r *Reconnector) NotifyConnected(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loop, ok := r.loops[deviceID]; ok {
		loop.backoff.Reset()
	}
}

// Cancel stops any outstanding reconnect loop for the device and forgets
// its strategy. Called on unpair and shutdown.
func (r *Reconnector) Cancel(deviceID string) {
	r.mu.Lock()
	loop, ok := r.loops[deviceID]
	if ok {
		delete(r.loops, deviceID)
	}
	r.mu.Unlock()

	if ok && loop.cancel != nil {
		loop.cancel()
	}
}

// Attempts returns the device's failure count since its last success.
func (r *Reconnector) Attempts(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loop, ok := r.loops[deviceID]; ok {
		return loop.backoff.Attempts()
	}
	return 0
}

// run is one device's reconnect loop: wait, attempt, repeat until success,
// cancellation, or exhaustion.
func (r *Reconnector) run(ctx context.Context, deviceID string, loop *reconnectLoop) {
	defer func() {
		r.mu.Lock()
		loop.running = false
		loop.cancel = nil
		r.mu.Unlock()
	}()

	for {
		if loop.backoff.Exhausted() {
			r.logger.Warn("giving up on device", "device", deviceID, "attempts", loop.backoff.Attempts())
			if r.hooks.OnAbandoned != nil {
				r.hooks.OnAbandoned(deviceID)
			}
			return
		}

		delay := loop.backoff.Next()
		if r.hooks.OnReconnecting != nil {
			r.hooks.OnReconnecting(deviceID, loop.backoff.Attempts(), delay)
		}
		r.logger.Info("reconnect scheduled", "device", deviceID, "attempt", loop.backoff.Attempts(), "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// The pairing state can change while we wait.
		if !r.isPaired(deviceID) {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		err := r.connect(attemptCtx, deviceID)
		cancel()

		if err == nil {
			loop.backoff.Reset()
			r.logger.Info("reconnected", "device", deviceID)
			if r.hooks.OnReconnected != nil {
				r.hooks.OnReconnected(deviceID)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !transport.IsRecoverable(err) {
			// Trust or protocol failures will not heal with another try.
			r.logger.Warn("reconnect failed terminally", "device", deviceID, "err", err)
			if r.hooks.OnAbandoned != nil {
				r.hooks.OnAbandoned(deviceID)
			}
			return
		}
		r.logger.Warn("reconnect attempt failed", "device", deviceID, "err", err)
	}
}
