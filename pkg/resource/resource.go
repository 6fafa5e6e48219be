// Package resource bounds the blast radius of malicious or malfunctioning
// peers through admission control.
//
// Every connection, transfer, and queued packet passes through this gate
// before it consumes anything; no component bypasses it. Counters are the
// single source of truth: each admit is paired with a release, and the
// global counts are always the sum of the per-device counts.
package resource

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// Default ceilings.
const (
	DefaultPerDeviceConnections = 3
	DefaultGlobalConnections    = 50
	DefaultPerDeviceTransfers   = 3
	DefaultGlobalTransfers      = 10
	DefaultMaxFileSize          = 100 << 20 // 100 MB
	DefaultMaxAggregateBytes    = 1 << 30   // 1 GB
	DefaultQueueDepth           = 100
	DefaultMemoryBudget         = 500 << 20 // 500 MB
	DefaultIdleTimeout          = 5 * time.Minute

	// DefaultConnectionRate bounds how fast connection attempts are
	// admitted globally, connection flooding being the cheapest attack.
	DefaultConnectionRate  = 10 // per second
	DefaultConnectionBurst = 20
)

// ErrResourceExhausted marks admissions refused at a ceiling.
var ErrResourceExhausted = errors.New("resource exhausted")

// Limits are the configurable ceilings. Zero values take the defaults.
type Limits struct {
	PerDeviceConnections int
	GlobalConnections    int
	PerDeviceTransfers   int
	GlobalTransfers      int
	MaxFileSize          int64
	MaxAggregateBytes    int64
	QueueDepth           int
	MemoryBudget         int64
	IdleTimeout          time.Duration
	ConnectionRate       rate.Limit
	ConnectionBurst      int
}

// DefaultLimits returns the default ceilings.
func DefaultLimits() Limits {
	return Limits{
		PerDeviceConnections: DefaultPerDeviceConnections,
		GlobalConnections:    DefaultGlobalConnections,
		PerDeviceTransfers:   DefaultPerDeviceTransfers,
		GlobalTransfers:      DefaultGlobalTransfers,
		MaxFileSize:          DefaultMaxFileSize,
		MaxAggregateBytes:    DefaultMaxAggregateBytes,
		QueueDepth:           DefaultQueueDepth,
		MemoryBudget:         DefaultMemoryBudget,
		IdleTimeout:          DefaultIdleTimeout,
		ConnectionRate:       DefaultConnectionRate,
		ConnectionBurst:      DefaultConnectionBurst,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.PerDeviceConnections <= 0 {
		l.PerDeviceConnections = d.PerDeviceConnections
	}
	if l.GlobalConnections <= 0 {
		l.GlobalConnections = d.GlobalConnections
	}
	if l.PerDeviceTransfers <= 0 {
		l.PerDeviceTransfers = d.PerDeviceTransfers
	}
	if l.GlobalTransfers <= 0 {
		l.GlobalTransfers = d.GlobalTransfers
	}
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = d.MaxFileSize
	}
	if l.MaxAggregateBytes <= 0 {
		l.MaxAggregateBytes = d.MaxAggregateBytes
	}
	if l.QueueDepth <= 0 {
		l.QueueDepth = d.QueueDepth
	}
	if l.MemoryBudget <= 0 {
		l.MemoryBudget = d.MemoryBudget
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = d.IdleTimeout
	}
	if l.ConnectionRate <= 0 {
		l.ConnectionRate = d.ConnectionRate
	}
	if l.ConnectionBurst <= 0 {
		l.ConnectionBurst = d.ConnectionBurst
	}
	return l
}

// counters is the per-device resource usage.
type counters struct {
	connections   int
	transfers     int
	queueDepth    int
	queuedBytes   int64
	transferBytes int64
	lastActivity  time.Time
}

func (c *counters) idle() bool {
	return c.connections == 0 && c.transfers == 0 && c.queueDepth == 0
}

// Manager is the admission gate.
type Manager struct {
	limits  Limits
	logger  *log.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	devices map[string]*counters

	globalConnections int
	globalTransfers   int
	aggregateBytes    int64
}

// NewManager creates the gate with the given ceilings.
func NewManager(limits Limits, logger *log.Logger) *Manager {
	limits = limits.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		limits:  limits,
		logger:  logger.With("component", "resource"),
		limiter: rate.NewLimiter(limits.ConnectionRate, limits.ConnectionBurst),
		devices: make(map[string]*counters),
	}
}

// exhausted builds the classified refusal.
func exhausted(op, format string, args ...any) error {
	return transport.UserAction(op, fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...)))
}

// AdmitConnection reserves a connection slot for the device. It refuses at
// the per-device ceiling, the global ceiling, or when attempts arrive
// faster than the configured rate.
func (m *Manager) AdmitConnection(deviceID string) error {
	if !m.limiter.Allow() {
		return exhausted("admit connection", "connection attempts rate limited")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dev := m.device(deviceID)
	if dev.connections >= m.limits.PerDeviceConnections {
		return exhausted("admit connection", "device %s at connection limit %d", deviceID, m.limits.PerDeviceConnections)
	}
	if m.globalConnections >= m.limits.GlobalConnections {
		return exhausted("admit connection", "global connection limit %d reached", m.limits.GlobalConnections)
	}

	dev.connections++
	m.globalConnections++
	dev.lastActivity = time.Now()
	return nil
}

// ReleaseConnection returns a connection slot. Releases are paired with
// admissions; an unpaired release is a bug and is clamped, never negative.
func (m *Manager) ReleaseConnection(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok || dev.connections == 0 {
		m.logger.Error("unpaired connection release", "device", deviceID)
		return
	}
	dev.connections--
	m.globalConnections--
	m.forgetIfIdle(deviceID, dev)
}

// AdmitTransfer reserves a transfer slot for size bytes. It refuses
// oversized files, aggregate-size overruns, transfer-count ceilings, and
// memory pressure.
func (m *Manager) AdmitTransfer(deviceID string, size int64) error {
	if size > m.limits.MaxFileSize {
		return exhausted("admit transfer", "file of %d bytes exceeds the %d byte limit", size, m.limits.MaxFileSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aggregateBytes+size > m.limits.MaxAggregateBytes {
		return exhausted("admit transfer", "aggregate transfer size limit %d reached", m.limits.MaxAggregateBytes)
	}
	dev := m.device(deviceID)
	if dev.transfers >= m.limits.PerDeviceTransfers {
		return exhausted("admit transfer", "device %s at transfer limit %d", deviceID, m.limits.PerDeviceTransfers)
	}
	if m.globalTransfers >= m.limits.GlobalTransfers {
		return exhausted("admit transfer", "global transfer limit %d reached", m.limits.GlobalTransfers)
	}
	if m.memoryUsageLocked()+size > m.limits.MemoryBudget {
		return exhausted("admit transfer", "memory budget %d would be exceeded", m.limits.MemoryBudget)
	}

	dev.transfers++
	dev.transferBytes += size
	m.globalTransfers++
	m.aggregateBytes += size
	dev.lastActivity = time.Now()
	return nil
}

// ReleaseTransfer returns a transfer slot and its bytes.
func (m *Manager) ReleaseTransfer(deviceID string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok || dev.transfers == 0 {
		m.logger.Error("unpaired transfer release", "device", deviceID)
		return
	}
	dev.transfers--
	dev.transferBytes -= size
	if dev.transferBytes < 0 {
		dev.transferBytes = 0
	}
	m.globalTransfers--
	m.aggregateBytes -= size
	if m.aggregateBytes < 0 {
		m.aggregateBytes = 0
	}
	m.forgetIfIdle(deviceID, dev)
}

// AdmitQueuedPacket reserves queue room for one packet of size bytes.
func (m *Manager) AdmitQueuedPacket(deviceID string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev := m.device(deviceID)
	if dev.queueDepth >= m.limits.QueueDepth {
		return exhausted("admit packet", "device %s at queue depth %d", deviceID, m.limits.QueueDepth)
	}
	if m.memoryUsageLocked()+int64(size) > m.limits.MemoryBudget {
		return exhausted("admit packet", "memory budget %d would be exceeded", m.limits.MemoryBudget)
	}

	dev.queueDepth++
	dev.queuedBytes += int64(size)
	return nil
}

// ReleaseQueuedPacket returns queue room.
func (m *Manager) ReleaseQueuedPacket(deviceID string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[deviceID]
	if !ok || dev.queueDepth == 0 {
		m.logger.Error("unpaired queue release", "device", deviceID)
		return
	}
	dev.queueDepth--
	dev.queuedBytes -= int64(size)
	if dev.queuedBytes < 0 {
		dev.queuedBytes = 0
	}
	m.forgetIfIdle(deviceID, dev)
}

// Touch records device activity for idle accounting.
func (m *Manager) Touch(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.lastActivity = time.Now()
	}
}

// ReclaimIdle invokes reclaim for every device holding connections that has
// been inactive beyond the idle timeout, and returns how many were
// reclaimed. The callback must release the slots through the usual path
// (closing the session does).
func (m *Manager) ReclaimIdle(now time.Time, reclaim func(deviceID string)) int {
	m.mu.Lock()
	cutoff := now.Add(-m.limits.IdleTimeout)
	var stale []string
	for id, dev := range m.devices {
		if dev.connections > 0 && dev.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("reclaiming idle device", "device", id)
		reclaim(id)
	}
	return len(stale)
}

// ConnectionCount returns the device's open connection count.
func (m *Manager) ConnectionCount(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[deviceID]; ok {
		return dev.connections
	}
	return 0
}

// GlobalConnections returns the global open connection count.
func (m *Manager) GlobalConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalConnections
}

// SumPerDeviceConnections recomputes the global count from the per-device
// counters. It always equals GlobalConnections; tests assert the invariant.
func (m *Manager) SumPerDeviceConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, dev := range m.devices {
		sum += dev.connections
	}
	return sum
}

// MemoryUsage estimates buffered memory from queued packets and admitted
// transfer bytes.
func (m *Manager) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryUsageLocked()
}

func (m *Manager) memoryUsageLocked() int64 {
	var total int64
	for _, dev := range m.devices {
		total += dev.queuedBytes + dev.transferBytes
	}
	return total
}

// device returns the device counters, creating them on first touch.
// Caller holds the lock.
func (m *Manager) device(deviceID string) *counters {
	dev, ok := m.devices[deviceID]
	if !ok {
		dev = &counters{}
		m.devices[deviceID] = dev
	}
	return dev
}

// forgetIfIdle drops zeroed counter entries so the map does not grow with
// every device ever seen. Caller holds the lock.
func (m *Manager) forgetIfIdle(deviceID string, dev *counters) {
	if dev.idle() {
		delete(m.devices, deviceID)
	}
}
