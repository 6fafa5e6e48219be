package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// Advertisement is one BLE advertisement observed during a scan.
type Advertisement struct {
	// Device is the hardware address of the advertiser.
	Device string
	// Name is the advertised local name, if any.
	Name string
	// ServiceUUIDs lists the advertised service UUIDs.
	ServiceUUIDs []string
}

// Scanner performs one BLE scan pass. Implementations wrap the platform
// Bluetooth stack; tests inject fakes.
type Scanner interface {
	Scan(ctx context.Context) ([]Advertisement, error)
}

// BLEScanConfig configures the BLE producer.
type BLEScanConfig struct {
	// Interval between scan passes (default 10s).
	Interval time.Duration

	// LostTimeout before a silent device is reported lost (default 60s).
	LostTimeout time.Duration

	// AllowList restricts discoveries to these hardware addresses. Empty
	// means any device advertising our service UUID.
	AllowList []string
}

// BLEProducer scans for devices advertising the connect service UUID.
// BLE identities are minimal until the first handshake; only the hardware
// address and advertised name are known at discovery time.
type BLEProducer struct {
	config  BLEScanConfig
	scanner Scanner
	logger  *log.Logger

	allow map[string]bool
	seen  *ttlworker.Cache[string, bool]

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewBLEProducer creates the BLE scan producer.
func NewBLEProducer(scanner Scanner, config BLEScanConfig, logger *log.Logger) *BLEProducer {
	if config.Interval == 0 {
		config.Interval = DefaultBLEScanInterval
	}
	if config.LostTimeout == 0 {
		config.LostTimeout = DefaultLostTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	allow := make(map[string]bool, len(config.AllowList))
	for _, addr := range config.AllowList {
		allow[strings.ToUpper(addr)] = true
	}
	return &BLEProducer{
		config:   config,
		scanner:  scanner,
		logger:   logger.With("component", "discovery.ble"),
		allow:    allow,
		seen:     ttlworker.NewCache[string, bool](config.LostTimeout),
		lastSeen: make(map[string]time.Time),
	}
}

// Name returns the producer name.
func (p *BLEProducer) Name() string { return "ble" }

// Run scans periodically until ctx is cancelled. Individual scan failures
// are logged and retried on the next tick; the radio being briefly busy is
// normal.
func (p *BLEProducer) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.scanOnce(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.scanOnce(ctx, out)
			p.sweep(now, out)
		}
	}
}

func (p *BLEProducer) scanOnce(ctx context.Context, out chan<- Event) {
	advertisements, err := p.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("scan failed", "err", err)
		}
		return
	}
	for _, adv := range advertisements {
		p.handleAdvertisement(adv, out)
	}
}

// handleAdvertisement filters and deduplicates one advertisement.
func (p *BLEProducer) handleAdvertisement(adv Advertisement, out chan<- Event) {
	if !advertisesService(adv, transport.BLEServiceUUID) {
		return
	}
	device := strings.ToUpper(adv.Device)
	if len(p.allow) > 0 && !p.allow[device] {
		p.logger.Debug("device not in allow list", "device", device)
		return
	}

	p.mu.Lock()
	p.lastSeen[device] = time.Now()
	p.mu.Unlock()

	known := p.seen.Get(device)
	p.seen.Set(device, true)
	if known {
		return
	}

	out <- Event{
		Kind:     DeviceDiscovered,
		DeviceID: device,
		Identity: &protocol.DeviceIdentity{ID: device, Name: adv.Name},
		Address:  transport.BluetoothAddress(device, transport.BLEServiceUUID),
		Source:   p.Name(),
	}
	p.logger.Info("device discovered", "device", device, "name", adv.Name)
}

func (p *BLEProducer) sweep(now time.Time, out chan<- Event) {
	p.mu.Lock()
	var lost []string
	for id, last := range p.lastSeen {
		if now.Sub(last) > p.config.LostTimeout {
			lost = append(lost, id)
			delete(p.lastSeen, id)
		}
	}
	p.mu.Unlock()

	for _, id := range lost {
		out <- Event{Kind: DeviceLost, DeviceID: id, Source: p.Name()}
		p.logger.Info("device lost", "device", id)
	}
}

func advertisesService(adv Advertisement, serviceUUID string) bool {
	for _, u := range adv.ServiceUUIDs {
		if strings.EqualFold(u, serviceUUID) {
			return true
		}
	}
	return false
}

var _ Producer = (*BLEProducer)(nil)
