package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// maxDatagramSize bounds a single discovery datagram. Identity packets are
// small; anything larger is not one of ours.
const maxDatagramSize = 8192

// BroadcastConfig configures the UDP broadcast producer.
type BroadcastConfig struct {
	// Identity is announced in every broadcast and used to ignore our own
	// datagrams. Required.
	Identity *protocol.DeviceIdentity

	// Port is the UDP port to listen on and broadcast to
	// (default 1716).
	Port uint16

	// Interval between announcements (default 10s).
	Interval time.Duration

	// LostTimeout before a silent device is reported lost (default 60s).
	LostTimeout time.Duration
}

// BroadcastProducer announces our identity over UDP broadcast and listens
// for announcements from other devices on the same network segment.
type BroadcastProducer struct {
	config BroadcastConfig
	logger *log.Logger

	// seen deduplicates announcements: a device already in the cache does
	// not produce another DeviceDiscovered event. Entries expire with the
	// lost timeout so a device that went silent and came back is
	// re-reported.
	seen *ttlworker.Cache[string, bool]

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewBroadcastProducer creates the UDP broadcast producer.
func NewBroadcastProducer(config BroadcastConfig, logger *log.Logger) *BroadcastProducer {
	if config.Port == 0 {
		config.Port = protocol.DiscoveryPort
	}
	if config.Interval == 0 {
		config.Interval = DefaultBroadcastInterval
	}
	if config.LostTimeout == 0 {
		config.LostTimeout = DefaultLostTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &BroadcastProducer{
		config:   config,
		logger:   logger.With("component", "discovery.broadcast"),
		seen:     ttlworker.NewCache[string, bool](config.LostTimeout),
		lastSeen: make(map[string]time.Time),
	}
}

// Name returns the producer name.
func (b *BroadcastProducer) Name() string { return "broadcast" }

// Run announces periodically and forwards inbound identity announcements
// until ctx is cancelled.
func (b *BroadcastProducer) Run(ctx context.Context, out chan<- Event) error {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", b.config.Port))
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", b.config.Port, err)
	}
	defer pc.Close()

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: int(b.config.Port)}

	// Reader goroutine: datagrams in, events out. Closing pc unblocks it.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, maxDatagramSize)
		for {
			n, sender, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			udpSender, ok := sender.(*net.UDPAddr)
			if !ok {
				continue
			}
			b.handleDatagram(buf[:n], udpSender, out)
		}
	}()

	announce := time.NewTicker(b.config.Interval)
	defer announce.Stop()
	sweep := time.NewTicker(b.config.LostTimeout / 4)
	defer sweep.Stop()

	b.announce(pc, target)

	for {
		select {
		case <-ctx.Done():
			pc.Close()
			<-readerDone
			return nil
		case <-readerDone:
			return fmt.Errorf("udp listener closed unexpectedly")
		case <-announce.C:
			b.announce(pc, target)
		case now := <-sweep.C:
			b.sweep(now, out)
		}
	}
}

// announce broadcasts our identity packet once.
func (b *BroadcastProducer) announce(pc net.PacketConn, target *net.UDPAddr) {
	data, err := protocol.Encode(protocol.IdentityPacket(b.config.Identity))
	if err != nil {
		b.logger.Error("encode identity", "err", err)
		return
	}
	if _, err := pc.WriteTo(data, target); err != nil {
		b.logger.Warn("broadcast failed", "err", err)
		return
	}
	b.logger.Debug("announced", "device", b.config.Identity.ID)
}

// handleDatagram parses one inbound datagram and emits DeviceDiscovered for
// previously unseen devices. Non-identity and malformed datagrams are
// dropped; a broadcast socket receives plenty of unrelated traffic.
func (b *BroadcastProducer) handleDatagram(data []byte, sender *net.UDPAddr, out chan<- Event) {
	pkt, err := protocol.Decode(data)
	if err != nil || !pkt.IsIdentity() {
		return
	}
	identity, err := protocol.IdentityFromPacket(pkt)
	if err != nil {
		b.logger.Debug("bad identity datagram", "from", sender, "err", err)
		return
	}
	if identity.ID == b.config.Identity.ID {
		return
	}

	b.mu.Lock()
	b.lastSeen[identity.ID] = time.Now()
	b.mu.Unlock()

	known := b.seen.Get(identity.ID)
	b.seen.Set(identity.ID, true)
	if known {
		return
	}

	port := identity.TCPPort
	if port == 0 {
		port = b.config.Port
	}
	out <- Event{
		Kind:     DeviceDiscovered,
		DeviceID: identity.ID,
		Identity: identity,
		Address:  transport.TCPAddress(sender.IP.String(), port),
		Source:   b.Name(),
	}
	b.logger.Info("device discovered", "device", identity.ID, "name", identity.Name, "addr", sender.IP)
}

// sweep emits DeviceLost for devices silent longer than the lost timeout.
func (b *BroadcastProducer) sweep(now time.Time, out chan<- Event) {
	b.mu.Lock()
	var lost []string
	for id, last := range b.lastSeen {
		if now.Sub(last) > b.config.LostTimeout {
			lost = append(lost, id)
			delete(b.lastSeen, id)
		}
	}
	b.mu.Unlock()

	for _, id := range lost {
		out <- Event{Kind: DeviceLost, DeviceID: id, Source: b.Name()}
		b.logger.Info("device lost", "device", id)
	}
}

var _ Producer = (*BroadcastProducer)(nil)
