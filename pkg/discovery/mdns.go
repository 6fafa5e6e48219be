package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/enbility/zeroconf/v3"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// mDNS service parameters.
const (
	ServiceType = "_cosmicconnect._tcp"
	Domain      = "local"
)

// TXT record keys.
const (
	txtKeyID       = "id"
	txtKeyName     = "name"
	txtKeyType     = "type"
	txtKeyProtocol = "pv"
)

// MDNSConfig configures the mDNS producer.
type MDNSConfig struct {
	// Identity is advertised and used to ignore our own records. Required.
	Identity *protocol.DeviceIdentity

	// Port is the TCP port published in the service record (default 1716).
	Port uint16

	// Interface restricts advertising and browsing to one interface.
	// Empty means all interfaces.
	Interface string
}

// MDNSProducer advertises our service record and browses for records from
// other devices.
type MDNSProducer struct {
	config MDNSConfig
	logger *log.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSProducer creates the mDNS producer.
func NewMDNSProducer(config MDNSConfig, logger *log.Logger) *MDNSProducer {
	if config.Port == 0 {
		config.Port = protocol.DiscoveryPort
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MDNSProducer{
		config: config,
		logger: logger.With("component", "discovery.mdns"),
	}
}

// Name returns the producer name.
func (m *MDNSProducer) Name() string { return "mdns" }

// interfaces returns the interfaces to use, nil meaning all.
func (m *MDNSProducer) interfaces() []net.Interface {
	if m.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(m.config.Interface)
	if err != nil {
		m.logger.Warn("interface not found, using all", "iface", m.config.Interface, "err", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Run registers our service record and browses until ctx is cancelled.
func (m *MDNSProducer) Run(ctx context.Context, out chan<- Event) error {
	ifaces := m.interfaces()

	server, err := zeroconf.Register(
		m.config.Identity.ID,
		ServiceType,
		Domain,
		int(m.config.Port),
		encodeTXT(m.config.Identity),
		ifaces,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	m.mu.Lock()
	m.server = server
	m.mu.Unlock()
	defer server.Shutdown()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if len(ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	m.logger.Info("advertising", "instance", m.config.Identity.ID, "port", m.config.Port)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-browseErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mdns browse: %w", err)
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if ev, ok := m.entryToEvent(entry); ok {
				out <- ev
			}
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if entry.Instance == m.config.Identity.ID {
				continue
			}
			out <- Event{Kind: DeviceLost, DeviceID: entry.Instance, Source: m.Name()}
		}
	}
}

// entryToEvent converts one browsed service record into a discovery event.
// Our own record and records without a usable address are skipped.
func (m *MDNSProducer) entryToEvent(entry *zeroconf.ServiceEntry) (Event, bool) {
	identity := decodeTXT(entry.Text)
	if identity.ID == "" {
		identity.ID = entry.Instance
	}
	if identity.ID == "" || identity.ID == m.config.Identity.ID {
		return Event{}, false
	}
	identity.TCPPort = uint16(entry.Port)

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		m.logger.Debug("record without address", "instance", entry.Instance)
		return Event{}, false
	}

	m.logger.Info("device discovered", "device", identity.ID, "name", identity.Name, "addr", host)
	return Event{
		Kind:     DeviceDiscovered,
		DeviceID: identity.ID,
		Identity: identity,
		Address:  transport.TCPAddress(host, uint16(entry.Port)),
		Source:   m.Name(),
	}, true
}

// encodeTXT builds the TXT records for a service registration.
func encodeTXT(identity *protocol.DeviceIdentity) []string {
	return []string{
		txtKeyID + "=" + identity.ID,
		txtKeyName + "=" + identity.Name,
		txtKeyType + "=" + string(identity.Type),
		txtKeyProtocol + "=" + strconv.Itoa(identity.ProtocolVersion),
	}
}

// decodeTXT parses TXT records back into an identity. Unknown keys are
// ignored; missing keys leave zero values.
func decodeTXT(records []string) *protocol.DeviceIdentity {
	identity := &protocol.DeviceIdentity{}
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case txtKeyID:
			identity.ID = value
		case txtKeyName:
			identity.Name = value
		case txtKeyType:
			identity.Type = protocol.DeviceType(value)
		case txtKeyProtocol:
			if v, err := strconv.Atoi(value); err == nil {
				identity.ProtocolVersion = v
			}
		}
	}
	return identity
}

var _ Producer = (*MDNSProducer)(nil)
