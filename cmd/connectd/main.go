// Command connectd is the device connectivity daemon. It announces this
// device on the local network, maintains paired-device sessions over TCP
// and Bluetooth LE, and recovers from transient failures.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cosmic-connect/connect-go/pkg/config"
	"github.com/cosmic-connect/connect-go/pkg/coordinator"
	"github.com/cosmic-connect/connect-go/pkg/discovery"
	"github.com/cosmic-connect/connect-go/pkg/manager"
	"github.com/cosmic-connect/connect-go/pkg/pairing"
	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/recovery"
	"github.com/cosmic-connect/connect-go/pkg/resource"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "connectd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	deviceID, err := loadOrCreateDeviceID(cfg.StateDir)
	if err != nil {
		return err
	}

	identityCert, err := pairing.LoadOrCreateIdentity(cfg.StateDir, deviceID)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	store, err := pairing.NewFileStore(filepath.Join(cfg.StateDir, "trust.json"))
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	policy := pairing.PolicyManual
	if cfg.Pairing.Policy == "tofu" {
		policy = pairing.PolicyTrustOnFirstUse
	}
	trust := pairing.NewTrust(store, policy, logger)

	deviceType, err := cfg.DeviceType()
	if err != nil {
		return err
	}
	localIdentity := &protocol.DeviceIdentity{
		ID:              deviceID,
		Name:            cfg.Device.Name,
		Type:            deviceType,
		ProtocolVersion: protocol.ProtocolVersion,
		TCPPort:         cfg.Transport.Port,
	}
	logger.Info("starting", "device", localIdentity.Name, "id", deviceID, "port", cfg.Transport.Port)

	resources := resource.NewManager(cfg.ResourceLimits(), logger)

	mgr := manager.NewManager(manager.Config{
		Identity:     localIdentity,
		Preference:   cfg.Preference(),
		AutoFallback: cfg.Transport.AutoFallback,
	}, trust, resources, logger)

	tcpConfig := transport.DefaultTCPConfig(pairing.NewTLSConfig(identityCert))
	tcpConfig.ListenAddress = fmt.Sprintf(":%d", cfg.Transport.Port)
	mgr.RegisterTransport(transport.NewTCPTransport(tcpConfig, logger))

	if cfg.Transport.Bluetooth {
		// The BLE transport and scanner need a platform GATT backend
		// injected; none is bundled, so a Bluetooth-enabled config only
		// takes effect in builds that provide one.
		logger.Warn("bluetooth enabled in config but no GATT backend is available, using TCP only")
	}

	var producers []discovery.Producer
	if cfg.Discovery.Broadcast {
		producers = append(producers, discovery.NewBroadcastProducer(discovery.BroadcastConfig{
			Identity:    localIdentity,
			Port:        cfg.Transport.Port,
			Interval:    cfg.Discovery.BroadcastInterval,
			LostTimeout: cfg.Discovery.LostTimeout,
		}, logger))
	}
	if cfg.Discovery.MDNS {
		producers = append(producers, discovery.NewMDNSProducer(discovery.MDNSConfig{
			Identity: localIdentity,
			Port:     cfg.Transport.Port,
		}, logger))
	}
	disco := discovery.NewService(logger, producers...)

	transfers, err := recovery.NewTransferStore(filepath.Join(cfg.StateDir, "transfers"), logger)
	if err != nil {
		return fmt.Errorf("open transfer store: %w", err)
	}

	reconnect := recovery.NewReconnector(recovery.ReconnectorConfig{
		Backoff: cfg.BackoffConfig(),
	}, mgr.Connect, trust.IsTrusted, recovery.Hooks{
		OnReconnecting: func(deviceID string, attempt int, delay time.Duration) {
			mgr.MarkReconnecting(deviceID)
			logger.Info("reconnecting", "device", deviceID, "attempt", attempt, "delay", delay)
		},
		OnAbandoned: func(deviceID string) {
			mgr.MarkAbandoned(deviceID)
			logger.Warn("reconnection abandoned", "device", deviceID)
		},
	}, logger)

	retries := recovery.NewRetryQueue(cfg.RetryConfig(), mgr.SendPacket, logger)

	coord := coordinator.New(coordinator.Config{AutoConnect: true},
		disco, mgr, reconnect, retries, transfers, resources, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disco.Start(ctx)
	go func() {
		if err := mgr.ServeInbound(ctx); err != nil && ctx.Err() == nil {
			logger.Error("inbound listener failed", "err", err)
		}
	}()
	go logEvents(logger, coord.Events())

	return coord.Run(ctx)
}

// logEvents drains the coordinator stream. Plugins subscribe here in a
// full deployment; the daemon itself just records what happened.
func logEvents(logger *log.Logger, events <-chan coordinator.Event) {
	for ev := range events {
		switch ev.Kind {
		case coordinator.EventPairingRequested:
			logger.Info("pairing requested", "device", ev.DeviceID,
				"fingerprint", formatFingerprint(ev.Fingerprint))
		case coordinator.EventDisconnected:
			if ev.Err != nil {
				logger.Warn("device disconnected", "device", ev.DeviceID, "err", ev.Err)
			} else {
				logger.Info("device disconnected", "device", ev.DeviceID)
			}
		case coordinator.EventDeliveryFailed:
			logger.Warn("packet delivery failed", "device", ev.DeviceID, "type", ev.Packet.Type)
		default:
			logger.Info(ev.Kind.String(), "device", ev.DeviceID)
		}
	}
}

// loadOrCreateDeviceID returns the persistent device identifier, minting
// one on first start.
func loadOrCreateDeviceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "device-id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// formatFingerprint groups the hex fingerprint for display, the way users
// compare it against the other device's screen.
func formatFingerprint(fp string) string {
	var b strings.Builder
	for i := 0; i < len(fp); i += 4 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 4
		if end > len(fp) {
			end = len(fp)
		}
		b.WriteString(fp[i:end])
	}
	return b.String()
}

func newLogger(level string) (*log.Logger, error) {
	lvl := log.InfoLevel
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		lvl = parsed
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
	}), nil
}
