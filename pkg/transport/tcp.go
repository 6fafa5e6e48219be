package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
)

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// TLSConfig carries the local identity certificate and the peer
	// verification callback (fingerprint pinning). Required.
	TLSConfig *tls.Config

	// ConnectTimeout bounds dial plus TLS handshake (default 10s).
	ConnectTimeout time.Duration

	// ListenAddress is the address Listen binds to (default ":1716").
	ListenAddress string
}

// DefaultTCPConfig returns the default TCP transport configuration.
func DefaultTCPConfig(tlsConfig *tls.Config) TCPConfig {
	return TCPConfig{
		TLSConfig:      tlsConfig,
		ConnectTimeout: TCPConnectTimeout,
		ListenAddress:  fmt.Sprintf(":%d", protocol.DiscoveryPort),
	}
}

// TCPTransport is the TLS-over-TCP transport.
type TCPTransport struct {
	config TCPConfig
	caps   Capabilities
	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(config TCPConfig, logger *log.Logger) *TCPTransport {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = TCPConnectTimeout
	}
	if config.ListenAddress == "" {
		config.ListenAddress = fmt.Sprintf(":%d", protocol.DiscoveryPort)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TCPTransport{
		config: config,
		caps:   TCPCapabilities(),
		logger: logger.With("component", "transport.tcp"),
	}
}

// Type returns TypeTCP.
func (t *TCPTransport) Type() Type { return TypeTCP }

// Capabilities returns the TCP capability description.
func (t *TCPTransport) Capabilities() Capabilities { return t.caps }

// Connect dials the peer and completes the TLS handshake. The attempt is
// bounded by the configured timeout and cancellable through ctx; a
// cancelled attempt closes the socket before returning.
func (t *TCPTransport) Connect(ctx context.Context, addr Address) (Connection, error) {
	if addr.Type != TypeTCP {
		return nil, UserAction("tcp connect", fmt.Errorf("%w: %s", ErrNoAddress, addr))
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	target := net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port))
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, ClassifyDialError("tcp dial", err)
	}

	tlsConn := tls.Client(conn, t.config.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, ClassifyDialError("tls handshake", err)
	}

	t.logger.Debug("connected", "peer", target)
	return newTCPConn(tlsConn, addr, t.caps, t.logger), nil
}

// Listen accepts inbound TLS connections until ctx is cancelled.
func (t *TCPTransport) Listen(ctx context.Context) (<-chan Connection, error) {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", t.config.ListenAddress)
	if err != nil {
		return nil, Critical("tcp listen", err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	out := make(chan Connection)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(out)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warn("accept failed", "err", err)
				continue
			}
			go t.acceptOne(ctx, conn, out)
		}
	}()

	t.logger.Info("listening", "addr", t.config.ListenAddress)
	return out, nil
}

// Addr returns the bound listen address, or nil before Listen.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// acceptOne completes the server-side TLS handshake and hands the
// connection off. Handshake failures only cost the one socket.
func (t *TCPTransport) acceptOne(ctx context.Context, conn net.Conn, out chan<- Connection) {
	hsCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	tlsConn := tls.Server(conn, t.config.TLSConfig)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		t.logger.Warn("inbound tls handshake failed", "peer", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	addr := TCPAddress(hostOf(conn.RemoteAddr()), portOf(conn.RemoteAddr()))
	select {
	case out <- newTCPConn(tlsConn, addr, t.caps, t.logger):
	case <-ctx.Done():
		tlsConn.Close()
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func portOf(addr net.Addr) uint16 {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}
	return 0
}

// tcpConn is a Connection over an established TLS session. Packets are
// newline-delimited JSON frames; a single write mutex preserves send order.
type tcpConn struct {
	id      string
	conn    *tls.Conn
	addr    Address
	caps    Capabilities
	logger  *log.Logger
	packets chan *protocol.Packet

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func newTCPConn(conn *tls.Conn, addr Address, caps Capabilities, logger *log.Logger) *tcpConn {
	c := &tcpConn{
		id:      uuid.NewString(),
		conn:    conn,
		addr:    addr,
		caps:    caps,
		logger:  logger,
		packets: make(chan *protocol.Packet, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send encodes and writes one packet, rejecting oversized packets before
// touching the socket.
func (c *tcpConn) Send(p *protocol.Packet) error {
	select {
	case <-c.done:
		return Recoverable("tcp send", ErrConnectionClosed)
	default:
	}

	data, err := protocol.Encode(p)
	if err != nil {
		return Critical("encode packet", err)
	}
	if len(data) > c.caps.MaxPacketSize {
		return Critical("tcp send", fmt.Errorf("%w: %d > %d", ErrPacketExceedsMTU, len(data), c.caps.MaxPacketSize))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		c.closeWithError(Recoverable("tcp write", err))
		return Recoverable("tcp write", err)
	}
	c.logger.Debug("sent", "conn", c.id, "type", p.Type, "bytes", len(data))
	return nil
}

// Packets returns the inbound packet stream.
func (c *tcpConn) Packets() <-chan *protocol.Packet { return c.packets }

// Done is closed when the connection has shut down.
func (c *tcpConn) Done() <-chan struct{} { return c.done }

// Err returns the terminal connection error.
func (c *tcpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddress returns the peer's address.
func (c *tcpConn) RemoteAddress() Address { return c.addr }

// PeerCertificate returns the peer's leaf certificate.
func (c *tcpConn) PeerCertificate() *x509.Certificate {
	state := c.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// Close tears the connection down without recording an error.
func (c *tcpConn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *tcpConn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

// readLoop reads newline-delimited frames until the connection ends.
// The scanner buffer is capped at the transport MTU so a peer cannot force
// unbounded allocation by withholding the newline.
func (c *tcpConn) readLoop() {
	defer close(c.packets)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), c.caps.MaxPacketSize)

	for scanner.Scan() {
		pkt, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			// Malformed input tears the connection down.
			c.logger.Error("malformed packet", "conn", c.id, "err", err)
			c.closeWithError(Critical("decode packet", err))
			return
		}
		select {
		case c.packets <- pkt:
		case <-c.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
			// Local close already recorded the outcome.
		default:
			if err == bufio.ErrTooLong {
				c.closeWithError(Critical("tcp read", fmt.Errorf("%w: frame exceeds %d", ErrPacketExceedsMTU, c.caps.MaxPacketSize)))
			} else {
				c.closeWithError(Recoverable("tcp read", err))
			}
		}
		return
	}
	// EOF: peer closed the stream.
	c.closeWithError(Recoverable("tcp read", ErrConnectionClosed))
}

// Compile-time interface satisfaction checks.
var (
	_ Transport  = (*TCPTransport)(nil)
	_ Listener   = (*TCPTransport)(nil)
	_ Connection = (*tcpConn)(nil)
)
