package transport_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/connect-go/pkg/pairing"
	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

// startTCPPair connects two TCP transports over loopback and returns both
// ends of the session.
func startTCPPair(t *testing.T) (client, server transport.Connection) {
	t.Helper()

	serverIdentity, err := pairing.GenerateIdentity("server-device")
	require.NoError(t, err)
	clientIdentity, err := pairing.GenerateIdentity("client-device")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := transport.NewTCPTransport(transport.TCPConfig{
		TLSConfig:     pairing.NewTLSConfig(serverIdentity),
		ListenAddress: "127.0.0.1:0",
	}, nil)
	accepted, err := srv.Listen(ctx)
	require.NoError(t, err)

	port := uint16(srv.Addr().(*net.TCPAddr).Port)

	cli := transport.NewTCPTransport(transport.TCPConfig{
		TLSConfig: pairing.NewTLSConfig(clientIdentity),
	}, nil)

	clientConn, err := cli.Connect(ctx, transport.TCPAddress("127.0.0.1", port))
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-accepted:
		t.Cleanup(func() { serverConn.Close() })
		return clientConn, serverConn
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound connection accepted")
		return nil, nil
	}
}

func TestTCPSendReceive(t *testing.T) {
	client, server := startTCPPair(t)

	sent := protocol.New("kdeconnect.ping", map[string]any{"message": "hello"})
	require.NoError(t, client.Send(sent))

	select {
	case got := <-server.Packets():
		require.Equal(t, "kdeconnect.ping", got.Type)
		require.Equal(t, "hello", got.Body["message"])
	case <-time.After(5 * time.Second):
		t.Fatal("packet not received")
	}
}

func TestTCPSendOrderingPreserved(t *testing.T) {
	client, server := startTCPPair(t)

	const n = 50
	for i := 0; i < n; i++ {
		pkt := protocol.New("kdeconnect.ping", map[string]any{"seq": float64(i)})
		require.NoError(t, client.Send(pkt))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-server.Packets():
			require.Equal(t, float64(i), got.Body["seq"], "packets reordered")
		case <-time.After(5 * time.Second):
			t.Fatalf("packet %d not received", i)
		}
	}
}

func TestTCPPeerCertificateExposed(t *testing.T) {
	client, server := startTCPPair(t)

	require.NotNil(t, client.PeerCertificate())
	require.Equal(t, "server-device", client.PeerCertificate().Subject.CommonName)
	require.NotNil(t, server.PeerCertificate())
	require.Equal(t, "client-device", server.PeerCertificate().Subject.CommonName)
}

func TestTCPPeerDisconnectIsRecoverable(t *testing.T) {
	client, server := startTCPPair(t)

	require.NoError(t, server.Close())

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client never noticed the disconnect")
	}
	require.True(t, transport.IsRecoverable(client.Err()),
		"peer disconnect should classify recoverable, got %v", client.Err())
}

func TestTCPSendAfterCloseFails(t *testing.T) {
	client, _ := startTCPPair(t)
	require.NoError(t, client.Close())

	err := client.Send(protocol.New("kdeconnect.ping", nil))
	require.Error(t, err)
	require.True(t, errors.Is(err, transport.ErrConnectionClosed))
}

func TestTCPConnectRefusedIsRecoverable(t *testing.T) {
	identity, err := pairing.GenerateIdentity("client-device")
	require.NoError(t, err)

	tr := transport.NewTCPTransport(transport.TCPConfig{
		TLSConfig:      pairing.NewTLSConfig(identity),
		ConnectTimeout: 2 * time.Second,
	}, nil)

	// Nothing listens here.
	_, err = tr.Connect(context.Background(), transport.TCPAddress("127.0.0.1", 41717))
	require.Error(t, err)
	require.True(t, transport.IsRecoverable(err), "refused connect should be recoverable, got %v", err)
}

func TestTCPRejectsBluetoothAddress(t *testing.T) {
	identity, err := pairing.GenerateIdentity("client-device")
	require.NoError(t, err)

	tr := transport.NewTCPTransport(transport.TCPConfig{TLSConfig: pairing.NewTLSConfig(identity)}, nil)
	_, err = tr.Connect(context.Background(), transport.BluetoothAddress("AA:BB:CC:DD:EE:FF", ""))
	require.True(t, errors.Is(err, transport.ErrNoAddress))
}
