package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

func testIdentity(id string) *protocol.DeviceIdentity {
	return &protocol.DeviceIdentity{
		ID:              id,
		Name:            "Test " + id,
		Type:            protocol.DeviceDesktop,
		ProtocolVersion: protocol.ProtocolVersion,
		TCPPort:         1716,
	}
}

func newTestBroadcast(t *testing.T) *BroadcastProducer {
	t.Helper()
	return NewBroadcastProducer(BroadcastConfig{
		Identity:    testIdentity("self"),
		LostTimeout: 200 * time.Millisecond,
	}, nil)
}

func sender(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 1716}
}

func TestBroadcastHandleDatagram(t *testing.T) {
	b := newTestBroadcast(t)
	out := make(chan Event, 8)

	data, err := protocol.Encode(protocol.IdentityPacket(testIdentity("phone-1")))
	require.NoError(t, err)

	b.handleDatagram(data, sender("192.168.1.20"), out)

	require.Len(t, out, 1)
	ev := <-out
	require.Equal(t, DeviceDiscovered, ev.Kind)
	require.Equal(t, "phone-1", ev.DeviceID)
	require.Equal(t, "phone-1", ev.Identity.ID)
	require.Equal(t, transport.TypeTCP, ev.Address.Type)
	require.Equal(t, "192.168.1.20", ev.Address.Host)
	require.Equal(t, uint16(1716), ev.Address.Port)
}

func TestBroadcastDeduplicatesAnnouncements(t *testing.T) {
	b := newTestBroadcast(t)
	out := make(chan Event, 8)

	data, err := protocol.Encode(protocol.IdentityPacket(testIdentity("phone-1")))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.handleDatagram(data, sender("192.168.1.20"), out)
	}
	require.Len(t, out, 1, "repeated announcements must not repeat the event")
}

func TestBroadcastIgnoresSelf(t *testing.T) {
	b := newTestBroadcast(t)
	out := make(chan Event, 8)

	data, err := protocol.Encode(protocol.IdentityPacket(testIdentity("self")))
	require.NoError(t, err)

	b.handleDatagram(data, sender("192.168.1.5"), out)
	require.Empty(t, out)
}

func TestBroadcastDropsGarbage(t *testing.T) {
	b := newTestBroadcast(t)
	out := make(chan Event, 8)

	b.handleDatagram([]byte("not json at all\n"), sender("192.168.1.9"), out)
	ping, err := protocol.Encode(protocol.New("kdeconnect.ping", nil))
	require.NoError(t, err)
	b.handleDatagram(ping, sender("192.168.1.9"), out)

	require.Empty(t, out, "non-identity datagrams must be dropped silently")
}

func TestBroadcastLostAfterSilence(t *testing.T) {
	b := newTestBroadcast(t)
	out := make(chan Event, 8)

	data, err := protocol.Encode(protocol.IdentityPacket(testIdentity("phone-1")))
	require.NoError(t, err)
	b.handleDatagram(data, sender("192.168.1.20"), out)
	<-out

	b.sweep(time.Now().Add(300*time.Millisecond), out)

	require.Len(t, out, 1)
	ev := <-out
	require.Equal(t, DeviceLost, ev.Kind)
	require.Equal(t, "phone-1", ev.DeviceID)

	// A silent device already reported lost is not reported again.
	b.sweep(time.Now().Add(time.Second), out)
	require.Empty(t, out)
}
