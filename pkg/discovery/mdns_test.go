package discovery

import (
	"net"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/transport"
)

func TestTXTRoundTrip(t *testing.T) {
	identity := testIdentity("laptop-7")
	decoded := decodeTXT(encodeTXT(identity))

	require.Equal(t, identity.ID, decoded.ID)
	require.Equal(t, identity.Name, decoded.Name)
	require.Equal(t, identity.Type, decoded.Type)
	require.Equal(t, identity.ProtocolVersion, decoded.ProtocolVersion)
}

func TestDecodeTXTIgnoresUnknownKeys(t *testing.T) {
	decoded := decodeTXT([]string{"id=x", "bogus=1", "notakv"})
	require.Equal(t, "x", decoded.ID)
}

func TestEntryToEvent(t *testing.T) {
	m := NewMDNSProducer(MDNSConfig{Identity: testIdentity("self")}, nil)

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "phone-1"},
		Port:          1717,
		Text:          encodeTXT(testIdentity("phone-1")),
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.30")},
	}

	ev, ok := m.entryToEvent(entry)
	require.True(t, ok)
	require.Equal(t, DeviceDiscovered, ev.Kind)
	require.Equal(t, "phone-1", ev.DeviceID)
	require.Equal(t, transport.TCPAddress("192.168.1.30", 1717), ev.Address)
	require.Equal(t, uint16(1717), ev.Identity.TCPPort, "record port wins over TXT port")
}

func TestEntryToEventSkipsSelf(t *testing.T) {
	m := NewMDNSProducer(MDNSConfig{Identity: testIdentity("self")}, nil)

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "self"},
		Port:          1716,
		Text:          encodeTXT(testIdentity("self")),
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.5")},
	}

	_, ok := m.entryToEvent(entry)
	require.False(t, ok)
}

func TestEntryToEventSkipsAddressless(t *testing.T) {
	m := NewMDNSProducer(MDNSConfig{Identity: testIdentity("self")}, nil)

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "phone-1"},
		Port:          1716,
		Text:          encodeTXT(testIdentity("phone-1")),
	}

	_, ok := m.entryToEvent(entry)
	require.False(t, ok)
}

func TestEntryToEventFallsBackToInstance(t *testing.T) {
	// A record with no TXT id still identifies the device by instance name.
	m := NewMDNSProducer(MDNSConfig{Identity: testIdentity("self")}, nil)

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "phone-1"},
		Port:          1716,
		AddrIPv6:      []net.IP{net.ParseIP("fe80::1")},
	}

	ev, ok := m.entryToEvent(entry)
	require.True(t, ok)
	require.Equal(t, "phone-1", ev.DeviceID)
	require.Equal(t, "fe80::1", ev.Address.Host)
}

func TestDeviceTypeSurvivesTXT(t *testing.T) {
	identity := testIdentity("tv-1")
	identity.Type = protocol.DeviceTV
	require.Equal(t, protocol.DeviceTV, decodeTXT(encodeTXT(identity)).Type)
}
