package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	id := &DeviceIdentity{
		ID:              "a1b2c3d4e5f6a7b8",
		Name:            "workstation",
		Type:            DeviceDesktop,
		ProtocolVersion: ProtocolVersion,
		TCPPort:         1716,
		Incoming:        []string{"kdeconnect.battery", "kdeconnect.ping"},
		Outgoing:        []string{"kdeconnect.clipboard"},
	}

	pkt := IdentityPacket(id)
	require.True(t, pkt.IsIdentity())

	// Through the wire and back.
	data, err := Encode(pkt)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	got, err := IdentityFromPacket(decoded)
	require.NoError(t, err)

	assert.Equal(t, id.ID, got.ID)
	assert.Equal(t, id.Name, got.Name)
	assert.Equal(t, id.Type, got.Type)
	assert.Equal(t, id.ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, id.TCPPort, got.TCPPort)
	assert.Equal(t, id.Incoming, got.Incoming)
	assert.Equal(t, id.Outgoing, got.Outgoing)
}

func TestIdentityFromPacketErrors(t *testing.T) {
	t.Run("wrong type", func(t *testing.T) {
		_, err := IdentityFromPacket(New("kdeconnect.ping", nil))
		assert.True(t, errors.Is(err, ErrNotIdentityPacket))
	})

	t.Run("missing device id", func(t *testing.T) {
		_, err := IdentityFromPacket(New(TypeIdentity, map[string]any{
			"deviceName": "nameless",
		}))
		assert.True(t, errors.Is(err, ErrMissingDeviceID))
	})
}

func TestPairPacket(t *testing.T) {
	t.Run("request carries timestamp", func(t *testing.T) {
		pkt := PairPacket(true)
		require.True(t, pkt.IsPair())
		assert.Equal(t, true, pkt.Body["pair"])
		assert.NotNil(t, pkt.Body["timestamp"])
	})

	t.Run("rejection has no timestamp", func(t *testing.T) {
		pkt := PairPacket(false)
		assert.Equal(t, false, pkt.Body["pair"])
		_, hasTS := pkt.Body["timestamp"]
		assert.False(t, hasTS)
	})
}

func TestCapabilityIntersection(t *testing.T) {
	tests := []struct {
		name   string
		ours   []string
		theirs []string
		want   []string
	}{
		{
			name:   "overlap",
			ours:   []string{"kdeconnect.battery", "kdeconnect.ping", "kdeconnect.clipboard"},
			theirs: []string{"kdeconnect.ping", "kdeconnect.battery", "kdeconnect.mpris"},
			want:   []string{"kdeconnect.battery", "kdeconnect.ping"},
		},
		{
			name:   "disjoint",
			ours:   []string{"kdeconnect.battery"},
			theirs: []string{"kdeconnect.mpris"},
			want:   nil,
		},
		{
			name:   "duplicates collapse",
			ours:   []string{"kdeconnect.ping"},
			theirs: []string{"kdeconnect.ping", "kdeconnect.ping"},
			want:   []string{"kdeconnect.ping"},
		},
		{
			name:   "empty sets",
			ours:   nil,
			theirs: nil,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CapabilityIntersection(tt.ours, tt.theirs))
		})
	}
}

func TestDeviceTypeIsValid(t *testing.T) {
	for _, dt := range []DeviceType{DeviceDesktop, DeviceLaptop, DevicePhone, DeviceTablet, DeviceTV} {
		assert.True(t, dt.IsValid(), "device type %q", dt)
	}
	assert.False(t, DeviceType("toaster").IsValid())
}
