package protocol

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// DeviceType classifies the device form factor announced in identity packets.
type DeviceType string

// Device types from the KDE Connect protocol.
const (
	DeviceDesktop DeviceType = "desktop"
	DeviceLaptop  DeviceType = "laptop"
	DevicePhone   DeviceType = "phone"
	DeviceTablet  DeviceType = "tablet"
	DeviceTV      DeviceType = "tv"
)

// IsValid reports whether the device type is one of the known classes.
func (t DeviceType) IsValid() bool {
	switch t {
	case DeviceDesktop, DeviceLaptop, DevicePhone, DeviceTablet, DeviceTV:
		return true
	default:
		return false
	}
}

// Identity errors.
var (
	ErrNotIdentityPacket = errors.New("not an identity packet")
	ErrMissingDeviceID   = errors.New("identity packet has no deviceId")
)

// IdentityBody is the JSON body of a kdeconnect.identity packet.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	TCPPort              uint16   `json:"tcpPort,omitempty"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// PairBody is the JSON body of a kdeconnect.pair packet.
type PairBody struct {
	Pair      bool  `json:"pair"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// DeviceIdentity is the decoded identity of a remote device.
//
// It is created from an identity packet at discovery or handshake time.
// Capability sets are immutable for the lifetime of a session; the
// intersection with our own capabilities gates plugin activation.
type DeviceIdentity struct {
	ID              string
	Name            string
	Type            DeviceType
	ProtocolVersion int
	TCPPort         uint16
	Incoming        []string
	Outgoing        []string
}

// IdentityFromPacket extracts a DeviceIdentity from an identity packet.
func IdentityFromPacket(p *Packet) (*DeviceIdentity, error) {
	if !p.IsIdentity() {
		return nil, fmt.Errorf("%w: %s", ErrNotIdentityPacket, p.Type)
	}

	// Round-trip the opaque body through JSON into the typed form.
	raw, err := sonic.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode identity body: %w", err)
	}
	var body IdentityBody
	if err := sonic.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if body.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}

	return &DeviceIdentity{
		ID:              body.DeviceID,
		Name:            body.DeviceName,
		Type:            DeviceType(body.DeviceType),
		ProtocolVersion: body.ProtocolVersion,
		TCPPort:         body.TCPPort,
		Incoming:        body.IncomingCapabilities,
		Outgoing:        body.OutgoingCapabilities,
	}, nil
}

// IdentityPacket builds the identity packet announcing this device.
func IdentityPacket(id *DeviceIdentity) *Packet {
	return New(TypeIdentity, map[string]any{
		"deviceId":             id.ID,
		"deviceName":           id.Name,
		"deviceType":           string(id.Type),
		"protocolVersion":      id.ProtocolVersion,
		"tcpPort":              id.TCPPort,
		"incomingCapabilities": id.Incoming,
		"outgoingCapabilities": id.Outgoing,
	})
}

// PairPacket builds a pairing request or response packet.
func PairPacket(pair bool) *Packet {
	body := map[string]any{"pair": pair}
	if pair {
		body["timestamp"] = CurrentTimestamp()
	}
	return New(TypePair, body)
}

// CapabilityIntersection returns the capabilities present in both sets,
// sorted. A plugin activates for a peer only when its packet types survive
// the intersection of our incoming set with the peer's outgoing set.
func CapabilityIntersection(ours, theirs []string) []string {
	set := make(map[string]struct{}, len(ours))
	for _, c := range ours {
		set[c] = struct{}{}
	}

	var common []string
	seen := make(map[string]struct{})
	for _, c := range theirs {
		if _, ok := set[c]; !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		common = append(common, c)
	}
	sort.Strings(common)
	return common
}
