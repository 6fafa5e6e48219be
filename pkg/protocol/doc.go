// Package protocol implements the COSMIC Connect wire packet model.
//
// Packets are newline-delimited JSON objects compatible with the
// KDE Connect protocol (version 8):
//
//	{"id":1700000000000,"type":"kdeconnect.ping","body":{}}\n
//
// The packet id is a millisecond timestamp; it is not globally unique but
// must be non-decreasing per sender. The type is a dotted capability name
// that gates which plugin consumes the packet. The body is an opaque
// key-value map owned by the plugin layer.
//
// Packets carrying a bulk payload (file transfers) additionally declare
// payloadSize and payloadTransferInfo; the payload bytes themselves travel
// on a side channel, never through the control connection.
package protocol
