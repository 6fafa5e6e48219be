// Package transport provides the transport abstraction for COSMIC Connect
// and its two concrete implementations: TCP with TLS, and Bluetooth LE.
//
// The transport set is closed and known at compile time; code dispatches on
// the Type enum with exhaustive switches rather than open-ended dynamic
// dispatch. Each transport describes itself through a Capabilities value
// that callers must consult before sending: a packet larger than the
// transport's MaxPacketSize is rejected before any I/O occurs, and bulk
// payloads must use the side-channel transfer protocol instead of the
// control channel.
//
// Errors are classified exactly once, at this layer. The classification
// (Recoverable, UserActionRequired, Critical) travels up with the error;
// higher layers decide retry-versus-surface from the class alone and never
// re-classify.
package transport
