// Package recovery keeps device sessions alive across failures.
//
// It has three independent, individually testable responsibilities:
// reconnection with exponential backoff for paired devices that disconnect
// unsolicited, a bounded per-device packet retry queue, and crash-safe
// persistence of in-flight transfer progress. Each piece is idempotent;
// the coordinator drives them from events and a periodic tick.
//
// Reconnection is a security boundary as much as a convenience: only
// paired devices are ever reconnected. A device the user unpaired or
// rejected is never "recovered".
package recovery
