// Package pairing implements mutual TLS trust establishment between
// devices: identity certificate generation, the pairing state machine, and
// the persisted trust store with certificate fingerprint pinning.
//
// Each device holds a locally generated self-signed identity certificate.
// On first contact the peer's certificate fingerprint is surfaced for
// acceptance; whether acceptance is automatic (trust on first use) or
// requires explicit approval is a policy decision made outside this core.
// Once a device is Trusted its fingerprint is pinned: a later handshake
// presenting a different fingerprint for the same device id is rejected as
// critical and never silently re-trusted. Unpairing deletes the trust
// record entirely, so the next contact is treated as first contact.
package pairing
