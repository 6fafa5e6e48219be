// Package discovery finds nearby COSMIC Connect devices and advertises our
// own presence.
//
// Three producers exist: UDP broadcast of identity packets over the
// protocol port, mDNS service records, and Bluetooth LE scanning for the
// fixed service UUID. Each producer is an independently scheduled
// background task; the unified Service fans them into one ordered event
// channel so consumers never deal with transport-specific logic. A
// producer failing or panicking never blocks the others, and disabling the
// BLE producer (it is opt-in) leaves broadcast and mDNS behavior
// completely unchanged.
//
// A device not re-seen within the lost timeout is reported as lost.
package discovery
