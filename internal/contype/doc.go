// Package contype owns the connection-type registry.
//
// Ownership boundary:
// - ordered, append-once registry built at interface setup
// - handle-based lookup of a type's one-byte wire identifier
// - position 0 reserved for the backchannel
package contype
