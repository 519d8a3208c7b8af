// Package backchannel owns the control-plane RPC client of the net mode.
//
// Ownership boundary:
// - the five connection operations (new, validate, sleep set/get, end) plus settings and echo
// - per-connection identifier and sleep state
// - the dedicated control channels of one mode instance
// - the error taxonomy returned to the connection lifecycle layer
//
// Connections whose type resolves to the backchannel (id 0) never reach the transport.
package backchannel
