// Package peer owns the remote end of the backchannel.
//
// Ownership boundary:
// - connection table (identifier allocation, sleep state, end)
// - request handling for every control channel
// - stream serving over net.Listener / net.Conn
package peer
