// Package transport owns the byte-stream side of the backchannel.
//
// Ownership boundary:
// - the Transport contract consumed by the RPC client
// - stream multiplexing of control channels over one net.Conn
// - owned Packet lifecycle (receive hands ownership out, Release takes it back)
// - dial retry/backoff
//
// Reliability and retry policy live here; callers above see a single
// blocking exchange per request.
package transport
