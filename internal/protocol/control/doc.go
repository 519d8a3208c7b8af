// Package control owns the backchannel control-plane wire contract.
//
// Ownership boundary:
// - control channel kinds
// - fixed-size address encoding
// - request/response payload layouts for new, validate, sleep, end and echo
//
// All multi-byte integers are big-endian and every payload length is exact.
package control
