package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	NewRequestSize      = 1 + AddressSize
	IdentRequestSize    = 2
	SleepSetRequestSize = 3

	NewResponseSize   = 2
	SleepResponseSize = 1
)

// EncodeNewRequest builds [typeID:1][address:AddressSize].
func EncodeNewRequest(typeID uint8, addr Address) []byte {
	buf := make([]byte, NewRequestSize)
	buf[0] = typeID
	addr.put(buf[1:])
	return buf
}

// DecodeNewRequest parses a create request.
func DecodeNewRequest(b []byte) (uint8, Address, error) {
	if len(b) != NewRequestSize {
		return 0, Address{}, lengthError("new request", len(b), NewRequestSize)
	}
	var addr Address
	if err := addr.UnmarshalBinary(b[1:]); err != nil {
		return 0, Address{}, err
	}
	return b[0], addr, nil
}

// EncodeNewResponse builds the [newId:2] payload of a create response.
func EncodeNewResponse(id uint16) []byte {
	buf := make([]byte, NewResponseSize)
	binary.BigEndian.PutUint16(buf, id)
	return buf
}

// DecodeNewResponse parses the [newId:2] payload of a create response.
func DecodeNewResponse(b []byte) (uint16, error) {
	if len(b) != NewResponseSize {
		return 0, lengthError("new response", len(b), NewResponseSize)
	}
	return binary.BigEndian.Uint16(b), nil
}

// EncodeIdentRequest builds [id:2], shared by validate, sleep-get and end.
func EncodeIdentRequest(id uint16) []byte {
	buf := make([]byte, IdentRequestSize)
	binary.BigEndian.PutUint16(buf, id)
	return buf
}

// DecodeIdentRequest parses an [id:2] request.
func DecodeIdentRequest(b []byte) (uint16, error) {
	if len(b) != IdentRequestSize {
		return 0, lengthError("ident request", len(b), IdentRequestSize)
	}
	return binary.BigEndian.Uint16(b), nil
}

// EncodeSleepSetRequest builds [id:2][state:1].
func EncodeSleepSetRequest(id uint16, state uint8) []byte {
	buf := make([]byte, SleepSetRequestSize)
	binary.BigEndian.PutUint16(buf[0:2], id)
	buf[2] = state
	return buf
}

// DecodeSleepRequest parses either sleep-get ([id:2]) or sleep-set ([id:2][state:1]).
// set reports which of the two shapes was received.
func DecodeSleepRequest(b []byte) (id uint16, state uint8, set bool, err error) {
	switch len(b) {
	case IdentRequestSize:
		return binary.BigEndian.Uint16(b), 0, false, nil
	case SleepSetRequestSize:
		return binary.BigEndian.Uint16(b[0:2]), b[2], true, nil
	default:
		return 0, 0, false, fmt.Errorf("%w: sleep request %d bytes", ErrInvalidLength, len(b))
	}
}

// EncodeSleepResponse builds the one-byte state payload of a sleep response.
func EncodeSleepResponse(state uint8) []byte {
	return []byte{state}
}

// DecodeSleepResponse parses the one-byte state payload of a sleep response.
func DecodeSleepResponse(b []byte) (uint8, error) {
	if len(b) != SleepResponseSize {
		return 0, lengthError("sleep response", len(b), SleepResponseSize)
	}
	return b[0], nil
}

// CheckEcho verifies that an echo response carries exactly the bytes that were sent.
func CheckEcho(sent, got []byte) error {
	if len(sent) != len(got) {
		return lengthError("echo response", len(got), len(sent))
	}
	if !bytes.Equal(sent, got) {
		return ErrEchoMismatch
	}
	return nil
}

func lengthError(what string, got, want int) error {
	return fmt.Errorf("%w: %s got=%d want=%d", ErrInvalidLength, what, got, want)
}
