package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen = 5

	FlagIsResponse uint8 = 0x01
	FlagIsError    uint8 = 0x02
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortPayload    = errors.New("frame: short payload")
)

// Header is the fixed wire header: [payload_len:2][channel:1][flags:1][status:1].
type Header struct {
	PayloadLen uint16
	Channel    uint8
	Flags      uint8
	Status     uint8
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// IsResponse reports whether the frame answers a request.
func (f Frame) IsResponse() bool {
	return f.Header.Flags&FlagIsResponse != 0
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4 * 1024}
}

func (l Limits) max() int {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > 0xFFFF {
		return 0xFFFF
	}
	return l.MaxPayloadBytes
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.PayloadLen) > limits.max() {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload in a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Payload) > limits.max() {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint16(len(f.Payload))

	buf := make([]byte, FixedHeaderLen+len(f.Payload))
	putHeader(buf, h)
	copy(buf[FixedHeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.PayloadLen)
	buf[2] = h.Channel
	buf[3] = h.Flags
	buf[4] = h.Status
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		PayloadLen: binary.BigEndian.Uint16(b[0:2]),
		Channel:    b[2],
		Flags:      b[3],
		Status:     b[4],
	}, nil
}
