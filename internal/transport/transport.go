package transport

import (
	"context"
	"errors"

	"github.com/danmuck/bcnet/internal/protocol/control"
)

// Local dispatch status bytes returned by Transmit.
const (
	DispatchOK     uint8 = 0
	DispatchFailed uint8 = 1
)

var (
	ErrNoBuffer = errors.New("transport: no transmit buffer available")
	ErrClosed   = errors.New("transport: closed")
)

// Packet is one received response. It is owned by the receiver until released.
type Packet struct {
	Channel control.Kind
	Status  uint8
	Data    []byte
}

func (p *Packet) reset() {
	p.Channel = 0
	p.Status = 0
	p.Data = p.Data[:0]
}

// Transport carries control requests and responses over dedicated channels.
type Transport interface {
	// Transmit hands payload to the transport for channel ch and returns the
	// local dispatch status. It does not wait for the remote peer.
	Transmit(ctx context.Context, ch control.Kind, payload []byte) (uint8, error)

	// Receive blocks until a response arrives on ch, ctx ends, or the
	// transport fails. A nil packet with a nil error means nothing was received.
	Receive(ctx context.Context, ch control.Kind) (*Packet, error)

	// Release returns ownership of p to the transport.
	Release(p *Packet)
}
