// Package bctest provides a scripted transport that counts packet ownership.
package bctest

import (
	"context"
	"sync"

	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/transport"
)

// Response scripts the outcome of one exchange on a channel.
type Response struct {
	Dispatch    uint8
	TransmitErr error
	ReceiveErr  error
	// NoPacket makes Receive return nil, nil.
	NoPacket bool
	Status   uint8
	Data     []byte
}

// Handler answers a request when no scripted response is queued.
type Handler func(kind control.Kind, req []byte) Response

// Sent is one recorded Transmit call.
type Sent struct {
	Kind    control.Kind
	Payload []byte
}

// Transport implements transport.Transport with scripted answers.
type Transport struct {
	mu       sync.Mutex
	scripts  map[control.Kind][]Response
	pending  map[control.Kind]*Response
	handler  Handler
	sent     []Sent
	receives int
	releases int
	live     map[*transport.Packet]struct{}
	double   int
}

func New(h Handler) *Transport {
	return &Transport{
		scripts: make(map[control.Kind][]Response),
		pending: make(map[control.Kind]*Response),
		handler: h,
		live:    make(map[*transport.Packet]struct{}),
	}
}

// Push queues r as the answer to the next request on kind.
func (t *Transport) Push(kind control.Kind, r Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[kind] = append(t.scripts[kind], r)
}

func (t *Transport) Transmit(_ context.Context, ch control.Kind, payload []byte) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.sent = append(t.sent, Sent{Kind: ch, Payload: buf})

	var r Response
	if q := t.scripts[ch]; len(q) > 0 {
		r = q[0]
		t.scripts[ch] = q[1:]
	} else if t.handler != nil {
		r = t.handler(ch, buf)
	}
	if r.TransmitErr != nil {
		delete(t.pending, ch)
		dispatch := r.Dispatch
		if dispatch == transport.DispatchOK {
			dispatch = transport.DispatchFailed
		}
		return dispatch, r.TransmitErr
	}
	t.pending[ch] = &r
	return r.Dispatch, nil
}

func (t *Transport) Receive(_ context.Context, ch control.Kind) (*transport.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.pending[ch]
	delete(t.pending, ch)
	if !ok {
		return nil, transport.ErrClosed
	}
	if r.ReceiveErr != nil {
		return nil, r.ReceiveErr
	}
	if r.NoPacket {
		return nil, nil
	}
	data := make([]byte, len(r.Data))
	copy(data, r.Data)
	p := &transport.Packet{Channel: ch, Status: r.Status, Data: data}
	t.receives++
	t.live[p] = struct{}{}
	return p, nil
}

func (t *Transport) Release(p *transport.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[p]; !ok {
		t.double++
		return
	}
	delete(t.live, p)
	t.releases++
}

// Sent returns every recorded Transmit call.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// Transmits returns the number of Transmit calls.
func (t *Transport) Transmits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// Receives returns the number of packets handed out.
func (t *Transport) Receives() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receives
}

// Releases returns the number of packets returned.
func (t *Transport) Releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// Outstanding returns packets handed out and not yet released.
func (t *Transport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// DoubleReleases counts Release calls for packets that were not outstanding.
func (t *Transport) DoubleReleases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.double
}
