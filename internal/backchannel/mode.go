package backchannel

import (
	"context"
	"fmt"

	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// channel is one dedicated control connection with at most one request in flight.
// owed counts responses to abandoned requests that have not been read yet; it is
// only touched while sem is held.
type channel struct {
	kind control.Kind
	sem  chan struct{}
	owed int
}

// Mode holds the control channels of one net-mode instance.
// Different kinds proceed concurrently; calls of the same kind are serialised.
type Mode struct {
	id       string
	tr       transport.Transport
	channels map[control.Kind]*channel
}

func NewMode(tr transport.Transport) *Mode {
	m := &Mode{
		id:       uuid.NewString(),
		tr:       tr,
		channels: make(map[control.Kind]*channel, len(control.Kinds())),
	}
	for _, k := range control.Kinds() {
		m.channels[k] = &channel{kind: k, sem: make(chan struct{}, 1)}
	}
	return m
}

func (m *Mode) ID() string {
	return m.id
}

func (m *Mode) Transport() transport.Transport {
	return m.tr
}

// acquire takes exclusive use of the channel for kind until release is called.
func (m *Mode) acquire(ctx context.Context, kind control.Kind) (func(), error) {
	ch, ok := m.channels[kind]
	if !ok {
		return nil, fmt.Errorf("no control channel for %s", kind)
	}
	select {
	case ch.sem <- struct{}{}:
		return func() { <-ch.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// owe records that a request on kind was sent but its response was abandoned.
// The caller holds the channel.
func (m *Mode) owe(kind control.Kind) {
	if ch, ok := m.channels[kind]; ok {
		ch.owed++
	}
}

func (m *Mode) owed(kind control.Kind) int {
	if ch, ok := m.channels[kind]; ok {
		return ch.owed
	}
	return 0
}

// drain reads and discards every response still owed on kind so the next
// request is matched with its own answer. The caller holds the channel.
func (m *Mode) drain(ctx context.Context, kind control.Kind) error {
	ch, ok := m.channels[kind]
	if !ok {
		return fmt.Errorf("no control channel for %s", kind)
	}
	for ch.owed > 0 {
		p, err := m.tr.Receive(ctx, kind)
		if err != nil {
			return err
		}
		if p != nil {
			log.Debug().Msgf("backchannel.Mode.drain mode=%s channel=%s status=%d discarded=%x", m.id, kind, p.Status, p.Data)
			m.tr.Release(p)
		}
		ch.owed--
	}
	return nil
}
