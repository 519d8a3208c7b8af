package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn multiplexes the control channels over one stream connection.
// One reader goroutine routes response frames into bounded per-channel queues.
type Conn struct {
	cfg Config
	nc  net.Conn
	id  string

	writeMu sync.Mutex
	queues  map[control.Kind]chan *Packet

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	outstanding atomic.Int64
	dropped     atomic.Uint64
	pool        sync.Pool
}

// NewConn wraps nc and starts routing inbound frames.
func NewConn(nc net.Conn, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	c := &Conn{
		cfg:    cfg,
		nc:     nc,
		id:     uuid.NewString(),
		queues: make(map[control.Kind]chan *Packet, len(control.Kinds())),
		closed: make(chan struct{}),
	}
	c.pool.New = func() any { return &Packet{} }
	for _, k := range control.Kinds() {
		c.queues[k] = make(chan *Packet, cfg.QueueDepth)
	}
	go c.readLoop()
	return c
}

// ID returns the instance id used in log lines.
func (c *Conn) ID() string {
	return c.id
}

// Outstanding returns the number of received packets not yet released.
func (c *Conn) Outstanding() int64 {
	return c.outstanding.Load()
}

// Dropped returns the number of inbound frames discarded by the router.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed once the connection stops routing frames.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the connection closed, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Transmit(ctx context.Context, ch control.Kind, payload []byte) (uint8, error) {
	if !ch.Valid() {
		return DispatchFailed, fmt.Errorf("transport: invalid channel %d", ch)
	}
	if len(payload) > c.cfg.TxBufSize {
		return DispatchFailed, fmt.Errorf("%w: payload=%d tx_buf_size=%d", ErrNoBuffer, len(payload), c.cfg.TxBufSize)
	}
	select {
	case <-c.closed:
		return DispatchFailed, c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return DispatchFailed, err
	}
	err := frame.WriteFrame(c.nc, frame.Frame{
		Header:  frame.Header{Channel: uint8(ch)},
		Payload: payload,
	}, c.cfg.limits())
	if err != nil {
		log.Warn().Msgf("transport.Conn.Transmit conn=%s channel=%s err=%v", c.id, ch, err)
		return DispatchFailed, err
	}
	return DispatchOK, nil
}

func (c *Conn) Receive(ctx context.Context, ch control.Kind) (*Packet, error) {
	q, ok := c.queues[ch]
	if !ok {
		return nil, fmt.Errorf("transport: invalid channel %d", ch)
	}
	select {
	case p := <-q:
		return p, nil
	default:
	}
	select {
	case p := <-q:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		select {
		case p := <-q:
			return p, nil
		default:
		}
		return nil, c.closedErr()
	}
}

func (c *Conn) Release(p *Packet) {
	if p == nil {
		return
	}
	c.outstanding.Add(-1)
	p.reset()
	c.pool.Put(p)
}

// Close stops the reader and closes the underlying stream.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return c.nc.Close()
}

func (c *Conn) readLoop() {
	limits := c.cfg.limits()
	for {
		f, err := frame.ReadFrame(c.nc, limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debug().Msgf("transport.Conn.readLoop conn=%s closed", c.id)
			} else {
				log.Warn().Msgf("transport.Conn.readLoop conn=%s err=%v", c.id, err)
			}
			c.shutdown(err)
			_ = c.nc.Close()
			return
		}
		ch := control.Kind(f.Header.Channel)
		q, ok := c.queues[ch]
		if !ok || !f.IsResponse() {
			c.dropped.Add(1)
			log.Warn().Msgf("transport.Conn.readLoop conn=%s drop channel=%d flags=%#x reason=unroutable", c.id, f.Header.Channel, f.Header.Flags)
			continue
		}
		p := c.pool.Get().(*Packet)
		p.Channel = ch
		p.Status = f.Header.Status
		p.Data = append(p.Data[:0], f.Payload...)
		c.outstanding.Add(1)
		select {
		case q <- p:
		default:
			c.Release(p)
			c.dropped.Add(1)
			log.Warn().Msgf("transport.Conn.readLoop conn=%s drop channel=%s reason=queue_full", c.id, ch)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) closedErr() error {
	err := c.Err()
	if err == nil || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
