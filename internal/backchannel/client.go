package backchannel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/bcnet/internal/contype"
	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/transport"
	"github.com/rs/zerolog/log"
)

// Operation names used in errors, logs and metrics.
const (
	OpNew      = "new"
	OpValidate = "validate"
	OpSleepSet = "sleep_set"
	OpSleepGet = "sleep_get"
	OpSettings = "settings"
	OpEnd      = "end"
	OpEcho     = "echo"
)

// Observer receives the outcome of every operation.
type Observer interface {
	ObserveRPC(op string, code Code, elapsed time.Duration)
}

type Option func(*Client)

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.obs = o
	}
}

// Client runs control operations for connections of one registry over one mode instance.
type Client struct {
	reg  *contype.Registry
	mode *Mode
	obs  Observer
}

func NewClient(reg *contype.Registry, mode *Mode, opts ...Option) *Client {
	c := &Client{reg: reg, mode: mode}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TypeID resolves t to its wire identifier, reporting NotFound or RangeExceeded.
func (c *Client) TypeID(t contype.Type) (uint8, error) {
	id, err := c.reg.Resolve(t)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, contype.ErrRangeExceeded):
		return 0, newError("resolve", CodeRangeExceeded, err)
	default:
		return 0, newError("resolve", CodeNotFound, err)
	}
}

// New asks the remote side to create a connection of type t at addr and
// returns the identifier it assigned. Backchannel types return 0 without
// contacting the remote side.
func (c *Client) New(ctx context.Context, t contype.Type, addr control.Address) (uint16, error) {
	id, _, err := c.create(ctx, t, addr)
	return id, err
}

// Open runs New for con and records the assigned identifier on it. Only an
// unassigned connection can be opened; live and ended ones are rejected
// before the remote side is contacted.
func (c *Client) Open(ctx context.Context, con *Connection) error {
	if con == nil {
		return newError(OpNew, CodeInvalidArgument, errors.New("nil connection"))
	}
	if ident := con.Ident(); ident.State != IdentUnassigned {
		return newError(OpNew, CodeInvalidArgument, fmt.Errorf("%w: %s", errAssigned, ident))
	}
	id, bypass, err := c.create(ctx, con.Type(), con.Address())
	if err != nil || bypass {
		return err
	}
	con.SetIdent(Live(id))
	return nil
}

func (c *Client) create(ctx context.Context, t contype.Type, addr control.Address) (id uint16, bypass bool, err error) {
	defer c.observe(OpNew, time.Now(), &err)

	typeID, err := c.resolve(OpNew, t)
	if err != nil {
		return 0, false, err
	}
	if typeID == contype.BackchannelID {
		return 0, true, nil
	}
	req := control.EncodeNewRequest(typeID, addr)
	err = c.roundTrip(ctx, OpNew, control.KindNew, req, func(p *transport.Packet) error {
		v, derr := control.DecodeNewResponse(p.Data)
		if derr != nil {
			return derr
		}
		id = v
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	log.Debug().Msgf("backchannel.Client.New mode=%s type=%q addr=%s id=%d", c.mode.ID(), t.Name, addr, id)
	return id, false, nil
}

// Validate checks that con is still alive on the remote side. A connection
// already known to be ended is a valid answer and returns nil.
func (c *Client) Validate(ctx context.Context, con *Connection) (err error) {
	defer c.observe(OpValidate, time.Now(), &err)

	bypass, err := c.bypass(OpValidate, con)
	if err != nil || bypass {
		return err
	}
	ident := con.Ident()
	if ident.IsEnded() {
		return nil
	}
	id, ok := ident.Value()
	if !ok {
		return newError(OpValidate, CodeInvalidArgument, errUnassigned)
	}
	return c.roundTrip(ctx, OpValidate, control.KindValidate, control.EncodeIdentRequest(id), nil)
}

// SleepSet asks the remote side to move con into state. The connection's
// recorded sleep state is not changed; use SleepGet to refresh it.
func (c *Client) SleepSet(ctx context.Context, con *Connection, state SleepState) (err error) {
	defer c.observe(OpSleepSet, time.Now(), &err)

	id, bypass, err := c.liveIdent(OpSleepSet, con)
	if err != nil || bypass {
		return err
	}
	req := control.EncodeSleepSetRequest(id, uint8(state))
	return c.roundTrip(ctx, OpSleepSet, control.KindSleep, req, func(p *transport.Packet) error {
		_, derr := control.DecodeSleepResponse(p.Data)
		return derr
	})
}

// SleepGet fetches the remote sleep state of con and records it.
func (c *Client) SleepGet(ctx context.Context, con *Connection) (state SleepState, err error) {
	defer c.observe(OpSleepGet, time.Now(), &err)

	id, bypass, err := c.liveIdent(OpSleepGet, con)
	if err != nil {
		return 0, err
	}
	if bypass {
		return con.SleepState(), nil
	}
	err = c.roundTrip(ctx, OpSleepGet, control.KindSleep, control.EncodeIdentRequest(id), func(p *transport.Packet) error {
		v, derr := control.DecodeSleepResponse(p.Data)
		if derr != nil {
			return derr
		}
		state = SleepState(v)
		con.setSleepState(state)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return state, nil
}

// Settings runs the common guards for a settings change. Nothing is sent.
func (c *Client) Settings(ctx context.Context, con *Connection, s Settings) (err error) {
	defer c.observe(OpSettings, time.Now(), &err)

	_, bypass, err := c.liveIdent(OpSettings, con)
	if err != nil || bypass {
		return err
	}
	log.Debug().Msgf("backchannel.Client.Settings mode=%s ident=%s settings=%+v transmitted=false", c.mode.ID(), con.Ident(), s)
	return nil
}

// End asks the remote side to drop con. On success con becomes ended.
func (c *Client) End(ctx context.Context, con *Connection) (err error) {
	defer c.observe(OpEnd, time.Now(), &err)

	id, bypass, err := c.liveIdent(OpEnd, con)
	if err != nil || bypass {
		return err
	}
	if err := c.roundTrip(ctx, OpEnd, control.KindEnd, control.EncodeIdentRequest(id), nil); err != nil {
		return err
	}
	con.SetIdent(Ended())
	log.Debug().Msgf("backchannel.Client.End mode=%s id=%d", c.mode.ID(), id)
	return nil
}

// Echo sends payload over the echo channel and requires the same bytes back.
func (c *Client) Echo(ctx context.Context, payload []byte) (err error) {
	defer c.observe(OpEcho, time.Now(), &err)

	req := make([]byte, len(payload))
	copy(req, payload)
	return c.roundTrip(ctx, OpEcho, control.KindEcho, req, func(p *transport.Packet) error {
		return control.CheckEcho(req, p.Data)
	})
}

func (c *Client) resolve(op string, t contype.Type) (uint8, error) {
	id, err := c.TypeID(t)
	if err != nil {
		return 0, newError(op, CodeInvalidArgument, err)
	}
	return id, nil
}

// bypass resolves the connection type and reports whether it is the backchannel.
func (c *Client) bypass(op string, con *Connection) (bool, error) {
	if con == nil {
		return false, newError(op, CodeInvalidArgument, errors.New("nil connection"))
	}
	typeID, err := c.resolve(op, con.Type())
	if err != nil {
		return false, err
	}
	return typeID == contype.BackchannelID, nil
}

// liveIdent runs the shared guards of operations that need a live identifier.
func (c *Client) liveIdent(op string, con *Connection) (uint16, bool, error) {
	bypass, err := c.bypass(op, con)
	if err != nil || bypass {
		return 0, bypass, err
	}
	ident := con.Ident()
	if ident.IsEnded() {
		return 0, false, newError(op, CodeInvalidArgument, errEnded)
	}
	id, ok := ident.Value()
	if !ok {
		return 0, false, newError(op, CodeInvalidArgument, errUnassigned)
	}
	return id, false, nil
}

// roundTrip sends req on kind and waits for the response. decode runs only on
// a response that passed the status checks; the packet is released before
// roundTrip returns on every path.
func (c *Client) roundTrip(ctx context.Context, op string, kind control.Kind, req []byte, decode func(*transport.Packet) error) error {
	release, err := c.mode.acquire(ctx, kind)
	if err != nil {
		return newError(op, CodeRemoteFailure, err)
	}
	defer release()

	if err := c.mode.drain(ctx, kind); err != nil {
		log.Warn().Msgf("backchannel.Client.%s drain mode=%s owed=%d err=%v", op, c.mode.ID(), c.mode.owed(kind), err)
		return newError(op, CodeRemoteFailure, err)
	}

	tr := c.mode.Transport()
	dispatch, err := tr.Transmit(ctx, kind, req)
	if err != nil {
		if errors.Is(err, transport.ErrNoBuffer) {
			return newError(op, CodeOutOfMemory, err)
		}
		log.Warn().Msgf("backchannel.Client.%s transmit mode=%s err=%v", op, c.mode.ID(), err)
		return newError(op, CodeRemoteFailure, err)
	}

	p, err := tr.Receive(ctx, kind)
	if p != nil {
		defer tr.Release(p)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// the request went out; its response is still due on this channel
			c.mode.owe(kind)
		}
		log.Warn().Msgf("backchannel.Client.%s receive mode=%s err=%v", op, c.mode.ID(), err)
		return newError(op, CodeRemoteFailure, err)
	}
	if p == nil {
		return newError(op, CodeRemoteFailure, errNoResponse)
	}

	if dispatch != transport.DispatchOK {
		return newError(op, CodeRemoteFailure, &StatusError{Local: true, Status: dispatch})
	}
	if p.Status != 0 {
		return newError(op, CodeRemoteFailure, &StatusError{Status: p.Status})
	}
	if decode != nil {
		if err := decode(p); err != nil {
			return newError(op, CodeRemoteFailure, err)
		}
	}
	return nil
}

func (c *Client) observe(op string, start time.Time, errp *error) {
	if c.obs == nil {
		return
	}
	c.obs.ObserveRPC(op, CodeOf(*errp), time.Since(start))
}
