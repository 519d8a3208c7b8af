package backchannel

import (
	"fmt"
	"sync"

	"github.com/danmuck/bcnet/internal/contype"
	"github.com/danmuck/bcnet/internal/protocol/control"
)

// IdentState tags the lifecycle of a connection identifier.
type IdentState uint8

const (
	IdentUnassigned IdentState = iota
	IdentLive
	IdentEnded
)

// Ident is a connection identifier. The zero value is unassigned.
type Ident struct {
	State IdentState
	ID    uint16
}

// Live returns the identifier assigned by a successful create.
func Live(id uint16) Ident {
	return Ident{State: IdentLive, ID: id}
}

// Ended returns the terminal identifier of a connection known to be gone,
// whether it was ended locally or discovered ended on the remote side.
func Ended() Ident {
	return Ident{State: IdentEnded}
}

// Value returns the wire identifier when the connection is live.
func (i Ident) Value() (uint16, bool) {
	return i.ID, i.State == IdentLive
}

func (i Ident) IsEnded() bool {
	return i.State == IdentEnded
}

func (i Ident) String() string {
	switch i.State {
	case IdentLive:
		return fmt.Sprintf("live(%d)", i.ID)
	case IdentEnded:
		return "ended"
	default:
		return "unassigned"
	}
}

// SleepState is the remote module sleep state. Unknown wire values are kept verbatim.
type SleepState uint8

const (
	SleepAwake SleepState = iota
	SleepSnooze
	SleepSleep
)

func (s SleepState) String() string {
	switch s {
	case SleepAwake:
		return "awake"
	case SleepSnooze:
		return "snooze"
	case SleepSleep:
		return "sleep"
	default:
		return fmt.Sprintf("sleep_state(%d)", uint8(s))
	}
}

// Settings are per-connection options. They are accepted but not sent over the
// backchannel; the settings channel has no wire exchange yet.
type Settings struct {
	DisableAck   bool
	Broadcast    bool
	QueueChanges bool
	NoWaitForAck bool
}

// Connection is one logical remote resource owned by the lifecycle layer.
type Connection struct {
	mu    sync.Mutex
	typ   contype.Type
	addr  control.Address
	ident Ident
	sleep SleepState
}

func NewConnection(t contype.Type, addr control.Address) *Connection {
	return &Connection{typ: t, addr: addr}
}

func (c *Connection) Type() contype.Type {
	return c.typ
}

func (c *Connection) Address() control.Address {
	return c.addr
}

func (c *Connection) Ident() Ident {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// SetIdent replaces the identifier. Used after create and when a remote end is discovered.
func (c *Connection) SetIdent(i Ident) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ident = i
}

func (c *Connection) SleepState() SleepState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleep
}

func (c *Connection) setSleepState(s SleepState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleep = s
}
