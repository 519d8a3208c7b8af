package peer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/bcnet/internal/contype"
	"github.com/danmuck/bcnet/internal/protocol/control"
)

// Response status bytes.
const (
	StatusOK          uint8 = 0
	StatusUnknownType uint8 = 1
	StatusNoSuchConn  uint8 = 2
	StatusTableFull   uint8 = 3
	StatusBadRequest  uint8 = 4
	StatusUnsupported uint8 = 5
)

// StatusName returns the metric and log label of a response status byte.
func StatusName(status uint8) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusUnknownType:
		return "unknown_type"
	case StatusNoSuchConn:
		return "no_such_conn"
	case StatusTableFull:
		return "table_full"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status_%d", status)
	}
}

// MaxConnections is the size of the 16-bit identifier space.
const MaxConnections = 1 << 16

// Entry is one connection held by the peer.
type Entry struct {
	ID        uint16
	TypeID    uint8
	TypeName  string
	Address   control.Address
	Sleep     uint8
	CreatedAt time.Time
}

// Table allocates identifiers and tracks per-connection state.
type Table struct {
	mu      sync.Mutex
	reg     *contype.Registry
	max     int
	next    uint16
	entries map[uint16]*Entry
	now     func() time.Time
}

// NewTable builds a table for the types of reg holding at most max connections.
func NewTable(reg *contype.Registry, max int) *Table {
	if max <= 0 || max > MaxConnections {
		max = MaxConnections
	}
	return &Table{
		reg:     reg,
		max:     max,
		entries: make(map[uint16]*Entry),
		now:     time.Now,
	}
}

func (t *Table) Create(typeID uint8, addr control.Address) (uint16, uint8) {
	typ, ok := t.reg.At(typeID)
	if !ok || typeID == contype.BackchannelID {
		return 0, StatusUnknownType
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.max {
		return 0, StatusTableFull
	}
	id := t.next
	for {
		if _, used := t.entries[id]; !used {
			break
		}
		id++
	}
	t.next = id + 1
	t.entries[id] = &Entry{
		ID:        id,
		TypeID:    typeID,
		TypeName:  typ.Name,
		Address:   addr,
		CreatedAt: t.now(),
	}
	return id, StatusOK
}

func (t *Table) Validate(id uint16) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return StatusNoSuchConn
	}
	return StatusOK
}

func (t *Table) Sleep(id uint16) (uint8, uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, StatusNoSuchConn
	}
	return e.Sleep, StatusOK
}

func (t *Table) SetSleep(id uint16, state uint8) (uint8, uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, StatusNoSuchConn
	}
	e.Sleep = state
	return e.Sleep, StatusOK
}

func (t *Table) End(id uint16) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return StatusNoSuchConn
	}
	delete(t.entries, id)
	return StatusOK
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of every entry ordered by identifier.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
