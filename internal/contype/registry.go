package contype

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// BackchannelName is the conventional name of the type at position 0.
const BackchannelName = "Backchannel"

// BackchannelID is the wire identifier reserved for the backchannel itself.
const BackchannelID uint8 = 0

// MaxID is the largest identifier that fits the one-byte wire field.
const MaxID = 255

var (
	ErrNotFound      = errors.New("contype: type not registered")
	ErrRangeExceeded = errors.New("contype: type position exceeds wire identifier range")
	ErrDuplicateName = errors.New("contype: duplicate type name")
	ErrEmptyName     = errors.New("contype: empty type name")
)

// Handle is a process-unique value assigned to a Type at registration.
type Handle uint64

var nextHandle atomic.Uint64

// Type is one registered connection-type descriptor.
type Type struct {
	Name   string
	Handle Handle
}

// IsZero reports whether t was never registered.
func (t Type) IsZero() bool {
	return t.Handle == 0
}

func (t Type) String() string {
	return fmt.Sprintf("%s#%d", t.Name, t.Handle)
}

// Registry is an immutable ordered list of connection types.
type Registry struct {
	types  []Type
	byName map[string]int
}

// NewRegistry registers names in order. The first name is expected to be the backchannel.
func NewRegistry(names ...string) (*Registry, error) {
	r := &Registry{
		types:  make([]Type, 0, len(names)),
		byName: make(map[string]int, len(names)),
	}
	for i, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return nil, fmt.Errorf("%w: position %d", ErrEmptyName, i)
		}
		if _, ok := r.byName[name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		r.byName[name] = len(r.types)
		r.types = append(r.types, Type{Name: name, Handle: Handle(nextHandle.Add(1))})
	}
	return r, nil
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.types)
}

// Types returns a copy of the registered types in registry order.
func (r *Registry) Types() []Type {
	out := make([]Type, len(r.types))
	copy(out, r.types)
	return out
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	i, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return Type{}, false
	}
	return r.types[i], true
}

// At returns the type at position id.
func (r *Registry) At(id uint8) (Type, bool) {
	if int(id) >= len(r.types) {
		return Type{}, false
	}
	return r.types[id], true
}

// Resolve returns the registry position of t as its wire identifier.
func (r *Registry) Resolve(t Type) (uint8, error) {
	if t.IsZero() {
		return 0, ErrNotFound
	}
	for i, entry := range r.types {
		if entry.Handle != t.Handle {
			continue
		}
		if i > MaxID {
			return 0, fmt.Errorf("%w: %s at %d", ErrRangeExceeded, t.Name, i)
		}
		return uint8(i), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, t)
}

// DefaultNames is the type list served by a net-mode peer for a Series 1 module.
func DefaultNames() []string {
	return []string{
		BackchannelName,
		"Local AT",
		"Remote AT",
		"Modem Status",
		"Transmit Status",
		"16-bit Data",
		"64-bit Data",
		"16-bit I/O",
		"64-bit I/O",
	}
}
