package safety

import (
	"errors"
	"fmt"
	"sort"
)

// ModeID names a platform/control-mode pair.
type ModeID string

// Status marks whether a mode's hooks enforce real limits.
type Status uint8

const (
	StatusImplemented Status = iota
	// StatusUnimplemented marks a placeholder mode. The engine refuses to run it.
	StatusUnimplemented
)

func (s Status) String() string {
	if s == StatusUnimplemented {
		return "unimplemented"
	}
	return "implemented"
}

// Hooks is the init/rx/tx triple of a mode. Rx and Tx run on the real-time path:
// they must return in bounded time, must not block and must not allocate on the
// steady-state path.
type Hooks struct {
	// Init prepares st for the session. It runs exactly once per Engine.Init.
	Init func(st *State, p *Params) error
	// Rx folds a received frame into st.Signals and reports whether the frame
	// was recognized.
	Rx func(st *State, p *Params, f *Frame) bool
	// Tx decides whether a candidate frame may be forwarded.
	Tx func(st *State, p *Params, f *Frame) Decision
}

// Mode is one entry of the hook table.
type Mode struct {
	ID            ModeID
	Description   string
	Status        Status
	UserReachable bool
	Hooks         Hooks
	// TxMessages lists every message the mode may ever forward. Frames outside
	// the list are denied before the tx hook runs.
	TxMessages []MessageRef
	// Defaults returns a fresh copy of the mode's default parameters.
	Defaults func() Params
}

// Registry is the closed hook table. It is fixed at construction.
type Registry struct {
	modes map[ModeID]Mode
}

func NewRegistry(modes ...Mode) (*Registry, error) {
	r := &Registry{modes: make(map[ModeID]Mode, len(modes))}
	for _, m := range modes {
		if m.ID == "" {
			return nil, errors.New("safety mode with empty id")
		}
		if _, dup := r.modes[m.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMode, m.ID)
		}
		m.TxMessages = append([]MessageRef(nil), m.TxMessages...)
		r.modes[m.ID] = m
	}
	return r, nil
}

// Select returns the mode registered under id.
func (r *Registry) Select(id ModeID) (Mode, error) {
	m, ok := r.modes[id]
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, id)
	}
	return m, nil
}

// Modes lists the registered modes ordered by id.
func (r *Registry) Modes() []Mode {
	out := make([]Mode, 0, len(r.modes))
	for _, m := range r.modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckIntegrity audits the table before it is shipped: a user-reachable mode
// must be implemented, carry a full hook triple and have valid default
// parameters. Every problem found is reported.
func (r *Registry) CheckIntegrity() error {
	var errs []error
	for _, m := range r.Modes() {
		if !m.UserReachable {
			continue
		}
		if m.Status == StatusUnimplemented {
			errs = append(errs, fmt.Errorf("%w: mode %s is user-reachable", ErrUnimplemented, m.ID))
			continue
		}
		if m.Hooks.Init == nil || m.Hooks.Rx == nil || m.Hooks.Tx == nil {
			errs = append(errs, fmt.Errorf("mode %s: incomplete hook triple", m.ID))
		}
		if m.Defaults == nil {
			errs = append(errs, fmt.Errorf("mode %s: no default parameters", m.ID))
		} else if err := m.Defaults().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mode %s: %w", m.ID, err))
		} else if m.Hooks.Init != nil {
			p := m.Defaults()
			st := newState(0)
			if err := m.Hooks.Init(&st, &p); err != nil {
				errs = append(errs, fmt.Errorf("mode %s: init with defaults: %w", m.ID, err))
			}
		}
		seen := make(map[MessageRef]bool, len(m.TxMessages))
		for _, ref := range m.TxMessages {
			if seen[ref] {
				errs = append(errs, fmt.Errorf("mode %s: tx message %s listed twice", m.ID, ref))
			}
			seen[ref] = true
		}
	}
	return errors.Join(errs...)
}
