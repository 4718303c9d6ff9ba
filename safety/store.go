package safety

import (
	"sort"
	"time"
)

// SignalName is the logical name of a decoded vehicle signal.
type SignalName string

const (
	SignalVehicleSpeed      SignalName = "vehicle_speed"
	SignalSteerTorqueDriver SignalName = "steer_torque_driver"
	SignalSteerTorqueMotor  SignalName = "steer_torque_motor"
	SignalCruiseEngaged     SignalName = "cruise_engaged"
	SignalBrakePressed      SignalName = "brake_pressed"
	SignalGasPressed        SignalName = "gas_pressed"
)

type signalSlot struct {
	value     float64
	updatedAt time.Duration
	valid     bool
}

// Store holds the latest value of every received signal. It is written by rx hooks
// and read by tx hooks from the same dispatch goroutine; it does no locking.
type Store struct {
	slots   map[SignalName]signalSlot
	maxSkew time.Duration
}

func NewStore() *Store {
	return &Store{slots: make(map[SignalName]signalSlot, 32)}
}

// Update overwrites the signal value. Names the store has never seen are accepted.
func (s *Store) Update(name SignalName, value float64, ts time.Duration) {
	s.slots[name] = signalSlot{value: value, updatedAt: ts, valid: true}
}

// SetClockSkew sets how far after now an update may be stamped and still be read.
func (s *Store) SetClockSkew(d time.Duration) {
	s.maxSkew = d
}

// Read returns the value and whether it may be used at now. A signal is invalid if
// it was never updated, is older than maxAge, or is stamped more than the clock
// skew after now.
func (s *Store) Read(name SignalName, now, maxAge time.Duration) (float64, bool) {
	slot, ok := s.slots[name]
	if !ok || !slot.valid {
		return 0, false
	}
	age := now - slot.updatedAt
	if age > maxAge || -age > s.maxSkew {
		return slot.value, false
	}
	return slot.value, true
}

// SignalSnapshot is the state of one signal at a point in time.
type SignalSnapshot struct {
	Name  SignalName `json:"name"`
	Value float64    `json:"value"`
	AgeUs int64      `json:"age_us"`
}

// Snapshot lists every stored signal sorted by name, with its age at now.
func (s *Store) Snapshot(now time.Duration) []SignalSnapshot {
	out := make([]SignalSnapshot, 0, len(s.slots))
	for name, slot := range s.slots {
		if !slot.valid {
			continue
		}
		out = append(out, SignalSnapshot{
			Name:  name,
			Value: slot.value,
			AgeUs: (now - slot.updatedAt).Microseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// accepted is the last command a tx hook let through for one commanded signal.
type accepted struct {
	value float64
	at    time.Duration
}

// CommandTracker remembers the previous accepted command per commanded signal,
// for rate checks. A signal with no accepted command reads as zero at the
// tracker's origin.
type CommandTracker struct {
	origin time.Duration
	last   map[SignalName]accepted
}

func NewCommandTracker(origin time.Duration) *CommandTracker {
	return &CommandTracker{origin: origin, last: make(map[SignalName]accepted, 8)}
}

// Last returns the previous accepted command and when it was accepted.
func (t *CommandTracker) Last(name SignalName) (float64, time.Duration) {
	a, ok := t.last[name]
	if !ok {
		return 0, t.origin
	}
	return a.value, a.at
}

func (t *CommandTracker) Accept(name SignalName, value float64, at time.Duration) {
	t.last[name] = accepted{value: value, at: at}
}

// State is the per-session container handed to every hook. It is rebuilt on each
// Engine.Init so a rule set never sees state populated under another mode.
type State struct {
	Signals  *Store
	Accepted *CommandTracker

	// Rules is private to the active rule set and set by its Init hook.
	Rules any
}

func newState(now time.Duration) State {
	return State{
		Signals:  NewStore(),
		Accepted: NewCommandTracker(now),
	}
}

// read resolves a signal against the per-signal freshness window of p.
func (st *State) read(p *Params, name SignalName, now time.Duration) (float64, bool) {
	return st.Signals.Read(name, now, p.MaxAge(name))
}
