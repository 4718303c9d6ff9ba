package safety

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"cangate/metrics"
	"cangate/utils"
)

// Phase is the dispatch engine's lifecycle state.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseRunning
	PhaseFaulted
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseFaulted:
		return "faulted"
	default:
		return "uninitialized"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Engine routes received frames to the active rx hook and candidate frames
// through the active tx hook. It is not safe for concurrent use: OnRx and
// SubmitTx must be called from one goroutine, never re-entrantly.
//
// Faulted is a latch. Only a new Init leaves it.
type Engine struct {
	registry *Registry
	log      *utils.Logger
	metrics  metrics.Metrics
	sink     Sink

	phase   Phase
	cause   FaultCause
	session string
	mode    Mode
	params  Params
	state   State
	faults  *FaultController

	txAllowed map[MessageRef]struct{}
	inert     map[MessageRef]struct{}

	clock func() time.Duration
}

type Option func(*Engine)

func WithLogger(l *utils.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink sends a decision record for every tx evaluation to s.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock gives the engine the dispatcher's monotonic clock. Received frames
// stamped further ahead of it than the clock skew are dropped before the rx hook.
func WithClock(now func() time.Duration) Option {
	return func(e *Engine) { e.clock = now }
}

func NewEngine(reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		metrics:  metrics.Noop{},
		faults:   NewFaultController(DefaultFaultConfig(), 0),
		state:    newState(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Phase() Phase           { return e.phase }
func (e *Engine) FaultCause() FaultCause { return e.cause }
func (e *Engine) Session() string        { return e.session }
func (e *Engine) Mode() ModeID           { return e.mode.ID }
func (e *Engine) Counters() FaultCounters {
	return e.faults.Counters()
}

// Init starts a new session in mode id. All signal state, accepted-command
// tracking and fault counters from a previous session are discarded. On any
// error the engine is left Faulted, denying everything but the inert frames
// listed in p.
func (e *Engine) Init(id ModeID, p Params, now time.Duration) error {
	e.session = uuid.NewString()
	e.phase = PhaseUninitialized
	e.cause = CauseNone
	e.mode = Mode{ID: id}
	e.params = Params{}
	e.state = newState(now)
	e.faults = NewFaultController(DefaultFaultConfig(), now)
	e.txAllowed = nil
	e.inert = refSet(p.InertFrames)

	mode, err := e.registry.Select(id)
	if err != nil {
		return e.failInit(err)
	}
	e.mode = mode
	if mode.Status == StatusUnimplemented {
		return e.failInit(fmt.Errorf("%w: %s", ErrUnimplemented, id))
	}
	if mode.Hooks.Init == nil || mode.Hooks.Rx == nil || mode.Hooks.Tx == nil {
		return e.failInit(fmt.Errorf("%w: %s: incomplete hook triple", ErrInitFailed, id))
	}
	if err := p.Validate(); err != nil {
		return e.failInit(err)
	}

	e.params = p.clone()
	e.faults = NewFaultController(e.params.Faults, now)
	e.state.Signals.SetClockSkew(e.params.Faults.MaxClockSkew)
	e.txAllowed = refSet(mode.TxMessages)

	if err := mode.Hooks.Init(&e.state, &e.params); err != nil {
		return e.failInit(fmt.Errorf("%w: %s: %w", ErrInitFailed, id, err))
	}

	e.setPhase(PhaseRunning)
	e.log.Info("safety mode %s running (session %s, tx messages %d, inert frames %d)",
		id, e.session, len(e.txAllowed), len(e.inert))
	return nil
}

func (e *Engine) failInit(err error) error {
	e.enterFault(CauseInitFailed)
	e.log.Critical("safety mode %s init failed: %v", e.mode.ID, err)
	return err
}

// OnRx folds a received frame into the signal store. Frames are ignored unless
// the engine is Running.
func (e *Engine) OnRx(f Frame) {
	if e.phase != PhaseRunning {
		return
	}
	if e.clock != nil {
		if ahead := f.Timestamp - e.clock(); ahead > e.params.Faults.MaxClockSkew {
			e.metrics.IncRx(f.Bus, false)
			e.log.Warn("dropping %s stamped %s ahead of the dispatch clock", f.Ref(), ahead)
			return
		}
	}
	recognized, ok := e.runRx(&f)
	if !ok {
		e.enterFault(CauseInvariantViolation)
		e.log.Critical("rx hook of %s panicked on %s", e.mode.ID, f.Ref())
		return
	}
	e.metrics.IncRx(f.Bus, recognized)
	if recognized {
		e.faults.Record(Outcome{Kind: OutcomeRx, At: f.Timestamp})
	}
}

// SubmitTx decides whether a candidate frame may be forwarded to the vehicle.
func (e *Engine) SubmitTx(f Frame) Decision {
	d := e.evaluateTx(&f)
	e.metrics.ObserveDecision(string(e.mode.ID), d.Verdict.String(), d.Reason.String())
	if e.sink != nil {
		e.sink.Emit(Record{
			Session:  e.session,
			Mode:     e.mode.ID,
			Bus:      f.Bus,
			ID:       f.ID,
			AtUs:     f.Timestamp.Microseconds(),
			Verdict:  d.Verdict,
			Reason:   d.Reason,
			Phase:    e.phase,
			Counters: e.faults.Counters(),
			Signals:  e.state.Signals.Snapshot(f.Timestamp),
		})
	}
	return d
}

func (e *Engine) evaluateTx(f *Frame) Decision {
	ref := f.Ref()
	switch e.phase {
	case PhaseUninitialized:
		return Deny(ReasonNotInitialized)
	case PhaseFaulted:
		if _, ok := e.inert[ref]; ok {
			return Allow()
		}
		return Deny(ReasonFaulted)
	}

	if e.faults.RxStale(f.Timestamp) {
		e.faults.Record(Outcome{Kind: OutcomeRxTimeout, At: f.Timestamp})
		if e.checkFault() {
			return Deny(ReasonFaulted)
		}
	}

	if _, ok := e.inert[ref]; ok {
		return Allow()
	}

	var d Decision
	if _, ok := e.txAllowed[ref]; !ok {
		d = Deny(ReasonUnlistedMessage)
	} else {
		var ok bool
		d, ok = e.runTx(f)
		if !ok || !d.Valid() {
			e.enterFault(CauseInvariantViolation)
			e.log.Critical("tx hook of %s returned %s for %s", e.mode.ID, d, ref)
			return Deny(ReasonInvariantViolation)
		}
	}

	if d.Allowed() {
		e.faults.Record(Outcome{Kind: OutcomeAllow, At: f.Timestamp})
	} else {
		e.faults.Record(Outcome{Kind: OutcomeDeny, At: f.Timestamp})
		if e.log.Enabled(utils.TRACE) {
			e.log.Trace("deny %s: %s", ref, d.Reason)
		}
	}
	e.checkFault()
	return d
}

// runTx calls the tx hook, turning a panic into ok=false.
func (e *Engine) runTx(f *Frame) (d Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d, ok = Decision{}, false
		}
	}()
	return e.mode.Hooks.Tx(&e.state, &e.params, f), true
}

func (e *Engine) runRx(f *Frame) (recognized, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			recognized, ok = false, false
		}
	}()
	return e.mode.Hooks.Rx(&e.state, &e.params, f), true
}

func (e *Engine) checkFault() bool {
	if !e.faults.ShouldFault() {
		return false
	}
	cause := e.faults.Cause()
	c := e.faults.Counters()
	e.enterFault(cause)
	e.log.Critical("safety mode %s faulted: %s (denies=%d timeouts=%d last_rx=%s)",
		e.mode.ID, cause, c.ConsecutiveDenies, c.ConsecutiveTimeouts, c.LastValidRx)
	return true
}

func (e *Engine) enterFault(cause FaultCause) {
	if e.phase == PhaseFaulted {
		return
	}
	e.cause = cause
	e.metrics.IncFault(string(e.mode.ID), cause.String())
	e.setPhase(PhaseFaulted)
}

func (e *Engine) setPhase(p Phase) {
	e.phase = p
	e.metrics.SetPhase(string(e.mode.ID), p.String())
}

func refSet(refs []MessageRef) map[MessageRef]struct{} {
	out := make(map[MessageRef]struct{}, len(refs))
	for _, r := range refs {
		out[r] = struct{}{}
	}
	return out
}
