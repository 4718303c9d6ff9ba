package safety

import "time"

// FaultCause records why the engine latched into Faulted.
type FaultCause uint8

const (
	CauseNone FaultCause = iota
	CauseInitFailed
	CauseConsecutiveDenies
	CauseRxTimeout
	CauseInvariantViolation
)

func (c FaultCause) String() string {
	switch c {
	case CauseInitFailed:
		return "init_failed"
	case CauseConsecutiveDenies:
		return "consecutive_denies"
	case CauseRxTimeout:
		return "rx_timeout"
	case CauseInvariantViolation:
		return "invariant_violation"
	default:
		return "none"
	}
}

func (c FaultCause) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

type OutcomeKind uint8

const (
	OutcomeAllow OutcomeKind = iota
	OutcomeDeny
	OutcomeRx
	OutcomeRxTimeout
)

// Outcome is one dispatch cycle result fed to the FaultController.
type Outcome struct {
	Kind OutcomeKind
	At   time.Duration
}

type FaultCounters struct {
	ConsecutiveDenies   int           `json:"consecutive_denies"`
	ConsecutiveTimeouts int           `json:"consecutive_timeouts"`
	LastValidRx         time.Duration `json:"last_valid_rx"`
}

// FaultController counts consecutive bad cycles. It never resets itself to a
// healthy state; a new controller is built on every Engine.Init.
type FaultController struct {
	cfg      FaultConfig
	counters FaultCounters
}

// NewFaultController starts the rx clock at now so that a session with no
// traffic at all still times out.
func NewFaultController(cfg FaultConfig, now time.Duration) *FaultController {
	return &FaultController{
		cfg:      cfg,
		counters: FaultCounters{LastValidRx: now},
	}
}

func (fc *FaultController) Record(o Outcome) {
	switch o.Kind {
	case OutcomeAllow:
		fc.counters.ConsecutiveDenies = 0
	case OutcomeDeny:
		fc.counters.ConsecutiveDenies++
	case OutcomeRx:
		// A frame further behind the clock than the skew replaces it, so a
		// bad stamp cannot hold the clock in the future.
		last := fc.counters.LastValidRx
		if o.At > last || last-o.At > fc.cfg.MaxClockSkew {
			fc.counters.LastValidRx = o.At
		}
		fc.counters.ConsecutiveTimeouts = 0
	case OutcomeRxTimeout:
		fc.counters.ConsecutiveTimeouts++
	}
}

// RxStale reports whether no valid frame has been received within the rx timeout.
// An rx clock further ahead of now than the clock skew is stale as well.
func (fc *FaultController) RxStale(now time.Duration) bool {
	age := now - fc.counters.LastValidRx
	return age > fc.cfg.RxTimeout || -age > fc.cfg.MaxClockSkew
}

func (fc *FaultController) ShouldFault() bool {
	return fc.Cause() != CauseNone
}

// Cause names the threshold that has been reached, if any.
func (fc *FaultController) Cause() FaultCause {
	switch {
	case fc.counters.ConsecutiveDenies >= fc.cfg.MaxConsecutiveDenies:
		return CauseConsecutiveDenies
	case fc.counters.ConsecutiveTimeouts >= fc.cfg.MaxConsecutiveTimeouts:
		return CauseRxTimeout
	default:
		return CauseNone
	}
}

func (fc *FaultController) Counters() FaultCounters {
	return fc.counters
}
