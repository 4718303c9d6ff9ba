package safety

import (
	"errors"
	"fmt"
)

// Init-time errors. Per-frame problems never surface as errors; they become a
// Deny decision with a Reason.
var (
	ErrUnknownMode   = errors.New("unknown safety mode")
	ErrUnimplemented = errors.New("safety mode is not implemented")
	ErrInvalidParams = errors.New("invalid rule set parameters")
	ErrInitFailed    = errors.New("safety mode init failed")
	ErrDuplicateMode = errors.New("duplicate safety mode")
)

type Verdict uint8

const (
	verdictUnset Verdict = iota
	VerdictAllow
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	default:
		return "unset"
	}
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonStaleState
	ReasonLimitExceeded
	ReasonPreconditionFailed
	ReasonUnlistedMessage
	ReasonNotInitialized
	ReasonFaulted
	ReasonInvariantViolation
)

var reasonNames = [...]string{
	ReasonNone:               "none",
	ReasonStaleState:         "stale_state",
	ReasonLimitExceeded:      "limit_exceeded",
	ReasonPreconditionFailed: "precondition_failed",
	ReasonUnlistedMessage:    "unlisted_message",
	ReasonNotInitialized:     "not_initialized",
	ReasonFaulted:            "faulted",
	ReasonInvariantViolation: "invariant_violation",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Decision is the outcome of one tx evaluation. The zero value is neither Allow
// nor Deny; the engine treats a hook returning it as an invariant violation.
type Decision struct {
	Verdict Verdict
	Reason  Reason
}

func Allow() Decision {
	return Decision{Verdict: VerdictAllow}
}

func Deny(reason Reason) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason}
}

func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}

// Valid reports whether d is a well-formed Allow or Deny.
func (d Decision) Valid() bool {
	switch d.Verdict {
	case VerdictAllow:
		return d.Reason == ReasonNone
	case VerdictDeny:
		return d.Reason != ReasonNone && int(d.Reason) < len(reasonNames)
	default:
		return false
	}
}

func (d Decision) String() string {
	if d.Verdict == VerdictDeny {
		return "deny(" + d.Reason.String() + ")"
	}
	return d.Verdict.String()
}
