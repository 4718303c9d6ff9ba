package safety

// Record is emitted for every tx evaluation.
type Record struct {
	Session  string           `json:"session"`
	Mode     ModeID           `json:"mode"`
	Bus      uint8            `json:"bus"`
	ID       uint32           `json:"id"`
	AtUs     int64            `json:"at_us"`
	Verdict  Verdict          `json:"verdict"`
	Reason   Reason           `json:"reason,omitempty"`
	Phase    Phase            `json:"phase"`
	Counters FaultCounters    `json:"counters"`
	Signals  []SignalSnapshot `json:"signals,omitempty"`
}

// Sink receives decision records. Emit runs on the dispatch path and must not
// block for long.
type Sink interface {
	Emit(Record)
}
