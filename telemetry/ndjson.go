package telemetry

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"cangate/safety"
)

// NDJSONSink writes one JSON decision record per line. Write errors are kept and
// reported by Flush; a failing log never affects the decision path.
type NDJSONSink struct {
	mu      sync.Mutex
	w       *bufio.Writer
	err     error
	dropped uint64
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: bufio.NewWriter(w)}
}

func (s *NDJSONSink) Emit(r safety.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.dropped++
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		s.err = err
		s.dropped++
		return
	}
	if _, err := s.w.Write(b); err != nil {
		s.err = err
		s.dropped++
		return
	}
	if err := s.w.WriteByte('\n'); err != nil {
		s.err = err
	}
}

// Flush writes buffered records and returns the first error seen.
func (s *NDJSONSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.err = s.w.Flush()
	return s.err
}

// Dropped counts records discarded after an error.
func (s *NDJSONSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
