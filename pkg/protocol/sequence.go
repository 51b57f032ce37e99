package protocol

import (
	"sync"
	"time"
)

// Sequencer stamps events with per-session monotonic sequence numbers.
// The first event of each session gets seq 1. Safe for concurrent use.
type Sequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[string]int64)}
}

// Next returns the next sequence number for the session.
func (s *Sequencer) Next(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[sessionID]++
	return s.counters[sessionID]
}

// Reset clears the counter for a single session. The next event starts at 1.
func (s *Sequencer) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, sessionID)
}

// ResetAll clears every counter.
func (s *Sequencer) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
}

// NewEvent stamps the partial event with the session ID, the next sequence
// number, and the current UTC timestamp. The partial's other fields are
// preserved.
func (s *Sequencer) NewEvent(sessionID string, partial Event) Event {
	partial.SessionID = sessionID
	partial.Seq = s.Next(sessionID)
	partial.Timestamp = Timestamp(time.Now())
	return partial
}
