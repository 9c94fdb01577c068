package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a session
type State int

const (
	// StatePending means the session is waiting for its outcome
	StatePending State = iota
	// StateCompleted means the outcome has been delivered
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Session is a challenge waiting for its outcome. It is owned by the Registry
// that created it.
type Session struct {
	request   ChallengeRequest
	createdAt time.Time
	sink      Sink

	// responded flips false -> true exactly once
	responded atomic.Bool

	mu      sync.Mutex
	state   State
	closers []io.Closer
}

// ID returns the correlation id
func (s *Session) ID() string {
	return s.request.CorrelationID
}

// Request returns the request that created the session
func (s *Session) Request() ChallengeRequest {
	return s.request
}

// CreatedAt returns the admission time
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Responded reports whether the outcome has been delivered
func (s *Session) Responded() bool {
	return s.responded.Load()
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach binds c to the session's lifetime: it is closed right after the
// outcome is delivered. If the session has already completed, c is closed
// immediately.
func (s *Session) Attach(c io.Closer) {
	s.mu.Lock()
	if s.state == StateCompleted {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

// finish delivers the outcome and releases attached resources. The caller
// must have won the responded compare-and-swap.
func (s *Session) finish(o Outcome) {
	s.mu.Lock()
	s.state = StateCompleted
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	s.sink(o)

	for _, c := range closers {
		_ = c.Close()
	}
}
