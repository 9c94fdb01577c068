package session

import "fmt"

// FailureReason explains why a session ended without a solution
type FailureReason string

const (
	// ReasonSurfaceClosed means the presentation surface went away before a solve was recorded
	ReasonSurfaceClosed FailureReason = "surface closed"
	// ReasonTimeout means the session deadline passed
	ReasonTimeout FailureReason = "timeout"
	// ReasonSurfaceUnavailable means the presentation surface could not be opened
	ReasonSurfaceUnavailable FailureReason = "surface unavailable"
	// ReasonShutdown means the broker stopped while the session was pending
	ReasonShutdown FailureReason = "shutdown"
)

// Outcome is the terminal result of a session: either Solved or Failed
type Outcome struct {
	solved   bool
	Value    string
	SolvedAt int64
	Reason   FailureReason
}

// Solved returns a successful outcome carrying the submitted value and the
// timestamp the surface reported for it
func Solved(value string, solvedAt int64) Outcome {
	return Outcome{solved: true, Value: value, SolvedAt: solvedAt}
}

// Failed returns a failed outcome
func Failed(reason FailureReason) Outcome {
	return Outcome{Reason: reason}
}

// IsSolved reports whether the outcome carries a solution
func (o Outcome) IsSolved() bool {
	return o.solved
}

func (o Outcome) String() string {
	if o.solved {
		return fmt.Sprintf("solved(createdAt=%d)", o.SolvedAt)
	}
	return fmt.Sprintf("failed(%s)", o.Reason)
}

// Sink receives the single outcome of a session
type Sink func(Outcome)
