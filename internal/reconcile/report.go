package reconcile

import (
	"time"
)

// OperationResult is the outcome of one mutation within a cycle.
type OperationResult struct {
	Op       Op
	Identity string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// CycleReport summarizes one fetch, diff and apply pass.
type CycleReport struct {
	Target    string
	StartedAt time.Time
	Duration  time.Duration
	// Desired is the size of the fetched set; zero when the fetch failed.
	Desired int
	// Observed is the size of observed state after the cycle.
	Observed int
	Results  []OperationResult
	FetchErr error
}

// Skipped reports whether the cycle was a no-op because the fetch failed.
func (r CycleReport) Skipped() bool {
	return r.FetchErr != nil
}

// Succeeded returns the number of successful mutations.
func (r CycleReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeOK {
			n++
		}
	}
	return n
}

// Failed returns the number of failed mutations.
func (r CycleReport) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Count returns how many mutations of kind op ran, regardless of outcome.
func (r CycleReport) Count(op Op) int {
	n := 0
	for _, res := range r.Results {
		if res.Op == op {
			n++
		}
	}
	return n
}

// Converged reports whether the cycle fetched successfully and every planned
// mutation succeeded.
func (r CycleReport) Converged() bool {
	return !r.Skipped() && r.Failed() == 0
}

// Failures returns the failed results.
func (r CycleReport) Failures() []OperationResult {
	var out []OperationResult
	for _, res := range r.Results {
		if res.Outcome != OutcomeOK {
			out = append(out, res)
		}
	}
	return out
}
