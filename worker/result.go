package worker

import "github.com/akshat998/cs224b/dock"

// Outcome classifies one attempted molecule. Every outcome, including
// Failed, produces exactly one output log line; an item may fail but is
// never lost.
type Outcome int

const (
	// Accepted: docked with a score at or below the acceptance threshold.
	Accepted Outcome = iota
	// Rejected: docked, but the score did not pass the threshold.
	Rejected
	// Failed: structure generation, quality check or docking did not
	// produce a usable result. Logged with the sentinel score.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Result is the per-item computation outcome.
type Result struct {
	Outcome Outcome
	Score   float64
}

func failed() Result {
	return Result{Outcome: Failed, Score: dock.SentinelScore}
}
