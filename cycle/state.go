package cycle

import (
	"fmt"
	"time"

	"github.com/rustyeddy/tradecycle/executor"
	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/risk"
)

// State is a step of one cycle.
type State int

const (
	Start State = iota
	SnapshotFetched
	Evaluated
	Executed
	Rejected // every intent was refused, nothing to execute
	Skipped  // the cycle had no intents
	Recorded
	Done
	Failed
)

var stateNames = [...]string{
	Start:           "Start",
	SnapshotFetched: "SnapshotFetched",
	Evaluated:       "Evaluated",
	Executed:        "Executed",
	Rejected:        "Rejected",
	Skipped:         "Skipped",
	Recorded:        "Recorded",
	Done:            "Done",
	Failed:          "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// next lists the legal transitions. Failed is reachable from every
// non-terminal state.
var next = map[State][]State{
	Start:           {SnapshotFetched},
	SnapshotFetched: {Evaluated},
	Evaluated:       {Executed, Rejected, Skipped},
	Executed:        {Recorded},
	Rejected:        {Recorded},
	Skipped:         {Recorded},
	Recorded:        {Done},
}

func canTransition(from, to State) bool {
	if from == Done || from == Failed {
		return false
	}
	if to == Failed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Report describes what one cycle did. Everything in it is also in the
// ledger.
type Report struct {
	CycleID   string               `json:"cycle_id"`
	CycleTime time.Time            `json:"cycle_time"`
	State     State                `json:"state"`
	Path      []State              `json:"path"`
	Intents   int                  `json:"intents"`
	Decisions []risk.Decision      `json:"decisions,omitempty"`
	Results   []executor.Result    `json:"results,omitempty"`
	Equity    *ledger.EquitySample `json:"equity,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Admitted counts decisions that produced an order.
func (r Report) Admitted() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Admitted() {
			n++
		}
	}
	return n
}

// ResultCounts tallies execution results by state.
func (r Report) ResultCounts() map[executor.State]int {
	out := make(map[executor.State]int)
	for _, res := range r.Results {
		out[res.State]++
	}
	return out
}
