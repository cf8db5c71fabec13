package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// ErrStorage wraps every failure to persist or read the ledger. A cycle
// that sees it must stop: a decision that cannot be recorded must not be
// acted on.
var ErrStorage = errors.New("ledger: storage error")

// Kind classifies a ledger entry.
type Kind string

const (
	Analysis  Kind = "analysis"
	Decision  Kind = "decision"
	Execution Kind = "execution"
	Skip      Kind = "skip"
	Error     Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case Analysis, Decision, Execution, Skip, Error:
		return true
	}
	return false
}

// Entry is one recorded event. Once appended it is never changed.
type Entry struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Kind           Kind            `json:"kind"`
	CycleID        string          `json:"cycle_id"`
	Instrument     string          `json:"instrument,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEntry builds an entry with payload encoded as JSON.
func NewEntry(kind Kind, cycleID string, payload any) (Entry, error) {
	e := Entry{Kind: kind, CycleID: cycleID}
	if payload == nil {
		return e, nil
	}
	b, err := sonic.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	e.Payload = b
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("entry %s has no payload", e.ID)
	}
	return sonic.Unmarshal(e.Payload, v)
}

// EquitySample is total account value at the end of a cycle, in the
// account's quote currency. Samples are never recomputed.
type EquitySample struct {
	CycleID     string                     `json:"cycle_id"`
	Timestamp   time.Time                  `json:"timestamp"`
	Quote       string                     `json:"quote"`
	TotalEquity decimal.Decimal            `json:"total_equity"`
	Assets      map[string]decimal.Decimal `json:"assets,omitempty"`
}

// CycleRange selects entries for ReadHistory. Zero fields do not filter.
// From is inclusive, To exclusive.
type CycleRange struct {
	CycleID string
	From    time.Time
	To      time.Time
}

func (r CycleRange) contains(e Entry) bool {
	if r.CycleID != "" && e.CycleID != r.CycleID {
		return false
	}
	if !r.From.IsZero() && e.Timestamp.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !e.Timestamp.Before(r.To) {
		return false
	}
	return true
}
