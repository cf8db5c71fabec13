package executor

import (
	"context"
	"fmt"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/shopspring/decimal"
)

// State is the executor's classification of an order outcome.
type State string

const (
	Filled          State = "Filled"
	PartiallyFilled State = "PartiallyFilled"
	// Rejected is a venue policy refusal; it is never retried.
	Rejected State = "Rejected"
	// Failed means the order could not be placed (transport or local error).
	Failed State = "Failed"
	// Unknown means the venue outcome could not be confirmed. The order may
	// exist; the next run reconciles it by idempotency key.
	Unknown State = "Unknown"
)

// Terminal reports whether the venue outcome is final. Failed and Unknown
// results are reconciled against the venue before any resubmission.
func (s State) Terminal() bool {
	switch s {
	case Filled, PartiallyFilled, Rejected:
		return true
	}
	return false
}

// Result is the outcome of executing one admissible order.
type Result struct {
	State           State           `json:"state"`
	Reason          string          `json:"reason,omitempty"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	FeesPaid        decimal.Decimal `json:"fees_paid"`
	FeeCurrency     string          `json:"fee_currency,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Instrument      string          `json:"instrument"`
	Side            market.Side     `json:"side"`
}

// fromStatus maps a terminal or pending venue status onto a Result.
func fromStatus(st broker.OrderStatus) Result {
	r := Result{
		FilledQuantity:  st.FilledQuantity,
		AvgFillPrice:    st.AvgFillPrice,
		FeesPaid:        st.Fee,
		FeeCurrency:     st.FeeCurrency,
		ExchangeOrderID: st.ExchangeOrderID,
		Reason:          st.Reason,
	}
	switch st.State {
	case broker.OrderFilled:
		r.State = Filled
	case broker.OrderCanceled, broker.OrderExpired:
		if st.FilledQuantity.IsPositive() {
			r.State = PartiallyFilled
		} else {
			r.State = Rejected
		}
		if r.Reason == "" {
			r.Reason = "order " + string(st.State)
		}
	case broker.OrderRejected:
		r.State = Rejected
		if r.Reason == "" {
			r.Reason = "rejected by venue"
		}
	default:
		r.State = Unknown
		r.Reason = fmt.Sprintf("order still %s", st.State)
	}
	return r
}

// ResultLookup finds a previously recorded result for an idempotency key.
type ResultLookup interface {
	LookupResult(ctx context.Context, key string) (Result, bool, error)
}

// ExecutionFinder is the part of the ledger the executor reads.
type ExecutionFinder interface {
	LookupExecution(ctx context.Context, key string) (ledger.Entry, bool, error)
}

// FromLedger reads results back out of execution entries, whose payload
// is the Result as recorded by the cycle orchestrator.
func FromLedger(l ExecutionFinder) ResultLookup {
	return ledgerLookup{l}
}

type ledgerLookup struct {
	l ExecutionFinder
}

func (ll ledgerLookup) LookupResult(ctx context.Context, key string) (Result, bool, error) {
	e, ok, err := ll.l.LookupExecution(ctx, key)
	if err != nil || !ok {
		return Result{}, ok, err
	}
	var r Result
	if err := e.Decode(&r); err != nil {
		return Result{}, false, fmt.Errorf("decode execution %s: %w", e.ID, err)
	}
	return r, true, nil
}
