package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rustyeddy/tradecycle/account"
	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/broker/sim"
	"github.com/rustyeddy/tradecycle/executor"
	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/id"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/rustyeddy/tradecycle/retry"
	"github.com/rustyeddy/tradecycle/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	fast      = retry.Policy{Attempts: 3}
	cycleTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

type harness struct {
	venue  *sim.Engine
	ledger *ledger.Ledger
	orch   *Orchestrator
}

func newHarness(t *testing.T, usdt string, fraction string, opts ...func(*risk.Config, *Policy)) *harness {
	t.Helper()

	v := sim.NewEngine("USDT", map[string]decimal.Decimal{"USDT": d(usdt)},
		sim.WithFeeRate(d("0.001")),
		sim.WithClock(func() time.Time { return cycleTime }),
	)
	v.SetPrice("BTC", d("60000"))
	v.SetPrice("ETH", d("2500"))
	v.SetPrice("SOL", d("150"))

	l, err := ledger.New(context.Background(), ledger.NewMemory())
	require.NoError(t, err)

	rc := risk.Config{
		MaxFractionPerTrade:           d(fraction),
		MinNotional:                   d("10"),
		MaxOpenPositionsPerInstrument: 2,
		FeeBufferFraction:             d("0.001"),
		Instruments:                   market.DefaultRegistry(),
	}
	pol := Policy{MinConfidence: risk.Medium, Concurrency: 4}
	for _, o := range opts {
		o(&rc, &pol)
	}

	log := logger.Discard()
	reader := account.NewReader(v, fast, log)
	exec := executor.New(v, executor.FromLedger(l), fast, fast, log)
	orch := New(reader, exec, l, rc, pol,
		WithLogger(log),
		WithClock(func() time.Time { return cycleTime.Add(time.Second) }),
	)
	return &harness{venue: v, ledger: l, orch: orch}
}

func (h *harness) entries(t *testing.T) []ledger.Entry {
	t.Helper()
	out, err := ledger.Collect(h.ledger.ReadHistory(context.Background(), ledger.CycleRange{}))
	require.NoError(t, err)
	return out
}

func kinds(entries []ledger.Entry) []ledger.Kind {
	out := make([]ledger.Kind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func intent(instr string, side market.Side, notional string) risk.TradeIntent {
	return risk.TradeIntent{
		Instrument:   instr,
		Side:         side,
		NotionalHint: d(notional),
		Rationale:    "test",
		Confidence:   risk.High,
		Timestamp:    cycleTime.Add(-time.Minute),
	}
}

// Two 300 USDT buys against 400 USDT with a 50% cap: each is capped to
// 200, but only the first fits the balance.
func TestRunCycleReservesFundingAcrossIntents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "400", "0.5")
	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{
		intent("ETH-USDT", market.Buy, "300"),
		intent("SOL-USDT", market.Buy, "300"),
	})
	require.NoError(t, err)

	assert.Equal(t, Done, rep.State)
	assert.Equal(t, []State{Start, SnapshotFetched, Evaluated, Executed, Recorded, Done}, rep.Path)
	require.Len(t, rep.Decisions, 2)
	assert.True(t, rep.Decisions[0].Admitted())
	assert.Equal(t, risk.InsufficientBalance, rep.Decisions[1].Rejection.Code)

	require.Len(t, rep.Results, 1)
	assert.Equal(t, executor.Filled, rep.Results[0].State)
	assert.True(t, rep.Results[0].FilledQuantity.Equal(d("0.08")))

	entries := h.entries(t)
	assert.Equal(t, []ledger.Kind{ledger.Analysis, ledger.Decision, ledger.Skip, ledger.Execution}, kinds(entries))
	for _, e := range entries {
		assert.Equal(t, rep.CycleID, e.CycleID)
	}
	assert.Equal(t, "SOL-USDT", entries[2].Instrument)

	var skipped risk.Decision
	require.NoError(t, entries[2].Decode(&skipped))
	assert.Equal(t, risk.InsufficientBalance, skipped.Rejection.Code)

	// 400 - 200.2 USDT + 0.08 ETH at 2500
	require.NotNil(t, rep.Equity)
	assert.True(t, rep.Equity.TotalEquity.Equal(d("399.8")), "equity %s", rep.Equity.TotalEquity)
	series, err := h.ledger.EquitySeries(context.Background(), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, rep.CycleID, series[0].CycleID)
	assert.True(t, series[0].Assets["ETH"].Equal(d("200")))
}

// Snapshot fetch keeps failing: one error entry, nothing else.
func TestRunCycleSnapshotFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.02")
	h.venue.FailAccount(broker.ErrTransient, broker.ErrTransient, broker.ErrTransient)

	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{
		intent("BTC-USDT", market.Buy, "500"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, account.ErrVenueUnavailable)
	assert.Equal(t, Failed, rep.State)
	assert.Equal(t, []State{Start, Failed}, rep.Path)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.Error, entries[0].Kind)

	series, err := h.ledger.EquitySeries(context.Background(), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, series)
	assert.Equal(t, 0, h.venue.Submissions())
}

func TestRunCycleCapsAndAdmits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.02")
	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{
		intent("BTC-USDT", market.Buy, "500"),
	})
	require.NoError(t, err)
	require.Len(t, rep.Decisions, 1)
	require.True(t, rep.Decisions[0].Admitted())
	assert.True(t, rep.Decisions[0].Order.MaxNotional.Equal(d("20")))
	assert.Equal(t, executor.Filled, rep.Results[0].State)
}

// The submit times out after the venue took the order; re-running the
// same cycle must not place it again.
func TestRunCycleTimeoutThenRerun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	h.venue.TimeoutSubmits(1)
	intents := []risk.TradeIntent{intent("ETH-USDT", market.Buy, "50")}

	first, err := h.orch.RunCycleAt(context.Background(), cycleTime, intents)
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	assert.Equal(t, executor.Filled, first.Results[0].State)

	second, err := h.orch.RunCycleAt(context.Background(), cycleTime, intents)
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, first.Results[0], second.Results[0])
	assert.NotEqual(t, first.CycleID, second.CycleID)

	assert.Equal(t, 1, h.venue.Submissions())
}

func TestRunCycleConfidenceGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	low := intent("ETH-USDT", market.Buy, "50")
	low.Confidence = risk.Low
	medium := intent("SOL-USDT", market.Buy, "50")
	medium.Confidence = risk.Medium

	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{low, medium})
	require.NoError(t, err)
	require.Len(t, rep.Decisions, 2)
	assert.Equal(t, risk.LowConfidence, rep.Decisions[0].Rejection.Code)
	assert.True(t, rep.Decisions[1].Admitted())
	assert.Equal(t, 1, h.venue.Submissions())
}

func TestRunCycleIsolatesInstruments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05", func(_ *risk.Config, p *Policy) { p.Concurrency = 1 })
	h.venue.FailSubmit(broker.ErrAuth)

	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{
		intent("DOGE-USDT", market.Buy, "50"),
		intent("ETH-USDT", market.Buy, "50"),
		intent("SOL-USDT", market.Buy, "50"),
	})
	require.NoError(t, err)
	assert.Equal(t, Done, rep.State)

	assert.Equal(t, risk.AmbiguousIntent, rep.Decisions[0].Rejection.Code)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, executor.Failed, rep.Results[0].State)
	assert.Equal(t, executor.Filled, rep.Results[1].State)

	counts := map[ledger.Kind]int{}
	for _, e := range h.entries(t) {
		counts[e.Kind]++
	}
	assert.Equal(t, 1, counts[ledger.Skip])
	assert.Equal(t, 2, counts[ledger.Decision])
	assert.Equal(t, 2, counts[ledger.Execution])
}

func TestRunCycleAllRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "100", "0.05")
	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{
		intent("ETH-USDT", market.Buy, "50"),
	})
	require.NoError(t, err)
	assert.Equal(t, []State{Start, SnapshotFetched, Evaluated, Rejected, Recorded, Done}, rep.Path)
	assert.Equal(t, risk.BelowMinimum, rep.Decisions[0].Rejection.Code)
	require.NotNil(t, rep.Equity)
	assert.True(t, rep.Equity.TotalEquity.Equal(d("100")))
}

func TestRunCycleNoIntents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "100", "0.05")
	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, nil)
	require.NoError(t, err)
	assert.Equal(t, []State{Start, SnapshotFetched, Evaluated, Skipped, Recorded, Done}, rep.Path)
	assert.Equal(t, []ledger.Kind{ledger.Analysis}, kinds(h.entries(t)))
}

// cancelAfterFetch cancels the cycle's context once the snapshot is in.
type cancelAfterFetch struct {
	SnapshotReader
	cancel context.CancelFunc
}

func (c cancelAfterFetch) FetchSnapshot(ctx context.Context) (broker.AccountState, error) {
	acct, err := c.SnapshotReader.FetchSnapshot(ctx)
	c.cancel()
	return acct, err
}

func TestRunCycleCancelledBeforeExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.reader = cancelAfterFetch{SnapshotReader: h.orch.reader, cancel: cancel}

	rep, err := h.orch.RunCycleAt(ctx, cycleTime, []risk.TradeIntent{intent("ETH-USDT", market.Buy, "50")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, rep.State)
	assert.Equal(t, 0, h.venue.Submissions())

	assert.Equal(t, []ledger.Kind{ledger.Analysis, ledger.Decision, ledger.Error}, kinds(h.entries(t)))
}

// failingRecorder passes through to a ledger until it sees failOn.
type failingRecorder struct {
	*ledger.Ledger
	failOn ledger.Kind
}

func (f failingRecorder) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.Kind == f.failOn {
		return ledger.Entry{}, fmt.Errorf("%w: disk full", ledger.ErrStorage)
	}
	return f.Ledger.Append(ctx, e)
}

func TestRunCycleStorageFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	h.orch.ledger = failingRecorder{Ledger: h.ledger, failOn: ledger.Execution}

	rep, err := h.orch.RunCycleAt(context.Background(), cycleTime, []risk.TradeIntent{intent("ETH-USDT", market.Buy, "50")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.Equal(t, Failed, rep.State)
	assert.Nil(t, rep.Equity)
}

func TestRunCycles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	calls := 0
	src := IntentFunc(func(ctx context.Context, at time.Time) ([]risk.TradeIntent, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("signal file unreadable")
		}
		return nil, nil
	})

	sum, err := h.orch.RunCycles(context.Background(), 3, 0, src)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Cycles)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.InDelta(t, 2.0/3.0, sum.SuccessRate(), 1e-9)
	assert.True(t, sum.LastEquity.Equal(d("1000")))
	assert.Equal(t, "USDT", sum.Quote)
	assert.Equal(t, Failed, sum.Reports[1].State)
}

func TestRunCyclesKeepsRecentReports(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	var seen []Report
	h.orch.report = func(rep Report) { seen = append(seen, rep) }
	src := IntentFunc(func(context.Context, time.Time) ([]risk.TradeIntent, error) { return nil, nil })

	n := MaxSummaryReports + 4
	sum, err := h.orch.RunCycles(context.Background(), n, 0, src)
	require.NoError(t, err)
	assert.Equal(t, n, sum.Cycles)
	require.Len(t, seen, n)
	require.Len(t, sum.Reports, MaxSummaryReports)
	assert.Equal(t, seen[4].CycleID, sum.Reports[0].CycleID)
	assert.Equal(t, seen[n-1].CycleID, sum.Reports[MaxSummaryReports-1].CycleID)
}

func TestRunCycleAtRejectsOutOfRangeTime(t *testing.T) {
	t.Parallel()

	for _, at := range []time.Time{{}, time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC)} {
		h := newHarness(t, "1000", "0.05")
		rep, err := h.orch.RunCycleAt(context.Background(), at, []risk.TradeIntent{intent("ETH-USDT", market.Buy, "50")})
		require.ErrorIs(t, err, id.ErrTimeRange)
		assert.Empty(t, rep.CycleID)
		assert.Empty(t, h.entries(t), "nothing is recorded")
		assert.Zero(t, h.venue.Submissions())
	}
}

func TestRunCyclesStopsOnBadClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	h.orch.now = func() time.Time { return time.Time{} }
	src := IntentFunc(func(context.Context, time.Time) ([]risk.TradeIntent, error) { return nil, nil })

	sum, err := h.orch.RunCycles(context.Background(), 0, 0, src)
	require.ErrorIs(t, err, id.ErrTimeRange)
	assert.Equal(t, 1, sum.Failed)
}

func TestRunCyclesStopsOnContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000", "0.05")
	ctx, cancel := context.WithCancel(context.Background())
	src := IntentFunc(func(context.Context, time.Time) ([]risk.TradeIntent, error) {
		cancel()
		return nil, nil
	})

	sum, err := h.orch.RunCycles(ctx, 0, time.Hour, src)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Cycles)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, canTransition(Start, SnapshotFetched))
	assert.True(t, canTransition(Evaluated, Failed))
	assert.False(t, canTransition(Start, Evaluated))
	assert.False(t, canTransition(Done, Failed))
	assert.False(t, canTransition(Failed, Start))
	assert.Equal(t, "Recorded", Recorded.String())
	assert.Equal(t, "State(42)", State(42).String())
}
