// Package cycle drives one snapshot -> evaluate -> execute -> record pass
// and sequences repeated passes.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/executor"
	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/id"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/rustyeddy/tradecycle/risk"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SnapshotReader is satisfied by *account.Reader.
type SnapshotReader interface {
	FetchSnapshot(ctx context.Context) (broker.AccountState, error)
}

// OrderExecutor is satisfied by *executor.Executor.
type OrderExecutor interface {
	Execute(ctx context.Context, order risk.AdmissibleOrder) executor.Result
}

// Recorder is the write side of *ledger.Ledger.
type Recorder interface {
	Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	AppendEquitySample(ctx context.Context, s ledger.EquitySample) error
}

// Policy holds orchestrator settings.
type Policy struct {
	// Intents below this confidence are skipped with LowConfidence.
	MinConfidence risk.Confidence `json:"min_confidence" yaml:"min_confidence"`
	// Orders executed in parallel within a cycle.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

func DefaultPolicy() Policy {
	return Policy{MinConfidence: risk.Medium, Concurrency: 4}
}

func (p Policy) Validate() error {
	if p.MinConfidence != "" && !p.MinConfidence.Valid() {
		return fmt.Errorf("min_confidence %q is not low, medium or high", p.MinConfidence)
	}
	if p.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", p.Concurrency)
	}
	return nil
}

type Orchestrator struct {
	reader SnapshotReader
	exec   OrderExecutor
	ledger Recorder
	risk   risk.Config
	policy Policy
	log    logrus.FieldLogger
	now    func() time.Time
	report func(Report)

	mu sync.Mutex // one cycle at a time
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithReportHandler has RunCycles pass each cycle's report to fn as the
// cycle finishes.
func WithReportHandler(fn func(Report)) Option {
	return func(o *Orchestrator) { o.report = fn }
}

func New(reader SnapshotReader, exec OrderExecutor, rec Recorder, riskCfg risk.Config, policy Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reader: reader,
		exec:   exec,
		ledger: rec,
		risk:   riskCfg,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = logger.OrStandard(o.log).WithField("component", "cycle")
	return o
}

// RunCycle runs one cycle stamped with the current time.
func (o *Orchestrator) RunCycle(ctx context.Context, intents []risk.TradeIntent) (Report, error) {
	return o.RunCycleAt(ctx, o.now(), intents)
}

// RunCycleAt runs one cycle at cycleTime. Re-running with the same
// cycleTime and intents derives the same idempotency keys, so orders the
// first run placed are found rather than duplicated.
//
// The returned error is non-nil when the cycle Failed, or when cycleTime
// is zero or before the Unix epoch, in which case nothing is recorded.
// Risk rejections and unsuccessful executions are recorded and do not
// fail the cycle.
func (o *Orchestrator) RunCycleAt(ctx context.Context, cycleTime time.Time, intents []risk.TradeIntent) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, err := o.newRun(ctx, cycleTime, len(intents))
	if err != nil {
		return Report{}, err
	}
	c.enter(Start)
	c.log.WithField("intents", len(intents)).Info("cycle start")

	acct, err := o.reader.FetchSnapshot(ctx)
	if err != nil {
		return c.fail("fetch snapshot", err)
	}
	c.enter(SnapshotFetched)

	if err := c.recordAnalysis(acct, intents); err != nil {
		return c.fail("record analysis", err)
	}

	decisions := o.evaluate(intents, acct, c.report.CycleTime)
	c.report.Decisions = decisions
	for _, d := range decisions {
		if err := c.recordDecision(d); err != nil {
			return c.fail("record decision", err)
		}
	}
	c.enter(Evaluated)

	orders := lo.FilterMap(decisions, func(d risk.Decision, _ int) (risk.AdmissibleOrder, bool) {
		if d.Order == nil {
			return risk.AdmissibleOrder{}, false
		}
		return *d.Order, true
	})

	switch {
	case len(intents) == 0:
		c.enter(Skipped)
	case len(orders) == 0:
		c.enter(Rejected)
	default:
		// Nothing has been sent yet, so a cancelled cycle stops cleanly here.
		if err := ctx.Err(); err != nil {
			return c.fail("cancelled before execution", err)
		}
		if err := c.execute(ctx, orders); err != nil {
			return c.fail("record execution", err)
		}
		c.enter(Executed)
	}

	post := acct
	if len(orders) > 0 {
		fresh, err := o.reader.FetchSnapshot(ctx)
		if err != nil {
			c.log.WithError(err).Warn("post-execution snapshot failed, valuing cached snapshot")
		} else {
			post = fresh
		}
	}
	if err := c.recordEquity(post); err != nil {
		return c.fail("record equity", err)
	}
	c.enter(Recorded)
	c.enter(Done)

	counts := c.report.ResultCounts()
	c.log.WithFields(logrus.Fields{
		"admitted": c.report.Admitted(),
		"filled":   counts[executor.Filled],
		"equity":   c.report.Equity.TotalEquity.StringFixed(2),
	}).Info("cycle done")
	return c.report, nil
}

// evaluate applies the confidence gate, then evaluates the remaining
// intents as one batch against acct. Decisions come back in input order.
func (o *Orchestrator) evaluate(intents []risk.TradeIntent, acct broker.AccountState, cycleTime time.Time) []risk.Decision {
	out := make([]risk.Decision, len(intents))
	var (
		eligible []risk.TradeIntent
		slots    []int
	)
	floor := o.policy.MinConfidence.Rank()
	for i, in := range intents {
		// Invalid confidence is left to the risk engine to reject as
		// ambiguous.
		if in.Confidence.Valid() && in.Confidence.Rank() < floor {
			out[i] = risk.Decision{
				Intent: in,
				Rejection: &risk.Rejection{
					Code: risk.LowConfidence,
					Msg:  fmt.Sprintf("confidence %s below %s", in.Confidence, o.policy.MinConfidence),
				},
			}
			continue
		}
		eligible = append(eligible, in)
		slots = append(slots, i)
	}

	for j, d := range risk.EvaluateBatch(eligible, acct, o.risk, cycleTime) {
		out[slots[j]] = d
	}
	return out
}

// run is the state of one cycle in flight.
type run struct {
	o      *Orchestrator
	report Report
	log    logrus.FieldLogger
	wctx   context.Context
	wmu    sync.Mutex // serializes ledger appends from execution workers
}

func (o *Orchestrator) newRun(ctx context.Context, cycleTime time.Time, intents int) (*run, error) {
	cycleID, err := id.NewAt(cycleTime)
	if err != nil {
		return nil, fmt.Errorf("cycle: cycle time: %w", err)
	}
	c := &run{
		o: o,
		report: Report{
			CycleID:   cycleID,
			CycleTime: cycleTime.UTC(),
			Intents:   intents,
		},
		// Records must land even if ctx is cancelled mid-cycle.
		wctx: context.WithoutCancel(ctx),
	}
	c.log = o.log.WithField("cycle", c.report.CycleID)
	return c, nil
}

func (c *run) enter(s State) {
	if n := len(c.report.Path); n > 0 && !canTransition(c.report.Path[n-1], s) {
		panic(fmt.Sprintf("cycle: illegal transition %s -> %s", c.report.Path[n-1], s))
	}
	c.report.Path = append(c.report.Path, s)
	c.report.State = s
	c.log.WithField("state", s).Debug("cycle transition")
}

// fail records an error entry, then moves to Failed. A storage failure
// while recording is joined to the cause.
func (c *run) fail(stage string, cause error) (Report, error) {
	err := fmt.Errorf("cycle %s: %s: %w", c.report.CycleID, stage, cause)
	c.report.Error = err.Error()
	c.log.WithError(cause).WithField("stage", stage).Error("cycle failed")

	// Nothing more can be recorded once the ledger itself is failing.
	if !errors.Is(cause, ledger.ErrStorage) {
		if rerr := c.append(ledger.Error, "", "", errorPayload{
			Stage: stage,
			Error: cause.Error(),
			State: c.report.State,
		}); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	c.enter(Failed)
	return c.report, err
}

func (c *run) append(kind ledger.Kind, instrument, key string, payload any) error {
	e, err := ledger.NewEntry(kind, c.report.CycleID, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrStorage, err)
	}
	e.Instrument = instrument
	e.IdempotencyKey = key

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.o.ledger.Append(c.wctx, e)
	return err
}

type analysisPayload struct {
	CycleTime time.Time                 `json:"cycle_time"`
	AsOf      time.Time                 `json:"as_of"`
	Quote     string                    `json:"quote"`
	Equity    risk.Valuation            `json:"equity"`
	Balances  map[string]broker.Balance `json:"balances"`
	Intents   []risk.TradeIntent        `json:"intents"`
}

type errorPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
	State State  `json:"state"`
}

func (c *run) recordAnalysis(acct broker.AccountState, intents []risk.TradeIntent) error {
	return c.append(ledger.Analysis, "", "", analysisPayload{
		CycleTime: c.report.CycleTime,
		AsOf:      acct.AsOf,
		Quote:     acct.Quote,
		Equity:    risk.Value(acct),
		Balances:  acct.Balances,
		Intents:   intents,
	})
}

func (c *run) recordDecision(d risk.Decision) error {
	instrument := market.Normalize(d.Intent.Instrument)
	if d.Order == nil {
		c.log.WithFields(logrus.Fields{
			"instrument": instrument,
			"code":       d.Rejection.Code,
		}).Info(d.Rejection.Msg)
		return c.append(ledger.Skip, instrument, "", d)
	}
	return c.append(ledger.Decision, d.Order.Instrument, d.Order.IdempotencyKey, d)
}

// execute runs orders in parallel. Each result is recorded as soon as it
// is known, whatever its state; only a ledger failure is returned.
func (c *run) execute(ctx context.Context, orders []risk.AdmissibleOrder) error {
	results := make([]executor.Result, len(orders))

	var g errgroup.Group
	if n := c.o.policy.Concurrency; n > 0 {
		g.SetLimit(n)
	}
	for i, order := range orders {
		g.Go(func() error {
			res := c.o.exec.Execute(ctx, order)
			results[i] = res
			return c.append(ledger.Execution, order.Instrument, order.IdempotencyKey, res)
		})
	}
	err := g.Wait()
	c.report.Results = results
	return err
}

func (c *run) recordEquity(acct broker.AccountState) error {
	v := risk.Value(acct)
	s := ledger.EquitySample{
		CycleID:     c.report.CycleID,
		Timestamp:   c.o.now().UTC(),
		Quote:       acct.Quote,
		TotalEquity: v.Total,
		Assets:      v.Assets,
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.o.ledger.AppendEquitySample(c.wctx, s); err != nil {
		return err
	}
	c.report.Equity = &s
	return nil
}
