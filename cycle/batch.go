package cycle

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/pkg/id"
	"github.com/rustyeddy/tradecycle/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IntentSource supplies the intents for each cycle.
type IntentSource interface {
	Intents(ctx context.Context, cycleTime time.Time) ([]risk.TradeIntent, error)
}

// IntentFunc adapts a function to IntentSource.
type IntentFunc func(ctx context.Context, cycleTime time.Time) ([]risk.TradeIntent, error)

func (f IntentFunc) Intents(ctx context.Context, cycleTime time.Time) ([]risk.TradeIntent, error) {
	return f(ctx, cycleTime)
}

// Summary aggregates a run of cycles.
type Summary struct {
	Cycles     int             `json:"cycles"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Submitted  int             `json:"submitted"`
	LastEquity decimal.Decimal `json:"last_equity"`
	Quote      string          `json:"quote,omitempty"`
	// The most recent reports, at most MaxSummaryReports.
	Reports []Report `json:"reports,omitempty"`
}

// MaxSummaryReports bounds Summary.Reports so an unbounded run holds a
// fixed number of reports. Use WithReportHandler to see every one.
const MaxSummaryReports = 16

// SuccessRate is Succeeded / Cycles, 0 when nothing ran.
func (s Summary) SuccessRate() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Cycles)
}

// RunCycles runs n cycles back to back, waiting interval between the start
// of one and the next. n <= 0 runs until ctx is done. A failed cycle does
// not stop the run; a ledger failure or a clock outside the ID range does.
func (o *Orchestrator) RunCycles(ctx context.Context, n int, interval time.Duration, src IntentSource) (Summary, error) {
	var sum Summary
	for i := 0; n <= 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		started := o.now()

		intents, err := src.Intents(ctx, started)
		var rep Report
		if err != nil {
			o.log.WithError(err).Error("intent source failed")
			rep, err = o.abort(ctx, started, "read intents", err)
		} else {
			rep, err = o.RunCycleAt(ctx, started, intents)
		}

		sum.Cycles++
		if o.report != nil {
			o.report(rep)
		}
		if len(sum.Reports) == MaxSummaryReports {
			sum.Reports = slices.Delete(sum.Reports, 0, 1)
		}
		sum.Reports = append(sum.Reports, rep)
		sum.Submitted += len(rep.Results)
		if err != nil {
			sum.Failed++
			if errors.Is(err, ledger.ErrStorage) || errors.Is(err, id.ErrTimeRange) {
				return sum, err
			}
		} else {
			sum.Succeeded++
			if rep.Equity != nil {
				sum.LastEquity = rep.Equity.TotalEquity
				sum.Quote = rep.Equity.Quote
			}
		}

		o.log.WithFields(logrus.Fields{
			"cycle":        i + 1,
			"succeeded":    sum.Succeeded,
			"success_rate": sum.SuccessRate(),
		}).Info("cycle finished")

		if n > 0 && i == n-1 {
			break
		}
		if wait := interval - o.now().Sub(started); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return sum, ctx.Err()
			case <-t.C:
			}
		}
	}
	return sum, nil
}

// abort records a cycle that failed before it could start.
func (o *Orchestrator) abort(ctx context.Context, cycleTime time.Time, stage string, cause error) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, err := o.newRun(ctx, cycleTime, 0)
	if err != nil {
		return Report{}, err
	}
	c.enter(Start)
	return c.fail(stage, cause)
}
