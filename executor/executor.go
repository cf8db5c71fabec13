// Package executor places admissible orders on a venue exactly once per
// idempotency key and classifies how they ended.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/rustyeddy/tradecycle/retry"
	"github.com/rustyeddy/tradecycle/risk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var errPending = errors.New("order not terminal")

type Executor struct {
	venue  broker.Venue
	lookup ResultLookup
	submit retry.Policy
	poll   retry.Policy
	log    logrus.FieldLogger

	mu     sync.Mutex
	done   map[string]Result // terminal results by key
	flight singleflight.Group
}

// New builds an executor. lookup may be nil, in which case only results
// seen by this process short-circuit.
func New(venue broker.Venue, lookup ResultLookup, submit, poll retry.Policy, log logrus.FieldLogger) *Executor {
	return &Executor{
		venue:  venue,
		lookup: lookup,
		submit: submit,
		poll:   poll,
		log:    logger.OrStandard(log).WithField("component", "executor"),
		done:   make(map[string]Result),
	}
}

// Execute places order and waits for its outcome. Calling it again with
// the same idempotency key returns the recorded terminal result without
// touching the venue; a non-terminal prior outcome is looked up on the
// venue before anything is resubmitted.
func (x *Executor) Execute(ctx context.Context, order risk.AdmissibleOrder) Result {
	if order.IdempotencyKey == "" {
		return x.stamp(order, Result{State: Failed, Reason: "order has no idempotency key"})
	}
	v, _, _ := x.flight.Do(order.IdempotencyKey, func() (any, error) {
		return x.execute(ctx, order), nil
	})
	return v.(Result)
}

func (x *Executor) execute(ctx context.Context, order risk.AdmissibleOrder) Result {
	key := order.IdempotencyKey
	log := x.log.WithFields(logrus.Fields{"key": key, "instrument": order.Instrument})

	if r, ok := x.cached(key); ok {
		log.Debug("returning cached result")
		return r
	}

	reconcile := false
	if x.lookup != nil {
		prior, ok, err := x.lookup.LookupResult(ctx, key)
		switch {
		case err != nil:
			// Without the record we cannot tell whether the order was
			// placed, so ask the venue first.
			log.WithError(err).Warn("result lookup failed, reconciling with venue")
			reconcile = true
		case ok && prior.State.Terminal():
			log.WithField("state", prior.State).Info("order already recorded, not resubmitting")
			x.remember(prior)
			return prior
		case ok:
			log.WithField("state", prior.State).Info("reconciling non-terminal prior result")
			reconcile = true
		}
	}

	if reconcile {
		r, found := x.reconcile(ctx, order, log)
		if found {
			return x.finish(order, r)
		}
	}

	return x.finish(order, x.place(ctx, order, log))
}

// reconcile looks the key up on the venue. found is false only when the
// venue positively reports no such order.
func (x *Executor) reconcile(ctx context.Context, order risk.AdmissibleOrder, log logrus.FieldLogger) (Result, bool) {
	st, err := x.status(ctx, order)
	switch {
	case err == nil:
		if st.State.Terminal() {
			return fromStatus(st), true
		}
		return x.await(ctx, order, log), true
	case errors.Is(err, broker.ErrOrderNotFound):
		log.Info("prior order not found on venue, submitting")
		return Result{}, false
	default:
		return Result{State: Unknown, Reason: fmt.Sprintf("reconcile: %v", err)}, true
	}
}

func (x *Executor) place(ctx context.Context, order risk.AdmissibleOrder, log logrus.FieldLogger) Result {
	ack, err := retry.Do(ctx, x.submit, func(ctx context.Context, attempt int) retry.Result[broker.SubmissionAck] {
		ack, err := x.venue.SubmitOrder(ctx, order.Request(), order.IdempotencyKey)
		switch {
		case err == nil:
			return retry.Ok(ack)
		case errors.Is(err, broker.ErrTransient):
			log.WithError(err).WithField("attempt", attempt+1).Warn("submit failed before reaching venue, retrying")
			return retry.Retry[broker.SubmissionAck](err)
		default:
			return retry.Stop[broker.SubmissionAck](err)
		}
	})

	var rej *broker.Rejection
	switch {
	case err == nil:
		log.WithField("order_id", ack.ExchangeOrderID).Info("order accepted")
		if ack.Status.State.Terminal() {
			r := fromStatus(ack.Status)
			if r.ExchangeOrderID == "" {
				r.ExchangeOrderID = ack.ExchangeOrderID
			}
			return r
		}
		return x.await(ctx, order, log)

	case errors.Is(err, retry.ErrExhausted):
		log.WithError(err).Error("submit failed")
		return Result{State: Failed, Reason: err.Error()}

	case errors.Is(err, broker.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The request may have reached the venue. Never resubmit; look it
		// up by key instead.
		log.WithError(err).Warn("submit outcome unknown, polling by key")
		return x.await(ctx, order, log)

	case errors.Is(err, broker.ErrDuplicateKey):
		log.Warn("venue already holds this key, polling")
		return x.await(ctx, order, log)

	case errors.As(err, &rej):
		log.WithField("code", rej.Code).Info("order rejected by venue")
		return Result{State: Rejected, Reason: rej.Error()}

	default:
		log.WithError(err).Error("submit failed")
		return Result{State: Failed, Reason: err.Error()}
	}
}

// await polls until the order is terminal or the poll budget runs out.
func (x *Executor) await(ctx context.Context, order risk.AdmissibleOrder, log logrus.FieldLogger) Result {
	var last broker.OrderStatus
	seen := false

	st, err := retry.Do(ctx, x.poll, func(ctx context.Context, attempt int) retry.Result[broker.OrderStatus] {
		st, err := x.status(ctx, order)
		switch {
		case err == nil && st.State.Terminal():
			return retry.Ok(st)
		case err == nil:
			last, seen = st, true
			return retry.Retry[broker.OrderStatus](fmt.Errorf("%w: %s", errPending, st.State))
		case errors.Is(err, broker.ErrTransient), errors.Is(err, broker.ErrTimeout), errors.Is(err, broker.ErrOrderNotFound):
			// A just-submitted order can lag behind its lookup.
			return retry.Retry[broker.OrderStatus](err)
		default:
			return retry.Stop[broker.OrderStatus](err)
		}
	})
	if err == nil {
		return fromStatus(st)
	}

	log.WithError(err).Warn("order outcome unconfirmed")
	r := Result{State: Unknown, Reason: err.Error()}
	if seen {
		r = fromStatus(last)
		r.State = Unknown
		r.Reason = fmt.Sprintf("not terminal after polling: %v", err)
	}
	return r
}

func (x *Executor) status(ctx context.Context, order risk.AdmissibleOrder) (broker.OrderStatus, error) {
	return x.venue.GetOrderStatus(ctx, order.Instrument, order.IdempotencyKey)
}

func (x *Executor) finish(order risk.AdmissibleOrder, r Result) Result {
	r = x.stamp(order, r)
	if r.State.Terminal() {
		x.remember(r)
	}
	x.log.WithFields(logrus.Fields{
		"key":   r.IdempotencyKey,
		"state": r.State,
		"qty":   r.FilledQuantity,
	}).Info("execution finished")
	return r
}

func (x *Executor) stamp(order risk.AdmissibleOrder, r Result) Result {
	r.IdempotencyKey = order.IdempotencyKey
	r.Instrument = order.Instrument
	r.Side = order.Side
	return r
}

func (x *Executor) cached(key string) (Result, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.done[key]
	return r, ok
}

func (x *Executor) remember(r Result) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.done[r.IdempotencyKey] = r
}
