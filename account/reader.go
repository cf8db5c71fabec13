package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/rustyeddy/tradecycle/retry"
	"github.com/sirupsen/logrus"
)

var (
	ErrVenueUnavailable  = errors.New("account: venue unavailable")
	ErrAuth              = errors.New("account: authentication failed")
	ErrMalformedResponse = errors.New("account: malformed snapshot")
)

// Fetcher is the read side of broker.Venue.
type Fetcher interface {
	GetAccount(ctx context.Context) (broker.AccountState, error)
}

// Reader fetches normalized account snapshots, retrying transient venue
// failures under its policy.
type Reader struct {
	venue  Fetcher
	policy retry.Policy
	log    logrus.FieldLogger
}

func NewReader(venue Fetcher, policy retry.Policy, log logrus.FieldLogger) *Reader {
	return &Reader{venue: venue, policy: policy, log: logger.OrStandard(log)}
}

// FetchSnapshot returns the current account state. Errors are one of
// ErrVenueUnavailable, ErrAuth or ErrMalformedResponse (or the context's
// error when ctx ends first).
func (r *Reader) FetchSnapshot(ctx context.Context) (broker.AccountState, error) {
	acct, err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) retry.Result[broker.AccountState] {
		acct, err := r.venue.GetAccount(ctx)
		switch {
		case err == nil:
			return retry.Ok(acct)
		case errors.Is(err, broker.ErrTransient), errors.Is(err, broker.ErrTimeout):
			r.log.WithError(err).WithField("attempt", attempt+1).Warn("account snapshot failed, retrying")
			return retry.Retry[broker.AccountState](err)
		default:
			return retry.Stop[broker.AccountState](err)
		}
	})
	if err != nil {
		return broker.AccountState{}, classify(ctx, err)
	}

	acct = Normalize(acct)
	if err := Validate(acct); err != nil {
		return broker.AccountState{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return acct, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	case errors.Is(err, broker.ErrAuth):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case errors.Is(err, broker.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	default:
		return fmt.Errorf("%w: %v", ErrVenueUnavailable, err)
	}
}
