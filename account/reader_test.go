package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/broker/sim"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/rustyeddy/tradecycle/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: true}
}

func newVenue() *sim.Engine {
	e := sim.NewEngine("USDT", map[string]decimal.Decimal{"USDT": d("1000"), "BTC": d("0.01")})
	e.SetPrice("BTC", d("60000"))
	return e
}

func TestFetchSnapshotRetriesTransient(t *testing.T) {
	t.Parallel()

	venue := newVenue()
	venue.FailAccount(broker.ErrTransient, broker.ErrTimeout)

	r := NewReader(venue, fastPolicy(), logger.Discard())
	acct, err := r.FetchSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "USDT", acct.Quote)
	assert.True(t, acct.Balances["BTC"].Available.Equal(d("0.01")))
	assert.True(t, acct.Prices["BTC"].Equal(d("60000")))
}

func TestFetchSnapshotExhaustedIsVenueUnavailable(t *testing.T) {
	t.Parallel()

	venue := newVenue()
	venue.FailAccount(broker.ErrTransient, broker.ErrTransient, broker.ErrTransient)

	r := NewReader(venue, fastPolicy(), logger.Discard())
	_, err := r.FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrVenueUnavailable)

	// The fourth call would have succeeded: the reader stopped at its bound.
	_, err = venue.GetAccount(context.Background())
	assert.NoError(t, err)
}

func TestFetchSnapshotAuthIsNotRetried(t *testing.T) {
	t.Parallel()

	venue := newVenue()
	venue.FailAccount(broker.ErrAuth, broker.ErrTransient)

	r := NewReader(venue, fastPolicy(), logger.Discard())
	_, err := r.FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrAuth)

	// Second queued fault still pending proves only one call was made.
	_, err = venue.GetAccount(context.Background())
	assert.ErrorIs(t, err, broker.ErrTransient)
}

type stubFetcher struct {
	acct broker.AccountState
	err  error
}

func (s stubFetcher) GetAccount(ctx context.Context) (broker.AccountState, error) {
	return s.acct, s.err
}

func TestFetchSnapshotMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    stubFetcher
	}{
		{"venue says malformed", stubFetcher{err: broker.ErrMalformed}},
		{"negative balance", stubFetcher{acct: broker.AccountState{
			AsOf:     time.Now(),
			Quote:    "USDT",
			Balances: map[string]broker.Balance{"USDT": {Available: d("-1")}},
		}}},
		{"zero price", stubFetcher{acct: broker.AccountState{
			AsOf:   time.Now(),
			Quote:  "USDT",
			Prices: map[string]decimal.Decimal{"BTC": d("0")},
		}}},
		{"no timestamp", stubFetcher{acct: broker.AccountState{Quote: "USDT"}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewReader(tt.f, fastPolicy(), logger.Discard())
			_, err := r.FetchSnapshot(context.Background())
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestFetchSnapshotUnknownErrorIsVenueUnavailable(t *testing.T) {
	t.Parallel()

	r := NewReader(stubFetcher{err: errors.New("boom")}, fastPolicy(), logger.Discard())
	_, err := r.FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrVenueUnavailable)
}

func TestNormalizeMergesAndSorts(t *testing.T) {
	t.Parallel()

	acct := Normalize(broker.AccountState{
		AsOf:  time.Now(),
		Quote: "usdt",
		Balances: map[string]broker.Balance{
			"btc": {Available: d("1")},
			"BTC": {Frozen: d("0.5")},
		},
		OpenOrders: []broker.OpenOrder{
			{OrderID: "2", Instrument: "sol_usdt"},
			{OrderID: "1", Instrument: "BTC/USDT"},
		},
	})

	assert.Equal(t, "USDT", acct.Quote)
	assert.True(t, acct.Balances["BTC"].Total().Equal(d("1.5")))
	require.Len(t, acct.OpenOrders, 2)
	assert.Equal(t, "BTC-USDT", acct.OpenOrders[0].Instrument)
	assert.Equal(t, "SOL-USDT", acct.OpenOrders[1].Instrument)
}
