package risk

import (
	"regexp"
	"testing"
	"time"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/stretchr/testify/assert"
)

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestIdempotencyKeyStable(t *testing.T) {
	t.Parallel()

	intent := buy("ETH-USDT", "100")
	a := IdempotencyKey(intent, cycleTime)
	b := IdempotencyKey(intent, cycleTime)

	assert.Equal(t, a, b)
	assert.Regexp(t, hex32, a)

	// Separator spelling does not change the key.
	alt := intent
	alt.Instrument = "eth/usdt"
	assert.Equal(t, a, IdempotencyKey(alt, cycleTime))

	// Nor does the time zone of the cycle time.
	assert.Equal(t, a, IdempotencyKey(intent, cycleTime.In(time.FixedZone("X", 3600))))
}

func TestIdempotencyKeyDistinguishes(t *testing.T) {
	t.Parallel()

	base := buy("ETH-USDT", "100")
	key := IdempotencyKey(base, cycleTime)

	tests := []struct {
		name   string
		intent TradeIntent
		at     time.Time
	}{
		{"next cycle", base, cycleTime.Add(time.Minute)},
		{"other side", func() TradeIntent { i := base; i.Side = market.Sell; return i }(), cycleTime},
		{"other notional", func() TradeIntent { i := base; i.NotionalHint = d("101"); return i }(), cycleTime},
		{"other instrument", func() TradeIntent { i := base; i.Instrument = "SOL-USDT"; return i }(), cycleTime},
		{"other timestamp", func() TradeIntent { i := base; i.Timestamp = i.Timestamp.Add(time.Second); return i }(), cycleTime},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, key, IdempotencyKey(tt.intent, tt.at))
		})
	}
}

func TestValueIncludesFrozenAndPositions(t *testing.T) {
	t.Parallel()

	acct := usdtAccount("100")
	acct.Balances["USDT"] = broker.Balance{Available: d("100"), Frozen: d("50")}
	acct.Balances["ETH"] = broker.Balance{Available: d("0.5"), Frozen: d("0.5")}
	acct.Balances["DOGE"] = broker.Balance{Available: d("1000")}
	acct.Positions = []broker.Position{
		{Instrument: "SOL-USDT", Size: d("2"), EntryPrice: d("140")},
	}

	v := Value(acct)
	// 150 USDT + 1 ETH (2500) + 2 SOL (300)
	assert.True(t, v.Total.Equal(d("2950")), "total %s", v.Total)
	assert.True(t, v.Assets["ETH"].Equal(d("2500")))
	assert.True(t, v.Assets["SOL-USDT"].Equal(d("300")))
	assert.Equal(t, []string{"DOGE"}, v.Unpriced)
	assert.True(t, TotalEquity(acct).Equal(v.Total))
}

func TestValueEmptyAccount(t *testing.T) {
	t.Parallel()

	v := Value(broker.AccountState{Quote: "USDT"})
	assert.True(t, v.Total.IsZero())
	assert.Empty(t, v.Assets)
}
