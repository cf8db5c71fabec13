package risk

import (
	"sort"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/shopspring/decimal"
)

// Valuation is an account marked at snapshot prices.
type Valuation struct {
	Total decimal.Decimal `json:"total"`
	// Assets is the quote-currency value of each held asset and open
	// position (keyed by instrument for positions).
	Assets map[string]decimal.Decimal `json:"assets"`
	// Unpriced lists held assets the snapshot had no price for. They are
	// valued at zero, which only ever shrinks the per-trade cap.
	Unpriced []string `json:"unpriced,omitempty"`
}

// Value computes total equity: every balance (available + frozen) at its
// snapshot price plus the market value of every open position.
func Value(acct broker.AccountState) Valuation {
	v := Valuation{Total: decimal.Zero, Assets: make(map[string]decimal.Decimal)}

	for asset, b := range acct.Balances {
		qty := b.Total()
		if qty.IsZero() {
			continue
		}
		px, ok := acct.PriceOf(asset)
		if !ok {
			v.Unpriced = append(v.Unpriced, asset)
			continue
		}
		val := qty.Mul(px)
		v.Assets[asset] = v.Assets[asset].Add(val)
		v.Total = v.Total.Add(val)
	}

	for _, p := range acct.Positions {
		if p.Size.IsZero() {
			continue
		}
		val := positionValue(acct, p)
		v.Assets[p.Instrument] = v.Assets[p.Instrument].Add(val)
		v.Total = v.Total.Add(val)
	}

	sort.Strings(v.Unpriced)
	return v
}

// TotalEquity is Value(acct).Total.
func TotalEquity(acct broker.AccountState) decimal.Decimal {
	return Value(acct).Total
}

func positionValue(acct broker.AccountState, p broker.Position) decimal.Decimal {
	if base, quote, err := market.ParseSymbol(p.Instrument); err == nil {
		if px, ok := acct.PriceOf(base); ok {
			return p.Size.Mul(px)
		}
		// Mark from entry when the base has no price; entry is in the
		// instrument's quote asset.
		if qpx, ok := acct.PriceOf(quote); ok {
			return p.Size.Mul(p.EntryPrice).Add(p.UnrealizedPnl).Mul(qpx)
		}
	}
	return p.Size.Mul(p.EntryPrice).Add(p.UnrealizedPnl)
}

// openExposure counts open orders and non-flat positions on instrument.
func openExposure(acct broker.AccountState, instrument string) int {
	n := 0
	for _, o := range acct.OpenOrders {
		if market.Normalize(o.Instrument) == instrument {
			n++
		}
	}
	for _, p := range acct.Positions {
		if market.Normalize(p.Instrument) == instrument && !p.Size.IsZero() {
			n++
		}
	}
	return n
}
