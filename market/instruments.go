// market/instruments.go
package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Instrument describes a spot pair as the venue trades it. Symbols use the
// BASE-QUOTE form ("BTC-USDT"); venue adapters translate as needed.
type Instrument struct {
	Symbol   string          `json:"symbol" yaml:"symbol"`
	Base     string          `json:"base" yaml:"base"`
	Quote    string          `json:"quote" yaml:"quote"`
	LotSize  decimal.Decimal `json:"lot_size" yaml:"lot_size"`
	TickSize decimal.Decimal `json:"tick_size" yaml:"tick_size"`
}

// FundingAsset is the asset consumed by an order on side s: the quote
// asset for buys, the base asset for sells.
func (in Instrument) FundingAsset(s Side) string {
	if s == Sell {
		return in.Base
	}
	return in.Quote
}

// RoundQuantity rounds q down to a whole number of lots.
func (in Instrument) RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return floorTo(q, in.LotSize)
}

// RoundPrice rounds p to the tick size, down for buys and up for sells, so
// a limit never becomes more aggressive than requested.
func (in Instrument) RoundPrice(p decimal.Decimal, s Side) decimal.Decimal {
	if in.TickSize.Sign() <= 0 {
		return p
	}
	if s == Sell {
		return p.Div(in.TickSize).Ceil().Mul(in.TickSize)
	}
	return floorTo(p, in.TickSize)
}

func floorTo(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// ParseSymbol splits "BTC-USDT" (or "BTC/USDT", "BTC_USDT") into base and
// quote.
func ParseSymbol(symbol string) (base, quote string, err error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"-", "/", "_"} {
		if parts := strings.Split(s, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], nil
		}
	}
	return "", "", fmt.Errorf("market: malformed symbol %q", symbol)
}

// Normalize returns the canonical BASE-QUOTE form of symbol.
func Normalize(symbol string) string {
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return base + "-" + quote
}

func mustInstrument(symbol, lot, tick string) Instrument {
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		panic(err)
	}
	return Instrument{
		Symbol:   symbol,
		Base:     base,
		Quote:    quote,
		LotSize:  decimal.RequireFromString(lot),
		TickSize: decimal.RequireFromString(tick),
	}
}

// Defaults is the set of pairs the orchestrator trades out of the box.
var Defaults = map[string]Instrument{
	"BTC-USDT": mustInstrument("BTC-USDT", "0.00001", "0.1"),
	"ETH-USDT": mustInstrument("ETH-USDT", "0.0001", "0.01"),
	"SOL-USDT": mustInstrument("SOL-USDT", "0.001", "0.01"),
	"ETH-BTC":  mustInstrument("ETH-BTC", "0.0001", "0.00001"),
	"SOL-BTC":  mustInstrument("SOL-BTC", "0.001", "0.0000001"),
	"SOL-ETH":  mustInstrument("SOL-ETH", "0.001", "0.000001"),
}

// Registry resolves instruments by symbol.
type Registry map[string]Instrument

// Lookup finds the instrument for symbol, accepting any separator.
func (r Registry) Lookup(symbol string) (Instrument, bool) {
	in, ok := r[Normalize(symbol)]
	return in, ok
}

// DefaultRegistry returns a copy of Defaults.
func DefaultRegistry() Registry {
	r := make(Registry, len(Defaults))
	for k, v := range Defaults {
		r[k] = v
	}
	return r
}
