package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/shopspring/decimal"
)

// Code names why an intent was not admitted.
type Code string

const (
	AmbiguousIntent       Code = "AmbiguousIntent"
	BelowMinimum          Code = "BelowMinimum"
	InsufficientBalance   Code = "InsufficientBalance"
	PositionLimitExceeded Code = "PositionLimitExceeded"
	// LowConfidence is assigned by the cycle orchestrator's confidence
	// gate, not by Evaluate.
	LowConfidence Code = "LowConfidence"
)

type Rejection struct {
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
}

func (r *Rejection) Error() string { return string(r.Code) + ": " + r.Msg }

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Decision is the outcome of evaluating one intent.
type Decision struct {
	Intent    TradeIntent      `json:"intent"`
	Order     *AdmissibleOrder `json:"order,omitempty"`
	Rejection *Rejection       `json:"rejection,omitempty"`

	Equity    decimal.Decimal `json:"equity"`
	Cap       decimal.Decimal `json:"cap"`
	Requested decimal.Decimal `json:"requested"`
}

func (d Decision) Admitted() bool { return d.Order != nil }

// Evaluate checks a single intent against acct. It is pure: identical
// inputs always produce identical output.
func Evaluate(intent TradeIntent, acct broker.AccountState, cfg Config, cycleTime time.Time) (AdmissibleOrder, *Rejection) {
	d := newBook(acct, cfg, cycleTime).evaluate(intent)
	if d.Rejection != nil {
		return AdmissibleOrder{}, d.Rejection
	}
	return *d.Order, nil
}

// EvaluateBatch evaluates intents in order against one immutable snapshot.
// Each admitted order reserves its funding and a position slot, so later
// intents in the batch see what earlier ones would consume. Nothing is
// re-fetched between intents.
func EvaluateBatch(intents []TradeIntent, acct broker.AccountState, cfg Config, cycleTime time.Time) []Decision {
	b := newBook(acct, cfg, cycleTime)
	out := make([]Decision, 0, len(intents))
	for _, in := range intents {
		out = append(out, b.evaluate(in))
	}
	return out
}

// book carries same-cycle reservations across a batch.
type book struct {
	acct      broker.AccountState
	cfg       Config
	cycleTime time.Time
	equity    decimal.Decimal

	reserved map[string]decimal.Decimal // funding asset -> quote-currency value
	admitted map[string]int             // instrument -> orders admitted
}

func newBook(acct broker.AccountState, cfg Config, cycleTime time.Time) *book {
	return &book{
		acct:      acct,
		cfg:       cfg,
		cycleTime: cycleTime,
		equity:    TotalEquity(acct),
		reserved:  make(map[string]decimal.Decimal),
		admitted:  make(map[string]int),
	}
}

func (b *book) evaluate(intent TradeIntent) Decision {
	d := Decision{Intent: intent, Equity: b.equity}

	in, rej := b.validate(intent)
	if rej != nil {
		d.Rejection = rej
		return d
	}
	basePx, _ := b.acct.PriceOf(in.Base)
	quotePx, _ := b.acct.PriceOf(in.Quote)

	// 2. requested notional
	switch {
	case intent.NotionalHint.IsPositive():
		d.Requested = intent.NotionalHint
	case intent.SizeHint.IsPositive():
		d.Requested = intent.SizeHint.Mul(basePx)
	default:
		d.Rejection = reject(AmbiguousIntent, "intent has neither size nor notional")
		return d
	}

	// 3. cap, then venue minimum. Never round up to meet the minimum.
	d.Cap = b.cfg.MaxFractionPerTrade.Mul(b.equity)
	notional := decimal.Min(d.Requested, d.Cap)
	if notional.LessThan(b.cfg.MinNotional) || !notional.IsPositive() {
		d.Rejection = reject(BelowMinimum, "capped notional %s below minimum %s (requested %s, cap %s)",
			notional.StringFixed(2), b.cfg.MinNotional, d.Requested.StringFixed(2), d.Cap.StringFixed(2))
		return d
	}

	// 4. funding, including what earlier intents in this cycle reserved.
	funding := in.FundingAsset(intent.Side)
	fundPx := quotePx
	if intent.Side == market.Sell {
		fundPx = basePx
	}
	available := b.acct.Balances[funding].Available.Mul(fundPx)
	need := notional.Mul(decimal.NewFromInt(1).Add(b.cfg.FeeBufferFraction))
	if b.reserved[funding].Add(need).GreaterThan(available) {
		d.Rejection = reject(InsufficientBalance, "%s available %s, reserved %s, need %s",
			funding, available.StringFixed(2), b.reserved[funding].StringFixed(2), need.StringFixed(2))
		return d
	}

	// 5. exposure on this instrument.
	if limit := b.cfg.MaxOpenPositionsPerInstrument; limit > 0 {
		open := openExposure(b.acct, in.Symbol) + b.admitted[in.Symbol]
		if open >= limit {
			d.Rejection = reject(PositionLimitExceeded, "%s has %d open orders/positions, max %d", in.Symbol, open, limit)
			return d
		}
	}

	// 6. size the order, rounding quantity down to the lot.
	order, rej := b.size(intent, in, notional, basePx, quotePx)
	if rej != nil {
		d.Rejection = rej
		return d
	}

	b.reserved[funding] = b.reserved[funding].Add(need)
	b.admitted[in.Symbol]++
	d.Order = &order
	return d
}

// validate resolves the instrument and rejects intents with missing or
// malformed fields.
func (b *book) validate(intent TradeIntent) (market.Instrument, *Rejection) {
	if len(intent.Defects) > 0 {
		return market.Instrument{}, reject(AmbiguousIntent, "malformed %s", strings.Join(intent.Defects, ", "))
	}
	if intent.Instrument == "" {
		return market.Instrument{}, reject(AmbiguousIntent, "missing instrument")
	}
	in, ok := b.cfg.Instruments.Lookup(intent.Instrument)
	if !ok {
		return market.Instrument{}, reject(AmbiguousIntent, "unknown instrument %q", intent.Instrument)
	}
	if !intent.Side.Valid() {
		return in, reject(AmbiguousIntent, "invalid side %q", intent.Side)
	}
	if !intent.Confidence.Valid() {
		return in, reject(AmbiguousIntent, "invalid confidence %q", intent.Confidence)
	}
	if intent.Timestamp.IsZero() {
		return in, reject(AmbiguousIntent, "missing timestamp")
	}
	if intent.SizeHint.IsNegative() || intent.NotionalHint.IsNegative() || intent.PriceHint.IsNegative() {
		return in, reject(AmbiguousIntent, "negative size, notional or price hint")
	}
	if _, ok := b.acct.PriceOf(in.Base); !ok {
		return in, reject(AmbiguousIntent, "no snapshot price for %s", in.Base)
	}
	if _, ok := b.acct.PriceOf(in.Quote); !ok {
		return in, reject(AmbiguousIntent, "no snapshot price for %s", in.Quote)
	}
	return in, nil
}

func (b *book) size(intent TradeIntent, in market.Instrument, notional, basePx, quotePx decimal.Decimal) (AdmissibleOrder, *Rejection) {
	order := AdmissibleOrder{
		Instrument:     in.Symbol,
		Side:           intent.Side,
		OrderType:      broker.Market,
		MaxNotional:    notional,
		IdempotencyKey: IdempotencyKey(intent, b.cycleTime),
		CycleTime:      b.cycleTime,
	}

	// Size against the higher of market and limit so quantity x price can
	// never exceed the notional wherever the order fills.
	sizingPx := basePx
	if intent.PriceHint.IsPositive() {
		order.OrderType = broker.Limit
		order.LimitPrice = in.RoundPrice(intent.PriceHint, intent.Side)
		if !order.LimitPrice.IsPositive() {
			return AdmissibleOrder{}, reject(BelowMinimum, "limit price %s rounds to zero", intent.PriceHint)
		}
		if limitPx := order.LimitPrice.Mul(quotePx); limitPx.GreaterThan(sizingPx) {
			sizingPx = limitPx
		}
	}

	order.Quantity = in.RoundQuantity(notional.Div(sizingPx))
	if !order.Quantity.IsPositive() {
		return AdmissibleOrder{}, reject(BelowMinimum, "quantity rounds to zero at lot size %s", in.LotSize)
	}
	if value := order.Quantity.Mul(sizingPx); value.LessThan(b.cfg.MinNotional) {
		return AdmissibleOrder{}, reject(BelowMinimum, "lot-rounded notional %s below minimum %s",
			value.StringFixed(2), b.cfg.MinNotional)
	}
	return order, nil
}
