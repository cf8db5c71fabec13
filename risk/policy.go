package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/shopspring/decimal"
)

// Config holds the risk limits for a cycle. It is built once at startup
// and passed by value; nothing in this package keeps global state.
type Config struct {
	// Fraction of total equity a single order may commit. 0.01-0.05 in
	// production.
	MaxFractionPerTrade decimal.Decimal `json:"max_fraction_per_trade" yaml:"max_fraction_per_trade"`
	// Smallest order the venue accepts, in the account's quote currency.
	MinNotional decimal.Decimal `json:"min_notional" yaml:"min_notional"`
	// Open orders plus open positions allowed per instrument. 0 disables
	// the check.
	MaxOpenPositionsPerInstrument int `json:"max_open_positions_per_instrument" yaml:"max_open_positions_per_instrument"`
	// Extra funding required on top of notional to cover fees.
	FeeBufferFraction decimal.Decimal `json:"fee_buffer_fraction" yaml:"fee_buffer_fraction"`

	Instruments market.Registry `json:"-" yaml:"-"`
}

// Validate reports configuration errors. Callers treat these as fatal at
// startup.
func (c Config) Validate() error {
	var errs []error
	one := decimal.NewFromInt(1)
	if c.MaxFractionPerTrade.Sign() <= 0 || c.MaxFractionPerTrade.GreaterThan(one) {
		errs = append(errs, fmt.Errorf("max_fraction_per_trade must be in (0, 1], got %s", c.MaxFractionPerTrade))
	}
	if c.MinNotional.IsNegative() {
		errs = append(errs, fmt.Errorf("min_notional must not be negative, got %s", c.MinNotional))
	}
	if c.MaxOpenPositionsPerInstrument < 0 {
		errs = append(errs, fmt.Errorf("max_open_positions_per_instrument must not be negative, got %d", c.MaxOpenPositionsPerInstrument))
	}
	if c.FeeBufferFraction.IsNegative() || c.FeeBufferFraction.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Errorf("fee_buffer_fraction must be in [0, 1), got %s", c.FeeBufferFraction))
	}
	if len(c.Instruments) == 0 {
		errs = append(errs, errors.New("no instruments configured"))
	}
	for sym, in := range c.Instruments {
		if in.LotSize.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("instrument %s: lot_size must be positive", sym))
		}
	}
	return errors.Join(errs...)
}

// Confidence is the signal producer's conviction in an intent.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// Rank orders confidences; unknown values rank 0.
func (c Confidence) Rank() int {
	switch c {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	}
	return 0
}

func (c Confidence) Valid() bool { return c.Rank() > 0 }

// TradeIntent is a proposed action from the signal producer. It is
// consumed once per cycle and never mutated.
type TradeIntent struct {
	Instrument string      `json:"instrument"`
	Side       market.Side `json:"side"`
	// SizeHint is a base-asset quantity.
	SizeHint decimal.Decimal `json:"size_hint"`
	// NotionalHint is in the account's quote currency. It wins over
	// SizeHint when both are set.
	NotionalHint decimal.Decimal `json:"notional_hint"`
	// PriceHint, when set, makes the order a limit at this price (in the
	// instrument's quote asset).
	PriceHint  decimal.Decimal `json:"price_hint"`
	Rationale  string          `json:"rationale"`
	Confidence Confidence      `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
	// Defects lists fields the signal input could not parse. Any defect
	// makes the intent ambiguous.
	Defects []string `json:"defects,omitempty"`
}

// AdmissibleOrder is an intent reduced to an order the executor may place.
type AdmissibleOrder struct {
	Instrument string           `json:"instrument"`
	Side       market.Side      `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	OrderType  broker.OrderType `json:"order_type"`
	LimitPrice decimal.Decimal  `json:"limit_price,omitempty"`
	// MaxNotional bounds quantity x price in the account quote currency.
	MaxNotional    decimal.Decimal `json:"max_notional"`
	IdempotencyKey string          `json:"idempotency_key"`
	CycleTime      time.Time       `json:"cycle_time"`
}

// Request converts the order to the venue boundary type.
func (o AdmissibleOrder) Request() broker.OrderRequest {
	return broker.OrderRequest{
		Instrument: o.Instrument,
		Side:       o.Side,
		Type:       o.OrderType,
		Quantity:   o.Quantity,
		LimitPrice: o.LimitPrice,
	}
}
