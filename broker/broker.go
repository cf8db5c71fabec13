package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/tradecycle/market"
	"github.com/shopspring/decimal"
)

// Venue is the exchange boundary. Implementations live in sub packages
// (sim, binance, okx).
type Venue interface {
	GetAccount(ctx context.Context) (AccountState, error)
	SubmitOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (SubmissionAck, error)
	// GetOrderStatus looks an order up by the client idempotency key. It
	// returns ErrOrderNotFound when the venue never accepted the order.
	GetOrderStatus(ctx context.Context, instrument, idempotencyKey string) (OrderStatus, error)
}

var (
	// ErrTransient marks a failure where the request provably did not take
	// effect (connection refused, 5xx before acceptance, rate limit). Safe
	// to retry.
	ErrTransient = errors.New("broker: transient venue error")
	// ErrTimeout marks a request whose outcome is unknown. Never retry a
	// submission on this error; look the order up instead.
	ErrTimeout = errors.New("broker: venue timeout")
	// ErrAuth marks rejected credentials.
	ErrAuth = errors.New("broker: authentication failed")
	// ErrMalformed marks a response that could not be decoded.
	ErrMalformed = errors.New("broker: malformed venue response")
	// ErrOrderNotFound is returned by GetOrderStatus for unknown keys.
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrDuplicateKey is returned by SubmitOrder when the venue already
	// holds an order with this client id.
	ErrDuplicateKey = errors.New("broker: duplicate client order id")
)

// Rejection is a venue policy refusal (minimum size, margin, filters).
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Code == "" {
		return "broker: order rejected: " + r.Reason
	}
	return fmt.Sprintf("broker: order rejected (%s): %s", r.Code, r.Reason)
}

// Balance is the holding of one asset.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// Total is available plus frozen.
func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Frozen) }

type Position struct {
	Instrument    string          `json:"instrument"`
	Size          decimal.Decimal `json:"size"` // signed, base units
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

type OpenOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Instrument    string          `json:"instrument"`
	Side          market.Side     `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderState      `json:"status"`
}

// AccountState is a point-in-time snapshot of exchange-held truth.
type AccountState struct {
	AsOf       time.Time          `json:"as_of"`
	Quote      string             `json:"quote"` // reference currency, e.g. USDT
	Balances   map[string]Balance `json:"balances"`
	Positions  []Position         `json:"positions"`
	OpenOrders []OpenOrder        `json:"open_orders"`
	// Prices maps asset -> price in Quote at AsOf. Quote itself is 1.
	Prices map[string]decimal.Decimal `json:"prices"`
}

// PriceOf returns the reference price of asset.
func (a AccountState) PriceOf(asset string) (decimal.Decimal, bool) {
	if asset == a.Quote {
		return decimal.NewFromInt(1), true
	}
	p, ok := a.Prices[asset]
	if !ok || p.Sign() <= 0 {
		return decimal.Zero, false
	}
	return p, true
}

// InstrumentPrice returns the price of in expressed in its own quote asset.
func (a AccountState) InstrumentPrice(in market.Instrument) (decimal.Decimal, bool) {
	base, ok := a.PriceOf(in.Base)
	if !ok {
		return decimal.Zero, false
	}
	quote, ok := a.PriceOf(in.Quote)
	if !ok {
		return decimal.Zero, false
	}
	return base.Div(quote), true
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest is what the executor asks the venue to place.
type OrderRequest struct {
	Instrument string          `json:"instrument"`
	Side       market.Side     `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"` // base units
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// OrderState is the venue-side lifecycle state of an order.
type OrderState string

const (
	OrderNew             OrderState = "new"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

type OrderStatus struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Instrument      string          `json:"instrument"`
	State           OrderState      `json:"state"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_currency,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

type SubmissionAck struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
}
