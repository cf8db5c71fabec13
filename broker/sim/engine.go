package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/id"
	"github.com/shopspring/decimal"
)

// Engine is an in-process spot exchange. It implements broker.Venue and is
// used for paper trading and as the venue in tests. Orders fill against
// prices set with SetPrice; fees are charged in the quote asset.
type Engine struct {
	mu       sync.Mutex
	quote    string
	balances map[string]broker.Balance
	prices   map[string]decimal.Decimal
	registry market.Registry
	orders   map[string]*order // by client order id
	feeRate  decimal.Decimal
	now      func() time.Time
	faults   faults

	submissions int
}

type order struct {
	req          broker.OrderRequest
	status       broker.OrderStatus
	frozenAsset  string
	frozen       decimal.Decimal
	pendingPolls int
}

type faults struct {
	accountErrs []error
	submitErrs  []error
	timeoutNext int
	holdPolls   int
	statusErrs  []error
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeeRate sets the taker fee charged on every fill.
func WithFeeRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.feeRate = rate }
}

// WithRegistry sets the instruments the engine accepts.
func WithRegistry(r market.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(quote string, balances map[string]decimal.Decimal, opts ...Option) *Engine {
	e := &Engine{
		quote:    quote,
		balances: make(map[string]broker.Balance, len(balances)),
		prices:   make(map[string]decimal.Decimal),
		registry: market.DefaultRegistry(),
		orders:   make(map[string]*order),
		feeRate:  decimal.Zero,
		now:      time.Now,
	}
	for asset, amt := range balances {
		e.balances[asset] = broker.Balance{Available: amt}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPrice sets the price of asset in the quote currency and matches any
// resting limit orders the new price crosses.
func (e *Engine) SetPrice(asset string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[asset] = price
	e.matchLocked()
}

// Balance returns the current holding of asset.
func (e *Engine) Balance(asset string) broker.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset]
}

// Submissions is the number of orders the engine has accepted.
func (e *Engine) Submissions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submissions
}

// FailAccount makes the next GetAccount calls return errs in order.
func (e *Engine) FailAccount(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults.accountErrs = append(e.faults.accountErrs, errs...)
}

// FailSubmit makes the next submissions return errs without placing the
// order.
func (e *Engine) FailSubmit(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults.submitErrs = append(e.faults.submitErrs, errs...)
}

// TimeoutSubmits makes the next n submissions place the order but report
// broker.ErrTimeout, as a dropped acknowledgement would.
func (e *Engine) TimeoutSubmits(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults.timeoutNext += n
}

// HoldFills keeps new orders in the "new" state for n status lookups.
func (e *Engine) HoldFills(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults.holdPolls = n
}

// FailStatus makes the next GetOrderStatus calls return errs.
func (e *Engine) FailStatus(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults.statusErrs = append(e.faults.statusErrs, errs...)
}

func (e *Engine) GetAccount(ctx context.Context) (broker.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return broker.AccountState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.faults.accountErrs) > 0 {
		err := e.faults.accountErrs[0]
		e.faults.accountErrs = e.faults.accountErrs[1:]
		return broker.AccountState{}, err
	}

	acct := broker.AccountState{
		AsOf:     e.now().UTC(),
		Quote:    e.quote,
		Balances: make(map[string]broker.Balance, len(e.balances)),
		Prices:   make(map[string]decimal.Decimal, len(e.prices)),
	}
	for k, v := range e.balances {
		acct.Balances[k] = v
	}
	for k, v := range e.prices {
		acct.Prices[k] = v
	}
	for cid, o := range e.orders {
		if o.status.State.Terminal() {
			continue
		}
		acct.OpenOrders = append(acct.OpenOrders, broker.OpenOrder{
			OrderID:       o.status.ExchangeOrderID,
			ClientOrderID: cid,
			Instrument:    o.req.Instrument,
			Side:          o.req.Side,
			Size:          o.req.Quantity,
			Price:         o.req.LimitPrice,
			Status:        o.status.State,
		})
	}
	return acct, nil
}

func (e *Engine) SubmitOrder(ctx context.Context, req broker.OrderRequest, key string) (broker.SubmissionAck, error) {
	if err := ctx.Err(); err != nil {
		return broker.SubmissionAck{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.faults.submitErrs) > 0 {
		err := e.faults.submitErrs[0]
		e.faults.submitErrs = e.faults.submitErrs[1:]
		return broker.SubmissionAck{}, err
	}

	if _, dup := e.orders[key]; dup {
		return broker.SubmissionAck{}, fmt.Errorf("sim: submit %s: %w", key, broker.ErrDuplicateKey)
	}

	in, ok := e.registry.Lookup(req.Instrument)
	if !ok {
		return broker.SubmissionAck{}, &broker.Rejection{Code: "UNKNOWN_SYMBOL", Reason: req.Instrument}
	}
	if req.Quantity.Sign() <= 0 {
		return broker.SubmissionAck{}, &broker.Rejection{Code: "INVALID_QUANTITY", Reason: req.Quantity.String()}
	}
	px, ok := e.instrumentPriceLocked(in)
	if !ok {
		return broker.SubmissionAck{}, &broker.Rejection{Code: "NO_PRICE", Reason: req.Instrument}
	}

	// Funds are frozen against the worst price the order can execute at.
	limit := px
	if req.Type == broker.Limit {
		limit = req.LimitPrice
	}
	asset := in.FundingAsset(req.Side)
	need := req.Quantity
	if req.Side == market.Buy {
		need = req.Quantity.Mul(limit)
		need = need.Add(need.Mul(e.feeRate))
	}
	bal := e.balances[asset]
	if bal.Available.LessThan(need) {
		return broker.SubmissionAck{}, &broker.Rejection{
			Code:   "INSUFFICIENT_BALANCE",
			Reason: fmt.Sprintf("%s available %s < required %s", asset, bal.Available, need),
		}
	}
	bal.Available = bal.Available.Sub(need)
	bal.Frozen = bal.Frozen.Add(need)
	e.balances[asset] = bal

	oid := id.New()
	o := &order{
		req:         req,
		frozenAsset: asset,
		frozen:      need,
		status: broker.OrderStatus{
			ExchangeOrderID: oid,
			ClientOrderID:   key,
			Instrument:      in.Symbol,
			State:           broker.OrderNew,
			FilledQuantity:  decimal.Zero,
			AvgFillPrice:    decimal.Zero,
			Fee:             decimal.Zero,
			FeeCurrency:     in.Quote,
		},
		pendingPolls: e.faults.holdPolls,
	}
	e.orders[key] = o
	e.submissions++

	if o.pendingPolls == 0 {
		e.tryFillLocked(o, in)
	}

	if e.faults.timeoutNext > 0 {
		e.faults.timeoutNext--
		return broker.SubmissionAck{}, fmt.Errorf("sim: submit %s: %w", key, broker.ErrTimeout)
	}
	return broker.SubmissionAck{ExchangeOrderID: oid, Status: o.status}, nil
}

func (e *Engine) GetOrderStatus(ctx context.Context, instrument, key string) (broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.faults.statusErrs) > 0 {
		err := e.faults.statusErrs[0]
		e.faults.statusErrs = e.faults.statusErrs[1:]
		return broker.OrderStatus{}, err
	}

	o, ok := e.orders[key]
	if !ok || market.Normalize(o.req.Instrument) != market.Normalize(instrument) {
		return broker.OrderStatus{}, broker.ErrOrderNotFound
	}
	if o.pendingPolls > 0 {
		o.pendingPolls--
		if o.pendingPolls == 0 {
			if in, ok := e.registry.Lookup(o.req.Instrument); ok {
				e.tryFillLocked(o, in)
			}
		}
	}
	return o.status, nil
}

// Cancel cancels a resting order and releases its frozen funds.
func (e *Engine) Cancel(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[key]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if o.status.State.Terminal() {
		return nil
	}
	e.releaseLocked(o)
	o.status.State = broker.OrderCanceled
	return nil
}

func (e *Engine) instrumentPriceLocked(in market.Instrument) (decimal.Decimal, bool) {
	base, ok := e.assetPriceLocked(in.Base)
	if !ok {
		return decimal.Zero, false
	}
	quote, ok := e.assetPriceLocked(in.Quote)
	if !ok {
		return decimal.Zero, false
	}
	return base.Div(quote), true
}

func (e *Engine) assetPriceLocked(asset string) (decimal.Decimal, bool) {
	if asset == e.quote {
		return decimal.NewFromInt(1), true
	}
	p, ok := e.prices[asset]
	return p, ok && p.Sign() > 0
}

func (e *Engine) matchLocked() {
	for _, o := range e.orders {
		if o.status.State.Terminal() || o.pendingPolls > 0 {
			continue
		}
		if in, ok := e.registry.Lookup(o.req.Instrument); ok {
			e.tryFillLocked(o, in)
		}
	}
}

// tryFillLocked fills o in full at the current price when the price is at
// or through the limit.
func (e *Engine) tryFillLocked(o *order, in market.Instrument) {
	if o.status.State.Terminal() {
		return
	}
	px, ok := e.instrumentPriceLocked(in)
	if !ok {
		return
	}
	if o.req.Type == broker.Limit {
		if o.req.Side == market.Buy && px.GreaterThan(o.req.LimitPrice) {
			return
		}
		if o.req.Side == market.Sell && px.LessThan(o.req.LimitPrice) {
			return
		}
	}

	qty := o.req.Quantity
	cost := qty.Mul(px)
	fee := cost.Mul(e.feeRate)

	e.releaseLocked(o)

	base := e.balances[in.Base]
	quote := e.balances[in.Quote]
	if o.req.Side == market.Buy {
		quote.Available = quote.Available.Sub(cost.Add(fee))
		base.Available = base.Available.Add(qty)
	} else {
		base.Available = base.Available.Sub(qty)
		quote.Available = quote.Available.Add(cost.Sub(fee))
	}
	e.balances[in.Base] = base
	e.balances[in.Quote] = quote

	o.status.State = broker.OrderFilled
	o.status.FilledQuantity = qty
	o.status.AvgFillPrice = px
	o.status.Fee = fee
}

func (e *Engine) releaseLocked(o *order) {
	if o.frozen.IsZero() {
		return
	}
	bal := e.balances[o.frozenAsset]
	bal.Frozen = bal.Frozen.Sub(o.frozen)
	bal.Available = bal.Available.Add(o.frozen)
	e.balances[o.frozenAsset] = bal
	o.frozen = decimal.Zero
}
