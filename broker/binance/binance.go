// Package binance is the Binance spot venue. Orders are placed with the
// idempotency key as newClientOrderId and looked up by it.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	bn "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const testnetURL = "https://testnet.binance.vision"

// Config holds connection settings. BaseURL overrides the endpoint chosen
// by Testnet.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string
	Quote     string
	Timeout   time.Duration
	Registry  market.Registry
}

// Venue implements broker.Venue against the Binance spot REST API.
type Venue struct {
	client   *bn.Client
	quote    string
	registry market.Registry
	bySymbol map[string]market.Instrument // exchange symbol -> instrument
	log      logrus.FieldLogger
}

func New(cfg Config, log logrus.FieldLogger) *Venue {
	client := bn.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Testnet:
		client.BaseURL = testnetURL
	}
	if cfg.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = market.DefaultRegistry()
	}
	bySymbol := make(map[string]market.Instrument, len(registry))
	for _, in := range registry {
		bySymbol[exchangeSymbol(in)] = in
	}

	return &Venue{
		client:   client,
		quote:    cfg.Quote,
		registry: registry,
		bySymbol: bySymbol,
		log:      logger.OrStandard(log).WithField("venue", "binance"),
	}
}

func exchangeSymbol(in market.Instrument) string { return in.Base + in.Quote }

func (v *Venue) GetAccount(ctx context.Context) (broker.AccountState, error) {
	acct, err := v.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return broker.AccountState{}, classify(err, false)
	}
	tickers, err := v.client.NewListPricesService().Do(ctx)
	if err != nil {
		return broker.AccountState{}, classify(err, false)
	}
	open, err := v.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return broker.AccountState{}, classify(err, false)
	}

	state := broker.AccountState{
		AsOf:     time.Now().UTC(),
		Quote:    v.quote,
		Balances: make(map[string]broker.Balance, len(acct.Balances)),
		Prices:   make(map[string]decimal.Decimal),
	}
	for _, b := range acct.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err := errors.Join(err1, err2); err != nil {
			return broker.AccountState{}, fmt.Errorf("%w: balance %s: %v", broker.ErrMalformed, b.Asset, err)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		state.Balances[b.Asset] = broker.Balance{Available: free, Frozen: locked}
	}

	assets := lo.Uniq(append(lo.Keys(state.Balances), lo.FlatMap(lo.Values(v.registry), func(in market.Instrument, _ int) []string {
		return []string{in.Base, in.Quote}
	})...))
	quoted := make(map[string]string, len(tickers))
	for _, t := range tickers {
		quoted[t.Symbol] = t.Price
	}
	for _, asset := range assets {
		if asset == v.quote {
			continue
		}
		raw, ok := quoted[asset+v.quote]
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return broker.AccountState{}, fmt.Errorf("%w: price %s: %v", broker.ErrMalformed, asset, err)
		}
		state.Prices[asset] = p
	}

	for _, o := range open {
		oo, err := v.openOrder(o)
		if err != nil {
			return broker.AccountState{}, err
		}
		state.OpenOrders = append(state.OpenOrders, oo)
	}
	return state, nil
}

func (v *Venue) openOrder(o *bn.Order) (broker.OpenOrder, error) {
	in, ok := v.bySymbol[o.Symbol]
	symbol := o.Symbol
	if ok {
		symbol = in.Symbol
	}
	size, err := parseOptional(o.OrigQuantity)
	if err != nil {
		return broker.OpenOrder{}, err
	}
	price, err := parseOptional(o.Price)
	if err != nil {
		return broker.OpenOrder{}, err
	}
	return broker.OpenOrder{
		OrderID:       fmt.Sprint(o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Instrument:    symbol,
		Side:          market.Side(strings.ToLower(string(o.Side))),
		Size:          size,
		Price:         price,
		Status:        mapState(o.Status),
	}, nil
}

func (v *Venue) SubmitOrder(ctx context.Context, req broker.OrderRequest, key string) (broker.SubmissionAck, error) {
	in, ok := v.registry.Lookup(req.Instrument)
	if !ok {
		return broker.SubmissionAck{}, &broker.Rejection{Code: "UNKNOWN_INSTRUMENT", Reason: req.Instrument}
	}

	svc := v.client.NewCreateOrderService().
		Symbol(exchangeSymbol(in)).
		Side(lo.Ternary(req.Side == market.Buy, bn.SideTypeBuy, bn.SideTypeSell)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(key).
		NewOrderRespType(bn.NewOrderRespTypeFULL)
	if req.Type == broker.Limit {
		svc = svc.Type(bn.OrderTypeLimit).TimeInForce(bn.TimeInForceTypeGTC).Price(req.LimitPrice.String())
	} else {
		svc = svc.Type(bn.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		err = classify(err, true)
		v.log.WithError(err).WithFields(logrus.Fields{"key": key, "instrument": in.Symbol}).Warn("submit failed")
		return broker.SubmissionAck{}, err
	}

	status, err := submissionStatus(resp, in.Symbol)
	if err != nil {
		return broker.SubmissionAck{}, err
	}
	return broker.SubmissionAck{ExchangeOrderID: status.ExchangeOrderID, Status: status}, nil
}

func (v *Venue) GetOrderStatus(ctx context.Context, instrument, key string) (broker.OrderStatus, error) {
	in, ok := v.registry.Lookup(instrument)
	if !ok {
		return broker.OrderStatus{}, fmt.Errorf("binance: %s: %w", instrument, broker.ErrOrderNotFound)
	}
	o, err := v.client.NewGetOrderService().Symbol(exchangeSymbol(in)).OrigClientOrderID(key).Do(ctx)
	if err != nil {
		return broker.OrderStatus{}, classify(err, false)
	}
	status, err := orderStatus(in.Symbol, o.OrderID, o.ClientOrderID, o.Status, o.ExecutedQuantity, o.CummulativeQuoteQuantity)
	if err != nil || !status.FilledQuantity.IsPositive() {
		return status, err
	}

	// The order query carries no commission; it is on the order's trades.
	trades, err := v.client.NewListTradesService().Symbol(exchangeSymbol(in)).OrderId(o.OrderID).Do(ctx)
	if err != nil {
		return broker.OrderStatus{}, classify(err, false)
	}
	for _, t := range trades {
		if err := addFee(&status, t.Commission, t.CommissionAsset); err != nil {
			return broker.OrderStatus{}, err
		}
	}
	return status, nil
}

func submissionStatus(resp *bn.CreateOrderResponse, symbol string) (broker.OrderStatus, error) {
	status, err := orderStatus(symbol, resp.OrderID, resp.ClientOrderID, resp.Status, resp.ExecutedQuantity, resp.CummulativeQuoteQuantity)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	for _, f := range resp.Fills {
		if err := addFee(&status, f.Commission, f.CommissionAsset); err != nil {
			return broker.OrderStatus{}, err
		}
	}
	return status, nil
}

// addFee adds one fill's commission to st. The first asset seen names the
// fee currency.
func addFee(st *broker.OrderStatus, commission, asset string) error {
	fee, err := decimal.NewFromString(commission)
	if err != nil {
		return fmt.Errorf("%w: commission %q", broker.ErrMalformed, commission)
	}
	st.Fee = st.Fee.Add(fee)
	if st.FeeCurrency == "" {
		st.FeeCurrency = asset
	}
	return nil
}

func orderStatus(symbol string, orderID int64, clientID string, state bn.OrderStatusType, executed, cumQuote string) (broker.OrderStatus, error) {
	filled, err := parseOptional(executed)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	quote, err := parseOptional(cumQuote)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	st := broker.OrderStatus{
		ExchangeOrderID: fmt.Sprint(orderID),
		ClientOrderID:   clientID,
		Instrument:      symbol,
		State:           mapState(state),
		FilledQuantity:  filled,
	}
	if filled.IsPositive() {
		st.AvgFillPrice = quote.Div(filled)
	}
	if st.State == broker.OrderRejected || st.State == broker.OrderExpired {
		st.Reason = string(state)
	}
	return st, nil
}

func parseOptional(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: number %q", broker.ErrMalformed, s)
	}
	return d, nil
}

func mapState(s bn.OrderStatusType) broker.OrderState {
	switch s {
	case bn.OrderStatusTypeFilled:
		return broker.OrderFilled
	case bn.OrderStatusTypePartiallyFilled:
		return broker.OrderPartiallyFilled
	case bn.OrderStatusTypeCanceled, bn.OrderStatusTypePendingCancel:
		return broker.OrderCanceled
	case bn.OrderStatusTypeRejected:
		return broker.OrderRejected
	case bn.OrderStatusTypeExpired:
		return broker.OrderExpired
	default:
		return broker.OrderNew
	}
}

// Binance error codes the venue distinguishes.
const (
	codeUnknown          = -1000
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeBackendTimeout   = -1007
	codeTooManyOrders    = -1015
	codeTimestamp        = -1021
	codeBadSignature     = -1022
	codeOrderRejected    = -2010
	codeNoSuchOrder      = -2013
	codeBadAPIKeyFormat  = -2014
	codeRejectedAPIKey   = -2015
	duplicateOrderPrefix = "duplicate order"
)

// classify maps client errors onto the broker sentinels. write is true for
// requests that may have taken effect, where an unknown outcome must not be
// reported as transient.
func classify(err error, write bool) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return classifyAPI(apiErr, write)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("binance: %w: %v", broker.ErrTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("binance: %w: %v", broker.ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("binance: %w: %v", broker.ErrTimeout, err)
	}
	if write {
		return fmt.Errorf("binance: %w: %v", broker.ErrTimeout, err)
	}
	return fmt.Errorf("binance: %w: %v", broker.ErrTransient, err)
}

func classifyAPI(e *common.APIError, write bool) error {
	switch e.Code {
	case codeTooManyRequests, codeTooManyOrders, codeTimestamp:
		return fmt.Errorf("binance %d: %w: %s", e.Code, broker.ErrTransient, e.Message)
	case codeBadSignature, codeBadAPIKeyFormat, codeRejectedAPIKey:
		return fmt.Errorf("binance %d: %w: %s", e.Code, broker.ErrAuth, e.Message)
	case codeNoSuchOrder:
		return fmt.Errorf("binance %d: %w", e.Code, broker.ErrOrderNotFound)
	case 0, codeUnknown, codeDisconnected, codeBackendTimeout:
		// Non-JSON error bodies decode to code 0.
		if write {
			return fmt.Errorf("binance %d: %w: %s", e.Code, broker.ErrTimeout, e.Message)
		}
		return fmt.Errorf("binance %d: %w: %s", e.Code, broker.ErrTransient, e.Message)
	}
	if e.Code == codeOrderRejected && strings.HasPrefix(strings.ToLower(e.Message), duplicateOrderPrefix) {
		return fmt.Errorf("binance %d: %w", e.Code, broker.ErrDuplicateKey)
	}
	if write {
		return &broker.Rejection{Code: fmt.Sprint(e.Code), Reason: e.Message}
	}
	return fmt.Errorf("binance %d: %w: %s", e.Code, broker.ErrMalformed, e.Message)
}
