package okx

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config holds connection settings. Simulated routes orders to the OKX
// demo-trading environment.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Simulated  bool
	BaseURL    string
	Quote      string
	Timeout    time.Duration
	Registry   market.Registry
}

// Venue implements broker.Venue against the OKX v5 REST API. OKX
// instrument ids already use the BASE-QUOTE form.
type Venue struct {
	c        *client
	quote    string
	registry market.Registry
	log      logrus.FieldLogger
}

func New(cfg Config, log logrus.FieldLogger) *Venue {
	registry := cfg.Registry
	if registry == nil {
		registry = market.DefaultRegistry()
	}
	return &Venue{
		c:        newClient(cfg.BaseURL, cfg.APIKey, cfg.APISecret, cfg.Passphrase, cfg.Simulated, cfg.Timeout),
		quote:    cfg.Quote,
		registry: registry,
		log:      logger.OrStandard(log).WithField("venue", "okx"),
	}
}

type balanceData struct {
	Details []struct {
		Ccy       string `json:"ccy"`
		AvailBal  string `json:"availBal"`
		FrozenBal string `json:"frozenBal"`
	} `json:"details"`
}

type tickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

type orderData struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Side      string `json:"side"`
	Sz        string `json:"sz"`
	Px        string `json:"px"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
}

func (v *Venue) GetAccount(ctx context.Context) (broker.AccountState, error) {
	var balances []balanceData
	if err := v.c.do(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil, &balances, false); err != nil {
		return broker.AccountState{}, err
	}
	var tickers []tickerData
	if err := v.c.do(ctx, http.MethodGet, "/api/v5/market/tickers", url.Values{"instType": {"SPOT"}}, nil, &tickers, false); err != nil {
		return broker.AccountState{}, err
	}
	var pending []orderData
	if err := v.c.do(ctx, http.MethodGet, "/api/v5/trade/orders-pending", url.Values{"instType": {"SPOT"}}, nil, &pending, false); err != nil {
		return broker.AccountState{}, err
	}

	state := broker.AccountState{
		AsOf:     time.Now().UTC(),
		Quote:    v.quote,
		Balances: make(map[string]broker.Balance),
		Prices:   make(map[string]decimal.Decimal),
	}
	for _, b := range balances {
		for _, d := range b.Details {
			avail, err := number(d.AvailBal)
			if err != nil {
				return broker.AccountState{}, err
			}
			frozen, err := number(d.FrozenBal)
			if err != nil {
				return broker.AccountState{}, err
			}
			if avail.IsZero() && frozen.IsZero() {
				continue
			}
			state.Balances[d.Ccy] = broker.Balance{Available: avail, Frozen: frozen}
		}
	}

	suffix := "-" + v.quote
	for _, t := range tickers {
		asset, ok := strings.CutSuffix(t.InstID, suffix)
		if !ok || strings.Contains(asset, "-") {
			continue
		}
		p, err := number(t.Last)
		if err != nil {
			return broker.AccountState{}, err
		}
		if p.IsPositive() {
			state.Prices[asset] = p
		}
	}

	for _, o := range pending {
		size, err := number(o.Sz)
		if err != nil {
			return broker.AccountState{}, err
		}
		price, err := number(o.Px)
		if err != nil {
			return broker.AccountState{}, err
		}
		state.OpenOrders = append(state.OpenOrders, broker.OpenOrder{
			OrderID:       o.OrdID,
			ClientOrderID: o.ClOrdID,
			Instrument:    o.InstID,
			Side:          market.Side(o.Side),
			Size:          size,
			Price:         price,
			Status:        mapState(o.State),
		})
	}
	return state, nil
}

type placeOrder struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	ClOrdID string `json:"clOrdId"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	TgtCcy  string `json:"tgtCcy,omitempty"`
}

func (v *Venue) SubmitOrder(ctx context.Context, req broker.OrderRequest, key string) (broker.SubmissionAck, error) {
	in, ok := v.registry.Lookup(req.Instrument)
	if !ok {
		return broker.SubmissionAck{}, &broker.Rejection{Code: "UNKNOWN_INSTRUMENT", Reason: req.Instrument}
	}

	body := placeOrder{
		InstID:  in.Symbol,
		TdMode:  "cash",
		ClOrdID: key,
		Side:    string(req.Side),
		OrdType: "market",
		Sz:      req.Quantity.String(),
	}
	if req.Type == broker.Limit {
		body.OrdType = "limit"
		body.Px = req.LimitPrice.String()
	} else if req.Side == market.Buy {
		// Market buys are sized in quote currency unless told otherwise.
		body.TgtCcy = "base_ccy"
	}

	var acks []orderAck
	if err := v.c.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &acks, true); err != nil {
		v.log.WithError(err).WithFields(logrus.Fields{"key": key, "instrument": in.Symbol}).Warn("submit failed")
		return broker.SubmissionAck{}, err
	}
	if len(acks) == 0 {
		return broker.SubmissionAck{}, errors.Wrap(broker.ErrMalformed, "okx: empty order ack")
	}

	// The ack carries no fill information; the order is live until looked up.
	return broker.SubmissionAck{
		ExchangeOrderID: acks[0].OrdID,
		Status: broker.OrderStatus{
			ExchangeOrderID: acks[0].OrdID,
			ClientOrderID:   key,
			Instrument:      in.Symbol,
			State:           broker.OrderNew,
		},
	}, nil
}

func (v *Venue) GetOrderStatus(ctx context.Context, instrument, key string) (broker.OrderStatus, error) {
	q := url.Values{"instId": {market.Normalize(instrument)}, "clOrdId": {key}}
	var orders []orderData
	if err := v.c.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, &orders, false); err != nil {
		return broker.OrderStatus{}, err
	}
	if len(orders) == 0 {
		return broker.OrderStatus{}, errors.Wrapf(broker.ErrOrderNotFound, "okx: %s", key)
	}
	return orderStatus(orders[0])
}

func orderStatus(o orderData) (broker.OrderStatus, error) {
	filled, err := number(o.AccFillSz)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	avg, err := number(o.AvgPx)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	fee, err := number(o.Fee)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	st := broker.OrderStatus{
		ExchangeOrderID: o.OrdID,
		ClientOrderID:   o.ClOrdID,
		Instrument:      o.InstID,
		State:           mapState(o.State),
		FilledQuantity:  filled,
		AvgFillPrice:    avg,
		Fee:             fee.Abs(), // charged fees are negative
		FeeCurrency:     o.FeeCcy,
	}
	if st.State == broker.OrderCanceled {
		st.Reason = o.State
	}
	return st, nil
}

func mapState(s string) broker.OrderState {
	switch s {
	case "filled":
		return broker.OrderFilled
	case "partially_filled":
		return broker.OrderPartiallyFilled
	case "canceled", "mmp_canceled":
		return broker.OrderCanceled
	default:
		return broker.OrderNew
	}
}

func number(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(broker.ErrMalformed, "okx: number %q", s)
	}
	return d, nil
}
