package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	bn "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAPI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		code  int64
		msg   string
		write bool
		want  error
	}{
		{"rate limit", codeTooManyRequests, "Too many requests", true, broker.ErrTransient},
		{"clock skew", codeTimestamp, "Timestamp outside recvWindow", false, broker.ErrTransient},
		{"bad key", codeRejectedAPIKey, "Invalid API-key", false, broker.ErrAuth},
		{"bad signature", codeBadSignature, "Signature invalid", true, broker.ErrAuth},
		{"no such order", codeNoSuchOrder, "Order does not exist.", false, broker.ErrOrderNotFound},
		{"backend timeout on submit", codeBackendTimeout, "Timeout waiting", true, broker.ErrTimeout},
		{"backend timeout on read", codeBackendTimeout, "Timeout waiting", false, broker.ErrTransient},
		{"duplicate", codeOrderRejected, "Duplicate order sent.", true, broker.ErrDuplicateKey},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify(&common.APIError{Code: tt.code, Message: tt.msg}, tt.write)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassifyRejection(t *testing.T) {
	t.Parallel()

	err := classify(&common.APIError{Code: codeOrderRejected, Message: "Account has insufficient balance for requested action."}, true)
	var rej *broker.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "-2010", rej.Code)

	err = classify(&common.APIError{Code: -1013, Message: "Filter failure: NOTIONAL"}, true)
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Reason, "NOTIONAL")
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, classify(context.DeadlineExceeded, false), broker.ErrTimeout)
	assert.ErrorIs(t, classify(assert.AnError, false), broker.ErrTransient)
	assert.ErrorIs(t, classify(assert.AnError, true), broker.ErrTimeout)
}

func TestMapState(t *testing.T) {
	t.Parallel()
	assert.Equal(t, broker.OrderNew, mapState(bn.OrderStatusTypeNew))
	assert.Equal(t, broker.OrderPartiallyFilled, mapState(bn.OrderStatusTypePartiallyFilled))
	assert.Equal(t, broker.OrderFilled, mapState(bn.OrderStatusTypeFilled))
	assert.Equal(t, broker.OrderCanceled, mapState(bn.OrderStatusTypeCanceled))
	assert.Equal(t, broker.OrderRejected, mapState(bn.OrderStatusTypeRejected))
	assert.Equal(t, broker.OrderExpired, mapState(bn.OrderStatusTypeExpired))
}

func TestSubmissionStatus(t *testing.T) {
	t.Parallel()

	st, err := submissionStatus(&bn.CreateOrderResponse{
		OrderID:                  42,
		ClientOrderID:            "k1",
		Status:                   bn.OrderStatusTypeFilled,
		ExecutedQuantity:         "0.08",
		CummulativeQuoteQuantity: "200",
		Fills: []*bn.Fill{
			{Price: "2500", Quantity: "0.05", Commission: "0.125", CommissionAsset: "USDT"},
			{Price: "2500", Quantity: "0.03", Commission: "0.075", CommissionAsset: "USDT"},
		},
	}, "ETH-USDT")
	require.NoError(t, err)
	assert.Equal(t, "42", st.ExchangeOrderID)
	assert.Equal(t, broker.OrderFilled, st.State)
	assert.True(t, st.AvgFillPrice.Equal(decimal.NewFromInt(2500)))
	assert.True(t, st.Fee.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, "USDT", st.FeeCurrency)

	_, err = submissionStatus(&bn.CreateOrderResponse{ExecutedQuantity: "lots"}, "ETH-USDT")
	assert.ErrorIs(t, err, broker.ErrMalformed)
}

func fakeExchange(t *testing.T) *httptest.Server {
	t.Helper()
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, map[string]any{"balances": []map[string]string{
			{"asset": "USDT", "free": "900", "locked": "100"},
			{"asset": "ETH", "free": "0.5", "locked": "0"},
			{"asset": "XRP", "free": "0", "locked": "0"},
		}})
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, []map[string]string{
			{"symbol": "ETHUSDT", "price": "2500"},
			{"symbol": "BTCUSDT", "price": "60000"},
			{"symbol": "ETHBTC", "price": "0.0416"},
		})
	})
	mux.HandleFunc("/api/v3/openOrders", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, []map[string]any{{
			"symbol": "BTCUSDT", "orderId": 7, "clientOrderId": "abc", "price": "59000",
			"origQty": "0.001", "executedQty": "0", "status": "NEW", "side": "BUY", "type": "LIMIT",
		}})
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("origClientOrderId") != "k-filled" {
			write(w, http.StatusBadRequest, map[string]any{"code": codeNoSuchOrder, "msg": "Order does not exist."})
			return
		}
		write(w, http.StatusOK, map[string]any{
			"symbol": "ETHUSDT", "orderId": 42, "clientOrderId": "k-filled", "price": "0",
			"origQty": "0.08", "executedQty": "0.08", "cummulativeQuoteQty": "200",
			"status": "FILLED", "side": "BUY", "type": "MARKET",
		})
	})
	mux.HandleFunc("/api/v3/myTrades", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("orderId") != "42" {
			write(w, http.StatusOK, []any{})
			return
		}
		write(w, http.StatusOK, []map[string]any{
			{"symbol": "ETHUSDT", "id": 1, "orderId": 42, "price": "2500", "qty": "0.05", "quoteQty": "125", "commission": "0.00005", "commissionAsset": "ETH"},
			{"symbol": "ETHUSDT", "id": 2, "orderId": 42, "price": "2500", "qty": "0.03", "quoteQty": "75", "commission": "0.00003", "commissionAsset": "ETH"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAccount(t *testing.T) {
	t.Parallel()
	srv := fakeExchange(t)
	v := New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL, Quote: "USDT", Registry: market.DefaultRegistry()}, logger.Discard())

	acct, err := v.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USDT", acct.Quote)
	require.Len(t, acct.Balances, 2, "zero balances are dropped")
	assert.True(t, acct.Balances["USDT"].Frozen.Equal(decimal.NewFromInt(100)))
	assert.True(t, acct.Prices["ETH"].Equal(decimal.NewFromInt(2500)))
	assert.True(t, acct.Prices["BTC"].Equal(decimal.NewFromInt(60000)))
	require.Len(t, acct.OpenOrders, 1)
	assert.Equal(t, "BTC-USDT", acct.OpenOrders[0].Instrument)
	assert.Equal(t, market.Buy, acct.OpenOrders[0].Side)
	assert.Equal(t, broker.OrderNew, acct.OpenOrders[0].Status)
}

func TestGetOrderStatusNotFound(t *testing.T) {
	t.Parallel()
	srv := fakeExchange(t)
	v := New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL, Quote: "USDT"}, logger.Discard())

	_, err := v.GetOrderStatus(context.Background(), "ETH-USDT", "missing")
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)

	_, err = v.GetOrderStatus(context.Background(), "DOGE-USDT", "missing")
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)
}

func TestGetOrderStatusFilledCarriesFee(t *testing.T) {
	t.Parallel()
	srv := fakeExchange(t)
	v := New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL, Quote: "USDT"}, logger.Discard())

	st, err := v.GetOrderStatus(context.Background(), "ETH-USDT", "k-filled")
	require.NoError(t, err)
	assert.Equal(t, broker.OrderFilled, st.State)
	assert.Equal(t, "42", st.ExchangeOrderID)
	assert.True(t, st.FilledQuantity.Equal(decimal.RequireFromString("0.08")))
	assert.True(t, st.AvgFillPrice.Equal(decimal.NewFromInt(2500)))
	assert.True(t, st.Fee.Equal(decimal.RequireFromString("0.00008")), "fee %s", st.Fee)
	assert.Equal(t, "ETH", st.FeeCurrency)
}

func TestSubmitUnknownInstrument(t *testing.T) {
	t.Parallel()
	v := New(Config{Quote: "USDT"}, logger.Discard())
	_, err := v.SubmitOrder(context.Background(), broker.OrderRequest{Instrument: "DOGE-USDT", Side: market.Buy}, "k")
	var rej *broker.Rejection
	assert.ErrorAs(t, err, &rej)
}
