// Package okx is the OKX v5 spot venue over REST.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rustyeddy/tradecycle/broker"
)

const defaultBaseURL = "https://www.okx.com"

// client signs and sends v5 requests and unwraps the response envelope.
type client struct {
	http       *resty.Client
	key        string
	secret     []byte
	passphrase string
	simulated  bool
	now        func() time.Time
}

func newClient(baseURL, key, secret, passphrase string, simulated bool, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &client{
		http:       resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/")).SetTimeout(timeout),
		key:        key,
		secret:     []byte(secret),
		passphrase: passphrase,
		simulated:  simulated,
		now:        time.Now,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign returns base64(HMAC-SHA256(secret, ts+method+path+body)).
func (c *client) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do sends a signed request and decodes the envelope's data into out.
// write marks requests whose outcome is unknown on transport failure.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body any, out any, write bool) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return errors.Wrap(err, "okx: encode request")
		}
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("OK-ACCESS-KEY", c.key).
		SetHeader("OK-ACCESS-SIGN", c.sign(ts, method, path, string(payload))).
		SetHeader("OK-ACCESS-TIMESTAMP", ts).
		SetHeader("OK-ACCESS-PASSPHRASE", c.passphrase)
	if c.simulated {
		req.SetHeader("x-simulated-trading", "1")
	}
	if payload != nil {
		req.SetBody(payload)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return transportError(err, write)
	}
	if err := statusError(resp, write); err != nil {
		return err
	}

	var env envelope
	if err := sonic.Unmarshal(resp.Body(), &env); err != nil {
		return errors.Wrapf(broker.ErrMalformed, "okx: decode envelope: %v", err)
	}
	if env.Code != "0" {
		if err := apiError(env, write); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return errors.Wrapf(broker.ErrMalformed, "okx: decode %s: %v", path, err)
	}
	return nil
}

func transportError(err error, write bool) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Wrapf(broker.ErrTimeout, "okx: %v", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return errors.Wrapf(broker.ErrTransient, "okx: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(broker.ErrTimeout, "okx: %v", err)
	}
	if write {
		return errors.Wrapf(broker.ErrTimeout, "okx: %v", err)
	}
	return errors.Wrapf(broker.ErrTransient, "okx: %v", err)
}

func statusError(resp *resty.Response, write bool) error {
	if resp.IsSuccess() {
		return nil
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrapf(broker.ErrAuth, "okx: http %d: %s", code, resp.Body())
	case code == http.StatusTooManyRequests:
		return errors.Wrapf(broker.ErrTransient, "okx: http %d", code)
	case code >= http.StatusInternalServerError && write:
		return errors.Wrapf(broker.ErrTimeout, "okx: http %d", code)
	case code >= http.StatusInternalServerError:
		return errors.Wrapf(broker.ErrTransient, "okx: http %d", code)
	}
	// 4xx with an envelope is handled by apiError.
	var env envelope
	if err := sonic.Unmarshal(resp.Body(), &env); err != nil || env.Code == "" {
		return errors.Errorf("okx: http non-2xx: %d %s", code, resp.Body())
	}
	return apiError(env, write)
}

// OKX error codes the venue distinguishes.
const (
	codeServiceUnavailable = "50001"
	codeTimeout            = "50004"
	codeRateLimit          = "50011"
	codeSystemBusy         = "50013"
	codeOrderNotFound      = "51603"
	codeDuplicateClientID  = "51016"
)

func isAuthCode(code string) bool {
	switch code {
	case "50100", "50101", "50102", "50103", "50104", "50105", "50111", "50112", "50113", "50114":
		return true
	}
	return false
}

// orderAck is one element of a place-order response.
type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func apiError(env envelope, write bool) error {
	code, msg := env.Code, env.Msg
	// Order endpoints report the per-order failure in data[0].sCode.
	var acks []orderAck
	if len(env.Data) > 0 && sonic.Unmarshal(env.Data, &acks) == nil && len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		code, msg = acks[0].SCode, acks[0].SMsg
	}

	switch {
	case isAuthCode(code):
		return errors.Wrapf(broker.ErrAuth, "okx %s: %s", code, msg)
	case code == codeRateLimit || code == codeSystemBusy || code == codeServiceUnavailable:
		return errors.Wrapf(broker.ErrTransient, "okx %s: %s", code, msg)
	case code == codeTimeout:
		if write {
			return errors.Wrapf(broker.ErrTimeout, "okx %s: %s", code, msg)
		}
		return errors.Wrapf(broker.ErrTransient, "okx %s: %s", code, msg)
	case code == codeOrderNotFound:
		return errors.Wrapf(broker.ErrOrderNotFound, "okx %s", code)
	case code == codeDuplicateClientID:
		return errors.Wrapf(broker.ErrDuplicateKey, "okx %s: %s", code, msg)
	case write:
		return &broker.Rejection{Code: code, Reason: msg}
	}
	return errors.Wrapf(broker.ErrMalformed, "okx %s: %s", code, msg)
}
