// Package signal turns the market-analysis output into trade intents.
//
// The input is JSON: either an array of intents or an object with an
// "intents" array. Field values that cannot be parsed are not defaulted;
// they are recorded on the intent as defects and the risk engine rejects
// it as ambiguous.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/risk"
	"github.com/shopspring/decimal"
)

// Numbers stay as json.Number so hints keep full decimal precision.
var api = sonic.Config{UseNumber: true}.Froze()

// Hold is the side value for "no action"; such entries produce no intent.
const Hold = "hold"

type wireIntent struct {
	Instrument   string `json:"instrument"`
	Pair         string `json:"pair"`
	Side         string `json:"side"`
	Action       string `json:"action"`
	SizeHint     any    `json:"size_hint"`
	NotionalHint any    `json:"notional_hint"`
	PriceHint    any    `json:"price_hint"`
	Rationale    string `json:"rationale"`
	Confidence   any    `json:"confidence"`
	Timestamp    string `json:"timestamp"`
}

type envelope struct {
	Intents []wireIntent `json:"intents"`
}

// Decode parses a signal document. An error means the document as a whole
// is unreadable; per-field problems are reported on each intent.
func Decode(data []byte) ([]risk.TradeIntent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var wire []wireIntent
	if data[0] == '[' {
		if err := api.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("signal: decode intents: %w", err)
		}
	} else {
		var env envelope
		if err := api.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("signal: decode envelope: %w", err)
		}
		wire = env.Intents
	}

	out := make([]risk.TradeIntent, 0, len(wire))
	for _, w := range wire {
		in, ok := w.intent()
		if ok {
			out = append(out, in)
		}
	}
	return out, nil
}

func (w wireIntent) intent() (risk.TradeIntent, bool) {
	side := strings.ToLower(strings.TrimSpace(firstNonEmpty(w.Side, w.Action)))
	if side == Hold {
		return risk.TradeIntent{}, false
	}

	var defects []string
	in := risk.TradeIntent{
		Instrument: market.Normalize(firstNonEmpty(w.Instrument, w.Pair)),
		Side:       market.Side(side),
		Rationale:  w.Rationale,
	}

	hint := func(name string, v any) decimal.Decimal {
		d, ok := parseDecimal(v)
		if !ok {
			defects = append(defects, name)
		}
		return d
	}
	in.SizeHint = hint("size_hint", w.SizeHint)
	in.NotionalHint = hint("notional_hint", w.NotionalHint)
	in.PriceHint = hint("price_hint", w.PriceHint)

	conf, ok := parseConfidence(w.Confidence)
	if !ok {
		defects = append(defects, "confidence")
	}
	in.Confidence = conf

	if ts := strings.TrimSpace(w.Timestamp); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			defects = append(defects, "timestamp")
		} else {
			in.Timestamp = t.UTC()
		}
	}

	in.Defects = defects
	return in, true
}

// parseDecimal accepts a JSON number or numeric string. Absent (nil) is
// zero and not a defect.
func parseDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		if strings.TrimSpace(x) == "" {
			return decimal.Zero, true
		}
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	}
	return decimal.Zero, false
}

// parseConfidence accepts low/medium/high or a probability in [0, 1]:
// above 0.8 is high, above 0.6 medium, anything else low. Unknown words
// are kept so the risk engine can reject them.
func parseConfidence(v any) (risk.Confidence, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return risk.Confidence(strings.ToLower(strings.TrimSpace(x))), true
	case json.Number:
		p, err := x.Float64()
		if err != nil || p < 0 || p > 1 {
			return "", false
		}
		switch {
		case p > 0.8:
			return risk.High, true
		case p > 0.6:
			return risk.Medium, true
		default:
			return risk.Low, true
		}
	}
	return "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// FileSource reads intents from a file, re-reading it every cycle.
type FileSource struct {
	Path string
}

func (f FileSource) Intents(ctx context.Context, _ time.Time) ([]risk.TradeIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}
	return Decode(data)
}

// Static serves the same intents every cycle.
type Static []risk.TradeIntent

func (s Static) Intents(context.Context, time.Time) ([]risk.TradeIntent, error) {
	return s, nil
}
