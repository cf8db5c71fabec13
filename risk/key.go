package risk

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/tradecycle/market"
)

var keyNamespace = uuid.MustParse("6f1c2a52-3b8e-5d0c-9a41-7e2f0c6d9b13")

// IdempotencyKey derives the client order id for intent within the cycle
// that started at cycleTime. Re-running the same cycle yields the same key,
// which is what lets the executor find an order it already placed.
//
// Keys are 32 lowercase hex characters, valid as a client order id on
// every supported venue.
func IdempotencyKey(intent TradeIntent, cycleTime time.Time) string {
	parts := []string{
		cycleTime.UTC().Format(time.RFC3339Nano),
		market.Normalize(intent.Instrument),
		string(intent.Side),
		intent.SizeHint.String(),
		intent.NotionalHint.String(),
		intent.PriceHint.String(),
		intent.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	u := uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "|")))
	return strings.ReplaceAll(u.String(), "-", "")
}
