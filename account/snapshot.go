package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/shopspring/decimal"
)

// Normalize upper-cases asset keys, canonicalizes instrument symbols and
// orders positions and open orders so identical venue state always yields
// an identical snapshot.
func Normalize(acct broker.AccountState) broker.AccountState {
	out := acct
	out.AsOf = acct.AsOf.UTC()
	out.Quote = strings.ToUpper(acct.Quote)

	out.Balances = make(map[string]broker.Balance, len(acct.Balances))
	for asset, b := range acct.Balances {
		key := strings.ToUpper(asset)
		prev := out.Balances[key]
		out.Balances[key] = broker.Balance{
			Available: prev.Available.Add(b.Available),
			Frozen:    prev.Frozen.Add(b.Frozen),
		}
	}

	out.Prices = make(map[string]decimal.Decimal, len(acct.Prices))
	for asset, p := range acct.Prices {
		out.Prices[strings.ToUpper(asset)] = p
	}

	out.Positions = make([]broker.Position, len(acct.Positions))
	for i, p := range acct.Positions {
		p.Instrument = market.Normalize(p.Instrument)
		out.Positions[i] = p
	}
	sort.SliceStable(out.Positions, func(i, j int) bool {
		return out.Positions[i].Instrument < out.Positions[j].Instrument
	})

	out.OpenOrders = make([]broker.OpenOrder, len(acct.OpenOrders))
	for i, o := range acct.OpenOrders {
		o.Instrument = market.Normalize(o.Instrument)
		out.OpenOrders[i] = o
	}
	sort.SliceStable(out.OpenOrders, func(i, j int) bool {
		a, b := out.OpenOrders[i], out.OpenOrders[j]
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.OrderID < b.OrderID
	})

	return out
}

// Validate checks the invariants every snapshot must satisfy before the
// risk engine may use it.
func Validate(acct broker.AccountState) error {
	var errs []error
	if acct.AsOf.IsZero() {
		errs = append(errs, errors.New("missing snapshot time"))
	}
	if acct.Quote == "" {
		errs = append(errs, errors.New("missing quote currency"))
	}
	for asset, b := range acct.Balances {
		if b.Available.IsNegative() || b.Frozen.IsNegative() {
			errs = append(errs, fmt.Errorf("negative balance for %s", asset))
		}
	}
	for asset, p := range acct.Prices {
		if p.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("non-positive price for %s", asset))
		}
	}
	for _, o := range acct.OpenOrders {
		if o.Instrument == "" {
			errs = append(errs, fmt.Errorf("open order %s has no instrument", o.OrderID))
		}
	}
	return errors.Join(errs...)
}
