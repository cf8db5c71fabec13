package cmd

import (
	"fmt"

	"github.com/rustyeddy/tradecycle/broker"
	"github.com/rustyeddy/tradecycle/broker/binance"
	"github.com/rustyeddy/tradecycle/broker/okx"
	"github.com/rustyeddy/tradecycle/broker/sim"
	"github.com/rustyeddy/tradecycle/config"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/sirupsen/logrus"
)

func buildVenue(cfg *config.Config, registry market.Registry, log logrus.FieldLogger) (broker.Venue, error) {
	v := cfg.Venue
	switch v.Name {
	case config.VenuePaper:
		engine := sim.NewEngine(v.Quote, cfg.Paper.Balances,
			sim.WithFeeRate(cfg.Paper.FeeRate),
			sim.WithRegistry(registry),
		)
		for asset, p := range cfg.Paper.Prices {
			engine.SetPrice(asset, p)
		}
		return engine, nil
	case config.VenueBinance:
		return binance.New(binance.Config{
			APIKey:    v.APIKey,
			APISecret: v.APISecret,
			Testnet:   v.Testnet,
			BaseURL:   v.BaseURL,
			Quote:     v.Quote,
			Timeout:   v.Timeout,
			Registry:  registry,
		}, log), nil
	case config.VenueOKX:
		return okx.New(okx.Config{
			APIKey:     v.APIKey,
			APISecret:  v.APISecret,
			Passphrase: v.Passphrase,
			Simulated:  v.Testnet,
			BaseURL:    v.BaseURL,
			Quote:      v.Quote,
			Timeout:    v.Timeout,
			Registry:   registry,
		}, log), nil
	}
	return nil, fmt.Errorf("%w: unknown venue %q", config.ErrInvalid, v.Name)
}
