package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/tradecycle/cycle"
	"github.com/rustyeddy/tradecycle/market"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/rustyeddy/tradecycle/retry"
	"github.com/rustyeddy/tradecycle/risk"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure. The CLI treats it as fatal.
var ErrInvalid = errors.New("invalid config")

// Environment variables holding venue credentials.
const (
	EnvAPIKey        = "TRADER_API_KEY"
	EnvAPISecret     = "TRADER_API_SECRET"
	EnvAPIPassphrase = "TRADER_API_PASSPHRASE"
)

// Venue names.
const (
	VenuePaper   = "paper"
	VenueBinance = "binance"
	VenueOKX     = "okx"
)

// Config represents the complete application configuration.
type Config struct {
	Venue       VenueConfig        `json:"venue" yaml:"venue"`
	Risk        risk.Config        `json:"risk" yaml:"risk"`
	Instruments []InstrumentConfig `json:"instruments,omitempty" yaml:"instruments,omitempty"`
	Snapshot    retry.Policy       `json:"snapshot" yaml:"snapshot"`
	Executor    ExecutorConfig     `json:"executor" yaml:"executor"`
	Cycle       CycleConfig        `json:"cycle" yaml:"cycle"`
	Ledger      LedgerConfig       `json:"ledger" yaml:"ledger"`
	Log         logger.Config      `json:"log" yaml:"log"`
	Paper       PaperConfig        `json:"paper" yaml:"paper"`
	Report      ReportConfig       `json:"report" yaml:"report"`
}

// VenueConfig selects the exchange. Credentials never come from the file.
type VenueConfig struct {
	Name    string        `json:"name" yaml:"name"`   // paper, binance, okx
	Quote   string        `json:"quote" yaml:"quote"` // reference currency
	Testnet bool          `json:"testnet" yaml:"testnet"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	APIKey     string `json:"-" yaml:"-"`
	APISecret  string `json:"-" yaml:"-"`
	Passphrase string `json:"-" yaml:"-"`
}

// InstrumentConfig restricts trading to the listed pairs. Lot and tick
// sizes fall back to the built-in table when omitted.
type InstrumentConfig struct {
	Symbol   string          `json:"symbol" yaml:"symbol"`
	LotSize  decimal.Decimal `json:"lot_size,omitempty" yaml:"lot_size,omitempty"`
	TickSize decimal.Decimal `json:"tick_size,omitempty" yaml:"tick_size,omitempty"`
}

type ExecutorConfig struct {
	Submit retry.Policy `json:"submit" yaml:"submit"`
	Poll   retry.Policy `json:"poll" yaml:"poll"`
}

type CycleConfig struct {
	MinConfidence risk.Confidence `json:"min_confidence" yaml:"min_confidence"`
	Concurrency   int             `json:"concurrency" yaml:"concurrency"`
	Interval      time.Duration   `json:"interval" yaml:"interval"`
	Count         int             `json:"count" yaml:"count"` // 0 runs until stopped
	Intents       string          `json:"intents,omitempty" yaml:"intents,omitempty"`
}

type LedgerConfig struct {
	Path string `json:"path" yaml:"path"`
}

// PaperConfig seeds the in-process venue.
type PaperConfig struct {
	Balances map[string]decimal.Decimal `json:"balances" yaml:"balances"`
	Prices   map[string]decimal.Decimal `json:"prices" yaml:"prices"`
	FeeRate  decimal.Decimal            `json:"fee_rate" yaml:"fee_rate"`
}

type ReportConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LoadFromFile loads configuration from a YAML or JSON file, applies
// credentials from the environment and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("%w: failed to parse config (tried YAML and JSON): %v", ErrInvalid, err)
		}
	}

	cfg.LoadSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (format determined by extension).
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported file extension: %s (use .yaml, .yml, or .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadEnv populates the process environment from .env files. Missing
// files are ignored; variables already set win.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// LoadSecrets copies venue credentials from the environment.
func (c *Config) LoadSecrets() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Venue.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Venue.APISecret = v
	}
	if v := os.Getenv(EnvAPIPassphrase); v != "" {
		c.Venue.Passphrase = v
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	switch c.Venue.Name {
	case VenuePaper:
	case VenueBinance:
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
			errs = append(errs, fmt.Errorf("venue: binance requires %s and %s", EnvAPIKey, EnvAPISecret))
		}
	case VenueOKX:
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" || c.Venue.Passphrase == "" {
			errs = append(errs, fmt.Errorf("venue: okx requires %s, %s and %s", EnvAPIKey, EnvAPISecret, EnvAPIPassphrase))
		}
	default:
		errs = append(errs, fmt.Errorf("venue.name %q must be paper, binance or okx", c.Venue.Name))
	}
	if c.Venue.Quote == "" {
		errs = append(errs, errors.New("venue.quote is required"))
	}
	if c.Venue.Timeout < 0 {
		errs = append(errs, errors.New("venue.timeout must not be negative"))
	}

	registry, err := c.Registry()
	add("instruments", err)
	if err == nil {
		add("risk", c.RiskConfig(registry).Validate())
	}

	add("snapshot", c.Snapshot.Validate())
	add("executor.submit", c.Executor.Submit.Validate())
	add("executor.poll", c.Executor.Poll.Validate())
	add("cycle", c.CyclePolicy().Validate())
	if c.Cycle.Interval < 0 {
		errs = append(errs, errors.New("cycle.interval must not be negative"))
	}
	if c.Cycle.Count < 0 {
		errs = append(errs, errors.New("cycle.count must not be negative"))
	}

	if c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path is required"))
	}

	if c.Venue.Name == VenuePaper {
		if c.Paper.FeeRate.IsNegative() || c.Paper.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("paper.fee_rate must be in [0, 1), got %s", c.Paper.FeeRate))
		}
		for asset, amt := range c.Paper.Balances {
			if amt.IsNegative() {
				errs = append(errs, fmt.Errorf("paper.balances.%s must not be negative", asset))
			}
		}
		for asset, p := range c.Paper.Prices {
			if p.Sign() <= 0 {
				errs = append(errs, fmt.Errorf("paper.prices.%s must be positive", asset))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Registry resolves the configured instruments. An empty list means every
// built-in pair.
func (c *Config) Registry() (market.Registry, error) {
	if len(c.Instruments) == 0 {
		return market.DefaultRegistry(), nil
	}
	r := make(market.Registry, len(c.Instruments))
	for _, ic := range c.Instruments {
		sym := market.Normalize(ic.Symbol)
		base, quote, err := market.ParseSymbol(sym)
		if err != nil {
			return nil, err
		}
		in, known := market.Defaults[sym]
		if !known {
			in = market.Instrument{Symbol: sym, Base: base, Quote: quote}
		}
		if ic.LotSize.Sign() > 0 {
			in.LotSize = ic.LotSize
		}
		if ic.TickSize.Sign() > 0 {
			in.TickSize = ic.TickSize
		}
		if in.LotSize.Sign() <= 0 {
			return nil, fmt.Errorf("%s: lot_size is required for pairs without defaults", sym)
		}
		r[sym] = in
	}
	return r, nil
}

// RiskConfig returns the risk limits bound to registry.
func (c *Config) RiskConfig(registry market.Registry) risk.Config {
	rc := c.Risk
	rc.Instruments = registry
	return rc
}

func (c *Config) CyclePolicy() cycle.Policy {
	return cycle.Policy{MinConfidence: c.Cycle.MinConfidence, Concurrency: c.Cycle.Concurrency}
}

// Default returns a paper-trading configuration.
func Default() *Config {
	return &Config{
		Venue: VenueConfig{
			Name:    VenuePaper,
			Quote:   "USDT",
			Testnet: true,
			Timeout: 10 * time.Second,
		},
		Risk: risk.Config{
			MaxFractionPerTrade:           decimal.RequireFromString("0.02"),
			MinNotional:                   decimal.NewFromInt(10),
			MaxOpenPositionsPerInstrument: 1,
			FeeBufferFraction:             decimal.RequireFromString("0.002"),
		},
		Snapshot: retry.Default(),
		Executor: ExecutorConfig{
			Submit: retry.Default(),
			Poll:   retry.Policy{Attempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 1.5},
		},
		Cycle: CycleConfig{
			MinConfidence: risk.Medium,
			Concurrency:   4,
			Interval:      time.Hour,
			Count:         1,
		},
		Ledger: LedgerConfig{Path: "./trader.sqlite"},
		Log:    logger.Config{Level: "info"},
		Paper: PaperConfig{
			Balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
			Prices: map[string]decimal.Decimal{
				"BTC": decimal.NewFromInt(60000),
				"ETH": decimal.NewFromInt(2500),
				"SOL": decimal.NewFromInt(150),
			},
			FeeRate: decimal.RequireFromString("0.001"),
		},
		Report: ReportConfig{Addr: ":8080"},
	}
}
