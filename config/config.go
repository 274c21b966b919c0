package config

import (
	"flag"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantfu/ibot/internal/domain"
)

// Instrument is the per-symbol strategy configuration.
type Instrument struct {
	Symbol            string
	Params            domain.Params
	TickInterval      time.Duration
	PricePollInterval time.Duration
	RequireApproval   bool
	ApprovalTimeout   time.Duration
}

// Config is the process configuration: shared paths plus one entry per
// traded instrument.
type Config struct {
	StateDir    string
	JournalDir  string
	HistoryDB   string
	Instruments []Instrument
}

type instrumentTmp struct {
	Symbol             string        `yaml:"symbol"`
	TotalInvestment    string        `yaml:"total_investment"`
	DivisionCount      int           `yaml:"division_count"`
	StarRatioPercent   string        `yaml:"star_ratio_percent,omitempty"`
	MinProfitPercent   string        `yaml:"min_profit_percent,omitempty"`
	MaxProfitPercent   string        `yaml:"max_profit_percent,omitempty"`
	MaxDrawdownPercent string        `yaml:"max_drawdown_percent,omitempty"`
	StarSellFraction   string        `yaml:"star_sell_fraction,omitempty"`
	TickInterval       time.Duration `yaml:"tick_interval,omitempty"`
	PricePollInterval  time.Duration `yaml:"price_poll_interval,omitempty"`
	RequireApproval    bool          `yaml:"require_approval,omitempty"`
	ApprovalTimeout    time.Duration `yaml:"approval_timeout,omitempty"`
}

type configTmp struct {
	StateDir    string          `yaml:"state_dir,omitempty"`
	JournalDir  string          `yaml:"journal_dir,omitempty"`
	HistoryDB   string          `yaml:"history_db,omitempty"`
	Instruments []instrumentTmp `yaml:"instruments"`
}

// Get loads configuration from the yaml file named by the -config flag.
func Get() (*Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()
	return FromFile(*path)
}

// FromFile parses and validates a yaml config.
func FromFile(path string) (*Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return parse(f)
}

func parse(data []byte) (*Config, error) {
	var tmp configTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if len(tmp.Instruments) == 0 {
		return nil, errors.New("no instruments configured")
	}

	cfg := &Config{
		StateDir:   tmp.StateDir,
		JournalDir: tmp.JournalDir,
		HistoryDB:  tmp.HistoryDB,
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "./state"
	}
	if cfg.JournalDir == "" {
		cfg.JournalDir = "./journal"
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = "./history.db"
	}

	seen := make(map[string]struct{}, len(tmp.Instruments))
	for _, it := range tmp.Instruments {
		if it.Symbol == "" {
			return nil, errors.New("instrument with empty symbol")
		}
		if _, dup := seen[it.Symbol]; dup {
			return nil, errors.Errorf("duplicate instrument %s", it.Symbol)
		}
		seen[it.Symbol] = struct{}{}

		inst, err := buildInstrument(it)
		if err != nil {
			return nil, errors.Wrapf(err, "instrument %s", it.Symbol)
		}
		cfg.Instruments = append(cfg.Instruments, inst)
	}
	return cfg, nil
}

func buildInstrument(t instrumentTmp) (Instrument, error) {
	params := domain.Params{DivisionCount: t.DivisionCount}

	var err error
	if params.TotalInvestment, err = decimal.NewFromString(t.TotalInvestment); err != nil {
		return Instrument{}, errors.Wrapf(err, "total_investment %q", t.TotalInvestment)
	}
	if params.StarRatioPercent, err = decimalOr(t.StarRatioPercent, "6"); err != nil {
		return Instrument{}, errors.Wrap(err, "star_ratio_percent")
	}
	if params.MinProfitPercent, err = decimalOr(t.MinProfitPercent, "8"); err != nil {
		return Instrument{}, errors.Wrap(err, "min_profit_percent")
	}
	if params.MaxProfitPercent, err = decimalOr(t.MaxProfitPercent, "12"); err != nil {
		return Instrument{}, errors.Wrap(err, "max_profit_percent")
	}
	if params.MaxDrawdownPercent, err = decimalOr(t.MaxDrawdownPercent, "12"); err != nil {
		return Instrument{}, errors.Wrap(err, "max_drawdown_percent")
	}
	if params.StarSellFraction, err = decimalOr(t.StarSellFraction, "0.25"); err != nil {
		return Instrument{}, errors.Wrap(err, "star_sell_fraction")
	}
	if err := params.Validate(); err != nil {
		return Instrument{}, err
	}

	inst := Instrument{
		Symbol:            t.Symbol,
		Params:            params,
		TickInterval:      t.TickInterval,
		PricePollInterval: t.PricePollInterval,
		RequireApproval:   t.RequireApproval,
		ApprovalTimeout:   t.ApprovalTimeout,
	}
	if inst.TickInterval <= 0 {
		inst.TickInterval = time.Minute
	}
	if inst.PricePollInterval <= 0 {
		inst.PricePollInterval = 30 * time.Second
	}
	if inst.ApprovalTimeout <= 0 {
		inst.ApprovalTimeout = 5 * time.Minute
	}
	return inst, nil
}

func decimalOr(s, def string) (decimal.Decimal, error) {
	if s == "" {
		s = def
	}
	return decimal.NewFromString(s)
}
