// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"candlewatch-go/internal/market"
)

// ErrNoWatchers is returned by Validate when nothing would be watched.
var ErrNoWatchers = errors.New("config: no watchers configured")

// Environment variables that override the file.
const (
	EnvLogLevel    = "CANDLEWATCH_LOG_LEVEL"
	EnvMetricsAddr = "CANDLEWATCH_METRICS_ADDR"
	EnvSimulation  = "CANDLEWATCH_SIMULATION"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	// LogFile, when set, tees logs into a rotating file.
	LogFile string `yaml:"log_file"`
}

// Session is one trading window pinned in the config, times in RFC3339.
type Session struct {
	Open   string `yaml:"open"`
	Close  string `yaml:"close"`
	Status string `yaml:"status"`
}

// Market selects the data source.
type Market struct {
	Provider       string    `yaml:"provider"` // replay|binance
	BinanceURL     string    `yaml:"binance_url"`
	ReplayFile     string    `yaml:"replay_file"`
	ReplayPaceMs   int       `yaml:"replay_pace_ms"`
	InstrumentType string    `yaml:"instrument_type"`
	Sessions       []Session `yaml:"sessions"`
}

// Trading holds lifecycle settings shared by every aggregator.
type Trading struct {
	Simulation            bool    `yaml:"simulation"`
	SimulationEquity      float64 `yaml:"simulation_equity"`
	FeePerUnit            float64 `yaml:"fee_per_unit"`
	CloseBufferBars       int     `yaml:"close_buffer_bars"`
	SimulationCloseBuffer string  `yaml:"simulation_close_buffer"`
	ConfirmEntryOrders    bool    `yaml:"confirm_entry_orders"`
	StartingCash          float64 `yaml:"starting_cash"`
	MaxPositionUnits      int     `yaml:"max_position_units"`
	JournalPath           string  `yaml:"journal_path"`
}

// StrategyParams groups tunable knobs for a strategy implementation.
type StrategyParams struct {
	Lookback            int     `yaml:"lookback"`
	BodyMultiple        float64 `yaml:"body_multiple"`
	StopFraction        float64 `yaml:"stop_fraction"`
	TrendThreshold      float64 `yaml:"trend_threshold"`
	RiskPct             float64 `yaml:"risk_pct"`
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade"`
	NewsBlackout        string  `yaml:"news_blackout"`
}

// Strategy specifies the default strategy along with the parameter bundle.
type Strategy struct {
	Mode   string         `yaml:"mode"`
	Params StrategyParams `yaml:"params"`
}

// Instrument mirrors signal.Instrument in YAML.
type Instrument struct {
	Type     string `yaml:"type"`
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
	Currency string `yaml:"currency"`
}

// Watcher configures one instrument+interval stream.
type Watcher struct {
	Instrument Instrument `yaml:"instrument"`
	Interval   string     `yaml:"interval"`
	// Strategy overrides strategy.mode for this watcher.
	Strategy  string `yaml:"strategy"`
	WindowCap int    `yaml:"window_cap"`
}

// Aggregator configures consensus and toggles for one target instrument.
type Aggregator struct {
	Instrument       Instrument `yaml:"instrument"`
	MinConfirmations int        `yaml:"min_confirmations"`
	Grouping         string     `yaml:"grouping"`
	EntryEnabled     bool       `yaml:"entry_enabled"`
	ExitEnabled      bool       `yaml:"exit_enabled"`
	EntryAlerts      bool       `yaml:"entry_alerts"`
	ExitAlerts       bool       `yaml:"exit_alerts"`
	// Sources lists the watcher symbols that vote; empty means watchers on the same symbol.
	Sources []string `yaml:"sources"`
}

// Announcement is a scheduled market-moving event; an empty symbol list applies to everything.
type Announcement struct {
	Time    string   `yaml:"time"`
	Impact  string   `yaml:"impact"`
	Title   string   `yaml:"title"`
	Symbols []string `yaml:"symbols"`
}

// Calendar lists known announcements.
type Calendar struct {
	Announcements []Announcement `yaml:"announcements"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App         App          `yaml:"app"`
	Market      Market       `yaml:"market"`
	Trading     Trading      `yaml:"trading"`
	Strategy    Strategy     `yaml:"strategy"`
	Watchers    []Watcher    `yaml:"watchers"`
	Aggregators []Aggregator `yaml:"aggregators"`
	Calendar    Calendar     `yaml:"calendar"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Market.Provider == "" {
		c.Market.Provider = "replay"
	}
	if c.Market.InstrumentType == "" {
		c.Market.InstrumentType = "crypto"
	}
	for i := range c.Aggregators {
		if c.Aggregators[i].MinConfirmations == 0 {
			c.Aggregators[i].MinConfirmations = 1
		}
		if c.Aggregators[i].Grouping == "" {
			c.Aggregators[i].Grouping = "exact"
		}
	}
}

// ApplyEnv loads a .env file when present and lets the environment override selected fields.
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load() // best-effort
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv(EnvSimulation); v != "" {
		sim, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSimulation, err)
		}
		cfg.Trading.Simulation = sim
	}
	return nil
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	var errs []error
	if len(cfg.Watchers) == 0 {
		errs = append(errs, ErrNoWatchers)
	}
	switch strings.ToLower(cfg.Market.Provider) {
	case "replay", "binance":
	default:
		errs = append(errs, fmt.Errorf("market.provider %q: want replay or binance", cfg.Market.Provider))
	}
	for i, w := range cfg.Watchers {
		if w.Instrument.Symbol == "" {
			errs = append(errs, fmt.Errorf("watchers[%d]: missing symbol", i))
		}
		if _, err := w.ParsedInterval(); err != nil {
			errs = append(errs, fmt.Errorf("watchers[%d]: %w", i, err))
		}
	}
	for i, a := range cfg.Aggregators {
		if a.MinConfirmations < 1 {
			errs = append(errs, fmt.Errorf("aggregators[%d]: min_confirmations must be at least 1", i))
		}
		switch a.Grouping {
		case "", "exact", "direction":
		default:
			errs = append(errs, fmt.Errorf("aggregators[%d]: grouping %q: want exact or direction", i, a.Grouping))
		}
	}
	if _, err := cfg.Trading.CloseBuffer(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Strategy.Params.Blackout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Market.Schedule(); err != nil {
		errs = append(errs, err)
	}
	for i, a := range cfg.Calendar.Announcements {
		if _, err := time.Parse(time.RFC3339, a.Time); err != nil {
			errs = append(errs, fmt.Errorf("calendar.announcements[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParsedInterval parses the watcher interval; it must be positive.
func (w Watcher) ParsedInterval() (time.Duration, error) {
	d, err := time.ParseDuration(w.Interval)
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", w.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", w.Interval)
	}
	return d, nil
}

// CloseBuffer parses simulation_close_buffer; empty means the built-in default.
func (t Trading) CloseBuffer() (time.Duration, error) {
	return optionalDuration("trading.simulation_close_buffer", t.SimulationCloseBuffer)
}

// Blackout parses news_blackout; empty means the built-in default.
func (p StrategyParams) Blackout() (time.Duration, error) {
	return optionalDuration("strategy.params.news_blackout", p.NewsBlackout)
}

func optionalDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Schedule parses the pinned sessions.
func (m Market) Schedule() (market.Schedule, error) {
	out := make(market.Schedule, 0, len(m.Sessions))
	for i, s := range m.Sessions {
		open, err := time.Parse(time.RFC3339, s.Open)
		if err != nil {
			return nil, fmt.Errorf("market.sessions[%d].open: %w", i, err)
		}
		closeAt, err := time.Parse(time.RFC3339, s.Close)
		if err != nil {
			return nil, fmt.Errorf("market.sessions[%d].close: %w", i, err)
		}
		if !closeAt.After(open) {
			return nil, fmt.Errorf("market.sessions[%d]: close must follow open", i)
		}
		status := s.Status
		if status == "" {
			status = market.StatusOpen
		}
		out = append(out, market.Session{Open: open, Close: closeAt, Status: status})
	}
	return out, nil
}
