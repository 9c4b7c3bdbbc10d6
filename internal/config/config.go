// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rhiggins/spx-autotrader/internal/orders"
	"github.com/rhiggins/spx-autotrader/internal/strategy"
)

const (
	// defaultCheckInterval is used when schedule.check_interval is unset.
	defaultCheckInterval = 30 * time.Second
	// defaultCancelAckWait bounds how long a cancel waits for broker
	// confirmation before the order is treated as still live.
	defaultCancelAckWait = time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Orders      OrdersConfig      `yaml:"orders"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker connection settings.
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // sim is the only built-in provider
	AccountID string `yaml:"account_id"`
	// SimSeed makes simulated chains reproducible. Zero seeds from the clock.
	SimSeed int64 `yaml:"sim_seed"`
}

// ScheduleConfig defines the trading loop cadence and market hours.
type ScheduleConfig struct {
	CheckInterval string `yaml:"check_interval"`
	Timezone      string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart  string `yaml:"trading_start"` // "HH:MM"
	TradingEnd    string `yaml:"trading_end"`   // "HH:MM"
}

// RiskConfig defines account-level risk limits.
type RiskConfig struct {
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
}

// LadderSpec configures one price-improvement ladder.
type LadderSpec struct {
	Attempts     int     `yaml:"attempts"`
	Window       string  `yaml:"window"`
	IncrementPct float64 `yaml:"increment_pct"`
}

// OrdersConfig defines the entry and exit order ladders.
type OrdersConfig struct {
	Entry         LadderSpec `yaml:"entry"`
	Exit          LadderSpec `yaml:"exit"`
	CancelAckWait string     `yaml:"cancel_ack_wait"`
}

// StorageConfig defines where position and audit data is persisted.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only HTTP status API.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StrategyConfig is the YAML shape of one strategy instance. Resolve turns it
// into a strategy.Config.
type StrategyConfig struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Symbol      string   `yaml:"symbol"`
	ChainSymbol string   `yaml:"chain_symbol"`
	Quantity    int      `yaml:"quantity"`
	EntryTime   string   `yaml:"entry_time"`
	EntryDays   []string `yaml:"entry_days"`

	ShortDTE int `yaml:"short_dte"`
	LongDTE  int `yaml:"long_dte"`

	PutTarget      float64 `yaml:"put_target"`
	CallTarget     float64 `yaml:"call_target"`
	PremiumTargets bool    `yaml:"premium_targets"`
	WingWidth      float64 `yaml:"wing_width"`

	MaxDebit  float64 `yaml:"max_debit"`
	MinCredit float64 `yaml:"min_credit"`

	Exit ExitSpec `yaml:"exit"`
}

// ExitSpec is the YAML shape of the per-strategy exit thresholds.
type ExitSpec struct {
	AbsDeltaThreshold float64 `yaml:"abs_delta_threshold"`
	ProfitTarget      float64 `yaml:"profit_target"`
	ProfitTargetPct   float64 `yaml:"profit_target_pct"`
	TimeExit          string  `yaml:"time_exit"`           // "HH:MM"
	TimeExitReference string  `yaml:"time_exit_reference"` // short_expiry | long_expiry | entry_day
}

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
}

// Resolve converts the YAML shape into a validated strategy.Config.
func (s *StrategyConfig) Resolve() (strategy.Config, error) {
	days := make([]time.Weekday, 0, len(s.EntryDays))
	for _, d := range s.EntryDays {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return strategy.Config{}, fmt.Errorf("strategy %s: unknown entry day %q", s.Name, d)
		}
		days = append(days, wd)
	}

	cfg := strategy.Config{
		Name:           s.Name,
		Type:           strategy.Type(s.Type),
		Symbol:         s.Symbol,
		ChainSymbol:    s.ChainSymbol,
		Quantity:       s.Quantity,
		EntryTime:      s.EntryTime,
		EntryDays:      days,
		ShortDTE:       s.ShortDTE,
		LongDTE:        s.LongDTE,
		PutTarget:      s.PutTarget,
		CallTarget:     s.CallTarget,
		PremiumTargets: s.PremiumTargets,
		WingWidth:      s.WingWidth,
		MaxDebit:       s.MaxDebit,
		MinCredit:      s.MinCredit,
		Exit: strategy.ExitConfig{
			AbsDeltaThreshold: s.Exit.AbsDeltaThreshold,
			ProfitTarget:      s.Exit.ProfitTarget,
			ProfitTargetPct:   s.Exit.ProfitTargetPct,
			TimeExit: strategy.TimeExit{
				Time:      s.Exit.TimeExit,
				Reference: strategy.TimeReference(s.Exit.TimeExitReference),
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		return strategy.Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.Provider == "" {
		c.Broker.Provider = "sim"
	}
	if c.Broker.Provider != "sim" {
		return fmt.Errorf("broker.provider %q is not supported", c.Broker.Provider)
	}
	if c.Environment.Mode == "live" {
		return fmt.Errorf("environment.mode 'live' requires a non-sim broker provider")
	}

	// Risk validation
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when dashboard is enabled")
	}

	// Order ladder validation
	if _, err := c.EntryLadder(); err != nil {
		return fmt.Errorf("orders.entry: %w", err)
	}
	if _, err := c.ExitLadder(); err != nil {
		return fmt.Errorf("orders.exit: %w", err)
	}

	// Schedule validation
	if c.Schedule.CheckInterval != "" {
		if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
			return fmt.Errorf("schedule.check_interval invalid: %w", err)
		}
	}
	loc := c.Location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	// Strategy validation
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i := range c.Strategies {
		sc := &c.Strategies[i]
		if seen[sc.Name] {
			return fmt.Errorf("duplicate strategy name %q", sc.Name)
		}
		seen[sc.Name] = true
		if _, err := sc.Resolve(); err != nil {
			return err
		}
	}

	return nil
}

// ResolveStrategies returns the validated runtime configs for all strategies.
func (c *Config) ResolveStrategies() ([]strategy.Config, error) {
	out := make([]strategy.Config, 0, len(c.Strategies))
	for i := range c.Strategies {
		sc, err := c.Strategies[i].Resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// EntryLadder builds the ladder used for opening orders.
func (c *Config) EntryLadder() (orders.LadderConfig, error) {
	return c.ladder(c.Orders.Entry, orders.DefaultLadder())
}

// ExitLadder builds the ladder used for closing orders.
func (c *Config) ExitLadder() (orders.LadderConfig, error) {
	return c.ladder(c.Orders.Exit, orders.ExitLadder())
}

func (c *Config) ladder(spec LadderSpec, fallback orders.LadderConfig) (orders.LadderConfig, error) {
	cfg := fallback
	if spec.Attempts != 0 || spec.Window != "" {
		if spec.Attempts <= 0 {
			return orders.LadderConfig{}, fmt.Errorf("attempts must be > 0")
		}
		window := time.Minute
		if spec.Window != "" {
			var err error
			window, err = time.ParseDuration(spec.Window)
			if err != nil {
				return orders.LadderConfig{}, fmt.Errorf("window invalid: %w", err)
			}
		}
		cfg.Windows = make([]time.Duration, spec.Attempts)
		for i := range cfg.Windows {
			cfg.Windows[i] = window
		}
	}
	if spec.IncrementPct != 0 {
		cfg.IncrementPct = spec.IncrementPct
	}
	cfg.CancelAckWait = defaultCancelAckWait
	if c.Orders.CancelAckWait != "" {
		wait, err := time.ParseDuration(c.Orders.CancelAckWait)
		if err != nil {
			return orders.LadderConfig{}, fmt.Errorf("cancel_ack_wait invalid: %w", err)
		}
		cfg.CancelAckWait = wait
	}
	if err := cfg.Validate(); err != nil {
		return orders.LadderConfig{}, err
	}
	return cfg, nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the configured trading loop interval.
func (c *Config) GetCheckInterval() time.Duration {
	if c.Schedule.CheckInterval == "" {
		return defaultCheckInterval
	}
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil {
		return defaultCheckInterval
	}
	return d
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	// Only allow Monday-Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 45, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
