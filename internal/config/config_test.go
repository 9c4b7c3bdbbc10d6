package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{
			Mode:     "paper",
			LogLevel: "info",
		},
		Broker: BrokerConfig{
			Provider:  "sim",
			AccountID: "sim-account",
			SimSeed:   42,
		},
		Schedule: ScheduleConfig{
			CheckInterval: "30s",
			Timezone:      "America/New_York",
			TradingStart:  "09:35",
			TradingEnd:    "16:00",
		},
		Risk: RiskConfig{
			MaxDailyLoss:     50000,
			MaxOpenPositions: 3,
		},
		Orders: OrdersConfig{
			Entry:         LadderSpec{Attempts: 5, Window: "1m", IncrementPct: 0.01},
			Exit:          LadderSpec{Attempts: 3, Window: "1m", IncrementPct: 0.01},
			CancelAckWait: "1s",
		},
		Storage: StorageConfig{
			Path: "autotrader.db",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Strategies: []StrategyConfig{
			{
				Name:        "dc-tuesday",
				Type:        "double_calendar",
				Symbol:      "SPX",
				ChainSymbol: "SPXW",
				Quantity:    1,
				EntryTime:   "10:05",
				EntryDays:   []string{"tuesday"},
				ShortDTE:    2,
				LongDTE:     4,
				PutTarget:   0.25,
				CallTarget:  0.25,
				MaxDebit:    12.0,
				Exit: ExitSpec{
					AbsDeltaThreshold: 0.30,
					ProfitTargetPct:   0.25,
					TimeExit:          "15:45",
					TimeExitReference: "short_expiry",
				},
			},
		},
	}
}

func TestLoad(t *testing.T) {
	configPath := filepath.Join("..", "..", "config.yaml.example")
	_, err := Load(configPath)
	if err != nil {
		t.Errorf("Expected config to load successfully from example file, got error: %v", err)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
environment:
  mode: paper
  bogus_field: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("Expected parse error for unknown field, got: %v", err)
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("AUTOTRADER_DB", "env-expanded.db")
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
environment:
  mode: paper
broker:
  provider: sim
schedule:
  trading_start: "09:35"
  trading_end: "16:00"
risk:
  max_daily_loss: 50000
  max_open_positions: 2
storage:
  path: ${AUTOTRADER_DB}
strategies:
  - name: dc
    type: double_calendar
    symbol: SPX
    chain_symbol: SPXW
    quantity: 1
    entry_time: "10:05"
    entry_days: [tuesday]
    short_dte: 2
    long_dte: 4
    put_target: 0.25
    call_target: 0.25
    max_debit: 12.0
    exit:
      profit_target_pct: 0.25
      time_exit: "15:45"
      time_exit_reference: short_expiry
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Path != "env-expanded.db" {
		t.Errorf("expected env expansion, got %q", cfg.Storage.Path)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		if err := baseConfig().Validate(); err != nil {
			t.Errorf("Expected valid config, got error: %v", err)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "production"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for invalid environment.mode")
		}
	})

	t.Run("live mode rejected with sim broker", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "live"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for live mode with sim provider")
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		config := baseConfig()
		config.Broker.Provider = "tradier"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for unsupported broker provider")
		}
	})

	t.Run("missing daily loss limit", func(t *testing.T) {
		config := baseConfig()
		config.Risk.MaxDailyLoss = 0
		if err := config.Validate(); err == nil {
			t.Error("Expected error for zero max_daily_loss")
		}
	})

	t.Run("missing storage path", func(t *testing.T) {
		config := baseConfig()
		config.Storage.Path = ""
		if err := config.Validate(); err == nil {
			t.Error("Expected error for missing storage.path")
		}
	})

	t.Run("dashboard enabled without listen addr", func(t *testing.T) {
		config := baseConfig()
		config.Dashboard.Listen = ""
		if err := config.Validate(); err == nil {
			t.Error("Expected error for enabled dashboard without listen address")
		}
	})

	t.Run("no strategies", func(t *testing.T) {
		config := baseConfig()
		config.Strategies = nil
		if err := config.Validate(); err == nil {
			t.Error("Expected error for empty strategies list")
		}
	})

	t.Run("duplicate strategy names", func(t *testing.T) {
		config := baseConfig()
		config.Strategies = append(config.Strategies, config.Strategies[0])
		if err := config.Validate(); err == nil {
			t.Error("Expected error for duplicate strategy names")
		}
	})

	t.Run("trading window inverted", func(t *testing.T) {
		config := baseConfig()
		config.Schedule.TradingStart = "16:00"
		config.Schedule.TradingEnd = "09:35"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for inverted trading window")
		}
	})

	t.Run("bad check interval", func(t *testing.T) {
		config := baseConfig()
		config.Schedule.CheckInterval = "soon"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for unparseable check_interval")
		}
	})
}

func TestResolveStrategy(t *testing.T) {
	t.Run("maps fields and days", func(t *testing.T) {
		sc := baseConfig().Strategies[0]
		resolved, err := sc.Resolve()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resolved.Name != "dc-tuesday" || resolved.Symbol != "SPX" || resolved.ChainSymbol != "SPXW" {
			t.Errorf("identity fields not mapped: %+v", resolved)
		}
		if len(resolved.EntryDays) != 1 || resolved.EntryDays[0] != time.Tuesday {
			t.Errorf("entry days not mapped: %v", resolved.EntryDays)
		}
		if resolved.Exit.TimeExit.Reference != "short_expiry" {
			t.Errorf("time exit reference not mapped: %q", resolved.Exit.TimeExit.Reference)
		}
	})

	t.Run("unknown day rejected", func(t *testing.T) {
		sc := baseConfig().Strategies[0]
		sc.EntryDays = []string{"saturday"}
		if _, err := sc.Resolve(); err == nil {
			t.Error("Expected error for non-trading entry day")
		}
	})

	t.Run("invalid strategy type rejected", func(t *testing.T) {
		sc := baseConfig().Strategies[0]
		sc.Type = "jade_lizard"
		if _, err := sc.Resolve(); err == nil {
			t.Error("Expected error for unknown strategy type")
		}
	})
}

func TestLadders(t *testing.T) {
	t.Run("entry ladder from spec", func(t *testing.T) {
		ladder, err := baseConfig().EntryLadder()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(ladder.Windows) != 5 {
			t.Errorf("expected 5 windows, got %d", len(ladder.Windows))
		}
		if ladder.Windows[0] != time.Minute {
			t.Errorf("expected 1m windows, got %v", ladder.Windows[0])
		}
		if ladder.IncrementPct != 0.01 {
			t.Errorf("expected 1%% increments, got %v", ladder.IncrementPct)
		}
	})

	t.Run("exit ladder from spec", func(t *testing.T) {
		ladder, err := baseConfig().ExitLadder()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(ladder.Windows) != 3 {
			t.Errorf("expected 3 windows, got %d", len(ladder.Windows))
		}
	})

	t.Run("defaults when unset", func(t *testing.T) {
		config := baseConfig()
		config.Orders = OrdersConfig{}
		ladder, err := config.EntryLadder()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(ladder.Windows) != 5 || ladder.CancelAckWait != time.Second {
			t.Errorf("expected built-in defaults, got %+v", ladder)
		}
	})

	t.Run("bad window duration", func(t *testing.T) {
		config := baseConfig()
		config.Orders.Entry.Window = "fast"
		if _, err := config.EntryLadder(); err == nil {
			t.Error("Expected error for unparseable window")
		}
	})
}

func TestIsWithinTradingHours(t *testing.T) {
	config := baseConfig()
	loc := config.Location()

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"mid-session tuesday", time.Date(2026, 1, 6, 11, 0, 0, 0, loc), true},
		{"at open", time.Date(2026, 1, 6, 9, 35, 0, 0, loc), true},
		{"before open", time.Date(2026, 1, 6, 9, 34, 0, 0, loc), false},
		{"at close exclusive", time.Date(2026, 1, 6, 16, 0, 0, 0, loc), false},
		{"saturday", time.Date(2026, 1, 10, 11, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := config.IsWithinTradingHours(tc.now); got != tc.want {
				t.Errorf("IsWithinTradingHours(%v)=%v want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestGetCheckInterval(t *testing.T) {
	config := baseConfig()
	if got := config.GetCheckInterval(); got != 30*time.Second {
		t.Errorf("expected 30s, got %v", got)
	}
	config.Schedule.CheckInterval = ""
	if got := config.GetCheckInterval(); got != defaultCheckInterval {
		t.Errorf("expected default, got %v", got)
	}
}
