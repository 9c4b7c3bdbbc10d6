package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateAcceptsPresets(t *testing.T) {
	for _, cfg := range []*Config{condorConfig(), calendarConfig(), flyConfig()} {
		assert.NoError(t, cfg.Validate(), cfg.Name)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Name = "" }},
		{"unknown type", func(c *Config) { c.Type = "jade_lizard" }},
		{"zero quantity", func(c *Config) { c.Quantity = 0 }},
		{"bad entry time", func(c *Config) { c.EntryTime = "25:99" }},
		{"no entry days", func(c *Config) { c.EntryDays = nil }},
		{"delta target out of range", func(c *Config) { c.PutTarget = 1.2 }},
		{"negative target", func(c *Config) { c.CallTarget = -0.2 }},
		{"credit bound on debit structure", func(c *Config) { c.MinCredit = 1.0 }},
		{"long dte not after short", func(c *Config) { c.LongDTE = c.ShortDTE }},
		{"bad time exit reference", func(c *Config) {
			c.Exit.TimeExit = TimeExit{Time: "15:45", Reference: "open"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := calendarConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidateCreditStructure(t *testing.T) {
	cfg := condorConfig()
	cfg.MinCredit = 0
	assert.Error(t, cfg.Validate())

	cfg = condorConfig()
	cfg.MaxDebit = 2.0
	assert.Error(t, cfg.Validate())
}

func TestConfigPremiumTargetsAllowDollarValues(t *testing.T) {
	cfg := calendarConfig()
	cfg.PremiumTargets = true
	cfg.PutTarget = 6.0
	cfg.CallTarget = 6.0
	require.NoError(t, cfg.Validate())

	tgt := cfg.target(cfg.PutTarget)
	assert.Equal(t, "premium 6.00", tgt.String())
}

func TestInEntryWindow(t *testing.T) {
	cfg := condorConfig() // Friday 10:05

	friday := func(h, m int) time.Time {
		return time.Date(2026, 9, 18, h, m, 0, 0, time.UTC)
	}

	assert.True(t, cfg.InEntryWindow(friday(10, 5)))
	assert.True(t, cfg.InEntryWindow(friday(10, 0)))
	assert.True(t, cfg.InEntryWindow(friday(10, 10)))
	assert.False(t, cfg.InEntryWindow(friday(9, 59)))
	assert.False(t, cfg.InEntryWindow(friday(10, 11)))

	// Right time, wrong day.
	thursday := time.Date(2026, 9, 17, 10, 5, 0, 0, time.UTC)
	assert.False(t, cfg.InEntryWindow(thursday))
}
