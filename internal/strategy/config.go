// Package strategy implements strike selection, entry gating, and exit
// evaluation for the supported SPX structures.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies a supported structure.
type Type string

const (
	// TypeDoubleCalendar sells a front-month strangle and buys the same
	// strikes in a later expiry.
	TypeDoubleCalendar Type = "double_calendar"
	// TypeIronCondor sells a strangle with protective wings, all one expiry.
	TypeIronCondor Type = "iron_condor"
	// TypePutButterfly buys a 1-2-1 put fly below the market.
	TypePutButterfly Type = "put_butterfly"
)

// Valid reports whether the type is one of the defined constants.
func (t Type) Valid() bool {
	switch t {
	case TypeDoubleCalendar, TypeIronCondor, TypePutButterfly:
		return true
	}
	return false
}

// IsDebit reports whether opening the structure pays money out.
func (t Type) IsDebit() bool {
	return t == TypeDoubleCalendar || t == TypePutButterfly
}

// entryWindowSlack is how far either side of the configured entry time an
// entry may still trigger.
const entryWindowSlack = 5 * time.Minute

// TimeReference anchors a time-based exit to a date.
type TimeReference string

const (
	// RefShortExpiry counts on the earliest leg's expiration day.
	RefShortExpiry TimeReference = "short_expiry"
	// RefLongExpiry counts on the latest leg's expiration day.
	RefLongExpiry TimeReference = "long_expiry"
	// RefEntryDay counts on the day the position was opened.
	RefEntryDay TimeReference = "entry_day"
)

// TimeExit closes the position at a wall-clock time on a reference day.
type TimeExit struct {
	Time      string        // "15:45" eastern
	Reference TimeReference
}

// ExitConfig holds the thresholds the evaluator checks each cycle.
type ExitConfig struct {
	// AbsDeltaThreshold triggers when the net position delta magnitude
	// exceeds it. Zero disables the check.
	AbsDeltaThreshold float64
	// ProfitTarget is an absolute dollar target. Zero disables.
	ProfitTarget float64
	// ProfitTargetPct is a fraction of entry premium. Zero disables.
	ProfitTargetPct float64
	TimeExit        TimeExit
}

// Config is the resolved runtime configuration for one strategy instance.
type Config struct {
	Name   string
	Type   Type
	Symbol string
	// ChainSymbol is the option root used for contract symbols, e.g. SPXW
	// for SPX weeklys.
	ChainSymbol string
	Quantity    int
	EntryTime   string // "10:05" eastern
	EntryDays   []time.Weekday

	ShortDTE int
	LongDTE  int

	PutTarget  float64 // short/center put target
	CallTarget float64 // short call target
	// PremiumTargets switches the delta fields to dollar premium targets.
	PremiumTargets bool
	WingWidth      float64

	// MaxDebit and MinCredit bound the acceptable opening price per combo.
	// Exactly one applies depending on the structure.
	MaxDebit  float64
	MinCredit float64

	Exit ExitConfig
}

// Validate checks the config for internal consistency.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("strategy: missing name")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("strategy %s: unknown type %q", c.Name, c.Type)
	}
	if c.Symbol == "" || c.ChainSymbol == "" {
		return fmt.Errorf("strategy %s: symbol and chain_symbol are required", c.Name)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("strategy %s: quantity %d must be positive", c.Name, c.Quantity)
	}
	if _, err := parseClock(c.EntryTime); err != nil {
		return fmt.Errorf("strategy %s: bad entry_time: %w", c.Name, err)
	}
	if len(c.EntryDays) == 0 {
		return fmt.Errorf("strategy %s: no entry days configured", c.Name)
	}
	if c.ShortDTE < 0 {
		return fmt.Errorf("strategy %s: short_dte %d must be >= 0", c.Name, c.ShortDTE)
	}

	switch c.Type {
	case TypeDoubleCalendar:
		if c.LongDTE <= c.ShortDTE {
			return fmt.Errorf("strategy %s: long_dte %d must exceed short_dte %d", c.Name, c.LongDTE, c.ShortDTE)
		}
		if err := c.validateTargets(c.PutTarget, c.CallTarget); err != nil {
			return err
		}
	case TypeIronCondor:
		if c.WingWidth <= 0 {
			return fmt.Errorf("strategy %s: wing_width must be positive", c.Name)
		}
		if err := c.validateTargets(c.PutTarget, c.CallTarget); err != nil {
			return err
		}
	case TypePutButterfly:
		if c.WingWidth <= 0 {
			return fmt.Errorf("strategy %s: wing_width must be positive", c.Name)
		}
		if err := c.validateTargets(c.PutTarget); err != nil {
			return err
		}
	}

	if c.Type.IsDebit() {
		if c.MaxDebit <= 0 {
			return fmt.Errorf("strategy %s: max_debit is required for debit structures", c.Name)
		}
		if c.MinCredit != 0 {
			return fmt.Errorf("strategy %s: min_credit does not apply to debit structures", c.Name)
		}
	} else {
		if c.MinCredit <= 0 {
			return fmt.Errorf("strategy %s: min_credit is required for credit structures", c.Name)
		}
		if c.MaxDebit != 0 {
			return fmt.Errorf("strategy %s: max_debit does not apply to credit structures", c.Name)
		}
	}

	if err := c.Exit.validate(c.Name); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTargets(targets ...float64) error {
	for _, v := range targets {
		if v <= 0 {
			return fmt.Errorf("strategy %s: selection targets must be positive", c.Name)
		}
		if !c.PremiumTargets && v >= 1 {
			return fmt.Errorf("strategy %s: delta target %.2f outside (0, 1); set premium_targets for dollar targets", c.Name, v)
		}
	}
	return nil
}

func (e *ExitConfig) validate(name string) error {
	if e.AbsDeltaThreshold < 0 {
		return fmt.Errorf("strategy %s: abs_delta_threshold must be >= 0", name)
	}
	if e.ProfitTargetPct < 0 || e.ProfitTargetPct > 10 {
		return fmt.Errorf("strategy %s: profit_target_pct %.2f out of range", name, e.ProfitTargetPct)
	}
	if e.TimeExit.Time != "" {
		if _, err := parseClock(e.TimeExit.Time); err != nil {
			return fmt.Errorf("strategy %s: bad time_exit: %w", name, err)
		}
		switch e.TimeExit.Reference {
		case RefShortExpiry, RefLongExpiry, RefEntryDay:
		default:
			return fmt.Errorf("strategy %s: unknown time_exit reference %q", name, e.TimeExit.Reference)
		}
	}
	return nil
}

// clockTime is a time of day without a date.
type clockTime struct {
	hour, minute int
}

func parseClock(s string) (clockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clockTime{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return clockTime{hour: t.Hour(), minute: t.Minute()}, nil
}

// at pins the clock time onto a date in its location.
func (c clockTime) at(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.minute, 0, 0, day.Location())
}

// InEntryWindow reports whether now falls on a configured entry day within
// the slack band around the entry time. The caller passes eastern time.
func (c *Config) InEntryWindow(now time.Time) bool {
	dayOK := false
	for _, d := range c.EntryDays {
		if now.Weekday() == d {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	ct, err := parseClock(c.EntryTime)
	if err != nil {
		return false
	}
	center := ct.at(now)
	return !now.Before(center.Add(-entryWindowSlack)) && !now.After(center.Add(entryWindowSlack))
}
