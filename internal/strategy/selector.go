package strategy

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/rhiggins/spx-autotrader/internal/chain"
)

// Canonical leg names. Order construction and fill attribution key on these.
const (
	LegShortPut  = "short_put"
	LegShortCall = "short_call"
	LegLongPut   = "long_put"
	LegLongCall  = "long_call"
	LegFrontPut  = "front_put"
	LegFrontCall = "front_call"
	LegBackPut   = "back_put"
	LegBackCall  = "back_call"
	LegLowerWing = "lower_wing"
	LegBody      = "body"
	LegUpperWing = "upper_wing"
)

// FailureKind classifies why a leg could not be resolved.
type FailureKind string

const (
	// FailureNoStrike means the chain had no usable strike for the leg.
	FailureNoStrike FailureKind = "no_strike"
	// FailureNoBackMatch means the back expiry does not list the exact
	// front strike a calendar requires.
	FailureNoBackMatch FailureKind = "no_back_month_match"
	// FailureBadTarget means the configured target was unusable.
	FailureBadTarget FailureKind = "bad_target"
	// FailureChainUnavailable means the chain itself could not be fetched.
	// Unlike the other kinds it says nothing about today's market, so
	// callers may retry on the next cycle.
	FailureChainUnavailable FailureKind = "chain_unavailable"
)

// SelectionError reports which leg failed and why. The engine treats any
// selection error as "no trade today", never as a partial structure.
type SelectionError struct {
	Strategy string
	Leg      string
	Kind     FailureKind
	Err      error
}

func (e *SelectionError) Error() string {
	if e.Leg == "" {
		return fmt.Sprintf("strategy %s: %s: %v", e.Strategy, e.Kind, e.Err)
	}
	return fmt.Sprintf("strategy %s: leg %s: %s: %v", e.Strategy, e.Leg, e.Kind, e.Err)
}

func (e *SelectionError) Unwrap() error { return e.Err }

// ResolvedLeg is one leg of a fully resolved structure. Ratio follows the
// position convention: positive long, negative short.
type ResolvedLeg struct {
	Name   string
	Record chain.Record
	Ratio  int
}

// Selector resolves strategy configs into concrete legs against chain
// snapshots. It is stateless; all market data arrives as arguments.
type Selector struct {
	logger *log.Logger
}

// NewSelector creates a selector. A nil logger falls back to the default.
func NewSelector(logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.Default()
	}
	return &Selector{logger: logger}
}

func (c *Config) target(v float64) chain.SearchTarget {
	if c.PremiumTargets {
		return chain.PremiumTarget(v)
	}
	return chain.DeltaTarget(v)
}

// Select resolves the configured structure. front is the short-DTE snapshot;
// back is the long-DTE snapshot and may be nil for single-expiry structures.
// Every leg resolves or none do.
func (s *Selector) Select(cfg *Config, front, back *chain.Snapshot, underlying float64) ([]ResolvedLeg, error) {
	switch cfg.Type {
	case TypeIronCondor:
		return s.ironCondor(cfg, front, underlying)
	case TypeDoubleCalendar:
		if back == nil {
			return nil, fmt.Errorf("strategy %s: double calendar needs a back-month snapshot", cfg.Name)
		}
		return s.doubleCalendar(cfg, front, back, underlying)
	case TypePutButterfly:
		return s.putButterfly(cfg, front, underlying)
	}
	return nil, fmt.Errorf("strategy %s: unknown type %q", cfg.Name, cfg.Type)
}

func selFail(cfg *Config, leg string, kind FailureKind, err error) *SelectionError {
	return &SelectionError{Strategy: cfg.Name, Leg: leg, Kind: kind, Err: err}
}

func classify(err error) FailureKind {
	if errors.Is(err, chain.ErrNoMatchingStrike) {
		return FailureNoStrike
	}
	return FailureBadTarget
}

// ironCondor resolves shorts by target and wings by point offset from the
// shorts, all in the front expiry.
func (s *Selector) ironCondor(cfg *Config, snap *chain.Snapshot, underlying float64) ([]ResolvedLeg, error) {
	anchor := anchorStrike(snap, underlying)

	shortPut, err := chain.FindByDelta(snap, chain.Put, cfg.target(cfg.PutTarget), anchor)
	if err != nil {
		return nil, selFail(cfg, LegShortPut, classify(err), err)
	}
	shortCall, err := chain.FindByDelta(snap, chain.Call, cfg.target(cfg.CallTarget), anchor)
	if err != nil {
		return nil, selFail(cfg, LegShortCall, classify(err), err)
	}
	longPut, err := chain.FindByOffset(snap, chain.Put, shortPut.Strike, -cfg.WingWidth)
	if err != nil {
		return nil, selFail(cfg, LegLongPut, classify(err), err)
	}
	longCall, err := chain.FindByOffset(snap, chain.Call, shortCall.Strike, cfg.WingWidth)
	if err != nil {
		return nil, selFail(cfg, LegLongCall, classify(err), err)
	}

	s.logger.Printf("[%s] condor resolved: P %.0f/%.0f C %.0f/%.0f",
		cfg.Name, longPut.Strike, shortPut.Strike, shortCall.Strike, longCall.Strike)

	return []ResolvedLeg{
		{Name: LegShortPut, Record: *shortPut, Ratio: -1},
		{Name: LegShortCall, Record: *shortCall, Ratio: -1},
		{Name: LegLongPut, Record: *longPut, Ratio: 1},
		{Name: LegLongCall, Record: *longCall, Ratio: 1},
	}, nil
}

// doubleCalendar resolves front strikes by target; the back-month legs must
// exist at exactly those strikes or the whole selection fails.
func (s *Selector) doubleCalendar(cfg *Config, front, back *chain.Snapshot, underlying float64) ([]ResolvedLeg, error) {
	anchor := anchorStrike(front, underlying)

	frontPut, err := chain.FindByDelta(front, chain.Put, cfg.target(cfg.PutTarget), anchor)
	if err != nil {
		return nil, selFail(cfg, LegFrontPut, classify(err), err)
	}
	frontCall, err := chain.FindByDelta(front, chain.Call, cfg.target(cfg.CallTarget), anchor)
	if err != nil {
		return nil, selFail(cfg, LegFrontCall, classify(err), err)
	}

	backPut, ok := back.AtStrike(chain.Put, frontPut.Strike)
	if !ok {
		return nil, selFail(cfg, LegBackPut, FailureNoBackMatch,
			fmt.Errorf("back expiry %s has no put at %.0f", back.Expiry.Format("2006-01-02"), frontPut.Strike))
	}
	backCall, ok := back.AtStrike(chain.Call, frontCall.Strike)
	if !ok {
		return nil, selFail(cfg, LegBackCall, FailureNoBackMatch,
			fmt.Errorf("back expiry %s has no call at %.0f", back.Expiry.Format("2006-01-02"), frontCall.Strike))
	}

	s.logger.Printf("[%s] calendar resolved: put %.0f call %.0f (%s/%s)",
		cfg.Name, frontPut.Strike, frontCall.Strike,
		front.Expiry.Format("0102"), back.Expiry.Format("0102"))

	return []ResolvedLeg{
		{Name: LegFrontPut, Record: *frontPut, Ratio: -1},
		{Name: LegFrontCall, Record: *frontCall, Ratio: -1},
		{Name: LegBackPut, Record: *backPut, Ratio: 1},
		{Name: LegBackCall, Record: *backCall, Ratio: 1},
	}, nil
}

// putButterfly resolves the body by target and the wings symmetrically
// around it. The body carries ratio -2.
func (s *Selector) putButterfly(cfg *Config, snap *chain.Snapshot, underlying float64) ([]ResolvedLeg, error) {
	anchor := anchorStrike(snap, underlying)

	body, err := chain.FindByDelta(snap, chain.Put, cfg.target(cfg.PutTarget), anchor)
	if err != nil {
		return nil, selFail(cfg, LegBody, classify(err), err)
	}
	lower, err := chain.FindByOffset(snap, chain.Put, body.Strike, -cfg.WingWidth)
	if err != nil {
		return nil, selFail(cfg, LegLowerWing, classify(err), err)
	}
	upper, err := chain.FindByOffset(snap, chain.Put, body.Strike, cfg.WingWidth)
	if err != nil {
		return nil, selFail(cfg, LegUpperWing, classify(err), err)
	}

	s.logger.Printf("[%s] fly resolved: %.0f/%.0f/%.0f",
		cfg.Name, lower.Strike, body.Strike, upper.Strike)

	return []ResolvedLeg{
		{Name: LegLowerWing, Record: *lower, Ratio: 1},
		{Name: LegBody, Record: *body, Ratio: -2},
		{Name: LegUpperWing, Record: *upper, Ratio: 1},
	}, nil
}

// anchorStrike picks the delta walk's starting strike: the underlying when
// the feed supplies it, otherwise the chain's own at-the-money estimate.
func anchorStrike(snap *chain.Snapshot, underlying float64) float64 {
	if underlying > 0 && !math.IsNaN(underlying) {
		return underlying
	}
	return snap.EstimateUnderlying()
}
