package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhiggins/spx-autotrader/internal/chain"
)

var (
	frontExpiry = time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	backExpiry  = time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC)
)

type quotedStrike struct {
	strike float64
	delta  float64
	bid    float64
	ask    float64
}

func buildSnapshot(expiry time.Time, calls, puts []quotedStrike) *chain.Snapshot {
	var recs []chain.Record
	for _, q := range calls {
		recs = append(recs, chain.Record{
			Symbol: "SPXW", Expiry: expiry, Strike: q.strike, Right: chain.Call,
			Bid: q.bid, Ask: q.ask, Delta: q.delta,
		})
	}
	for _, q := range puts {
		recs = append(recs, chain.Record{
			Symbol: "SPXW", Expiry: expiry, Strike: q.strike, Right: chain.Put,
			Bid: q.bid, Ask: q.ask, Delta: -q.delta,
		})
	}
	return chain.NewSnapshot("SPXW", expiry, recs)
}

func condorConfig() *Config {
	return &Config{
		Name:        "spx_ic",
		Type:        TypeIronCondor,
		Symbol:      "SPX",
		ChainSymbol: "SPXW",
		Quantity:    1,
		EntryTime:   "10:05",
		EntryDays:   []time.Weekday{time.Friday},
		ShortDTE:    7,
		PutTarget:   0.20,
		CallTarget:  0.20,
		WingWidth:   50,
		MinCredit:   1.00,
		Exit:        ExitConfig{ProfitTargetPct: 0.50},
	}
}

func legByName(t *testing.T, legs []ResolvedLeg, name string) ResolvedLeg {
	t.Helper()
	for _, l := range legs {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("leg %s not resolved", name)
	return ResolvedLeg{}
}

func TestIronCondorSelection(t *testing.T) {
	snap := buildSnapshot(frontExpiry,
		[]quotedStrike{
			{4550, 0.30, 7.9, 8.1},
			{4600, 0.20, 4.9, 5.1},
			{4650, 0.10, 2.4, 2.6},
		},
		[]quotedStrike{
			{4400, 0.10, 2.4, 2.6},
			{4450, 0.20, 4.9, 5.1},
			{4500, 0.30, 7.9, 8.1},
		},
	)

	sel := NewSelector(nil)
	legs, err := sel.Select(condorConfig(), snap, nil, 4500)
	require.NoError(t, err)
	require.Len(t, legs, 4)

	assert.Equal(t, 4450.0, legByName(t, legs, LegShortPut).Record.Strike)
	assert.Equal(t, 4600.0, legByName(t, legs, LegShortCall).Record.Strike)
	assert.Equal(t, 4400.0, legByName(t, legs, LegLongPut).Record.Strike)
	assert.Equal(t, 4650.0, legByName(t, legs, LegLongCall).Record.Strike)

	assert.Equal(t, -1, legByName(t, legs, LegShortPut).Ratio)
	assert.Equal(t, 1, legByName(t, legs, LegLongCall).Ratio)
}

func TestIronCondorWingMissingFails(t *testing.T) {
	// No call strike above the short call: the long call cannot stay on the
	// correct side, so the whole selection must fail.
	snap := buildSnapshot(frontExpiry,
		[]quotedStrike{
			{4550, 0.30, 7.9, 8.1},
			{4600, 0.20, 4.9, 5.1},
		},
		[]quotedStrike{
			{4400, 0.10, 2.4, 2.6},
			{4450, 0.20, 4.9, 5.1},
		},
	)

	sel := NewSelector(nil)
	_, err := sel.Select(condorConfig(), snap, nil, 4500)
	require.Error(t, err)

	var selErr *SelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, LegLongCall, selErr.Leg)
	assert.Equal(t, FailureNoStrike, selErr.Kind)
}

func calendarConfig() *Config {
	return &Config{
		Name:        "spx_dc",
		Type:        TypeDoubleCalendar,
		Symbol:      "SPX",
		ChainSymbol: "SPXW",
		Quantity:    1,
		EntryTime:   "10:05",
		EntryDays:   []time.Weekday{time.Friday},
		ShortDTE:    7,
		LongDTE:     14,
		PutTarget:   0.25,
		CallTarget:  0.25,
		MaxDebit:    15.0,
		Exit:        ExitConfig{AbsDeltaThreshold: 0.20},
	}
}

func TestDoubleCalendarSelection(t *testing.T) {
	front := buildSnapshot(frontExpiry,
		[]quotedStrike{{4550, 0.35, 9.0, 9.2}, {4575, 0.25, 6.0, 6.2}, {4600, 0.15, 3.0, 3.2}},
		[]quotedStrike{{4400, 0.15, 3.0, 3.2}, {4425, 0.25, 6.0, 6.2}, {4450, 0.35, 9.0, 9.2}},
	)
	back := buildSnapshot(backExpiry,
		[]quotedStrike{{4550, 0.34, 12.0, 12.4}, {4575, 0.26, 9.0, 9.4}, {4600, 0.17, 6.0, 6.4}},
		[]quotedStrike{{4400, 0.17, 6.0, 6.4}, {4425, 0.26, 9.0, 9.4}, {4450, 0.34, 12.0, 12.4}},
	)

	sel := NewSelector(nil)
	legs, err := sel.Select(calendarConfig(), front, back, 4500)
	require.NoError(t, err)
	require.Len(t, legs, 4)

	// Back-month legs sit at exactly the front strikes.
	assert.Equal(t, 4425.0, legByName(t, legs, LegFrontPut).Record.Strike)
	assert.Equal(t, 4425.0, legByName(t, legs, LegBackPut).Record.Strike)
	assert.Equal(t, 4575.0, legByName(t, legs, LegFrontCall).Record.Strike)
	assert.Equal(t, 4575.0, legByName(t, legs, LegBackCall).Record.Strike)

	assert.Equal(t, backExpiry, legByName(t, legs, LegBackPut).Record.Expiry)
	assert.Equal(t, -1, legByName(t, legs, LegFrontPut).Ratio)
	assert.Equal(t, 1, legByName(t, legs, LegBackPut).Ratio)
}

func TestDoubleCalendarExactMatchRequired(t *testing.T) {
	front := buildSnapshot(frontExpiry,
		[]quotedStrike{{4575, 0.25, 6.0, 6.2}},
		[]quotedStrike{{4425, 0.25, 6.0, 6.2}},
	)
	// Back expiry lists 4430 instead of 4425: close is not good enough.
	back := buildSnapshot(backExpiry,
		[]quotedStrike{{4575, 0.26, 9.0, 9.4}},
		[]quotedStrike{{4430, 0.26, 9.0, 9.4}},
	)

	sel := NewSelector(nil)
	_, err := sel.Select(calendarConfig(), front, back, 4500)
	require.Error(t, err)

	var selErr *SelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, LegBackPut, selErr.Leg)
	assert.Equal(t, FailureNoBackMatch, selErr.Kind)
}

func TestDoubleCalendarRequiresBackSnapshot(t *testing.T) {
	front := buildSnapshot(frontExpiry,
		[]quotedStrike{{4575, 0.25, 6.0, 6.2}},
		[]quotedStrike{{4425, 0.25, 6.0, 6.2}},
	)
	sel := NewSelector(nil)
	_, err := sel.Select(calendarConfig(), front, nil, 4500)
	assert.Error(t, err)
}

func flyConfig() *Config {
	return &Config{
		Name:        "spx_fly",
		Type:        TypePutButterfly,
		Symbol:      "SPX",
		ChainSymbol: "SPXW",
		Quantity:    1,
		EntryTime:   "13:00",
		EntryDays:   []time.Weekday{time.Wednesday},
		ShortDTE:    0,
		PutTarget:   0.30,
		WingWidth:   20,
		MaxDebit:    1.50,
		Exit:        ExitConfig{TimeExit: TimeExit{Time: "15:45", Reference: RefShortExpiry}},
	}
}

func TestPutButterflySelection(t *testing.T) {
	puts := []quotedStrike{
		{4480, 0.24, 3.0, 3.2},
		{4490, 0.27, 3.9, 4.1},
		{4500, 0.30, 5.0, 5.2},
		{4510, 0.33, 6.1, 6.3},
		{4520, 0.36, 7.3, 7.5},
	}
	snap := buildSnapshot(frontExpiry, nil, puts)

	sel := NewSelector(nil)
	legs, err := sel.Select(flyConfig(), snap, nil, 4500)
	require.NoError(t, err)
	require.Len(t, legs, 3)

	assert.Equal(t, 4500.0, legByName(t, legs, LegBody).Record.Strike)
	assert.Equal(t, 4480.0, legByName(t, legs, LegLowerWing).Record.Strike)
	assert.Equal(t, 4520.0, legByName(t, legs, LegUpperWing).Record.Strike)

	assert.Equal(t, -2, legByName(t, legs, LegBody).Ratio)
	assert.Equal(t, 1, legByName(t, legs, LegLowerWing).Ratio)
	assert.Equal(t, 1, legByName(t, legs, LegUpperWing).Ratio)
}

func TestSelectorFallsBackToChainAnchor(t *testing.T) {
	puts := []quotedStrike{
		{4480, 0.24, 3.0, 3.2},
		{4500, 0.30, 5.0, 5.2},
		{4505, 0.50, 9.0, 9.2},
		{4520, 0.36, 7.3, 7.5},
	}
	snap := buildSnapshot(frontExpiry, nil, puts)

	// Underlying unknown: the anchor comes from the chain's 0.50 delta put.
	sel := NewSelector(nil)
	legs, err := sel.Select(flyConfig(), snap, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 4500.0, legByName(t, legs, LegBody).Record.Strike)
}
