// Package chain models option chain snapshots and the strike lookups the
// strategies run against them. A Snapshot is an immutable point-in-time view
// of one expiry; searches never call back into the broker.
package chain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Right identifies the option side.
type Right string

const (
	// Call option right.
	Call Right = "C"
	// Put option right.
	Put Right = "P"
)

// strikeEpsilon absorbs float noise when comparing strikes on the 5-point grid.
const strikeEpsilon = 1e-4

// Record is a single option contract quote inside a snapshot.
type Record struct {
	Symbol       string    `json:"symbol"`
	Expiry       time.Time `json:"expiry"`
	Strike       float64   `json:"strike"`
	Right        Right     `json:"right"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Delta        float64   `json:"delta"`
	Gamma        float64   `json:"gamma"`
	Theta        float64   `json:"theta"`
	Vega         float64   `json:"vega"`
	ImpliedVol   float64   `json:"implied_vol"`
}

// MidPrice returns the bid/ask midpoint, falling back to last when the
// quote is one-sided.
func (r *Record) MidPrice() float64 {
	if r.Bid > 0 && r.Ask > 0 {
		return (r.Bid + r.Ask) / 2
	}
	if r.Last > 0 {
		return r.Last
	}
	return math.Max(r.Bid, r.Ask)
}

// AbsDelta returns the magnitude of delta, so put and call targets compare
// on the same scale.
func (r *Record) AbsDelta() float64 {
	return math.Abs(r.Delta)
}

// Validate rejects records whose greeks or quotes are unusable for
// selection. Chains from live feeds carry plenty of stale rows.
func (r *Record) Validate() error {
	if r.Right != Call && r.Right != Put {
		return fmt.Errorf("invalid right %q", r.Right)
	}
	if r.Strike <= 0 {
		return fmt.Errorf("invalid strike %.2f", r.Strike)
	}
	if math.IsNaN(r.Delta) || math.Abs(r.Delta) > 1.0 {
		return fmt.Errorf("invalid delta %.4f for strike %.0f", r.Delta, r.Strike)
	}
	if r.Bid < 0 || r.Ask < 0 {
		return fmt.Errorf("negative quote for strike %.0f", r.Strike)
	}
	return nil
}

// OSISymbol renders the contract in OSI format, e.g. SPXW250919P04450000.
func (r *Record) OSISymbol() string {
	return FormatOSI(r.Symbol, r.Expiry, r.Right, r.Strike)
}

// FormatOSI builds an OSI option symbol from its components.
func FormatOSI(underlying string, expiry time.Time, right Right, strike float64) string {
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), right, int64(math.Round(strike*1000)))
}

// Snapshot is one expiry's worth of option records, held sorted by strike.
type Snapshot struct {
	Symbol    string
	Expiry    time.Time
	FetchedAt time.Time

	calls []Record
	puts  []Record
}

// NewSnapshot builds a snapshot from an unordered record slice. Records that
// fail validation are dropped rather than poisoning later searches.
func NewSnapshot(symbol string, expiry time.Time, records []Record) *Snapshot {
	s := &Snapshot{
		Symbol:    symbol,
		Expiry:    expiry,
		FetchedAt: time.Now(),
	}
	for i := range records {
		r := records[i]
		if err := r.Validate(); err != nil {
			continue
		}
		switch r.Right {
		case Call:
			s.calls = append(s.calls, r)
		case Put:
			s.puts = append(s.puts, r)
		}
	}
	sort.Slice(s.calls, func(i, j int) bool { return s.calls[i].Strike < s.calls[j].Strike })
	sort.Slice(s.puts, func(i, j int) bool { return s.puts[i].Strike < s.puts[j].Strike })
	return s
}

// Records returns the records for one right, sorted by ascending strike.
// Callers must not mutate the returned slice.
func (s *Snapshot) Records(right Right) []Record {
	if right == Call {
		return s.calls
	}
	return s.puts
}

// Len reports the number of usable records for one right.
func (s *Snapshot) Len(right Right) int {
	return len(s.Records(right))
}

// AtStrike looks up the record at an exact strike.
func (s *Snapshot) AtStrike(right Right, strike float64) (*Record, bool) {
	recs := s.Records(right)
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].Strike >= strike-strikeEpsilon
	})
	if i < len(recs) && math.Abs(recs[i].Strike-strike) < strikeEpsilon {
		return &recs[i], true
	}
	return nil, false
}

// Nearest returns the record whose strike is closest to the given level,
// preferring the lower strike on an exact tie.
func (s *Snapshot) Nearest(right Right, strike float64) (*Record, bool) {
	recs := s.Records(right)
	if len(recs) == 0 {
		return nil, false
	}
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].Strike >= strike-strikeEpsilon
	})
	if i == 0 {
		return &recs[0], true
	}
	if i == len(recs) {
		return &recs[len(recs)-1], true
	}
	below, above := &recs[i-1], &recs[i]
	if strike-below.Strike <= above.Strike-strike {
		return below, true
	}
	return above, true
}

// Strikes returns the sorted strike levels present for one right.
func (s *Snapshot) Strikes(right Right) []float64 {
	recs := s.Records(right)
	out := make([]float64, len(recs))
	for i := range recs {
		out[i] = recs[i].Strike
	}
	return out
}

// EstimateUnderlying approximates the spot from the chain itself: the put
// strike whose delta is closest to -0.50 sits at the money. Used when the
// feed has no separate underlying quote. A chain with no usable puts falls
// back to the midpoint of the listed strike range across both rights, which
// at least anchors searches near the middle of the chain instead of its
// bottom edge.
func (s *Snapshot) EstimateUnderlying() float64 {
	best := 0.0
	bestDiff := math.MaxFloat64
	for i := range s.puts {
		diff := math.Abs(s.puts[i].AbsDelta() - 0.50)
		if diff < bestDiff {
			bestDiff = diff
			best = s.puts[i].Strike
		}
	}
	if best != 0 {
		return best
	}

	lo, hi := math.MaxFloat64, 0.0
	for _, recs := range [][]Record{s.puts, s.calls} {
		for i := range recs {
			if recs[i].Strike < lo {
				lo = recs[i].Strike
			}
			if recs[i].Strike > hi {
				hi = recs[i].Strike
			}
		}
	}
	if hi == 0 {
		return 0
	}
	return (lo + hi) / 2
}
