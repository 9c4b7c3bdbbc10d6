package chain

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rhiggins/spx-autotrader/internal/util"
)

// ErrNoMatchingStrike is returned when a search finds no usable record at all.
var ErrNoMatchingStrike = errors.New("chain: no matching strike")

const (
	// maxSearchSteps caps the directed walk; a chain wider than 100 points
	// from the anchor without convergence is a data problem, not a search one.
	maxSearchSteps = 20
	// deltaTolerance is the convergence threshold for the walk.
	deltaTolerance = 0.02
	// divergenceFactor stops the walk once it is clearly moving away from
	// the best candidate seen so far.
	divergenceFactor = 1.5
	// premiumBandLow and premiumBandHigh bound a premium search; crossing
	// either edge means the walk overshot and the best seen wins.
	premiumBandLow  = 0.5
	premiumBandHigh = 1.5
)

// TargetMode distinguishes what quantity a search converges on.
type TargetMode int

const (
	// ModeDelta searches for a contract whose |delta| is closest to the target.
	ModeDelta TargetMode = iota
	// ModePremium searches for a contract whose midpoint premium is closest
	// to the target, in dollars.
	ModePremium
)

// SearchTarget is an explicit tagged target for the directed strike walk.
// Construct it with DeltaTarget or PremiumTarget; the mode is never inferred
// from the magnitude of the value.
type SearchTarget struct {
	Mode  TargetMode
	Value float64
}

// DeltaTarget builds a delta-mode search target. The value is an absolute
// delta in (0, 1).
func DeltaTarget(v float64) SearchTarget {
	return SearchTarget{Mode: ModeDelta, Value: v}
}

// PremiumTarget builds a premium-mode search target, in dollars per contract.
func PremiumTarget(v float64) SearchTarget {
	return SearchTarget{Mode: ModePremium, Value: v}
}

func (t SearchTarget) String() string {
	if t.Mode == ModePremium {
		return fmt.Sprintf("premium %.2f", t.Value)
	}
	return fmt.Sprintf("delta %.2f", t.Value)
}

func (t SearchTarget) validate() error {
	switch t.Mode {
	case ModeDelta:
		if t.Value <= 0 || t.Value >= 1 {
			return fmt.Errorf("chain: delta target %.4f outside (0, 1)", t.Value)
		}
	case ModePremium:
		if t.Value <= 0 {
			return fmt.Errorf("chain: premium target %.2f must be positive", t.Value)
		}
	default:
		return fmt.Errorf("chain: unknown target mode %d", t.Mode)
	}
	return nil
}

// measure extracts the quantity the search compares against the target.
func (t SearchTarget) measure(r *Record) float64 {
	if t.Mode == ModePremium {
		return r.MidPrice()
	}
	return r.AbsDelta()
}

// FindByDelta walks the chain's listed strikes from an anchor toward the
// target, one strike at a time, keeping the best candidate seen. Both put
// |delta| and put premium increase with strike while their call counterparts
// decrease, so one direction rule covers both modes:
//
//	puts:  measured below target -> walk up
//	calls: measured above target -> walk up
//
// The walk stops on convergence (within 0.02 of the target), on divergence
// (distance exceeds 1.5x the best seen), on a premium crossing outside
// [0.5x, 1.5x] of the target, or after 20 steps. The best candidate is
// returned even when the walk never converged; callers decide whether it is
// close enough.
func FindByDelta(s *Snapshot, right Right, target SearchTarget, anchorStrike float64) (*Record, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	recs := s.Records(right)
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no %s records for %s", ErrNoMatchingStrike, rightName(right), s.Expiry.Format("2006-01-02"))
	}

	idx := nearestIndex(recs, util.RoundToStrike(anchorStrike))

	best := idx
	bestDiff := math.Abs(target.measure(&recs[idx]) - target.Value)

	cur := idx
	for step := 0; step < maxSearchSteps; step++ {
		measured := target.measure(&recs[cur])
		diff := math.Abs(measured - target.Value)
		if diff < bestDiff {
			best, bestDiff = cur, diff
		}
		if diff < deltaTolerance {
			return &recs[best], nil
		}
		if diff > bestDiff*divergenceFactor {
			break
		}
		if target.Mode == ModePremium && cur != best {
			if measured < target.Value*premiumBandLow || measured > target.Value*premiumBandHigh {
				break
			}
		}

		up := measured < target.Value
		if right == Call {
			up = measured > target.Value
		}
		next := cur - 1
		if up {
			next = cur + 1
		}
		if next < 0 || next >= len(recs) {
			break
		}
		cur = next
	}

	return &recs[best], nil
}

// nearestIndex locates the record whose strike is closest to the given
// level, preferring the lower strike on a tie.
func nearestIndex(recs []Record, strike float64) int {
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].Strike >= strike-strikeEpsilon
	})
	if i == 0 {
		return 0
	}
	if i == len(recs) {
		return len(recs) - 1
	}
	if strike-recs[i-1].Strike <= recs[i].Strike-strike {
		return i - 1
	}
	return i
}

func rightName(r Right) string {
	if r == Call {
		return "call"
	}
	return "put"
}
