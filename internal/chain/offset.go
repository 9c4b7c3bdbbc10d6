package chain

import (
	"fmt"
	"sort"

	"github.com/rhiggins/spx-autotrader/internal/util"
)

// FindByOffset resolves the strike at a signed point offset from a reference
// strike. The ideal level is the reference plus the offset, rounded to the
// 5-point grid. When that exact level is missing the pick stays on the side
// of the reference the offset's sign implies: a positive offset never
// resolves at or below the reference, a negative one never at or above it.
// Within the correct side a positive offset takes the smallest listed strike
// at or above the ideal level and a negative one the largest at or below it,
// so a sparse chain widens the wing rather than narrowing it. Only when the
// ideal level falls outside the side's range does the pick clamp to its edge.
//
// A zero offset means the reference strike itself, falling back to the
// nearest listed strike when the reference is not listed.
func FindByOffset(s *Snapshot, right Right, refStrike, offset float64) (*Record, error) {
	recs := s.Records(right)
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no %s records for %s", ErrNoMatchingStrike, rightName(right), s.Expiry.Format("2006-01-02"))
	}

	ideal := util.RoundToStrike(refStrike + offset)

	if offset == 0 {
		if r, ok := s.AtStrike(right, refStrike); ok {
			return r, nil
		}
		r, _ := s.Nearest(right, refStrike)
		return r, nil
	}

	if offset > 0 {
		// First strike strictly above the reference.
		lo := sort.Search(len(recs), func(i int) bool {
			return recs[i].Strike > refStrike+strikeEpsilon
		})
		if lo == len(recs) {
			return nil, fmt.Errorf("%w: no %s strike above reference %.0f", ErrNoMatchingStrike, rightName(right), refStrike)
		}
		return ceilInRange(recs[lo:], ideal), nil
	}

	// First index at or above the reference; everything before it is
	// strictly below.
	hi := sort.Search(len(recs), func(i int) bool {
		return recs[i].Strike >= refStrike-strikeEpsilon
	})
	if hi == 0 {
		return nil, fmt.Errorf("%w: no %s strike below reference %.0f", ErrNoMatchingStrike, rightName(right), refStrike)
	}
	return floorInRange(recs[:hi], ideal), nil
}

// ceilInRange picks the smallest strike at or above the ideal level from a
// non-empty sorted slice, clamping to the top when every strike is below it.
func ceilInRange(recs []Record, ideal float64) *Record {
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].Strike >= ideal-strikeEpsilon
	})
	if i == len(recs) {
		return &recs[len(recs)-1]
	}
	return &recs[i]
}

// floorInRange picks the largest strike at or below the ideal level from a
// non-empty sorted slice, clamping to the bottom when every strike is above it.
func floorInRange(recs []Record, ideal float64) *Record {
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].Strike > ideal+strikeEpsilon
	})
	if i == 0 {
		return &recs[0]
	}
	return &recs[i-1]
}
