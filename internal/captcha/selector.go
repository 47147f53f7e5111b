package captcha

import (
	"fmt"
	"math/rand/v2"
)

// maxDraws bounds the rejection sampler. With a range of at least two values
// the chance of exhausting it is below 2^-32.
const maxDraws = 32

// Selection is the outcome of one icon pick.
type Selection struct {
	CorrectIconID   int
	IncorrectIconID int
	CorrectPosition int
}

// Selector picks the correct icon, the decoy icon and the slot that holds
// the correct icon.
type Selector struct {
	minID     int
	maxID     int
	positions int
	rng       *rand.Rand
}

// NewSelector validates the ranges. rng may be nil to use the global source.
func NewSelector(minID, maxID, positions int, rng *rand.Rand) (*Selector, error) {
	if minID < 1 || maxID-minID+1 < 2 {
		return nil, fmt.Errorf("icon id range [%d, %d] must hold at least two ids", minID, maxID)
	}
	if positions < 2 {
		return nil, fmt.Errorf("icon count %d must be at least 2", positions)
	}
	return &Selector{minID: minID, maxID: maxID, positions: positions, rng: rng}, nil
}

// Pick draws a selection. lastClicked is the position clicked in the
// previous challenge for the slot, or 0 when unknown.
func (s *Selector) Pick(lastClicked int) Selection {
	correct := s.intn(s.maxID-s.minID+1) + s.minID
	incorrect := s.drawExcluding(s.minID, s.maxID, correct)
	position := 0
	if lastClicked >= 1 && lastClicked <= s.positions {
		position = s.drawExcluding(1, s.positions, lastClicked)
	} else {
		position = s.intn(s.positions) + 1
	}
	return Selection{
		CorrectIconID:   correct,
		IncorrectIconID: incorrect,
		CorrectPosition: position,
	}
}

// drawExcluding returns a uniform value in [lo, hi] other than excluded.
func (s *Selector) drawExcluding(lo, hi, excluded int) int {
	n := hi - lo + 1
	for i := 0; i < maxDraws; i++ {
		if v := s.intn(n) + lo; v != excluded {
			return v
		}
	}
	// Shift past the excluded value; still uniform over the remaining n-1.
	v := s.intn(n-1) + lo
	if v >= excluded {
		v++
	}
	return v
}

func (s *Selector) intn(n int) int {
	if s.rng != nil {
		return s.rng.IntN(n)
	}
	return rand.IntN(n)
}
