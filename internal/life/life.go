// Package life maps cycle indices onto a unit-relative life axis.
//
// Life fraction needs the unit's total life L. For a run-to-failure record L
// is the last observed cycle, which is only known in retrospect; a unit still
// in service has no L unless an expected life is supplied.
package life

import (
	"errors"
	"fmt"

	"github.com/obsidianstack/degradiag/pkg/types"
)

// ErrUnknownLifeLength is returned when a unit has no usable life length.
// Life-normalized views are omitted for that unit; raw-cycle indicators stay valid.
var ErrUnknownLifeLength = errors.New("unknown life length")

// Fraction returns c / l clamped to [0, 1].
func Fraction(c, l int) (float64, error) {
	if l <= 0 {
		return 0, fmt.Errorf("life: length %d: %w", l, ErrUnknownLifeLength)
	}
	f := float64(c) / float64(l)
	switch {
	case f < 0:
		return 0, nil
	case f > 1:
		return 1, nil
	}
	return f, nil
}

// Length resolves the life denominator for s. An expected life wins over the
// observed length; an in-service unit without one has no length.
func Length(s *types.Series) (int, error) {
	if s.ExpectedLife > 0 {
		return s.ExpectedLife, nil
	}
	if s.InService {
		return 0, fmt.Errorf("life: unit %s is in service: %w", s.UnitID, ErrUnknownLifeLength)
	}
	if l := s.ObservedLife(); l > 0 {
		return l, nil
	}
	return 0, fmt.Errorf("life: unit %s has no cycles: %w", s.UnitID, ErrUnknownLifeLength)
}

// Fractions returns the life fraction of every cycle of s, index-aligned
// with s.Cycles.
func Fractions(s *types.Series) ([]float64, error) {
	l, err := Length(s)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(s.Cycles))
	for i, c := range s.Cycles {
		// l > 0 here, so Fraction cannot fail.
		out[i], _ = Fraction(c, l)
	}
	return out, nil
}
