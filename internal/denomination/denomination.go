// Package denomination decomposes amounts into legal-tender units and rounds
// amounts to values a terminal can actually hand over.
package denomination

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrNoDenominations is returned when a currency has no usable face values.
var ErrNoDenominations = errors.New("no denominations available")

// Part is a number of units of one face value.
type Part struct {
	Face  decimal.Decimal `json:"face"`
	Count int64           `json:"count"`
}

// Decompose greedily splits target into the given faces, largest first,
// assuming unlimited supply. It returns the parts used and the sum they reach,
// which is below target when the faces cannot represent it exactly.
func Decompose(target decimal.Decimal, faces []decimal.Decimal) ([]Part, decimal.Decimal) {
	remaining := target
	reached := decimal.Zero
	var parts []Part

	for _, face := range sortDesc(faces) {
		if remaining.LessThan(face) {
			continue
		}
		q, _ := remaining.QuoRem(face, 0)
		if !q.IsPositive() {
			continue
		}
		used := q.Mul(face)
		parts = append(parts, Part{Face: face, Count: q.IntPart()})
		reached = reached.Add(used)
		remaining = remaining.Sub(used)
	}

	return parts, reached
}

// Round returns the amount closest to amount that can be formed from faces.
// Candidates are the greedy sums of the multiples of the smallest face just
// below and just above amount; an exact tie resolves to the lower one.
func Round(amount decimal.Decimal, faces []decimal.Decimal) (decimal.Decimal, error) {
	sorted := sortDesc(faces)
	if len(sorted) == 0 {
		return decimal.Zero, ErrNoDenominations
	}

	smallest := sorted[len(sorted)-1]
	q, rem := amount.QuoRem(smallest, 0)
	floor := q.Mul(smallest)
	ceil := floor
	if !rem.IsZero() {
		ceil = floor.Add(smallest)
	}

	_, low := Decompose(floor, sorted)
	_, high := Decompose(ceil, sorted)

	if amount.Sub(low).Abs().LessThanOrEqual(high.Sub(amount).Abs()) {
		return low, nil
	}
	return high, nil
}

// sortDesc returns the positive, distinct faces ordered largest first.
func sortDesc(faces []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(faces))
	for _, f := range faces {
		if !f.IsPositive() {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen.Equal(f) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GreaterThan(out[j]) })
	return out
}
