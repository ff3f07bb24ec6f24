package policy

import (
	"fmt"
	"math"
	"sort"
)

// Coverage categories accepted by the quote calculator.
const (
	CoverageThirdParty       = "third_party"
	CoverageComprehensive    = "comprehensive"
	CoveragePersonalAccident = "personal_accident"
)

// Annual base rates applied to the depreciated vehicle value.
var coverageRates = map[string]float64{
	CoverageThirdParty:       0.035,
	CoverageComprehensive:    0.060,
	CoveragePersonalAccident: 0.020,
}

// depreciationCurve maps vehicle age in years to the retained fraction of
// the purchase value. Full value up to one year, floor beyond twenty.
// Intermediate ages interpolate linearly between breakpoints.
var depreciationCurve = []struct {
	age    int
	factor float64
}{
	{1, 1.00},
	{3, 0.85},
	{5, 0.70},
	{8, 0.55},
	{12, 0.40},
	{20, 0.25},
}

const depreciationFloor = 0.25

// DepreciationFactor returns the retained value fraction for a vehicle age.
func DepreciationFactor(ageYears int) float64 {
	if ageYears <= depreciationCurve[0].age {
		return depreciationCurve[0].factor
	}
	last := depreciationCurve[len(depreciationCurve)-1]
	if ageYears >= last.age {
		return depreciationFloor
	}

	idx := sort.Search(len(depreciationCurve), func(i int) bool {
		return depreciationCurve[i].age >= ageYears
	})
	lo, hi := depreciationCurve[idx-1], depreciationCurve[idx]
	if hi.age == ageYears {
		return hi.factor
	}
	span := float64(hi.age - lo.age)
	pos := float64(ageYears - lo.age)
	return lo.factor + (hi.factor-lo.factor)*pos/span
}

// Pricing is the deterministic quote breakdown.
type Pricing struct {
	DepreciatedValue float64
	BasePremium      float64
	Tax              float64
	Total            float64
}

// Price computes a premium from vehicle value, age and coverage. The same
// inputs always produce the same output; callers wrap it in a Quote with a
// validity window.
func Price(vehicleValue int64, ageYears int, coverage string, taxRate float64) (Pricing, error) {
	if vehicleValue <= 0 {
		return Pricing{}, fmt.Errorf("vehicle value must be positive")
	}
	if ageYears < 0 {
		return Pricing{}, fmt.Errorf("vehicle age must not be negative")
	}
	rate, ok := coverageRates[coverage]
	if !ok {
		return Pricing{}, fmt.Errorf("unknown coverage category %q", coverage)
	}

	depreciated := float64(vehicleValue) * DepreciationFactor(ageYears)
	base := round2(depreciated * rate)
	tax := round2(base * taxRate)
	return Pricing{
		DepreciatedValue: depreciated,
		BasePremium:      base,
		Tax:              tax,
		Total:            round2(base + tax),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
