package policy

import (
	"math"
	"testing"
)

func TestDepreciationFactorBreakpoints(t *testing.T) {
	cases := []struct {
		age  int
		want float64
	}{
		{0, 1.00},
		{1, 1.00},
		{3, 0.85},
		{5, 0.70},
		{8, 0.55},
		{12, 0.40},
		{20, 0.25},
		{25, 0.25},
		{40, 0.25},
	}
	for _, c := range cases {
		got := DepreciationFactor(c.age)
		if math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("age %d: expected %.2f, got %.4f", c.age, c.want, got)
		}
	}
}

func TestDepreciationFactorInterpolates(t *testing.T) {
	// Age 2 sits halfway between the 1yr and 3yr breakpoints.
	got := DepreciationFactor(2)
	want := (1.00 + 0.85) / 2
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %.4f, got %.4f", want, got)
	}

	// Age 10 sits halfway between 8yr (0.55) and 12yr (0.40).
	got = DepreciationFactor(10)
	want = 0.475
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %.4f, got %.4f", want, got)
	}
}

func TestPriceDeterministic(t *testing.T) {
	first, err := Price(150000, 3, CoverageComprehensive, 0.0025)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Price(150000, 3, CoverageComprehensive, 0.0025)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("identical inputs priced differently: %+v vs %+v", first, second)
	}
	if first.Total != first.BasePremium+first.Tax {
		t.Fatalf("total %.2f does not equal base %.2f + tax %.2f", first.Total, first.BasePremium, first.Tax)
	}
}

func TestPriceRejectsBadInput(t *testing.T) {
	if _, err := Price(0, 3, CoverageThirdParty, 0.0025); err == nil {
		t.Fatal("expected error for zero vehicle value")
	}
	if _, err := Price(100000, -1, CoverageThirdParty, 0.0025); err == nil {
		t.Fatal("expected error for negative age")
	}
	if _, err := Price(100000, 3, "marine", 0.0025); err == nil {
		t.Fatal("expected error for unknown coverage")
	}
}
