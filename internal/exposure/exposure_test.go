package exposure

import (
	"math"
	"testing"

	"fno-scanner/internal/models"
)

func priced(strike float64, kind models.OptionKind, oi int64, g models.GreekResult) models.PricedRow {
	return models.PricedRow{
		ChainRow: models.ChainRow{Strike: strike, Kind: kind, OpenInterest: oi},
		IV:       0.2,
		Greeks:   g,
	}
}

func TestComputeSingleStrikeGEX(t *testing.T) {
	rows := []models.PricedRow{
		priced(19000, models.Call, 1000, models.GreekResult{Gamma: 0.002, Delta: 0.5}),
		priced(19000, models.Put, 500, models.GreekResult{Gamma: 0.002, Delta: -0.5}),
	}

	res := Compute(rows, 19000, 50)

	// -361,000,000 from calls, +180,500,000 from puts.
	if math.Abs(res.GEX-(-180_500_000)) > 1 {
		t.Errorf("GEX = %.0f, want -180500000", res.GEX)
	}
	if res.Regime() != RegimeShortGamma {
		t.Errorf("Regime = %s, want SHORT_GAMMA", res.Regime())
	}
	// -(0.5*1000 + -0.5*500) * 50
	if math.Abs(res.DEX-(-12500)) > 1e-9 {
		t.Errorf("DEX = %v, want -12500", res.DEX)
	}
	if res.HasFlipLevel {
		t.Errorf("single strike should have no flip level, got %v", res.FlipLevel)
	}
}

func TestFlipLevelMidpoint(t *testing.T) {
	profile := []StrikeGEX{
		{Strike: 21400, GEX: 500},
		{Strike: 21500, GEX: 200},
		{Strike: 21600, GEX: -900},
		{Strike: 21700, GEX: -100},
	}
	level, ok := FlipLevel(profile)
	if !ok || level != 21550 {
		t.Errorf("FlipLevel = %v, %v; want 21550, true", level, ok)
	}

	if _, ok := FlipLevel([]StrikeGEX{{21400, 1}, {21500, 2}}); ok {
		t.Error("no sign change should report no flip level")
	}
}

func TestProfileAggregatesPerStrike(t *testing.T) {
	rows := []models.PricedRow{
		priced(100, models.Put, 10, models.GreekResult{Gamma: 0.01}),
		priced(90, models.Call, 10, models.GreekResult{Gamma: 0.01}),
		priced(100, models.Call, 10, models.GreekResult{Gamma: 0.01}),
	}
	p := Profile(rows, 100, 1)
	if len(p) != 2 || p[0].Strike != 90 || p[1].Strike != 100 {
		t.Fatalf("Profile = %+v", p)
	}
	if p[1].GEX != 0 {
		t.Errorf("strike 100 GEX = %v, want 0 (call and put cancel)", p[1].GEX)
	}
	if p[0].GEX >= 0 {
		t.Errorf("call-only strike GEX = %v, want negative", p[0].GEX)
	}
}
