package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fno-scanner/internal/models"
)

func row(strike float64, kind models.OptionKind, oi, vol int64) models.ChainRow {
	return models.ChainRow{Strike: strike, Kind: kind, OpenInterest: oi, Volume: vol}
}

func fixtureChain() []models.ChainRow {
	return []models.ChainRow{
		row(21300, models.Call, 1000, 100), row(21300, models.Put, 9000, 900),
		row(21400, models.Call, 3000, 300), row(21400, models.Put, 6000, 600),
		row(21500, models.Call, 5000, 500), row(21500, models.Put, 5000, 500),
		row(21600, models.Call, 8000, 800), row(21600, models.Put, 2000, 200),
		row(21700, models.Call, 9500, 950), row(21700, models.Put, 500, 50),
	}
}

func TestClassifyBuildup(t *testing.T) {
	tests := []struct {
		price float64
		oi    int64
		want  Buildup
	}{
		{1.2, 500, LongBuildup},
		{-1.2, 500, ShortBuildup},
		{1.2, -500, ShortCovering},
		{-1.2, -500, LongUnwinding},
		{0, 500, NoBuildup},
	}
	for _, tt := range tests {
		if got := ClassifyBuildup(tt.price, tt.oi); got != tt.want {
			t.Errorf("ClassifyBuildup(%v, %v) = %s, want %s", tt.price, tt.oi, got, tt.want)
		}
	}
}

func TestComputePCR(t *testing.T) {
	p := ComputePCR(fixtureChain())
	if p.CallOI != 26500 || p.PutOI != 22500 {
		t.Fatalf("totals = %d/%d", p.CallOI, p.PutOI)
	}
	if p.ByOI != 0.85 || p.ByVolume != 0.85 {
		t.Errorf("PCR = %v / %v, want 0.85", p.ByOI, p.ByVolume)
	}
	if empty := ComputePCR(nil); empty.ByOI != 0 {
		t.Errorf("empty PCR = %v, want 0", empty.ByOI)
	}
}

func TestFindWalls(t *testing.T) {
	w := FindWalls(fixtureChain(), 21520)
	if w.CallWall != 21700 || w.PutWall != 21300 {
		t.Errorf("walls = %+v, want 21700/21300", w)
	}
	// Nothing above spot: fall back to the heaviest call anywhere.
	if w := FindWalls(fixtureChain(), 30000); w.CallWall != 21700 {
		t.Errorf("fallback call wall = %v", w.CallWall)
	}
}

func TestMaxPain(t *testing.T) {
	chain := []models.ChainRow{
		row(100, models.Call, 10, 0), row(100, models.Put, 50, 0),
		row(110, models.Call, 40, 0), row(110, models.Put, 40, 0),
		row(120, models.Call, 60, 0), row(120, models.Put, 5, 0),
	}
	// Pain at 100: puts 110 (400) + 120 (100) = 500
	// Pain at 110: calls 100 (100) + puts 120 (50) = 150
	// Pain at 120: calls 100 (200) + 110 (400) = 600
	if got := MaxPain(chain); got != 110 {
		t.Errorf("MaxPain = %v, want 110", got)
	}
}

func TestLargestChange(t *testing.T) {
	deltas := map[models.StrikeKey]int64{
		{Strike: 21500, Kind: models.Call}: 900,
		{Strike: 21600, Kind: models.Put}:  -1500,
		{Strike: 21400, Kind: models.Put}:  1500,
	}
	k, d, ok := LargestChange(deltas)
	if !ok || k.Strike != 21400 || d != 1500 {
		t.Errorf("LargestChange = %+v %d %v, want 21400 PE 1500", k, d, ok)
	}
	if TotalOIChange(deltas) != 900 {
		t.Errorf("TotalOIChange = %d, want 900", TotalOIChange(deltas))
	}
}

func TestBiasBands(t *testing.T) {
	tests := []struct {
		name string
		in   BiasInputs
		want BiasVerdict
	}{
		{"all bullish", BiasInputs{FIINetCr: 4000, DIINetCr: 2000, NetGEXCr: 150, PCRNow: 1.4, PCR15MinAgo: 1.0}, StronglyBullish},
		{"flows only", BiasInputs{FIINetCr: 3000, DIINetCr: 3000, NetGEXCr: 50, PCRNow: 1.0, PCR15MinAgo: 1.0}, NeutralBias},
		{"bearish with vix", BiasInputs{FIINetCr: -3000, NetGEXCr: -80, PCRNow: 0.8, PCR15MinAgo: 1.0, IndiaVIX: 24}, StronglyBearish},
		{"mild bearish", BiasInputs{FIINetCr: -2000, NetGEXCr: -60, PCRNow: 0.9, PCR15MinAgo: 1.0}, Bearish},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeBias(tt.in)
			if got.Verdict != tt.want {
				t.Errorf("verdict = %s (score %.3f), want %s", got.Verdict, got.Final, tt.want)
			}
		})
	}
}

// Feature: fno-scanner, Property 11: Bias components and score stay in [-1, 1]
func TestProperty_BiasBounded(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("every component in [-1, 1]", prop.ForAll(
		func(fii, dii, gex, pcrNow, pcrAgo, vix float64) bool {
			c := ComputeBias(BiasInputs{fii, dii, gex, pcrNow, pcrAgo, vix})
			for _, v := range []float64{c.Macro, c.GEX, c.PCRSpeed, c.VIXAdj, c.Final} {
				if v < -1 || v > 1 || math.IsNaN(v) {
					return false
				}
			}
			return c.Verdict == BiasBand(c.Final)
		},
		gen.Float64Range(-20000, 20000),
		gen.Float64Range(-20000, 20000),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(0, 3),
		gen.Float64Range(0, 3),
		gen.Float64Range(5, 60),
	))

	properties.TestingRun(t)
}

func TestSeriesPCRAgoAndIVRank(t *testing.T) {
	s := NewSeries()
	base := time.Date(2024, 1, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.Observe("NIFTY", Reading{
			At:    base.Add(time.Duration(i*3) * time.Minute),
			PCR:   1 + float64(i)*0.01,
			ATMIV: 0.10 + float64(i)*0.01,
		})
	}

	now := base.Add(27 * time.Minute)
	pcr, ok := s.PCRAgo("NIFTY", now, 15*time.Minute)
	if !ok || math.Abs(pcr-1.04) > 1e-9 {
		t.Errorf("PCRAgo = %v, %v; want 1.04", pcr, ok)
	}
	if rank := s.IVRank("NIFTY", 0.145); math.Abs(rank-50) > 1e-9 {
		t.Errorf("IVRank mid = %v, want 50", rank)
	}
	if rank := s.IVRank("NIFTY", 0.30); rank != 100 {
		t.Errorf("IVRank above range = %v, want 100", rank)
	}
	if rank := s.IVRank("BANKNIFTY", 0.2); rank != 50 {
		t.Errorf("IVRank without history = %v, want 50", rank)
	}
	if _, ok := s.PCRAgo("BANKNIFTY", now, time.Minute); ok {
		t.Error("PCRAgo without history should report false")
	}
}
