// Package exposure aggregates per-strike Greeks and open interest into dealer
// hedging exposure, assuming dealers are short calls and short puts.
package exposure

import (
	"math"
	"sort"

	"fno-scanner/internal/models"
)

// gexScale converts gamma to exposure per 1% move.
const gexScale = 0.01

// Result holds chain-wide dealer exposure.
type Result struct {
	GEX float64 `json:"gex"`
	DEX float64 `json:"dex"`
	VEX float64 `json:"vex"`
	CEX float64 `json:"cex"`

	// FlipLevel is the strike where cumulative GEX changes sign.
	FlipLevel    float64 `json:"flip_level,omitempty"`
	HasFlipLevel bool    `json:"has_flip_level"`
}

// Regime describes the dealer gamma posture.
type Regime string

const (
	RegimeLongGamma  Regime = "LONG_GAMMA"  // dealers dampen moves
	RegimeShortGamma Regime = "SHORT_GAMMA" // dealers amplify moves
	RegimeNeutral    Regime = "NEUTRAL"
)

// Regime classifies GEX.
func (r Result) Regime() Regime {
	switch {
	case r.GEX > 0:
		return RegimeLongGamma
	case r.GEX < 0:
		return RegimeShortGamma
	}
	return RegimeNeutral
}

// StrikeGEX is the net gamma exposure at one strike.
type StrikeGEX struct {
	Strike float64
	GEX    float64
}

func rowGEX(r models.PricedRow, lot, spot float64) float64 {
	g := r.Greeks.Gamma * float64(r.OpenInterest) * lot * spot * spot * gexScale
	if r.Kind == models.Call {
		return -g
	}
	return g
}

// Compute aggregates exposure over priced rows.
func Compute(rows []models.PricedRow, spot float64, lotSize int) Result {
	lot := float64(lotSize)
	if lot <= 0 {
		lot = 1
	}

	var res Result
	for _, r := range rows {
		oi := float64(r.OpenInterest)
		res.GEX += rowGEX(r, lot, spot)
		res.DEX += -r.Greeks.Delta * oi * lot
		res.VEX += -r.Greeks.Vanna * oi * lot * spot * r.IV
		res.CEX += -r.Greeks.Charm * oi * lot
	}

	res.FlipLevel, res.HasFlipLevel = FlipLevel(Profile(rows, spot, lotSize))
	return res
}

// Profile returns net GEX per strike in ascending strike order.
func Profile(rows []models.PricedRow, spot float64, lotSize int) []StrikeGEX {
	lot := float64(lotSize)
	if lot <= 0 {
		lot = 1
	}

	byStrike := make(map[float64]float64)
	for _, r := range rows {
		byStrike[r.Strike] += rowGEX(r, lot, spot)
	}

	out := make([]StrikeGEX, 0, len(byStrike))
	for k, v := range byStrike {
		out = append(out, StrikeGEX{Strike: k, GEX: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

// FlipLevel walks cumulative GEX upward in strike and returns the midpoint of
// the first adjacent pair whose cumulative values have opposite signs.
func FlipLevel(profile []StrikeGEX) (float64, bool) {
	var cum, prevCum float64
	for i, p := range profile {
		cum += p.GEX
		if i > 0 && prevCum != 0 && cum != 0 && math.Signbit(prevCum) != math.Signbit(cum) {
			return (profile[i-1].Strike + p.Strike) / 2, true
		}
		prevCum = cum
	}
	return 0, false
}
