// Package analysis derives chain-level signals: OI buildup, put-call ratio,
// OI walls, max pain and the composite directional bias score.
package analysis

import (
	"math"

	"fno-scanner/internal/models"
	"fno-scanner/pkg/utils"
)

// Buildup classifies price and OI moving together.
type Buildup string

const (
	LongBuildup   Buildup = "LONG_BUILDUP"
	ShortBuildup  Buildup = "SHORT_BUILDUP"
	ShortCovering Buildup = "SHORT_COVERING"
	LongUnwinding Buildup = "LONG_UNWINDING"
	NoBuildup     Buildup = "NEUTRAL"
)

// ClassifyBuildup maps the sign of price change and OI change to a buildup.
func ClassifyBuildup(priceChange float64, oiChange int64) Buildup {
	switch {
	case priceChange > 0 && oiChange > 0:
		return LongBuildup
	case priceChange > 0 && oiChange < 0:
		return ShortCovering
	case priceChange < 0 && oiChange > 0:
		return ShortBuildup
	case priceChange < 0 && oiChange < 0:
		return LongUnwinding
	}
	return NoBuildup
}

// PCR holds put-call ratios and the totals behind them.
type PCR struct {
	ByOI      float64 `json:"pcr_oi"`
	ByVolume  float64 `json:"pcr_volume"`
	CallOI    int64   `json:"total_ce_oi"`
	PutOI     int64   `json:"total_pe_oi"`
	CallVol   int64   `json:"total_ce_volume"`
	PutVolume int64   `json:"total_pe_volume"`
}

// ComputePCR totals a chain. Ratios are 0 when the call side is empty.
func ComputePCR(rows []models.ChainRow) PCR {
	var p PCR
	for _, r := range rows {
		if r.Kind == models.Put {
			p.PutOI += r.OpenInterest
			p.PutVolume += r.Volume
		} else {
			p.CallOI += r.OpenInterest
			p.CallVol += r.Volume
		}
	}
	if p.CallOI > 0 {
		p.ByOI = utils.Round(float64(p.PutOI)/float64(p.CallOI), 2)
	}
	if p.CallVol > 0 {
		p.ByVolume = utils.Round(float64(p.PutVolume)/float64(p.CallVol), 2)
	}
	return p
}

// Walls are the strikes carrying the heaviest OI on each side of the underlying.
type Walls struct {
	CallWall float64 `json:"call_wall"` // resistance
	PutWall  float64 `json:"put_wall"`  // support
}

// FindWalls picks the max call OI at or above spot and the max put OI at or
// below it, falling back to the whole chain when a side is empty.
func FindWalls(rows []models.ChainRow, spot float64) Walls {
	pick := func(kind models.OptionKind, side func(strike float64) bool) float64 {
		best, bestOI := 0.0, int64(-1)
		fallback, fallbackOI := 0.0, int64(-1)
		for _, r := range rows {
			if r.Kind != kind {
				continue
			}
			if r.OpenInterest > fallbackOI {
				fallback, fallbackOI = r.Strike, r.OpenInterest
			}
			if side(r.Strike) && r.OpenInterest > bestOI {
				best, bestOI = r.Strike, r.OpenInterest
			}
		}
		if bestOI < 0 {
			return fallback
		}
		return best
	}

	return Walls{
		CallWall: pick(models.Call, func(k float64) bool { return k >= spot }),
		PutWall:  pick(models.Put, func(k float64) bool { return k <= spot }),
	}
}

// MaxPain returns the strike at which option writers pay out the least at expiry.
func MaxPain(rows []models.ChainRow) float64 {
	best, bestPain := 0.0, math.Inf(1)
	seen := make(map[float64]bool)
	for _, candidate := range rows {
		settle := candidate.Strike
		if seen[settle] {
			continue
		}
		seen[settle] = true

		var pain float64
		for _, r := range rows {
			oi := float64(r.OpenInterest)
			switch {
			case r.Kind == models.Call && r.Strike < settle:
				pain += (settle - r.Strike) * oi
			case r.Kind == models.Put && r.Strike > settle:
				pain += (r.Strike - settle) * oi
			}
		}
		if pain < bestPain || (pain == bestPain && settle < best) {
			best, bestPain = settle, pain
		}
	}
	return best
}

// TotalOIChange sums per-contract changes.
func TotalOIChange(deltas map[models.StrikeKey]int64) int64 {
	var total int64
	for _, d := range deltas {
		total += d
	}
	return total
}

// LargestChange returns the contract with the largest absolute OI change.
func LargestChange(deltas map[models.StrikeKey]int64) (models.StrikeKey, int64, bool) {
	var bestKey models.StrikeKey
	var best int64
	found := false
	for k, d := range deltas {
		a := d
		if a < 0 {
			a = -a
		}
		cur := best
		if cur < 0 {
			cur = -cur
		}
		if !found || a > cur || (a == cur && less(k, bestKey)) {
			bestKey, best, found = k, d, true
		}
	}
	return bestKey, best, found
}

func less(a, b models.StrikeKey) bool {
	if a.Strike != b.Strike {
		return a.Strike < b.Strike
	}
	return a.Kind < b.Kind
}
