package fetcher

import (
	"math"

	"fno-scanner/internal/models"
)

// CompressDeltas returns next restricted to contracts whose OI moved by more
// than floor of the previous OI. Contracts absent from prev, or with zero
// previous OI, are kept when they carry OI now.
func CompressDeltas(prev, next *models.ChainSnapshot, floor float64) *models.ChainSnapshot {
	var before map[models.StrikeKey]models.ChainRow
	if prev != nil {
		before = prev.ByKey()
	}

	kept := make([]models.ChainRow, 0, len(next.Rows))
	for _, r := range next.Rows {
		p, ok := before[r.Key()]
		if !ok || p.OpenInterest == 0 {
			if r.OpenInterest > 0 {
				kept = append(kept, r)
			}
			continue
		}
		delta := math.Abs(float64(r.OpenInterest - p.OpenInterest))
		if delta > floor*float64(p.OpenInterest) {
			kept = append(kept, r)
		}
	}
	return next.WithRows(kept)
}

// Compress filters snap against the stored baseline of its chain, then makes
// snap the new baseline regardless of what was filtered.
func (f *SmartFetcher) Compress(snap *models.ChainSnapshot) *models.ChainSnapshot {
	key := "prev_oi:" + expiryKey(snap.Symbol, snap.Expiry)

	var prev *models.ChainSnapshot
	if v, ok := f.store.Get(key); ok {
		prev, _ = v.(*models.ChainSnapshot)
	}

	out := CompressDeltas(prev, snap, f.cfg.CompressionFloor)
	f.store.Set(key, snap, f.cfg.BaselineTTL)
	return out
}
