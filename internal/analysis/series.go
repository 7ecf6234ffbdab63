package analysis

import (
	"math"
	"sync"
	"time"
)

// seriesCapacity bounds the per-symbol history of chain-level readings.
const seriesCapacity = 240

// Reading is one cycle's chain-level observation.
type Reading struct {
	At    time.Time
	PCR   float64
	ATMIV float64
}

// Series keeps bounded PCR and ATM IV history per symbol for PCR velocity
// and IV rank.
type Series struct {
	mu   sync.Mutex
	data map[string][]Reading
}

// NewSeries creates an empty history.
func NewSeries() *Series {
	return &Series{data: make(map[string][]Reading)}
}

// Observe appends a reading, evicting the oldest past capacity.
func (s *Series) Observe(symbol string, r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := append(s.data[symbol], r)
	if len(rs) > seriesCapacity {
		rs = append([]Reading(nil), rs[len(rs)-seriesCapacity:]...)
	}
	s.data[symbol] = rs
}

// PCRAgo returns the latest PCR observed at or before now-ago, or the oldest
// reading when history is shorter than ago.
func (s *Series) PCRAgo(symbol string, now time.Time, ago time.Duration) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.data[symbol]
	if len(rs) == 0 {
		return 0, false
	}
	cutoff := now.Add(-ago)
	for i := len(rs) - 1; i >= 0; i-- {
		if !rs[i].At.After(cutoff) {
			return rs[i].PCR, true
		}
	}
	return rs[0].PCR, true
}

// IVRank places iv within the observed ATM IV range as 0-100.
// It is 50 until the range is known.
func (s *Series) IVRank(symbol string, iv float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, r := range s.data[symbol] {
		if r.ATMIV <= 0 {
			continue
		}
		lo = math.Min(lo, r.ATMIV)
		hi = math.Max(hi, r.ATMIV)
		n++
	}
	if n < 2 || hi <= lo {
		return 50
	}
	rank := (iv - lo) / (hi - lo) * 100
	return math.Min(math.Max(rank, 0), 100)
}
