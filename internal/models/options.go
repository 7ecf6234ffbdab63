package models

import (
	"math"
	"sort"
	"time"
)

// OptionKind is call or put.
type OptionKind string

const (
	Call OptionKind = "CE"
	Put  OptionKind = "PE"
)

// ChainRow is one contract in a chain snapshot.
type ChainRow struct {
	Strike         float64    `csv:"strike" json:"strike"`
	Kind           OptionKind `csv:"kind" json:"kind"`
	Token          uint32     `csv:"token" json:"token"`
	LastPrice      float64    `csv:"last_price" json:"last_price"`
	OpenInterest   int64      `csv:"open_interest" json:"open_interest"`
	Volume         int64      `csv:"volume" json:"volume"`
	ImpliedVol     float64    `csv:"implied_vol" json:"implied_vol,omitempty"` // 0 when the feed omits it
	PriceChangePct float64    `csv:"price_change_pct" json:"price_change_pct"`
}

// StrikeKey identifies one contract within a chain.
type StrikeKey struct {
	Strike float64
	Kind   OptionKind
}

// ChainSnapshot is one successful chain fetch. Treat it as immutable.
type ChainSnapshot struct {
	Symbol         string
	Expiry         time.Time
	FuturesPrice   float64
	SpotPrice      float64
	PriceChangePct float64
	LotSize        int
	Rows           []ChainRow
	CapturedAt     time.Time
}

// Key returns the row's contract key.
func (r ChainRow) Key() StrikeKey {
	return StrikeKey{Strike: r.Strike, Kind: r.Kind}
}

// Underlying returns the futures price, falling back to spot.
func (s *ChainSnapshot) Underlying() float64 {
	if s.FuturesPrice > 0 {
		return s.FuturesPrice
	}
	return s.SpotPrice
}

// ByKey indexes rows by contract.
func (s *ChainSnapshot) ByKey() map[StrikeKey]ChainRow {
	out := make(map[StrikeKey]ChainRow, len(s.Rows))
	for _, r := range s.Rows {
		out[r.Key()] = r
	}
	return out
}

// Strikes returns the distinct strikes in ascending order.
func (s *ChainSnapshot) Strikes() []float64 {
	seen := make(map[float64]struct{}, len(s.Rows)/2+1)
	strikes := make([]float64, 0, len(s.Rows)/2+1)
	for _, r := range s.Rows {
		if _, ok := seen[r.Strike]; ok {
			continue
		}
		seen[r.Strike] = struct{}{}
		strikes = append(strikes, r.Strike)
	}
	sort.Float64s(strikes)
	return strikes
}

// ATMStrike returns the strike nearest the underlying.
func (s *ChainSnapshot) ATMStrike() float64 {
	under := s.Underlying()
	best, bestDist := 0.0, math.Inf(1)
	for _, k := range s.Strikes() {
		if d := math.Abs(k - under); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// WithRows returns a copy of the snapshot carrying rows instead of the original set.
func (s *ChainSnapshot) WithRows(rows []ChainRow) *ChainSnapshot {
	cp := *s
	cp.Rows = append([]ChainRow(nil), rows...)
	return &cp
}

// Clone returns a deep copy.
func (s *ChainSnapshot) Clone() *ChainSnapshot {
	return s.WithRows(s.Rows)
}

// Validate reports the first missing required field.
func (s *ChainSnapshot) Validate() string {
	switch {
	case s.Symbol == "":
		return "missing symbol"
	case s.Underlying() <= 0:
		return "missing underlying price"
	case len(s.Rows) == 0:
		return "no chain rows"
	case s.Expiry.IsZero():
		return "missing expiry"
	}
	return ""
}

// GreekResult is a pure pricing output.
type GreekResult struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Vanna float64 `json:"vanna"`
	Charm float64 `json:"charm"`
	Vomma float64 `json:"vomma"`
	Speed float64 `json:"speed"`
}

// PricedRow is a chain row enriched with IV and Greeks.
type PricedRow struct {
	ChainRow
	IV          float64
	IVConfident bool
	Greeks      GreekResult
}

// OIChanges returns per-contract open interest change from prev to next.
// Contracts missing from prev are skipped. A nil prev yields no changes.
func OIChanges(prev, next *ChainSnapshot) map[StrikeKey]int64 {
	out := make(map[StrikeKey]int64, len(next.Rows))
	if prev == nil {
		return out
	}
	before := prev.ByKey()
	for _, r := range next.Rows {
		if p, ok := before[r.Key()]; ok {
			out[r.Key()] = r.OpenInterest - p.OpenInterest
		}
	}
	return out
}
