// Package structure infers multi-leg and naked trade structures from
// simultaneous open interest changes across strikes.
package structure

import (
	"math"
	"sort"

	"fno-scanner/internal/models"
)

// Kind is a detected trade structure.
type Kind string

const (
	BullCallSpread  Kind = "BULL_CALL_SPREAD"
	BearPutSpread   Kind = "BEAR_PUT_SPREAD"
	RatioSpread     Kind = "RATIO_SPREAD"
	Straddle        Kind = "STRADDLE"
	Strangle        Kind = "STRANGLE"
	CallWriter      Kind = "CALL_WRITER"
	PutWriter       Kind = "PUT_WRITER"
	ProtectiveHedge Kind = "PROTECTIVE_HEDGE"
	NakedCallBuy    Kind = "NAKED_CALL_BUY"
	NakedPutBuy     Kind = "NAKED_PUT_BUY"
)

// Premium is the net premium direction of the structure.
type Premium string

const (
	Debit  Premium = "DEBIT"
	Credit Premium = "CREDIT"
)

// Bias is the directional lean of a structure.
type Bias string

const (
	Bullish Bias = "BULLISH"
	Bearish Bias = "BEARISH"
	Neutral Bias = "NEUTRAL"
)

// Conviction grades how deliberate the positioning looks.
type Conviction string

const (
	Low    Conviction = "LOW"
	Medium Conviction = "MEDIUM"
	High   Conviction = "HIGH"
)

// Leg is one contract of a structure.
type Leg struct {
	Strike   float64           `json:"strike"`
	Kind     models.OptionKind `json:"kind"`
	OIChange int64             `json:"oi_change"`
}

// Detection is one classified structure.
type Detection struct {
	Kind       Kind       `json:"kind"`
	Confidence float64    `json:"confidence"`
	BuyLeg     *Leg       `json:"buy_leg,omitempty"`
	SellLeg    *Leg       `json:"sell_leg,omitempty"`
	Legs       []Leg      `json:"legs"`
	Premium    Premium    `json:"premium"`
	Bias       Bias       `json:"bias"`
	Conviction Conviction `json:"conviction"`
	Moneyness  float64    `json:"moneyness,omitempty"`
}

// Config holds the classification thresholds.
type Config struct {
	MinOIChange       int64   `mapstructure:"min_oi_change"`
	PairRatio         float64 `mapstructure:"pair_ratio"`
	RatioSpreadSkew   float64 `mapstructure:"ratio_spread_skew"`
	StraddleBandPct   float64 `mapstructure:"straddle_band_pct"`
	HedgeMoneynessPct float64 `mapstructure:"hedge_moneyness_pct"`
	HedgeRallyPct     float64 `mapstructure:"hedge_rally_pct"`
	WriterPricePct    float64 `mapstructure:"writer_price_pct"`
	NearMoneyPct      float64 `mapstructure:"near_money_pct"`
	HighConvictionPct float64 `mapstructure:"high_conviction_pct"`
	// SignificantChangePct additionally requires |ΔOI| to be this share of the
	// contract's current OI. Zero disables the check.
	SignificantChangePct float64 `mapstructure:"significant_change_pct"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinOIChange:       500,
		PairRatio:         0.4,
		RatioSpreadSkew:   2.0,
		StraddleBandPct:   3,
		HedgeMoneynessPct: 5,
		HedgeRallyPct:     1.0,
		WriterPricePct:    0.3,
		NearMoneyPct:      5,
		HighConvictionPct: 3,
	}
}

// Identifier classifies OI changes.
type Identifier struct {
	cfg Config
}

// New creates an Identifier.
func New(cfg Config) *Identifier {
	return &Identifier{cfg: cfg}
}

// Significant drops deltas smaller than SignificantChangePct of the contract's
// current open interest in snap. Contracts missing from snap are kept.
func (id *Identifier) Significant(deltas map[models.StrikeKey]int64, snap *models.ChainSnapshot) map[models.StrikeKey]int64 {
	if id.cfg.SignificantChangePct <= 0 || snap == nil {
		return deltas
	}
	rows := snap.ByKey()
	out := make(map[models.StrikeKey]int64, len(deltas))
	for k, v := range deltas {
		row, ok := rows[k]
		if ok && row.OpenInterest > 0 && float64(abs64(v))*100 < id.cfg.SignificantChangePct*float64(row.OpenInterest) {
			continue
		}
		out[k] = v
	}
	return out
}

// Identify classifies with the default thresholds.
func Identify(deltas map[models.StrikeKey]int64, priceChangePct, atm float64) []Detection {
	return New(DefaultConfig()).Identify(deltas, priceChangePct, atm)
}

type entry struct {
	key    models.StrikeKey
	change int64
}

func (e entry) leg() Leg {
	return Leg{Strike: e.key.Strike, Kind: e.key.Kind, OIChange: e.change}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int64) bool {
	return (a > 0) == (b > 0)
}

func magnitudeRatio(a, b int64) float64 {
	lo, hi := abs64(a), abs64(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi == 0 {
		return 0
	}
	return float64(lo) / float64(hi)
}

// Identify returns detections for one cycle's OI changes.
// Pairs are formed greedily from the largest change down, same-kind pairs
// first; every contract belongs to at most one detection.
func (id *Identifier) Identify(deltas map[models.StrikeKey]int64, priceChangePct, atm float64) []Detection {
	entries := make([]entry, 0, len(deltas))
	for k, v := range deltas {
		if v != 0 && abs64(v) > id.cfg.MinOIChange {
			entries = append(entries, entry{key: k, change: v})
		}
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		ai, aj := abs64(entries[i].change), abs64(entries[j].change)
		if ai != aj {
			return ai > aj
		}
		if entries[i].key.Strike != entries[j].key.Strike {
			return entries[i].key.Strike < entries[j].key.Strike
		}
		return entries[i].key.Kind < entries[j].key.Kind
	})

	used := make([]bool, len(entries))
	var out []Detection

	pair := func(mixed bool) {
		for i := range entries {
			if used[i] {
				continue
			}
			for j := i + 1; j < len(entries); j++ {
				if used[j] {
					continue
				}
				a, b := entries[i], entries[j]
				if (a.key.Kind != b.key.Kind) != mixed {
					continue
				}
				if !sameSign(a.change, b.change) || magnitudeRatio(a.change, b.change) <= id.cfg.PairRatio {
					continue
				}
				used[i], used[j] = true, true
				if mixed {
					out = append(out, id.classifyMixed(a, b, atm))
				} else {
					out = append(out, id.classifySpread(a, b))
				}
				break
			}
		}
	}
	pair(false)
	pair(true)

	for i, e := range entries {
		if used[i] {
			continue
		}
		if d, ok := id.classifySolo(e, priceChangePct, atm); ok {
			out = append(out, d)
		}
	}
	return out
}

func (id *Identifier) classifySpread(a, b entry) Detection {
	lower, upper := a, b
	if lower.key.Strike > upper.key.Strike {
		lower, upper = upper, lower
	}
	legs := []Leg{lower.leg(), upper.leg()}
	kind := a.key.Kind

	if 1/magnitudeRatio(a.change, b.change) > id.cfg.RatioSpreadSkew {
		// The far leg is the upper call or the lower put.
		buy, sell := lower, upper
		bias := Bullish
		if kind == models.Put {
			buy, sell = upper, lower
			bias = Bearish
		}
		premium := Debit
		if abs64(sell.change) > abs64(buy.change) {
			premium = Credit
		}
		bl, sl := buy.leg(), sell.leg()
		return Detection{
			Kind: RatioSpread, Confidence: 0.72,
			BuyLeg: &bl, SellLeg: &sl, Legs: legs,
			Premium: premium, Bias: bias, Conviction: Medium,
		}
	}

	if kind == models.Call {
		bl, sl := lower.leg(), upper.leg()
		return Detection{
			Kind: BullCallSpread, Confidence: 0.80,
			BuyLeg: &bl, SellLeg: &sl, Legs: legs,
			Premium: Debit, Bias: Bullish, Conviction: High,
		}
	}

	bl, sl := upper.leg(), lower.leg()
	return Detection{
		Kind: BearPutSpread, Confidence: 0.80,
		BuyLeg: &bl, SellLeg: &sl, Legs: legs,
		Premium: Debit, Bias: Bearish, Conviction: High,
	}
}

func (id *Identifier) classifyMixed(a, b entry, atm float64) Detection {
	call, put := a, b
	if call.key.Kind != models.Call {
		call, put = put, call
	}
	legs := []Leg{call.leg(), put.leg()}
	bl := call.leg()

	distance := math.Abs(a.key.Strike-atm) + math.Abs(b.key.Strike-atm)
	if distance < atm*id.cfg.StraddleBandPct/100 {
		return Detection{
			Kind: Straddle, Confidence: 0.75, BuyLeg: &bl, Legs: legs,
			Premium: Debit, Bias: Neutral, Conviction: High,
		}
	}
	return Detection{
		Kind: Strangle, Confidence: 0.70, BuyLeg: &bl, Legs: legs,
		Premium: Debit, Bias: Neutral, Conviction: Medium,
	}
}

func (id *Identifier) classifySolo(e entry, priceChangePct, atm float64) (Detection, bool) {
	if e.change <= 0 || atm <= 0 {
		return Detection{}, false
	}

	m := (e.key.Strike - atm) / atm * 100
	leg := e.leg()
	d := Detection{Legs: []Leg{leg}, Moneyness: m}

	switch {
	case e.key.Kind == models.Put && m < -id.cfg.HedgeMoneynessPct && priceChangePct > id.cfg.HedgeRallyPct:
		d.Kind, d.Confidence = ProtectiveHedge, 0.65
		d.BuyLeg, d.Premium, d.Bias, d.Conviction = &leg, Debit, Neutral, Low
	case e.key.Kind == models.Call && priceChangePct < -id.cfg.WriterPricePct:
		d.Kind, d.Confidence = CallWriter, 0.75
		d.SellLeg, d.Premium, d.Bias, d.Conviction = &leg, Credit, Bearish, High
	case e.key.Kind == models.Put && priceChangePct > id.cfg.WriterPricePct:
		d.Kind, d.Confidence = PutWriter, 0.78
		d.SellLeg, d.Premium, d.Bias, d.Conviction = &leg, Credit, Bullish, High
	default:
		d.Kind, d.Bias = NakedCallBuy, Bullish
		if e.key.Kind == models.Put {
			d.Kind, d.Bias = NakedPutBuy, Bearish
		}
		d.Confidence = 0.70
		if math.Abs(m) < id.cfg.NearMoneyPct {
			d.Confidence = 0.85
		}
		d.Conviction = Medium
		if math.Abs(m) < id.cfg.HighConvictionPct {
			d.Conviction = High
		}
		d.BuyLeg, d.Premium = &leg, Debit
	}
	return d, true
}

// Count returns how many detections are of kind k.
func Count(ds []Detection, k Kind) int {
	n := 0
	for _, d := range ds {
		if d.Kind == k {
			n++
		}
	}
	return n
}
