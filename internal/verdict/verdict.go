// Package verdict fuses the per-cycle signals of one instrument into a
// bounded, explainable verdict, screening for traps first.
package verdict

import (
	"math"
	"time"

	"github.com/google/uuid"

	"fno-scanner/internal/analysis"
	"fno-scanner/internal/analysis/indicators"
	"fno-scanner/internal/structure"
	"fno-scanner/pkg/utils"
)

// Kind is the verdict tier.
type Kind string

const (
	Trap       Kind = "TRAP"
	StrongBuy  Kind = "STRONG_BUY"
	BuyWatch   Kind = "BUY_WATCH"
	Neutral    Kind = "NEUTRAL"
	SellWatch  Kind = "SELL_WATCH"
	StrongSell Kind = "STRONG_SELL"
)

// Bullish reports whether k is a buy tier.
func (k Kind) Bullish() bool { return k == StrongBuy || k == BuyWatch }

// Bearish reports whether k is a sell tier.
func (k Kind) Bearish() bool { return k == StrongSell || k == SellWatch }

// Strong reports whether k is a strong tier.
func (k Kind) Strong() bool { return k == StrongBuy || k == StrongSell }

// EntryType is the suggested vehicle.
type EntryType string

const (
	EntryBullCallSpread EntryType = "BULL_CALL_SPREAD"
	EntryNakedCE        EntryType = "NAKED_CE"
	EntryFuturesOrCE    EntryType = "FUTURES_OR_CE"
	EntryBearPutSpread  EntryType = "BEAR_PUT_SPREAD"
	EntryNakedPE        EntryType = "NAKED_PE"
	EntryWait           EntryType = "WAIT"
	EntrySkip           EntryType = "SKIP"
)

// Holding is the expected holding period.
type Holding string

const (
	HoldIntraday Holding = "INTRADAY"
	Hold1To3Days Holding = "1-3_DAYS"
	Hold1To5Days Holding = "1-5_DAYS"
	HoldWait     Holding = "WAIT"
	HoldNone     Holding = "N/A"
)

// Risk grades the setup.
type Risk string

const (
	RiskHighReward Risk = "HIGH_REWARD"
	RiskNearExpiry Risk = "HIGH_NEAR_EXPIRY"
	RiskMedium     Risk = "MEDIUM"
	RiskHigh       Risk = "HIGH"
)

// ReasonCode identifies a supporting signal.
type ReasonCode string

const (
	ReasonBuildup     ReasonCode = "BUILDUP"
	ReasonVelocity    ReasonCode = "OI_VELOCITY"
	ReasonStructure   ReasonCode = "STRUCTURE"
	ReasonFIIFlow     ReasonCode = "FII_FLOW"
	ReasonNegativeGEX ReasonCode = "NEGATIVE_GEX"
)

// Reason is one supporting signal. Label carries the buildup or structure kind.
type Reason struct {
	Code   ReasonCode           `json:"code"`
	Value  float64              `json:"value,omitempty"`
	Label  string               `json:"label,omitempty"`
	Detail *structure.Detection `json:"detail,omitempty"`
}

// FlagCode identifies a caution.
type FlagCode string

const (
	FlagNearExpiry    FlagCode = "NEAR_EXPIRY"
	FlagIVRankHigh    FlagCode = "IV_RANK_HIGH"
	FlagPCRExtreme    FlagCode = "PCR_EXTREME"
	FlagComputation   FlagCode = "COMPUTATION_FAILED"
	FlagTrapUnwinding FlagCode = "TRAP_UNWINDING_AFTER_RALLY"
	FlagTrapStraddle  FlagCode = "TRAP_STRADDLE_NEAR_EXPIRY"
	FlagTrapHedging   FlagCode = "TRAP_HEDGING_NOT_BEARISH"
	FlagTrapIlliquid  FlagCode = "TRAP_ILLIQUID_STRIKE"
	FlagTrapIVRank    FlagCode = "TRAP_IV_EXPENSIVE"
)

// Flag is one caution.
type Flag struct {
	Code   FlagCode `json:"code"`
	Value  float64  `json:"value,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// Verdict is the outbound result of one scan cycle.
type Verdict struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Kind          Kind      `json:"kind"`
	ConfidencePct int       `json:"confidence_pct"`
	HoldingPeriod Holding   `json:"holding_period"`
	EntryType     EntryType `json:"entry_type"`
	EntryStrike   *float64  `json:"entry_strike,omitempty"`
	StopLoss      float64   `json:"stop_loss"`
	TargetPct     float64   `json:"target_pct"`
	Risk          Risk      `json:"risk"`
	KeyReasons    []Reason  `json:"key_reasons"`
	RedFlags      []Flag    `json:"red_flags"`
	TrapScore     int       `json:"trap_score"`
	Momentum      float64   `json:"momentum"`
	NetScore      int       `json:"net_score"`
	CreatedAt     time.Time `json:"created_at"`
}

// Actionable reports whether the verdict suggests a trade.
func (v *Verdict) Actionable() bool {
	return v.Kind.Bullish() || v.Kind.Bearish()
}

// Context carries every signal of one cycle.
type Context struct {
	Symbol         string
	Spot           float64
	ATM            float64
	DaysToExpiry   int
	Momentum       float64
	VelocityZ      float64
	Buildup        analysis.Buildup
	PriceChangePct float64
	GEX            float64
	VEX            float64
	Structures     []structure.Detection
	FIINet         float64
	VWAP           indicators.VWAPPosition
	RSI            float64 // 50 when unknown
	IVRank         float64 // 50 when unknown
	PCR            float64
	ATRPct         float64

	// SpikeDistancePct is how far the largest OI change of the cycle sits from ATM.
	SpikeDistancePct float64
	IlliquidSpike    bool
}

// Config holds the scoring thresholds.
type Config struct {
	TrapThreshold       int     `mapstructure:"trap_threshold"`
	StrongNet           float64 `mapstructure:"strong_net"`
	WatchNet            float64 `mapstructure:"watch_net"`
	StrongMomentum      float64 `mapstructure:"strong_momentum"`
	WatchMomentum       float64 `mapstructure:"watch_momentum"`
	BullishGEX          float64 `mapstructure:"bullish_gex"`
	FIIThreshold        float64 `mapstructure:"fii_threshold"`
	SpreadIVRank        float64 `mapstructure:"spread_iv_rank"`
	NakedIVRank         float64 `mapstructure:"naked_iv_rank"`
	SpreadDTE           int     `mapstructure:"spread_dte"`
	StrongTargetMult    float64 `mapstructure:"strong_target_mult"`
	WatchTargetMult     float64 `mapstructure:"watch_target_mult"`
	StopATRMult         float64 `mapstructure:"stop_atr_mult"`
	IlliquidDistancePct float64 `mapstructure:"illiquid_distance_pct"`
	DefaultATRPct       float64 `mapstructure:"default_atr_pct"`
	TickSize            float64 `mapstructure:"tick_size"`
	MaxReasons          int     `mapstructure:"max_reasons"`

	// Trap score contributions. Straddle plus hedging must exceed TrapThreshold on its own.
	UnwindingWeight int `mapstructure:"unwinding_weight"`
	StraddleWeight  int `mapstructure:"straddle_weight"`
	HedgingWeight   int `mapstructure:"hedging_weight"`
	IlliquidWeight  int `mapstructure:"illiquid_weight"`
	IVRankWeight    int `mapstructure:"iv_rank_weight"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TrapThreshold:       70,
		UnwindingWeight:     40,
		StraddleWeight:      35,
		HedgingWeight:       36,
		IlliquidWeight:      25,
		IVRankWeight:        20,
		StrongNet:           35,
		WatchNet:            20,
		StrongMomentum:      75,
		WatchMomentum:       60,
		BullishGEX:          -20_000_000,
		FIIThreshold:        5000,
		SpreadIVRank:        60,
		NakedIVRank:         35,
		SpreadDTE:           3,
		StrongTargetMult:    2.5,
		WatchTargetMult:     1.5,
		StopATRMult:         0.8,
		IlliquidDistancePct: 8,
		DefaultATRPct:       2.0,
		TickSize:            0.05,
		MaxReasons:          4,
	}
}

// Engine produces verdicts.
type Engine struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) base(symbol string) Verdict {
	return Verdict{
		ID:         e.newID(),
		Symbol:     symbol,
		CreatedAt:  e.now(),
		KeyReasons: []Reason{},
		RedFlags:   []Flag{},
	}
}

// Evaluate scores one cycle.
func (e *Engine) Evaluate(ctx Context) Verdict {
	v := e.base(ctx.Symbol)
	v.Momentum = ctx.Momentum

	trap, trapFlags := e.trapScore(ctx)
	v.TrapScore = trap
	if trap > e.cfg.TrapThreshold {
		v.Kind = Trap
		v.ConfidencePct = trap
		v.HoldingPeriod = HoldNone
		v.EntryType = EntrySkip
		v.Risk = RiskHigh
		v.RedFlags = trapFlags
		return v
	}

	net := int(e.bullStrength(ctx)) - int(e.bearStrength(ctx))
	v.NetScore = net
	n := float64(net)

	switch {
	case n > e.cfg.StrongNet && ctx.Momentum > e.cfg.StrongMomentum:
		v.Kind = StrongBuy
		v.ConfidencePct = min(95, 60+net/2)
		v.HoldingPeriod = HoldIntraday
		if ctx.VelocityZ > 2.5 {
			v.HoldingPeriod = Hold1To3Days
		}
	case n > e.cfg.WatchNet && ctx.Momentum > e.cfg.WatchMomentum:
		v.Kind = BuyWatch
		v.ConfidencePct = min(80, 50+net)
		v.HoldingPeriod = Hold1To5Days
	case n < -e.cfg.StrongNet && ctx.Momentum > e.cfg.StrongMomentum:
		v.Kind = StrongSell
		v.ConfidencePct = min(95, 60+(-net)/2)
		v.HoldingPeriod = Hold1To3Days
	case n < -e.cfg.WatchNet && ctx.Momentum > e.cfg.WatchMomentum:
		v.Kind = SellWatch
		v.ConfidencePct = min(80, 50-net)
		v.HoldingPeriod = Hold1To5Days
	default:
		v.Kind = Neutral
		v.ConfidencePct = 40
		v.HoldingPeriod = HoldWait
	}

	v.EntryType, v.EntryStrike = e.entry(v.Kind, ctx)
	v.TargetPct, v.StopLoss = e.levels(v.Kind, ctx)
	v.Risk = e.risk(ctx)
	v.KeyReasons = e.reasons(ctx)
	v.RedFlags = e.redFlags(ctx)
	return v
}

// Degraded is the verdict for a symbol whose signals could not be computed.
func (e *Engine) Degraded(symbol string, err error) Verdict {
	v := e.base(symbol)
	v.Kind = Neutral
	v.ConfidencePct = 10
	v.HoldingPeriod = HoldWait
	v.EntryType = EntryWait
	v.Risk = RiskHigh
	v.RedFlags = append(v.RedFlags, Flag{Code: FlagComputation, Detail: err.Error()})
	return v
}

func (e *Engine) spikeDistance(ctx Context) float64 {
	dist := ctx.SpikeDistancePct
	if ctx.ATM <= 0 {
		return dist
	}
	var largest int64
	for _, d := range ctx.Structures {
		for _, l := range d.Legs {
			size := l.OIChange
			if size < 0 {
				size = -size
			}
			if size > largest {
				largest = size
				dist = math.Max(dist, math.Abs(l.Strike-ctx.ATM)/ctx.ATM*100)
			}
		}
	}
	return dist
}

func (e *Engine) trapScore(ctx Context) (int, []Flag) {
	score := 0
	var flags []Flag

	if ctx.Buildup == analysis.LongUnwinding && ctx.PriceChangePct > 3 {
		score += e.cfg.UnwindingWeight
		flags = append(flags, Flag{Code: FlagTrapUnwinding, Value: ctx.PriceChangePct})
	}

	if structure.Count(ctx.Structures, structure.Straddle) > 0 && ctx.DaysToExpiry < 2 {
		score += e.cfg.StraddleWeight
		flags = append(flags, Flag{Code: FlagTrapStraddle, Value: float64(ctx.DaysToExpiry)})
	}

	if hedges := structure.Count(ctx.Structures, structure.ProtectiveHedge); hedges >= 2 {
		score += e.cfg.HedgingWeight
		flags = append(flags, Flag{Code: FlagTrapHedging, Value: float64(hedges)})
	}

	if dist := e.spikeDistance(ctx); dist > e.cfg.IlliquidDistancePct || ctx.IlliquidSpike {
		score += e.cfg.IlliquidWeight
		flags = append(flags, Flag{Code: FlagTrapIlliquid, Value: utils.Round(dist, 2)})
	}

	if ctx.IVRank > 80 {
		score += e.cfg.IVRankWeight
		flags = append(flags, Flag{Code: FlagTrapIVRank, Value: ctx.IVRank})
	}

	if score > 100 {
		score = 100
	}
	if flags == nil {
		flags = []Flag{}
	}
	return score, flags
}

func convictionWeight(c structure.Conviction) float64 {
	switch c {
	case structure.High:
		return 20
	case structure.Medium:
		return 12
	case structure.Low:
		return 6
	}
	return 10
}

func (e *Engine) bullStrength(ctx Context) float64 {
	var s float64
	switch ctx.Buildup {
	case analysis.LongBuildup:
		s += 25
	case analysis.ShortCovering:
		s += 15
	}
	if ctx.GEX < e.cfg.BullishGEX {
		s += 15
	}
	for _, d := range ctx.Structures {
		if d.Bias == structure.Bullish {
			s += convictionWeight(d.Conviction) * d.Confidence
		}
	}
	if ctx.FIINet > e.cfg.FIIThreshold {
		s += 15
	}
	if ctx.VWAP == indicators.AboveVWAP {
		s += 10
	}
	if ctx.RSI < 40 {
		s += 8
	}
	if ctx.VEX < 0 {
		s += 8
	}
	return s
}

func (e *Engine) bearStrength(ctx Context) float64 {
	var s float64
	switch ctx.Buildup {
	case analysis.ShortBuildup:
		s += 25
	case analysis.LongUnwinding:
		s += 15
	}
	for _, d := range ctx.Structures {
		if d.Bias == structure.Bearish {
			s += convictionWeight(d.Conviction) * d.Confidence
		}
	}
	if ctx.FIINet < -e.cfg.FIIThreshold {
		s += 15
	}
	if ctx.VWAP == indicators.BelowVWAP {
		s += 10
	}
	if ctx.RSI > 70 {
		s += 8
	}
	return s
}

func (e *Engine) entry(k Kind, ctx Context) (EntryType, *float64) {
	atm := ctx.ATM
	spreadWorthy := ctx.IVRank > e.cfg.SpreadIVRank || ctx.DaysToExpiry < e.cfg.SpreadDTE

	switch {
	case k.Bullish() && spreadWorthy:
		return EntryBullCallSpread, &atm
	case k.Bullish() && ctx.IVRank < e.cfg.NakedIVRank:
		return EntryNakedCE, &atm
	case k.Bullish():
		return EntryFuturesOrCE, &atm
	case k.Bearish() && spreadWorthy:
		return EntryBearPutSpread, &atm
	case k.Bearish():
		return EntryNakedPE, &atm
	}
	return EntryWait, nil
}

func (e *Engine) levels(k Kind, ctx Context) (target, stop float64) {
	atr := ctx.ATRPct
	if atr <= 0 {
		atr = e.cfg.DefaultATRPct
	}

	switch {
	case k.Strong():
		target = utils.Round(atr*e.cfg.StrongTargetMult, 2)
	case k.Bullish() || k.Bearish():
		target = utils.Round(atr*e.cfg.WatchTargetMult, 2)
	}

	offset := atr / 100 * e.cfg.StopATRMult
	switch {
	case k.Bullish():
		stop = utils.RoundToTick(ctx.Spot*(1-offset), e.cfg.TickSize)
	case k.Bearish():
		stop = utils.RoundToTick(ctx.Spot*(1+offset), e.cfg.TickSize)
	}
	return target, stop
}

func (e *Engine) risk(ctx Context) Risk {
	switch {
	case ctx.GEX < -50_000_000 && ctx.IVRank < 30:
		return RiskHighReward
	case ctx.DaysToExpiry < 2:
		return RiskNearExpiry
	}
	return RiskMedium
}

func (e *Engine) reasons(ctx Context) []Reason {
	out := []Reason{}
	if ctx.Buildup != analysis.NoBuildup && ctx.Buildup != "" {
		out = append(out, Reason{Code: ReasonBuildup, Label: string(ctx.Buildup)})
	}
	if ctx.VelocityZ > 2 {
		out = append(out, Reason{Code: ReasonVelocity, Value: utils.Round(ctx.VelocityZ, 2)})
	}
	for i := range ctx.Structures {
		if i == 2 {
			break
		}
		d := ctx.Structures[i]
		out = append(out, Reason{Code: ReasonStructure, Label: string(d.Kind), Value: d.Confidence, Detail: &d})
	}
	if ctx.FIINet > 0 {
		out = append(out, Reason{Code: ReasonFIIFlow, Value: ctx.FIINet})
	}
	if ctx.GEX < 0 {
		out = append(out, Reason{Code: ReasonNegativeGEX, Value: ctx.GEX})
	}

	if limit := e.cfg.MaxReasons; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Engine) redFlags(ctx Context) []Flag {
	out := []Flag{}
	if ctx.DaysToExpiry < 2 {
		out = append(out, Flag{Code: FlagNearExpiry, Value: float64(ctx.DaysToExpiry)})
	}
	if ctx.IVRank > 70 {
		out = append(out, Flag{Code: FlagIVRankHigh, Value: ctx.IVRank})
	}
	if ctx.PCR > 1.8 || (ctx.PCR > 0 && ctx.PCR < 0.4) {
		out = append(out, Flag{Code: FlagPCRExtreme, Value: ctx.PCR})
	}
	return out
}
