package verdict

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fno-scanner/internal/analysis"
	"fno-scanner/internal/analysis/indicators"
	"fno-scanner/internal/models"
	"fno-scanner/internal/structure"
)

var fixedNow = time.Date(2024, 1, 24, 11, 15, 0, 0, time.UTC)

func newEngine() *Engine {
	return New(DefaultConfig(), WithClock(func() time.Time { return fixedNow }))
}

func neutralContext() Context {
	return Context{
		Symbol:       "NIFTY",
		Spot:         21537.4,
		ATM:          21550,
		DaysToExpiry: 5,
		Buildup:      analysis.NoBuildup,
		VWAP:         indicators.AtVWAP,
		RSI:          50,
		IVRank:       50,
		PCR:          1.0,
		ATRPct:       2,
	}
}

func straddle(atm float64, size int64) structure.Detection {
	return structure.Detection{
		Kind: structure.Straddle, Confidence: 0.8, Bias: structure.Neutral, Conviction: structure.High,
		Legs: []structure.Leg{
			{Strike: atm, Kind: models.Call, OIChange: size},
			{Strike: atm, Kind: models.Put, OIChange: size},
		},
	}
}

func hedge(strike float64, size int64) structure.Detection {
	leg := structure.Leg{Strike: strike, Kind: models.Put, OIChange: size}
	return structure.Detection{
		Kind: structure.ProtectiveHedge, Confidence: 0.7, Bias: structure.Neutral,
		Conviction: structure.Low, BuyLeg: &leg, Legs: []structure.Leg{leg},
	}
}

func TestTrapOverridesMomentum(t *testing.T) {
	ctx := neutralContext()
	ctx.ATM = 21500
	ctx.DaysToExpiry = 1
	ctx.Momentum = 90
	ctx.Buildup = analysis.LongBuildup
	ctx.Structures = []structure.Detection{
		straddle(21500, 2000),
		hedge(19700, 3000),
		hedge(19800, 2500),
	}

	v := newEngine().Evaluate(ctx)
	if v.Kind != Trap {
		t.Fatalf("kind = %s (trap score %d), want TRAP", v.Kind, v.TrapScore)
	}
	if v.TrapScore != 96 || v.ConfidencePct != 96 {
		t.Errorf("trap score = %d, confidence = %d; want 96", v.TrapScore, v.ConfidencePct)
	}
	if v.EntryType != EntrySkip || v.HoldingPeriod != HoldNone || v.Risk != RiskHigh {
		t.Errorf("trap verdict = %s/%s/%s", v.EntryType, v.HoldingPeriod, v.Risk)
	}
	if v.EntryStrike != nil {
		t.Error("trap verdict should have no entry strike")
	}

	codes := map[FlagCode]bool{}
	for _, f := range v.RedFlags {
		codes[f.Code] = true
	}
	for _, want := range []FlagCode{FlagTrapStraddle, FlagTrapHedging, FlagTrapIlliquid} {
		if !codes[want] {
			t.Errorf("missing red flag %s in %+v", want, v.RedFlags)
		}
	}
}

func TestStraddleAndNearHedgesAreTrap(t *testing.T) {
	ctx := neutralContext()
	ctx.ATM = 21500
	ctx.DaysToExpiry = 1
	ctx.Momentum = 90
	ctx.Buildup = analysis.LongBuildup
	// Hedges 5-8% OTM: the illiquid rule stays quiet.
	ctx.Structures = []structure.Detection{
		straddle(21500, 2000),
		hedge(20200, 900),
		hedge(20250, 800),
	}

	v := newEngine().Evaluate(ctx)
	if v.Kind != Trap {
		t.Fatalf("kind = %s (trap score %d), want TRAP", v.Kind, v.TrapScore)
	}
	for _, f := range v.RedFlags {
		if f.Code == FlagTrapIlliquid {
			t.Errorf("unexpected illiquid flag %+v", f)
		}
	}
}

func TestTrapScoreComponents(t *testing.T) {
	e := newEngine()

	ctx := neutralContext()
	ctx.ATM = 21500
	ctx.DaysToExpiry = 1
	ctx.Structures = []structure.Detection{straddle(21500, 2000)}
	if score, _ := e.trapScore(ctx); score != 35 {
		t.Errorf("straddle near expiry = %d, want 35", score)
	}

	ctx.Structures = append(ctx.Structures, hedge(20300, 900), hedge(20400, 800))
	if score, _ := e.trapScore(ctx); score != 71 {
		t.Errorf("straddle plus near hedges = %d, want 71", score)
	}

	ctx = neutralContext()
	ctx.Buildup = analysis.LongUnwinding
	ctx.PriceChangePct = 3.5
	ctx.IVRank = 85
	ctx.SpikeDistancePct = 9
	ctx.IlliquidSpike = true
	if score, _ := e.trapScore(ctx); score != 85 {
		t.Errorf("unwinding after rally = %d, want 85", score)
	}

	ctx.DaysToExpiry = 0
	ctx.Structures = []structure.Detection{straddle(21550, 1000), hedge(19000, 500), hedge(19100, 500)}
	if score, _ := e.trapScore(ctx); score != 100 {
		t.Errorf("capped score = %d, want 100", score)
	}
}

func TestTiers(t *testing.T) {
	strong := neutralContext()
	strong.Momentum = 80
	strong.Buildup = analysis.LongBuildup
	strong.GEX = -30_000_000
	strong.FIINet = 6000
	strong.VWAP = indicators.AboveVWAP
	strong.VEX = -1

	watch := neutralContext()
	watch.Momentum = 65
	watch.Buildup = analysis.LongBuildup
	watch.IVRank = 20

	spread := watch
	spread.IVRank = 65

	sell := neutralContext()
	sell.Momentum = 65
	sell.Buildup = analysis.ShortBuildup

	strongSell := neutralContext()
	strongSell.Momentum = 80
	strongSell.Buildup = analysis.ShortBuildup
	strongSell.FIINet = -7000
	strongSell.VWAP = indicators.BelowVWAP
	strongSell.RSI = 75

	quiet := neutralContext()
	quiet.Momentum = 90

	tests := []struct {
		name       string
		ctx        Context
		kind       Kind
		confidence int
		entry      EntryType
		hold       Holding
		target     float64
	}{
		{"strong buy", strong, StrongBuy, 95, EntryFuturesOrCE, HoldIntraday, 5},
		{"buy watch cheap iv", watch, BuyWatch, 75, EntryNakedCE, Hold1To5Days, 3},
		{"buy watch rich iv", spread, BuyWatch, 75, EntryBullCallSpread, Hold1To5Days, 3},
		{"sell watch", sell, SellWatch, 75, EntryNakedPE, Hold1To5Days, 3},
		{"strong sell", strongSell, StrongSell, 89, EntryNakedPE, Hold1To3Days, 5},
		{"no signals", quiet, Neutral, 40, EntryWait, HoldWait, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newEngine().Evaluate(tt.ctx)
			if v.Kind != tt.kind {
				t.Fatalf("kind = %s (net %d), want %s", v.Kind, v.NetScore, tt.kind)
			}
			if v.ConfidencePct != tt.confidence {
				t.Errorf("confidence = %d, want %d", v.ConfidencePct, tt.confidence)
			}
			if v.EntryType != tt.entry {
				t.Errorf("entry = %s, want %s", v.EntryType, tt.entry)
			}
			if v.HoldingPeriod != tt.hold {
				t.Errorf("holding = %s, want %s", v.HoldingPeriod, tt.hold)
			}
			if v.TargetPct != tt.target {
				t.Errorf("target = %v, want %v", v.TargetPct, tt.target)
			}
			if v.Kind == Neutral && v.EntryStrike != nil {
				t.Error("neutral verdict should have no entry strike")
			}
			if v.Actionable() && (v.EntryStrike == nil || *v.EntryStrike != tt.ctx.ATM) {
				t.Errorf("entry strike = %v, want ATM", v.EntryStrike)
			}
			if v.ID == "" || !v.CreatedAt.Equal(fixedNow) {
				t.Errorf("id/created = %q/%v", v.ID, v.CreatedAt)
			}
		})
	}
}

func TestStopLossRoundedToTick(t *testing.T) {
	ctx := neutralContext()
	ctx.Momentum = 65
	ctx.Buildup = analysis.LongBuildup

	v := newEngine().Evaluate(ctx)
	// 21537.4 * (1 - 0.02*0.8) = 21192.8016
	if v.StopLoss != 21192.80 {
		t.Errorf("buy stop = %v, want 21192.80", v.StopLoss)
	}

	ctx.Buildup = analysis.ShortBuildup
	v = newEngine().Evaluate(ctx)
	// 21537.4 * 1.016 = 21881.9984
	if v.StopLoss != 21882 {
		t.Errorf("sell stop = %v, want 21882", v.StopLoss)
	}
}

func TestReasonsAndFlags(t *testing.T) {
	ctx := neutralContext()
	ctx.Momentum = 65
	ctx.Buildup = analysis.LongBuildup
	ctx.VelocityZ = 2.7
	ctx.FIINet = 1200
	ctx.GEX = -5_000_000
	ctx.DaysToExpiry = 1
	ctx.PCR = 1.9
	ctx.IVRank = 72
	call := structure.Detection{Kind: structure.BullCallSpread, Confidence: 0.8, Bias: structure.Bullish, Conviction: structure.Medium}
	ctx.Structures = []structure.Detection{call, call}

	v := newEngine().Evaluate(ctx)
	if len(v.KeyReasons) != 4 {
		t.Fatalf("reasons = %+v, want 4", v.KeyReasons)
	}
	wantCodes := []ReasonCode{ReasonBuildup, ReasonVelocity, ReasonStructure, ReasonStructure}
	for i, code := range wantCodes {
		if v.KeyReasons[i].Code != code {
			t.Errorf("reason[%d] = %s, want %s", i, v.KeyReasons[i].Code, code)
		}
	}

	flags := map[FlagCode]bool{}
	for _, f := range v.RedFlags {
		flags[f.Code] = true
	}
	for _, want := range []FlagCode{FlagNearExpiry, FlagIVRankHigh, FlagPCRExtreme} {
		if !flags[want] {
			t.Errorf("missing flag %s", want)
		}
	}
	if v.Risk != RiskNearExpiry {
		t.Errorf("risk = %s, want %s", v.Risk, RiskNearExpiry)
	}
}

func TestRiskHighReward(t *testing.T) {
	ctx := neutralContext()
	ctx.GEX = -60_000_000
	ctx.IVRank = 20
	if r := newEngine().risk(ctx); r != RiskHighReward {
		t.Errorf("risk = %s, want %s", r, RiskHighReward)
	}
}

func TestDegraded(t *testing.T) {
	v := newEngine().Degraded("BANKNIFTY", errors.New("chain unavailable"))
	if v.Kind != Neutral || v.EntryType != EntryWait {
		t.Errorf("degraded = %s/%s", v.Kind, v.EntryType)
	}
	if len(v.RedFlags) != 1 || v.RedFlags[0].Code != FlagComputation {
		t.Errorf("flags = %+v", v.RedFlags)
	}
	if v.ConfidencePct >= 40 {
		t.Errorf("degraded confidence = %d, want low", v.ConfidencePct)
	}
}

// Feature: fno-scanner, Property 12: Verdicts stay bounded and traps never suggest entries
func TestProperty_VerdictBounded(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	buildups := []analysis.Buildup{
		analysis.LongBuildup, analysis.ShortBuildup, analysis.ShortCovering,
		analysis.LongUnwinding, analysis.NoBuildup,
	}
	e := newEngine()

	properties.Property("confidence in [0, 100] and trap means skip", prop.ForAll(
		func(momentum, gex, fii, ivRank, rsi, priceChange float64, dte, b int) bool {
			ctx := neutralContext()
			ctx.Momentum = momentum
			ctx.GEX = gex
			ctx.FIINet = fii
			ctx.IVRank = ivRank
			ctx.RSI = rsi
			ctx.PriceChangePct = priceChange
			ctx.DaysToExpiry = dte
			ctx.Buildup = buildups[b]

			v := e.Evaluate(ctx)
			if v.ConfidencePct < 0 || v.ConfidencePct > 100 {
				return false
			}
			if v.Kind == Trap {
				return v.EntryType == EntrySkip && v.TrapScore > DefaultConfig().TrapThreshold
			}
			return v.ConfidencePct <= 95 && len(v.KeyReasons) <= 4
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(-200_000_000, 200_000_000),
		gen.Float64Range(-20000, 20000),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(-6, 6),
		gen.IntRange(0, 30),
		gen.IntRange(0, len(buildups)-1),
	))

	properties.TestingRun(t)
}
