package analysis

import (
	"fno-scanner/pkg/utils"
)

// BiasVerdict is the band of a bias score.
type BiasVerdict string

const (
	StronglyBullish BiasVerdict = "STRONGLY_BULLISH"
	Bullish         BiasVerdict = "BULLISH"
	NeutralBias     BiasVerdict = "NEUTRAL"
	Bearish         BiasVerdict = "BEARISH"
	StronglyBearish BiasVerdict = "STRONGLY_BEARISH"
)

// Bias weights and scales.
const (
	weightMacro = 0.25
	weightGEX   = 0.25
	weightPCR   = 0.30
	weightVIX   = 0.20

	macroScaleCr  = 2000.0
	gexScaleCr    = 100.0
	pcrScale      = 0.02 // PCR change per minute worth a full score
	pcrLookbackMn = 15.0
	vixHigh       = 20.0
	vixPenalty    = -0.20
)

// BiasInputs are the raw inputs of the composite bias score.
type BiasInputs struct {
	FIINetCr    float64
	DIINetCr    float64
	NetGEXCr    float64
	PCRNow      float64
	PCR15MinAgo float64
	IndiaVIX    float64
}

// BiasComponents is the score and its parts, each in [-1, 1].
type BiasComponents struct {
	Macro    float64     `json:"macro_score"`
	GEX      float64     `json:"gex_score"`
	PCRSpeed float64     `json:"pcr_velocity"`
	VIXAdj   float64     `json:"vix_adjustment"`
	Final    float64     `json:"final_score"`
	Verdict  BiasVerdict `json:"verdict"`
}

// ComputeBias weighs flows, dealer gamma, PCR momentum and volatility regime.
func ComputeBias(in BiasInputs) BiasComponents {
	c := BiasComponents{
		Macro:    utils.Clamp((0.75*in.FIINetCr+0.25*in.DIINetCr)/macroScaleCr, -1, 1),
		GEX:      utils.Clamp(in.NetGEXCr/gexScaleCr, -1, 1),
		PCRSpeed: utils.Clamp((in.PCRNow-in.PCR15MinAgo)/pcrLookbackMn/pcrScale, -1, 1),
	}
	if in.IndiaVIX > vixHigh {
		c.VIXAdj = vixPenalty
	}

	c.Final = utils.Clamp(
		c.Macro*weightMacro+c.GEX*weightGEX+c.PCRSpeed*weightPCR+c.VIXAdj*weightVIX,
		-1, 1)
	c.Verdict = BiasBand(c.Final)
	return c
}

// BiasBand maps a score to its band.
func BiasBand(score float64) BiasVerdict {
	switch {
	case score >= 0.65:
		return StronglyBullish
	case score >= 0.40:
		return Bullish
	case score <= -0.65:
		return StronglyBearish
	case score <= -0.40:
		return Bearish
	}
	return NeutralBias
}
