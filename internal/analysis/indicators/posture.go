package indicators

import (
	"fno-scanner/internal/models"
)

// Default periods for the posture summary.
const (
	DefaultATRPeriod = 14
	DefaultRSIPeriod = 14
)

// VWAPPosition places the last close against VWAP.
type VWAPPosition string

const (
	AboveVWAP VWAPPosition = "ABOVE"
	BelowVWAP VWAPPosition = "BELOW"
	AtVWAP    VWAPPosition = "AT"
)

// Posture is the technical summary consumed by the verdict engine.
type Posture struct {
	ATRPct float64      `json:"atr_pct"`
	RSI    float64      `json:"rsi"`
	VWAP   float64      `json:"vwap"`
	Vs     VWAPPosition `json:"vwap_position"`
}

// Summarize computes posture from intraday candles. VWAP should be fed
// the current session only; ATR and RSI use the whole series.
func Summarize(candles, session []models.Candle) (Posture, error) {
	var p Posture

	atrPct, err := ATRPercent(candles, DefaultATRPeriod)
	if err != nil {
		return p, err
	}
	p.ATRPct = atrPct

	rsi, err := NewRSI(DefaultRSIPeriod).Calculate(candles)
	if err != nil {
		return p, err
	}
	p.RSI = last(rsi)

	if len(session) == 0 {
		session = candles
	}
	vwap, err := NewVWAP().Calculate(session)
	if err != nil {
		return p, err
	}
	p.VWAP = last(vwap)

	closePx := session[len(session)-1].Close
	switch {
	case closePx > p.VWAP:
		p.Vs = AboveVWAP
	case closePx < p.VWAP:
		p.Vs = BelowVWAP
	default:
		p.Vs = AtVWAP
	}
	return p, nil
}
