package indicators

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fno-scanner/internal/models"
)

// candleGen generates valid candle data with realistic OHLCV values
func candleGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(models.Candle{}), map[string]gopter.Gen{
		"Open":   gen.Float64Range(100.0, 1000.0),
		"High":   gen.Float64Range(100.0, 1000.0),
		"Low":    gen.Float64Range(100.0, 1000.0),
		"Close":  gen.Float64Range(100.0, 1000.0),
		"Volume": gen.Int64Range(1000, 10000000),
	}).Map(func(c models.Candle) models.Candle {
		c.High = math.Max(c.High, math.Max(c.Open, c.Close))
		c.Low = math.Min(c.Low, math.Min(c.Open, c.Close))
		if c.High <= c.Low {
			c.High = c.Low + 1.0
		}
		return c
	})
}

func stamp(candles []models.Candle) []models.Candle {
	start := time.Date(2024, 1, 25, 9, 15, 0, 0, time.UTC)
	for i := range candles {
		candles[i].Timestamp = start.Add(time.Duration(i) * 3 * time.Minute)
	}
	return candles
}

// Feature: fno-scanner, Property 10: Posture indicators stay within bounds
//
// Property: RSI is within [0, 100], ATR% is non-negative, and VWAP lies
// between the lowest low and highest high of the session.
func TestProperty_PostureBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("posture within bounds", prop.ForAll(
		func(candles []models.Candle) bool {
			candles = stamp(candles)
			p, err := Summarize(candles, nil)
			if err != nil {
				return false
			}
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, c := range candles {
				lo = math.Min(lo, c.Low)
				hi = math.Max(hi, c.High)
			}
			return p.RSI >= 0 && p.RSI <= 100 &&
				p.ATRPct >= 0 &&
				p.VWAP >= lo-1e-9 && p.VWAP <= hi+1e-9
		},
		gen.SliceOfN(40, candleGen()),
	))

	properties.TestingRun(t)
}

func TestATRConstantRange(t *testing.T) {
	candles := make([]models.Candle, 20)
	for i := range candles {
		candles[i] = models.Candle{Open: 100, High: 102, Low: 98, Close: 100, Volume: 10}
	}
	pct, err := ATRPercent(candles, 14)
	if err != nil {
		t.Fatalf("ATRPercent: %v", err)
	}
	if math.Abs(pct-4) > 1e-9 {
		t.Errorf("ATR%% = %v, want 4", pct)
	}

	if _, err := ATRPercent(candles[:10], 14); err != ErrInsufficientData {
		t.Errorf("short series err = %v, want ErrInsufficientData", err)
	}
	if _, err := NewATR(0).Calculate(candles); err != ErrInvalidPeriod {
		t.Errorf("zero period err = %v, want ErrInvalidPeriod", err)
	}
}

func TestRSIMonotonicSeries(t *testing.T) {
	up := make([]models.Candle, 20)
	for i := range up {
		px := 100 + float64(i)
		up[i] = models.Candle{Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 100}
	}
	rsi, err := NewRSI(14).Calculate(up)
	if err != nil {
		t.Fatalf("RSI: %v", err)
	}
	if last(rsi) != 100 {
		t.Errorf("RSI of rising series = %v, want 100", last(rsi))
	}
}

func TestSummarizeVWAPPosition(t *testing.T) {
	candles := make([]models.Candle, 20)
	for i := range candles {
		candles[i] = models.Candle{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
	}
	candles[19] = models.Candle{Open: 100, High: 106, Low: 100, Close: 105, Volume: 10}

	p, err := Summarize(candles, nil)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if p.Vs != AboveVWAP {
		t.Errorf("position = %s (vwap %.2f), want ABOVE", p.Vs, p.VWAP)
	}
}
