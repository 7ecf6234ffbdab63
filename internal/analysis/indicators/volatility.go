package indicators

import (
	"fmt"

	"fno-scanner/internal/models"
)

// ATR calculates the Average True Range.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) Calculate(candles []models.Candle) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	tr := make([]float64, n)

	// First TR is just high - low
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < n; i++ {
		tr[i] = trueRange(candles[i], candles[i-1])
	}

	// Seed with the SMA, then Wilder smoothing.
	result[a.period-1] = mean(tr[:a.period])
	for i := a.period; i < n; i++ {
		result[i] = (result[i-1]*float64(a.period-1) + tr[i]) / float64(a.period)
	}

	return result, nil
}

// ATRPercent returns the latest ATR as a percentage of the latest close.
func ATRPercent(candles []models.Candle, period int) (float64, error) {
	atr, err := NewATR(period).Calculate(candles)
	if err != nil {
		return 0, err
	}
	closePx := candles[len(candles)-1].Close
	if closePx <= 0 {
		return 0, ErrInsufficientData
	}
	return last(atr) / closePx * 100, nil
}
