package indicators

import (
	"fno-scanner/internal/models"
)

// VWAP calculates Volume Weighted Average Price.
type VWAP struct{}

// NewVWAP creates a new VWAP indicator.
func NewVWAP() *VWAP {
	return &VWAP{}
}

func (v *VWAP) Name() string {
	return "VWAP"
}

func (v *VWAP) Period() int {
	return 1
}

func (v *VWAP) Calculate(candles []models.Candle) ([]float64, error) {
	if len(candles) == 0 {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(candles))
	var cumulativeTPV, cumulativeVol float64
	for i, c := range candles {
		cumulativeTPV += typicalPrice(c) * float64(c.Volume)
		cumulativeVol += float64(c.Volume)
		if cumulativeVol != 0 {
			result[i] = cumulativeTPV / cumulativeVol
		}
	}

	return result, nil
}
