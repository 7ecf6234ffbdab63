// Package pricing implements Black-76 option pricing on the futures price,
// the Greeks used by the exposure engine and an implied volatility solver.
package pricing

import (
	"math"
	"time"

	"fno-scanner/internal/models"
	"fno-scanner/pkg/utils"
)

const (
	// RiskFreeRate is the annualised rate used for discounting.
	RiskFreeRate = 0.065

	// MinTime is one hour in years. Shorter expiries are floored to it.
	MinTime = 1.0 / (365 * 24)
	// MinVol is the volatility floor and the answer for non-invertible prices.
	MinVol = 0.001
	// MaxVol caps every solver step.
	MaxVol = 5.0

	ivSeed          = 0.30
	ivMaxIterations = 100
	ivTolerance     = 1e-8
)

// Model prices options with a fixed discount rate.
type Model struct {
	Rate float64
}

// Default is the model used by the package-level helpers.
var Default = Model{Rate: RiskFreeRate}

// PriceAndGreeks prices with the default model.
func PriceAndGreeks(f, k, t, sigma float64, kind models.OptionKind) models.GreekResult {
	return Default.PriceAndGreeks(f, k, t, sigma, kind)
}

// ImpliedVolatility solves with the default model.
func ImpliedVolatility(price, f, k, t float64, kind models.OptionKind) IVResult {
	return Default.ImpliedVolatility(price, f, k, t, kind)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// PriceAndGreeks returns price and sensitivities for one contract.
// Vega is per vol point and theta per calendar day.
func (m Model) PriceAndGreeks(f, k, t, sigma float64, kind models.OptionKind) models.GreekResult {
	if t <= 0 {
		t = MinTime
	}
	if sigma <= 0 {
		sigma = MinVol
	}

	r := m.Rate
	sqrtT := math.Sqrt(t)
	v := sigma * sqrtT
	d1 := (math.Log(f/k) + 0.5*sigma*sigma*t) / v
	d2 := d1 - v
	disc := math.Exp(-r * t)
	pdf := normPDF(d1)

	gamma := disc * pdf / (f * v)
	vega := f * disc * pdf * sqrtT / 100
	vanna := -disc * pdf * d2 / sigma
	charm := disc * pdf * (2*r*t - d2*v) / (2 * t * v)
	vomma := vega * d1 * d2 / sigma
	speed := -gamma * (1 + d1/v) / f
	decay := -f * disc * pdf * sigma / (2 * sqrtT)

	res := models.GreekResult{
		Gamma: gamma,
		Vega:  vega,
		Vanna: vanna,
		Vomma: vomma,
		Speed: speed,
	}

	if kind == models.Put {
		res.Price = disc * (k*normCDF(-d2) - f*normCDF(-d1))
		res.Delta = disc * (normCDF(d1) - 1)
		res.Theta = (decay + r*k*disc*normCDF(-d2)) / 365
		res.Charm = -charm
		return res
	}

	res.Price = disc * (f*normCDF(d1) - k*normCDF(d2))
	res.Delta = disc * normCDF(d1)
	res.Theta = (decay - r*k*disc*normCDF(d2)) / 365
	res.Charm = charm
	return res
}

// IVResult is the solver output. Converged is false when the price could
// not be inverted or the residual stayed above tolerance; callers treat
// such results as low confidence.
type IVResult struct {
	Sigma      float64
	Residual   float64
	Iterations int
	Converged  bool
}

// ImpliedVolatility inverts the model price with Newton-Raphson seeded at 0.30.
// Steps that leave the known bracket fall back to bisection.
func (m Model) ImpliedVolatility(price, f, k, t float64, kind models.OptionKind) IVResult {
	if t <= 0 {
		t = MinTime
	}

	disc := math.Exp(-m.Rate * t)
	intrinsic := disc * math.Max(f-k, 0)
	if kind == models.Put {
		intrinsic = disc * math.Max(k-f, 0)
	}
	if price <= intrinsic || f <= 0 || k <= 0 {
		return IVResult{Sigma: MinVol}
	}

	lo, hi := MinVol, MaxVol
	sigma := ivSeed
	res := IVResult{Sigma: sigma}

	for i := 1; i <= ivMaxIterations; i++ {
		g := m.PriceAndGreeks(f, k, t, sigma, kind)
		diff := g.Price - price
		res = IVResult{Sigma: sigma, Residual: diff, Iterations: i}
		if math.Abs(diff) < ivTolerance {
			res.Converged = true
			return res
		}

		// Price is increasing in sigma.
		if diff > 0 {
			hi = sigma
		} else {
			lo = sigma
		}

		jac := g.Vega * 100
		if jac <= 1e-12 {
			sigma = 0.5 * (lo + hi)
			continue
		}
		step := diff / jac
		if math.Abs(step) < 1e-14 {
			res.Converged = math.Abs(diff) < 1e-6*price
			return res
		}
		next := math.Min(math.Max(sigma-step, MinVol), MaxVol)
		if next <= lo || next >= hi {
			next = 0.5 * (lo + hi)
		}
		sigma = next
	}

	return res
}

// TimeToExpiry returns years from now to the 15:30 IST close on the expiry date.
func TimeToExpiry(expiry, now time.Time) float64 {
	d := utils.ExpiryClose(expiry).Sub(now)
	t := d.Hours() / (365 * 24)
	if t < MinTime {
		return MinTime
	}
	return t
}

// Enrich prices every row of a snapshot. Rows with a feed-supplied IV use it;
// others solve IV from their last price. Rows without a price keep zero Greeks.
func (m Model) Enrich(snap *models.ChainSnapshot, now time.Time) []models.PricedRow {
	f := snap.Underlying()
	t := TimeToExpiry(snap.Expiry, now)

	out := make([]models.PricedRow, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		pr := models.PricedRow{ChainRow: row}
		switch {
		case row.ImpliedVol > 0:
			pr.IV = row.ImpliedVol
			pr.IVConfident = true
		case row.LastPrice > 0 && f > 0:
			iv := m.ImpliedVolatility(row.LastPrice, f, row.Strike, t, row.Kind)
			pr.IV = iv.Sigma
			pr.IVConfident = iv.Converged
		}
		if pr.IV > 0 && f > 0 {
			pr.Greeks = m.PriceAndGreeks(f, row.Strike, t, pr.IV, row.Kind)
		}
		out = append(out, pr)
	}
	return out
}

// Enrich prices a snapshot with the default model.
func Enrich(snap *models.ChainSnapshot, now time.Time) []models.PricedRow {
	return Default.Enrich(snap, now)
}

// ATMIV returns the mean IV of the call and put at the at-the-money strike.
func ATMIV(rows []models.PricedRow, atm float64) float64 {
	var sum float64
	var n int
	for _, r := range rows {
		if r.Strike == atm && r.IV > 0 {
			sum += r.IV
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// RoundGreeks trims a result to display precision.
func RoundGreeks(g models.GreekResult) models.GreekResult {
	return models.GreekResult{
		Price: utils.Round(g.Price, 2),
		Delta: utils.Round(g.Delta, 4),
		Gamma: utils.Round(g.Gamma, 6),
		Vega:  utils.Round(g.Vega, 4),
		Theta: utils.Round(g.Theta, 4),
		Vanna: utils.Round(g.Vanna, 6),
		Charm: utils.Round(g.Charm, 6),
		Vomma: utils.Round(g.Vomma, 6),
		Speed: utils.Round(g.Speed, 8),
	}
}
