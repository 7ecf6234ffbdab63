// Package velocity tracks per-contract open interest history and derives
// velocity, acceleration, z-score and a momentum score from it.
package velocity

import (
	"math"
	"time"
)

const (
	// HistoryCapacity bounds each contract's sample ring.
	HistoryCapacity = 60

	// barMinutes is the nominal spacing between samples.
	barMinutes = 3

	zScoreWindow     = 5
	zScoreMinSamples = 10
	accelOffsetBars  = 10
	accelWindowBars  = 5
)

// Sample is one observation of a contract.
type Sample struct {
	At           time.Time
	OpenInterest int64
	Volume       int64
}

// History is a fixed-capacity ring of samples, oldest evicted first.
type History struct {
	buf   [HistoryCapacity]Sample
	start int
	n     int
}

// Append adds s, evicting the oldest sample when full.
func (h *History) Append(s Sample) {
	if h.n < HistoryCapacity {
		h.buf[(h.start+h.n)%HistoryCapacity] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % HistoryCapacity
}

// Len returns the number of stored samples.
func (h *History) Len() int { return h.n }

// At returns the i-th oldest sample.
func (h *History) At(i int) Sample {
	return h.buf[(h.start+i)%HistoryCapacity]
}

// Last returns the newest sample.
func (h *History) Last() (Sample, bool) {
	if h.n == 0 {
		return Sample{}, false
	}
	return h.At(h.n - 1), true
}

// Samples copies the ring oldest first.
func (h *History) Samples() []Sample {
	out := make([]Sample, h.n)
	for i := range out {
		out[i] = h.At(i)
	}
	return out
}

// Freshness buckets volume relative to open interest.
type Freshness string

const (
	ExtremeFresh  Freshness = "EXTREME_FRESH"
	MostlyFresh   Freshness = "MOSTLY_FRESH"
	Mixed         Freshness = "MIXED"
	MostlyClosing Freshness = "MOSTLY_CLOSING"
	Unknown       Freshness = "UNKNOWN"
)

// Engine computes statistics for one contract.
type Engine struct {
	hist History
}

// Add records a sample. Samples not newer than the last one are dropped and
// Add reports false.
func (e *Engine) Add(s Sample) bool {
	if last, ok := e.hist.Last(); ok && !s.At.After(last.At) {
		return false
	}
	e.hist.Append(s)
	return true
}

// History exposes the underlying ring.
func (e *Engine) History() *History {
	return &e.hist
}

// rate is OI change per minute between two ring positions.
func (e *Engine) rate(from, to int) float64 {
	a, b := e.hist.At(from), e.hist.At(to)
	minutes := b.At.Sub(a.At).Minutes()
	return float64(b.OpenInterest-a.OpenInterest) / math.Max(minutes, 1)
}

// Velocity is the OI change per minute across the last window.
func (e *Engine) Velocity(windowMinutes int) float64 {
	bars := windowMinutes / barMinutes
	if bars < 1 {
		bars = 1
	}
	n := e.hist.Len()
	if n < 2 {
		return 0
	}
	from := n - 1 - bars
	if from < 0 {
		from = 0
	}
	return e.rate(from, n-1)
}

// velocityAt is the rate over window bars ending offset bars before the newest.
func (e *Engine) velocityAt(offset, window int) float64 {
	n := e.hist.Len()
	end := n - offset
	start := end - window
	if start < 0 {
		start = 0
	}
	if end <= 0 || start >= end {
		return 0
	}
	if end >= n {
		end = n - 1
	}
	return e.rate(start, end)
}

// Acceleration is the 15-minute velocity minus the velocity about 30 minutes earlier.
func (e *Engine) Acceleration() float64 {
	return e.Velocity(15) - e.velocityAt(accelOffsetBars, accelWindowBars)
}

// rollingVelocities returns rates over every run of window bars.
func (e *Engine) rollingVelocities(window int) []float64 {
	n := e.hist.Len()
	if n <= window {
		return nil
	}
	out := make([]float64, 0, n-window)
	for i := window; i < n; i++ {
		out = append(out, e.rate(i-window, i))
	}
	return out
}

// VelocityZScore standardises the current 15-minute velocity against rolling
// 5-sample velocities. It is 0 until enough history exists.
func (e *Engine) VelocityZScore() float64 {
	vs := e.rollingVelocities(zScoreWindow)
	if len(vs) < zScoreMinSamples {
		return 0
	}

	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))

	var variance float64
	for _, v := range vs {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(vs)))
	if std == 0 {
		return 0
	}
	return (e.Velocity(15) - mean) / std
}

// VolumeOIDivergence buckets the latest volume/OI ratio.
func (e *Engine) VolumeOIDivergence() Freshness {
	last, ok := e.hist.Last()
	if !ok {
		return Unknown
	}
	ratio := float64(last.Volume) / math.Max(float64(last.OpenInterest), 1)
	switch {
	case ratio > 1.2:
		return ExtremeFresh
	case ratio > 0.6:
		return MostlyFresh
	case ratio > 0.3:
		return Mixed
	}
	return MostlyClosing
}

// Metrics is a snapshot of one engine's statistics.
type Metrics struct {
	Velocity     float64   `json:"velocity"`
	Acceleration float64   `json:"acceleration"`
	ZScore       float64   `json:"z_score"`
	Freshness    Freshness `json:"freshness"`
	Momentum     float64   `json:"momentum"`
	Samples      int       `json:"samples"`
}

// Metrics computes every statistic at once.
func (e *Engine) Metrics() Metrics {
	m := Metrics{
		Velocity:     e.Velocity(15),
		Acceleration: e.Acceleration(),
		ZScore:       e.VelocityZScore(),
		Freshness:    e.VolumeOIDivergence(),
		Samples:      e.hist.Len(),
	}
	m.Momentum = Score(m.Velocity, m.ZScore, m.Acceleration, m.Freshness)
	return m
}

// MomentumScore folds the statistics into [0, 100].
func (e *Engine) MomentumScore() float64 {
	return e.Metrics().Momentum
}

type breakPoint struct {
	min    float64
	points float64
}

var (
	velocityPoints = []breakPoint{{1000, 30}, {500, 22}, {200, 15}, {50, 8}}
	zScorePoints   = []breakPoint{{3, 30}, {2, 22}, {1, 12}}

	freshnessPoints = map[Freshness]float64{
		ExtremeFresh:  25,
		MostlyFresh:   18,
		Mixed:         8,
		MostlyClosing: 0,
	}
)

func lookup(table []breakPoint, v float64) float64 {
	for _, bp := range table {
		if v >= bp.min {
			return bp.points
		}
	}
	return 0
}

// Score applies the momentum lookup table.
func Score(velocity, zScore, acceleration float64, fresh Freshness) float64 {
	score := lookup(velocityPoints, math.Abs(velocity))
	score += lookup(zScorePoints, math.Abs(zScore))

	switch {
	case acceleration == 0:
		score += 5
	case velocity != 0 && math.Signbit(acceleration) == math.Signbit(velocity):
		score += 15
	case velocity == 0 && acceleration > 0:
		score += 15
	}

	score += freshnessPoints[fresh]
	return math.Min(math.Max(score, 0), 100)
}
