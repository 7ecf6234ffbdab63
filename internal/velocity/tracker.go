package velocity

import (
	"sort"
	"sync"

	"fno-scanner/internal/models"
)

// Ranked pairs a contract with its current metrics.
type Ranked struct {
	Key models.StrikeKey
	Metrics
}

// symbolHistory holds the engines of one symbol. Only the cycle that owns
// the symbol mutates it; the lock serves readers such as the CLI.
type symbolHistory struct {
	mu      sync.RWMutex
	engines map[models.StrikeKey]*Engine
}

// Tracker owns OI history for every tracked symbol.
type Tracker struct {
	mu      sync.Mutex
	symbols map[string]*symbolHistory
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{symbols: make(map[string]*symbolHistory)}
}

func (t *Tracker) symbol(sym string) *symbolHistory {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.symbols[sym]
	if !ok {
		h = &symbolHistory{engines: make(map[models.StrikeKey]*Engine)}
		t.symbols[sym] = h
	}
	return h
}

// Record appends one sample per row of snap. A snapshot no newer than the last
// recorded one for a contract adds nothing.
func (t *Tracker) Record(snap *models.ChainSnapshot) {
	h := t.symbol(snap.Symbol)
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, row := range snap.Rows {
		e, ok := h.engines[row.Key()]
		if !ok {
			e = &Engine{}
			h.engines[row.Key()] = e
		}
		e.Add(Sample{At: snap.CapturedAt, OpenInterest: row.OpenInterest, Volume: row.Volume})
	}
}

// Metrics returns the statistics of one contract.
func (t *Tracker) Metrics(symbol string, key models.StrikeKey) (Metrics, bool) {
	h := t.symbol(symbol)
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.engines[key]
	if !ok {
		return Metrics{}, false
	}
	return e.Metrics(), true
}

// Top returns the n contracts with the highest momentum, strongest first.
func (t *Tracker) Top(symbol string, n int) []Ranked {
	h := t.symbol(symbol)
	h.mu.RLock()
	ranked := make([]Ranked, 0, len(h.engines))
	for k, e := range h.engines {
		ranked = append(ranked, Ranked{Key: k, Metrics: e.Metrics()})
	}
	h.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Momentum != ranked[j].Momentum {
			return ranked[i].Momentum > ranked[j].Momentum
		}
		if ranked[i].Key.Strike != ranked[j].Key.Strike {
			return ranked[i].Key.Strike < ranked[j].Key.Strike
		}
		return ranked[i].Key.Kind < ranked[j].Key.Kind
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Forget drops a symbol's history.
func (t *Tracker) Forget(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.symbols, symbol)
}
