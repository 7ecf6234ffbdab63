package broker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"fno-scanner/internal/models"
	"fno-scanner/pkg/utils"
)

// InstrumentIndex groups F&O instruments by underlying.
type InstrumentIndex struct {
	mu       sync.RWMutex
	byName   map[string][]models.Instrument
	byToken  map[uint32]models.Instrument
	loadedAt time.Time
}

// NewInstrumentIndex creates an empty index.
func NewInstrumentIndex() *InstrumentIndex {
	return &InstrumentIndex{
		byName:  make(map[string][]models.Instrument),
		byToken: make(map[uint32]models.Instrument),
	}
}

// Load replaces the index contents.
func (ix *InstrumentIndex) Load(instruments []models.Instrument, at time.Time) {
	byName := make(map[string][]models.Instrument)
	byToken := make(map[uint32]models.Instrument, len(instruments))
	for _, inst := range instruments {
		byToken[inst.Token] = inst
		if inst.Name != "" {
			byName[inst.Name] = append(byName[inst.Name], inst)
		}
	}

	ix.mu.Lock()
	ix.byName, ix.byToken, ix.loadedAt = byName, byToken, at
	ix.mu.Unlock()
}

// LoadedAt returns when the index was last loaded.
func (ix *InstrumentIndex) LoadedAt() time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.loadedAt
}

// Token looks up an instrument by token.
func (ix *InstrumentIndex) Token(token uint32) (models.Instrument, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	inst, ok := ix.byToken[token]
	return inst, ok
}

// Expiries returns the distinct option expiries of symbol in ascending order.
func (ix *InstrumentIndex) Expiries(symbol string) []time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]bool)
	var out []time.Time
	for _, inst := range ix.byName[symbol] {
		if inst.Expiry.IsZero() || !isOption(inst) {
			continue
		}
		day := inst.Expiry.Format("2006-01-02")
		if seen[day] {
			continue
		}
		seen[day] = true
		out = append(out, inst.Expiry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NearestExpiry returns the first option expiry whose close has not passed.
func (ix *InstrumentIndex) NearestExpiry(symbol string, now time.Time) (time.Time, bool) {
	for _, e := range ix.Expiries(symbol) {
		if now.Before(utils.ExpiryClose(e)) {
			return e, true
		}
	}
	return time.Time{}, false
}

// Options returns the calls and puts of symbol expiring on expiry's date.
func (ix *InstrumentIndex) Options(symbol string, expiry time.Time) []models.Instrument {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []models.Instrument
	for _, inst := range ix.byName[symbol] {
		if isOption(inst) && sameDay(inst.Expiry, expiry) {
			out = append(out, inst)
		}
	}
	return out
}

// NearestFuture returns the earliest unexpired future of symbol.
func (ix *InstrumentIndex) NearestFuture(symbol string, now time.Time) (models.Instrument, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var best models.Instrument
	found := false
	for _, inst := range ix.byName[symbol] {
		if inst.InstrType != "FUT" || !now.Before(utils.ExpiryClose(inst.Expiry)) {
			continue
		}
		if !found || inst.Expiry.Before(best.Expiry) {
			best, found = inst, true
		}
	}
	return best, found
}

// LotSize returns the lot size of symbol's derivatives, or 0 when unknown.
func (ix *InstrumentIndex) LotSize(symbol string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, inst := range ix.byName[symbol] {
		if inst.LotSize > 0 {
			return inst.LotSize
		}
	}
	return 0
}

func isOption(inst models.Instrument) bool {
	return inst.InstrType == string(models.Call) || inst.InstrType == string(models.Put)
}

func sameDay(t1, t2 time.Time) bool {
	a, b := t1.In(utils.IndiaLocation), t2.In(utils.IndiaLocation)
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// SpotQuoteSymbol returns the cash-market quote key of an underlying.
func SpotQuoteSymbol(symbol string) string {
	switch strings.ToUpper(symbol) {
	case "NIFTY":
		return "NSE:NIFTY 50"
	case "BANKNIFTY":
		return "NSE:NIFTY BANK"
	case "FINNIFTY":
		return "NSE:NIFTY FIN SERVICE"
	case "MIDCPNIFTY":
		return "NSE:NIFTY MID SELECT"
	}
	return "NSE:" + strings.ToUpper(symbol)
}
