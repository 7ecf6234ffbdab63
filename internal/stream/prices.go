package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fno-scanner/internal/models"
)

// PriceCache keeps the latest pushed tick per instrument token.
type PriceCache struct {
	mu     sync.RWMutex
	ticks  map[uint32]models.Tick
	maxAge time.Duration
	now    func() time.Time
	logger zerolog.Logger
	count  uint64
}

// NewPriceCache creates a PriceCache. Ticks older than maxAge are not served; zero keeps them forever.
func NewPriceCache(maxAge time.Duration, logger zerolog.Logger) *PriceCache {
	return &PriceCache{
		ticks:  make(map[uint32]models.Tick),
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With().Str("component", "prices").Logger(),
	}
}

// SetClock replaces the wall clock.
func (p *PriceCache) SetClock(now func() time.Time) {
	p.now = now
}

// Run consumes ticks until ctx is done.
func (p *PriceCache) Run(ctx context.Context, ticks <-chan models.Tick) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Uint64("ticks", p.Count()).Msg("Price cache stopped")
			return
		case tk := <-ticks:
			p.Update(tk)
		}
	}
}

// Update stores tk unless a newer tick for the token is already held.
func (p *PriceCache) Update(tk models.Tick) {
	if tk.Timestamp.IsZero() {
		tk.Timestamp = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
	if cur, ok := p.ticks[tk.Token]; ok && cur.Timestamp.After(tk.Timestamp) {
		return
	}
	p.ticks[tk.Token] = tk
}

// Price returns the latest fresh LTP of token.
func (p *PriceCache) Price(token uint32) (float64, bool) {
	tk, ok := p.Tick(token)
	if !ok || tk.LTP <= 0 {
		return 0, false
	}
	return tk.LTP, true
}

// Tick returns the latest fresh tick of token.
func (p *PriceCache) Tick(token uint32) (models.Tick, bool) {
	p.mu.RLock()
	tk, ok := p.ticks[token]
	p.mu.RUnlock()
	if !ok {
		return models.Tick{}, false
	}
	if p.maxAge > 0 && p.now().Sub(tk.Timestamp) > p.maxAge {
		return models.Tick{}, false
	}
	return tk, true
}

// Count returns the number of ticks consumed.
func (p *PriceCache) Count() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}
