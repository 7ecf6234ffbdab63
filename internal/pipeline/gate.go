package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "fno-scanner/internal/errors"
)

// Gate parks instruments that hit a fatal upstream error until the session
// is re-authenticated.
type Gate struct {
	mu       sync.RWMutex
	disabled map[string]disabledEntry
	logger   zerolog.Logger
	now      func() time.Time
}

type disabledEntry struct {
	err error
	at  time.Time
}

// NewGate creates an open gate.
func NewGate(logger zerolog.Logger) *Gate {
	return &Gate{
		disabled: make(map[string]disabledEntry),
		logger:   logger.With().Str("component", "gate").Logger(),
		now:      time.Now,
	}
}

// Disable parks symbol because of err.
func (g *Gate) Disable(symbol string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.disabled[symbol]; ok {
		return
	}
	g.disabled[symbol] = disabledEntry{err: err, at: g.now()}
	g.logger.Error().Err(err).Str("symbol", symbol).Msg("Instrument disabled until re-authentication")
}

// Check returns ErrInstrumentDisabled when symbol is parked.
func (g *Gate) Check(symbol string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.disabled[symbol]; ok {
		return fmt.Errorf("%s since %s: %w (%v)", symbol, e.at.Format(time.TimeOnly), apperrors.ErrInstrumentDisabled, e.err)
	}
	return nil
}

// DisabledSymbols lists parked symbols in order.
func (g *Gate) DisabledSymbols() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.disabled))
	for s := range g.disabled {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Reauthenticated re-enables every parked instrument.
func (g *Gate) Reauthenticated() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.disabled); n > 0 {
		g.logger.Info().Int("instruments", n).Msg("Session renewed, re-enabling instruments")
	}
	g.disabled = make(map[string]disabledEntry)
}
