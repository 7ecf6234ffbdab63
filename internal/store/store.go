// Package store persists the watchlist and the verdict journal.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"fno-scanner/internal/models"
	"fno-scanner/internal/verdict"
)

// WatchlistReader supplies the tracked instruments.
type WatchlistReader interface {
	Watchlist(ctx context.Context) ([]models.WatchItem, error)
}

// VerdictSink records emitted verdicts.
type VerdictSink interface {
	SaveVerdict(ctx context.Context, v *verdict.Verdict) error
}

// VerdictFilter narrows journal queries.
type VerdictFilter struct {
	Symbol string
	Kind   verdict.Kind
	Since  time.Time
	Limit  int
}

// Journal is a VerdictSink that can be queried back.
type Journal interface {
	VerdictSink
	Verdicts(ctx context.Context, filter VerdictFilter) ([]verdict.Verdict, error)
	Close() error
}

// StaticWatchlist serves a fixed list, usually from configuration.
type StaticWatchlist []models.WatchItem

// Watchlist implements WatchlistReader.
func (s StaticWatchlist) Watchlist(ctx context.Context) ([]models.WatchItem, error) {
	out := make([]models.WatchItem, len(s))
	copy(out, s)
	return out, nil
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []VerdictSink

// SaveVerdict implements VerdictSink.
func (m MultiSink) SaveVerdict(ctx context.Context, v *verdict.Verdict) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveVerdict(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// normalizeItem upper-cases the symbol and defaults the tier.
func normalizeItem(it models.WatchItem) models.WatchItem {
	it.Symbol = strings.ToUpper(strings.TrimSpace(it.Symbol))
	if it.Tier == "" {
		it.Tier = models.TierStandard
	}
	return it
}
