package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fno-scanner/internal/models"
	"fno-scanner/internal/scheduler"
	"fno-scanner/internal/store"
	"fno-scanner/pkg/utils"
)

// unknownDTE is assumed when a cycle failed before the expiry was known.
const unknownDTE = 7

// ResultFunc observes every finished cycle.
type ResultFunc func(item models.WatchItem, res *CycleResult, err error)

// Loop schedules due watchlist items onto the worker pool.
type Loop struct {
	cfg       Config
	watchlist store.WatchlistReader
	scanner   *Scanner
	pool      *WorkerPool
	due       *scheduler.DueTracker
	table     scheduler.Table
	onResult  ResultFunc
	logger    zerolog.Logger
	now       func() time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithTable replaces the cadence table.
func WithTable(t scheduler.Table) LoopOption {
	return func(l *Loop) { l.table = t }
}

// WithResultFunc observes finished cycles.
func WithResultFunc(fn ResultFunc) LoopOption {
	return func(l *Loop) { l.onResult = fn }
}

// WithLoopClock replaces the wall clock used to schedule the next run.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a Loop.
func NewLoop(cfg Config, watchlist store.WatchlistReader, scanner *Scanner, logger zerolog.Logger, opts ...LoopOption) *Loop {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}

	l := &Loop{
		cfg:       cfg,
		watchlist: watchlist,
		scanner:   scanner,
		pool:      NewWorkerPool(cfg.Workers, cfg.QueueSize),
		due:       scheduler.NewDueTracker(),
		table:     scheduler.DefaultTable(),
		logger:    logger.With().Str("component", "loop").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Pool returns the worker pool.
func (l *Loop) Pool() *WorkerPool { return l.pool }

// Due returns the due tracker.
func (l *Loop) Due() *scheduler.DueTracker { return l.due }

// Start launches the workers. Run calls it.
func (l *Loop) Start(ctx context.Context) { l.pool.Start(ctx) }

// Stop cancels in-flight cycles and waits for the workers.
func (l *Loop) Stop() { l.pool.Stop() }

// Run drives Tick at the configured cadence until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.Start(ctx)
	defer l.Stop()

	l.logger.Info().
		Int("workers", l.cfg.Workers).
		Dur("tick", l.cfg.TickInterval).
		Msg("Scan loop started")

	if err := l.Tick(ctx, l.now()); err != nil {
		l.logger.Error().Err(err).Msg("Initial tick failed")
	}
	s := scheduler.New(scheduler.Options{Interval: l.cfg.TickInterval, AlignToStart: true}, l.logger)
	return s.Run(ctx, l.Tick)
}

// Tick submits every due, enabled watchlist item.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	if !l.cfg.IgnoreCalendar && !utils.IsTradingDay(now) {
		return nil
	}

	items, err := l.watchlist.Watchlist(ctx)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}

	bySymbol := make(map[string]models.WatchItem, len(items))
	symbols := make([]string, 0, len(items))
	for _, it := range items {
		if l.scanner.Gate().Check(it.Symbol) != nil {
			continue
		}
		bySymbol[it.Symbol] = it
		symbols = append(symbols, it.Symbol)
	}

	for _, sym := range l.due.Claim(symbols, now) {
		item := bySymbol[sym]
		if !l.pool.Submit(func(ctx context.Context) { l.run(ctx, item) }) {
			l.due.Release(sym, now)
			l.logger.Warn().Str("symbol", sym).Msg("Worker queue full, cycle deferred")
		}
	}
	return nil
}

func (l *Loop) run(ctx context.Context, item models.WatchItem) {
	res, err := l.scanner.Cycle(ctx, item)

	dte := unknownDTE
	if res != nil && !res.Degraded {
		dte = res.DTE
	}
	now := l.now()
	tier := item.Tier
	if tier == "" {
		tier = models.TierStandard
	}
	l.due.Release(item.Symbol, now.Add(l.table.IntervalFor(tier, scheduler.PhaseAt(now), dte)))

	if l.onResult != nil {
		l.onResult(item, res, err)
	}
}
