package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every scheduler tick.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives the scan loop at a fixed polling cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		now := time.Now()
		if err := tick(ctx, now); err != nil {
			s.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
		if next.Before(time.Now()) {
			next = s.nextTick(time.Now())
		}
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

// DueTracker records when each symbol is next due and which symbols are in flight.
type DueTracker struct {
	mu       sync.Mutex
	next     map[string]time.Time
	inFlight map[string]bool
}

// NewDueTracker creates an empty tracker. Unknown symbols are due immediately.
func NewDueTracker() *DueTracker {
	return &DueTracker{
		next:     make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

// Claim returns the symbols due at now that are not already in flight, marking them in flight.
func (d *DueTracker) Claim(symbols []string, now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []string
	for _, sym := range symbols {
		if d.inFlight[sym] {
			continue
		}
		if at, ok := d.next[sym]; ok && now.Before(at) {
			continue
		}
		d.inFlight[sym] = true
		due = append(due, sym)
	}
	sort.Strings(due)
	return due
}

// Release clears the in-flight mark and schedules the next run.
func (d *DueTracker) Release(symbol string, nextAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, symbol)
	d.next[symbol] = nextAt
}

// NextDue returns when symbol is next due.
func (d *DueTracker) NextDue(symbol string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.next[symbol]
	return at, ok
}
