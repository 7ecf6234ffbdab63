// Package ratelimit provides per-endpoint-class sliding-window admission control
// for calls to the upstream feed.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fno-scanner/internal/cache"
	"fno-scanner/pkg/utils"
)

// Class is an upstream endpoint class with its own budget.
type Class string

const (
	ClassOptionChain Class = "option_chain"
	ClassMarketData  Class = "market_data"
	ClassLTP         Class = "ltp"
	ClassHistorical  Class = "historical"
	ClassSubscribe   Class = "ws_subscribe"
	ClassDefault     Class = "default"
)

// SafetyMargin is added to every computed wait before re-admitting.
const SafetyMargin = 50 * time.Millisecond

// Limit is the budget of one endpoint class.
type Limit struct {
	Rate   int           `mapstructure:"rate"`
	Burst  int           `mapstructure:"burst"`
	Window time.Duration `mapstructure:"window"`
}

// Limits maps endpoint classes to budgets.
type Limits map[Class]Limit

// DefaultLimits returns the budgets of the Kite Connect API tiers.
func DefaultLimits() Limits {
	return Limits{
		ClassOptionChain: {Rate: 8, Burst: 12, Window: time.Minute},
		ClassMarketData:  {Rate: 50, Burst: 80, Window: time.Minute},
		ClassLTP:         {Rate: 80, Burst: 100, Window: time.Minute},
		ClassHistorical:  {Rate: 4, Burst: 5, Window: time.Minute},
		ClassSubscribe:   {Rate: 10, Burst: 10, Window: time.Minute},
		ClassDefault:     {Rate: 10, Burst: 10, Window: time.Minute},
	}
}

// Validate checks every configured budget.
func (l Limits) Validate() error {
	for class, lim := range l {
		if lim.Burst <= 0 {
			return fmt.Errorf("ratelimit.%s.burst must be positive", class)
		}
		if lim.Window <= 0 {
			return fmt.Errorf("ratelimit.%s.window must be positive", class)
		}
		if lim.Rate < 0 {
			return fmt.Errorf("ratelimit.%s.rate must be non-negative", class)
		}
	}
	return nil
}

// Limiter admits requests per (class, identifier) key.
type Limiter struct {
	store  cache.Store
	limits Limits
	margin time.Duration
	now    func() time.Time
	sleep  utils.Sleeper
	logger zerolog.Logger

	mu     sync.Mutex
	pacers map[string]*rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper replaces the blocking sleep used by Wait.
func WithSleeper(s utils.Sleeper) Option {
	return func(l *Limiter) { l.sleep = s }
}

// New creates a Limiter backed by store. Classes missing from limits fall back
// to the default class, and then to the built-in default budget.
func New(store cache.Store, limits Limits, logger zerolog.Logger, opts ...Option) *Limiter {
	merged := DefaultLimits()
	for class, lim := range limits {
		merged[class] = lim
	}

	l := &Limiter{
		store:  store,
		limits: merged,
		margin: SafetyMargin,
		now:    time.Now,
		sleep:  utils.Sleep,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		pacers: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LimitFor returns the budget for class.
func (l *Limiter) LimitFor(class Class) Limit {
	if lim, ok := l.limits[class]; ok {
		return lim
	}
	return l.limits[ClassDefault]
}

func key(class Class, id string) string {
	return "ratelimit:" + string(class) + ":" + id
}

// Admit registers a request when the window has room and returns 0.
// Otherwise it returns how long until the oldest admitted request leaves the window.
func (l *Limiter) Admit(class Class, id string) time.Duration {
	lim := l.LimitFor(class)
	now := l.now()

	ok, oldest, _ := l.store.SlideWindow(key(class, id), now, lim.Window, lim.Burst)
	if ok {
		return 0
	}

	wait := lim.Window - now.Sub(oldest)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Wait blocks until a request for (class, id) is admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, class Class, id string) error {
	lim := l.LimitFor(class)
	if p := l.pacer(class, id, lim); p != nil {
		if err := p.Wait(ctx); err != nil {
			return fmt.Errorf("pacing %s: %w", class, err)
		}
	}

	for {
		wait := l.Admit(class, id)
		if wait == 0 {
			return nil
		}

		l.logger.Debug().
			Str("class", string(class)).
			Str("id", id).
			Dur("wait", wait).
			Msg("Rate budget exhausted, waiting")

		if err := l.sleep(ctx, wait+l.margin); err != nil {
			return fmt.Errorf("waiting for %s budget: %w", class, err)
		}
	}
}

// pacer spreads requests at the sustained rate. The window stays the hard cap.
func (l *Limiter) pacer(class Class, id string, lim Limit) *rate.Limiter {
	if lim.Rate <= 0 || lim.Rate >= lim.Burst {
		return nil
	}

	k := key(class, id)
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pacers[k]
	if !ok {
		perSecond := float64(lim.Rate) / lim.Window.Seconds()
		p = rate.NewLimiter(rate.Limit(perSecond), lim.Burst)
		l.pacers[k] = p
	}
	return p
}
