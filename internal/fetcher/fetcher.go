// Package fetcher wraps every upstream feed call with caching, rate limiting,
// retries and a circuit breaker per endpoint class.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/cache"
	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/logging"
	"fno-scanner/internal/models"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/internal/resilience"
	"fno-scanner/pkg/utils"
)

// Config holds cache lifetimes, call timeouts and the retry budget.
type Config struct {
	ChainTTL      time.Duration `mapstructure:"chain_ttl"`
	QuoteTTL      time.Duration `mapstructure:"quote_ttl"`
	HistoricalTTL time.Duration `mapstructure:"historical_ttl"`
	InstrumentTTL time.Duration `mapstructure:"instrument_ttl"`
	BaselineTTL   time.Duration `mapstructure:"baseline_ttl"`

	ChainTimeout      time.Duration `mapstructure:"chain_timeout"`
	QuoteTimeout      time.Duration `mapstructure:"quote_timeout"`
	HistoricalTimeout time.Duration `mapstructure:"historical_timeout"`
	InstrumentTimeout time.Duration `mapstructure:"instrument_timeout"`

	MaxAttempts       int           `mapstructure:"max_attempts"`
	RateLimitBackoff  time.Duration `mapstructure:"rate_limit_backoff"`
	RateLimitRetries  int           `mapstructure:"rate_limit_retries"`
	TimeoutRetryDelay time.Duration `mapstructure:"timeout_retry_delay"`

	CompressionFloor float64 `mapstructure:"compression_floor"`
	Account          string  `mapstructure:"account"`
}

// DefaultConfig returns the stock fetch settings.
func DefaultConfig() Config {
	return Config{
		ChainTTL:          170 * time.Second,
		QuoteTTL:          5 * time.Second,
		HistoricalTTL:     time.Hour,
		InstrumentTTL:     24 * time.Hour,
		BaselineTTL:       10 * time.Minute,
		ChainTimeout:      8 * time.Second,
		QuoteTimeout:      3 * time.Second,
		HistoricalTimeout: 10 * time.Second,
		InstrumentTimeout: 30 * time.Second,
		MaxAttempts:       3,
		RateLimitBackoff:  5 * time.Second,
		RateLimitRetries:  3,
		TimeoutRetryDelay: time.Second,
		CompressionFloor:  0.005,
		Account:           "default",
	}
}

// PriceSource serves push-fed last prices.
type PriceSource interface {
	Price(token uint32) (float64, bool)
}

// SmartFetcher is the only path from the scanner to the upstream feed.
type SmartFetcher struct {
	feed     broker.Feed
	store    cache.Store
	limiter  *ratelimit.Limiter
	breakers *resilience.CircuitBreakerRegistry
	monitor  *resilience.ServiceMonitor
	prices   PriceSource
	cfg      Config
	logger   zerolog.Logger
	sleep    utils.Sleeper
	now      func() time.Time

	indexMu sync.Mutex
	index   *broker.InstrumentIndex
}

// Option configures a SmartFetcher.
type Option func(*SmartFetcher)

// WithSleeper replaces the sleep between retries.
func WithSleeper(s utils.Sleeper) Option {
	return func(f *SmartFetcher) { f.sleep = s }
}

// WithPriceSource lets LTP lookups read push-fed prices first.
func WithPriceSource(p PriceSource) Option {
	return func(f *SmartFetcher) { f.prices = p }
}

// WithBreakers shares a circuit breaker registry.
func WithBreakers(r *resilience.CircuitBreakerRegistry) Option {
	return func(f *SmartFetcher) { f.breakers = r }
}

// WithMonitor shares a service monitor.
func WithMonitor(m *resilience.ServiceMonitor) Option {
	return func(f *SmartFetcher) { f.monitor = m }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(f *SmartFetcher) { f.now = now }
}

// DefaultBreakerConfig trips only on upstream trouble. Throttling and
// auth failures have their own handling.
func DefaultBreakerConfig() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Counts = func(err error) bool {
		switch apperrors.Classify(err) {
		case apperrors.KindTimeout, apperrors.KindOther:
			return !errors.Is(err, context.Canceled)
		}
		return false
	}
	return cfg
}

// New creates a SmartFetcher.
func New(feed broker.Feed, store cache.Store, limiter *ratelimit.Limiter, cfg Config, logger zerolog.Logger, opts ...Option) *SmartFetcher {
	f := &SmartFetcher{
		feed:     feed,
		store:    store,
		limiter:  limiter,
		breakers: resilience.NewCircuitBreakerRegistry(DefaultBreakerConfig()),
		monitor:  resilience.NewServiceMonitor(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "fetcher").Logger(),
		sleep:    utils.Sleep,
		now:      time.Now,
		index:    broker.NewInstrumentIndex(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Breakers returns the circuit breaker registry.
func (f *SmartFetcher) Breakers() *resilience.CircuitBreakerRegistry { return f.breakers }

// Monitor returns the per-class service monitor.
func (f *SmartFetcher) Monitor() *resilience.ServiceMonitor { return f.monitor }

// policy decides retries after attempt (1-based) failed with err.
func (f *SmartFetcher) policy(attempt int, err error) (time.Duration, bool) {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return 0, false
	}

	switch apperrors.Classify(err) {
	case apperrors.KindRateLimited:
		if attempt > f.cfg.RateLimitRetries {
			return 0, false
		}
		return f.cfg.RateLimitBackoff << (attempt - 1), true
	case apperrors.KindTimeout:
		return f.cfg.TimeoutRetryDelay, attempt == 1
	case apperrors.KindOther:
		return f.cfg.TimeoutRetryDelay, attempt < f.cfg.MaxAttempts
	}
	// Fatal and malformed data are never retried.
	return 0, false
}

// call runs one logical upstream request: admission, breaker, per-attempt timeout, retries.
func call[T any](ctx context.Context, f *SmartFetcher, op string, class ratelimit.Class, key string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cb := f.breakers.Get(string(class))

	result, attempts, err := utils.RetryWithPolicy(ctx, f.policy, f.sleep, func(ctx context.Context) (T, error) {
		if err := f.limiter.Wait(ctx, class, f.cfg.Account); err != nil {
			return zero, err
		}

		began := f.now()
		v, err := resilience.ExecuteWithResult(cb, ctx, func(ctx context.Context) (T, error) {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fn(cctx)
			if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
				err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
			}
			return v, err
		})
		took := f.now().Sub(began)
		f.monitor.UpdateStatus(string(class), took, err)
		logging.LogAPICall(f.logger, op, key, took, err)
		return v, err
	})
	if err != nil {
		f.logger.Warn().
			Str("operation", op).
			Str("key", key).
			Int("attempts", attempts).
			Str("kind", string(apperrors.Classify(err))).
			Err(err).
			Msg("Fetch failed")
		return zero, apperrors.NewFetchError(op, key, attempts, err)
	}
	return result, nil
}

// cached serves key from the store or fetches and writes it through with ttl.
func cached[T any](ctx context.Context, f *SmartFetcher, op string, class ratelimit.Class, key string, ttl, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	cacheKey := op + ":" + key
	if v, ok := f.store.Get(cacheKey); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}

	v, err := call(ctx, f, op, class, key, timeout, fn)
	if err != nil {
		return v, err
	}
	f.store.Set(cacheKey, v, ttl)
	return v, nil
}

func expiryKey(symbol string, expiry time.Time) string {
	return symbol + ":" + expiry.In(utils.IndiaLocation).Format("2006-01-02")
}

// GetChain returns the option chain of symbol for expiry.
func (f *SmartFetcher) GetChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error) {
	return cached(ctx, f, "option_chain", ratelimit.ClassOptionChain, expiryKey(symbol, expiry), f.cfg.ChainTTL, f.cfg.ChainTimeout,
		func(ctx context.Context) (*models.ChainSnapshot, error) {
			return f.feed.GetOptionChain(ctx, symbol, expiry)
		})
}

func tokenSetKey(tokens []uint32) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.FormatUint(uint64(t), 10)
	}
	return strings.Join(parts, ",")
}

// GetQuotesBulk returns last prices for tokens, chunked to the upstream batch limit.
func (f *SmartFetcher) GetQuotesBulk(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	if len(tokens) == 0 {
		return map[uint32]float64{}, nil
	}

	seen := make(map[uint32]bool, len(tokens))
	set := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			set = append(set, t)
		}
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })

	cacheKey := "quotes:" + tokenSetKey(set)
	if v, ok := f.store.Get(cacheKey); ok {
		if m, ok := v.(map[uint32]float64); ok {
			return m, nil
		}
	}

	merged := make(map[uint32]float64, len(set))
	for start := 0; start < len(set); start += broker.MaxQuoteBatch {
		chunk := set[start:min(start+broker.MaxQuoteBatch, len(set))]
		got, err := call(ctx, f, "quotes", ratelimit.ClassLTP, tokenSetKey(chunk), f.cfg.QuoteTimeout,
			func(ctx context.Context) (map[uint32]float64, error) {
				return f.feed.GetQuotesBulk(ctx, chunk)
			})
		if err != nil {
			return nil, err
		}
		for t, p := range got {
			merged[t] = p
		}
	}

	f.store.Set(cacheKey, merged, f.cfg.QuoteTTL)
	return merged, nil
}

// LTP returns the last price of token, preferring the push feed.
func (f *SmartFetcher) LTP(ctx context.Context, token uint32) (float64, error) {
	if f.prices != nil {
		if p, ok := f.prices.Price(token); ok {
			return p, nil
		}
	}
	quotes, err := f.GetQuotesBulk(ctx, []uint32{token})
	if err != nil {
		return 0, err
	}
	p, ok := quotes[token]
	if !ok {
		return 0, apperrors.NewDataError("ltp", strconv.FormatUint(uint64(token), 10), "no quote", apperrors.ErrDataNotFound)
	}
	return p, nil
}

// GetHistorical returns candles for req.
func (f *SmartFetcher) GetHistorical(ctx context.Context, req broker.HistoricalRequest) ([]models.Candle, error) {
	key := fmt.Sprintf("%d:%s:%d:%d", req.Token, req.Interval, req.From.Unix(), req.To.Unix())
	return cached(ctx, f, "historical", ratelimit.ClassHistorical, key, f.cfg.HistoricalTTL, f.cfg.HistoricalTimeout,
		func(ctx context.Context) ([]models.Candle, error) {
			return f.feed.GetHistorical(ctx, req)
		})
}

// GetInstruments returns the instrument dump of exchange.
func (f *SmartFetcher) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	return cached(ctx, f, "instrument", ratelimit.ClassDefault, string(exchange), f.cfg.InstrumentTTL, f.cfg.InstrumentTimeout,
		func(ctx context.Context) ([]models.Instrument, error) {
			return f.feed.GetInstruments(ctx, exchange)
		})
}

// Instruments returns the F&O index, reloading it once the dump expires.
func (f *SmartFetcher) Instruments(ctx context.Context) (*broker.InstrumentIndex, error) {
	f.indexMu.Lock()
	defer f.indexMu.Unlock()

	if at := f.index.LoadedAt(); !at.IsZero() && f.now().Sub(at) < f.cfg.InstrumentTTL {
		return f.index, nil
	}
	insts, err := f.GetInstruments(ctx, models.NFO)
	if err != nil {
		return nil, err
	}
	f.index.Load(insts, f.now())
	return f.index, nil
}

// NearestExpiry returns the nearest live option expiry of symbol.
func (f *SmartFetcher) NearestExpiry(ctx context.Context, symbol string) (time.Time, error) {
	ix, err := f.Instruments(ctx)
	if err != nil {
		return time.Time{}, err
	}
	expiry, ok := ix.NearestExpiry(symbol, f.now())
	if !ok {
		return time.Time{}, apperrors.NewDataError("expiry", symbol, "no live option expiry", apperrors.ErrDataNotFound)
	}
	return expiry, nil
}
