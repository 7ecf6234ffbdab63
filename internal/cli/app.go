package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/cache"
	"fno-scanner/internal/fetcher"
	"fno-scanner/internal/notify"
	"fno-scanner/internal/pipeline"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/internal/resilience"
	"fno-scanner/internal/security"
	"fno-scanner/internal/store"
	"fno-scanner/internal/stream"
	"fno-scanner/internal/structure"
	"fno-scanner/internal/verdict"
)

// Runtime is the wired scanner: feed, fetch path, pipeline and outputs.
type Runtime struct {
	Cache      *cache.MemoryStore
	Feed       broker.Feed
	Stream     broker.PriceStream
	Kite       *broker.KiteFeed
	Ticker     *broker.KiteTicker
	Prices     *stream.PriceCache
	Fetcher    *fetcher.SmartFetcher
	Hub        *stream.Hub
	Journal    *store.SQLiteStore
	Archive    *store.PGStore
	Watchlist  store.WatchlistReader
	Scanner    *pipeline.Scanner
	Dispatcher *notify.Dispatcher

	closers []func()
}

// Close releases the stores.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// RuntimeOptions selects the optional parts of a Runtime.
type RuntimeOptions struct {
	// Streaming wires push-fed prices and the verdict hub.
	Streaming bool
	// Archive opens the Postgres archive when a DSN is configured.
	Archive bool
}

func (a *App) openJournal() (*store.SQLiteStore, error) {
	path := a.Config.Storage.SQLitePath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStore(path)
}

func (a *App) openArchive(ctx context.Context) (*store.PGStore, func(), error) {
	if a.Config.Storage.Postgres.DSN == "" {
		return nil, nil, nil
	}

	pool, err := store.NewPool(ctx, a.Config.Storage.Postgres)
	if err != nil {
		return nil, nil, err
	}

	pg, err := store.NewPGStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	closer := func() {
		pg.Close()
	}
	return pg, closer, nil
}

func (a *App) newFeed() (broker.Feed, broker.PriceStream, *broker.KiteFeed, *broker.KiteTicker) {
	cfg := a.Config
	if cfg.UseSim() {
		sim := broker.NewSimFeed(cfg.Feed.Sim, a.Logger)
		a.Logger.Info().Int64("seed", cfg.Feed.Sim.Seed).Msg("Using simulated feed")
		return sim, sim, nil, nil
	}

	creds := cfg.Credentials.Kite
	kite := broker.NewKiteFeed(broker.KiteConfig{
		APIKey:      creds.APIKey,
		AccessToken: creds.AccessToken,
		Timeout:     cfg.Feed.Timeout,
	}, a.Logger)
	ticker := broker.NewKiteTicker(broker.KiteTickerConfig{
		APIKey:      creds.APIKey,
		AccessToken: creds.AccessToken,
		BufferSize:  cfg.Feed.TickBuffer,
	}, a.Logger)
	a.Logger.Debug().Msg("Kite feed initialized")
	return kite, ticker, kite, ticker
}

// NewRuntime wires every component from the loaded configuration.
func (a *App) NewRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	cfg := a.Config
	rt := &Runtime{Cache: cache.NewMemoryStore()}

	rt.Feed, rt.Stream, rt.Kite, rt.Ticker = a.newFeed()

	limiter := ratelimit.New(rt.Cache, cfg.RateLimit, a.Logger)
	if rt.Ticker != nil {
		rt.Ticker.SetPacer(limiter)
	}
	fetchOpts := []fetcher.Option{
		fetcher.WithBreakers(resilience.NewCircuitBreakerRegistry(cfg.Breaker)),
	}
	if opts.Streaming {
		rt.Prices = stream.NewPriceCache(cfg.Stream.PriceMaxAge, a.Logger)
		fetchOpts = append(fetchOpts, fetcher.WithPriceSource(rt.Prices))
	}
	rt.Fetcher = fetcher.New(rt.Feed, rt.Cache, limiter, cfg.Fetch, a.Logger, fetchOpts...)

	journal, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	rt.Journal = journal
	rt.closers = append(rt.closers, func() { journal.Close() })
	sinks := store.MultiSink{journal}

	if opts.Archive {
		archive, closeArchive, err := a.openArchive(ctx)
		if err != nil {
			// The archive is optional; the journal still records every verdict.
			a.Logger.Warn().
				Str("dsn", security.MaskDSN(cfg.Storage.Postgres.DSN)).
				Str("error", security.MaskSensitive(err.Error())).
				Msg("Postgres archive unavailable")
		} else if archive != nil {
			rt.Archive = archive
			rt.closers = append(rt.closers, closeArchive)
			sinks = append(sinks, archive)
		}
	}

	if cfg.Storage.WatchlistFromDB {
		rt.Watchlist = journal
	} else {
		rt.Watchlist = store.StaticWatchlist(cfg.Watchlist)
	}

	scannerOpts := []pipeline.ScannerOption{
		pipeline.WithSink(sinks),
		pipeline.WithMacro(pipeline.StaticMacro(cfg.Pipeline.Macro)),
	}
	if opts.Streaming {
		rt.Hub = stream.NewHubWithConfig(cfg.Stream.Hub, a.Logger)
		scannerOpts = append(scannerOpts, pipeline.WithPublisher(rt.Hub))
	}
	rt.Scanner = pipeline.NewScanner(
		cfg.Pipeline,
		rt.Fetcher,
		verdict.New(cfg.Verdict),
		structure.New(cfg.Structure),
		a.Logger,
		scannerOpts...,
	)

	if err := a.wireNotify(ctx, rt); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// wireNotify builds the alert dispatcher and attaches it to the hub.
func (a *App) wireNotify(ctx context.Context, rt *Runtime) error {
	cfg := a.Config
	notifiers := []notify.Notifier{notify.NewLogNotifier(a.Logger)}
	if cfg.Notify.Terminal {
		notifiers = append(notifiers, notify.NewTerminalNotifier(os.Stdout, cfg.Notify.Bell))
	}
	rt.Dispatcher = notify.NewDispatcher(cfg.Notify, a.Logger, notifiers...)

	items, err := rt.Watchlist.Watchlist(ctx)
	if err != nil {
		return fmt.Errorf("loading watchlist: %w", err)
	}
	for _, it := range items {
		rt.Dispatcher.SetThreshold(it.Symbol, it.AlertThreshold)
	}

	if rt.Hub != nil {
		rt.Hub.RegisterConsumer(rt.Dispatcher)
	}
	return nil
}

// sweepCache drops expired cache entries until ctx is done.
func sweepCache(ctx context.Context, m *cache.MemoryStore, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
