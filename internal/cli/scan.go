package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/config"
	"fno-scanner/internal/models"
	"fno-scanner/internal/pipeline"
	"fno-scanner/internal/stream"
)

func newScanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the scanner until interrupted",
		Long: `Run the scan loop over the watchlist.

Each symbol is rescanned on an interval set by its tier, the market phase
and days to expiry. Verdicts are journaled, alerted and streamed on the
websocket server when enabled.

Send SIGHUP after refreshing the Kite access token in credentials.toml to
resume instruments disabled by an expired session.`,
		Example: `  fno-scanner scan
  fno-scanner scan --workers 4 --ignore-calendar`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("workers") {
				app.Config.Pipeline.Workers, _ = cmd.Flags().GetInt("workers")
			}
			if ignore, _ := cmd.Flags().GetBool("ignore-calendar"); ignore {
				app.Config.Pipeline.IgnoreCalendar = true
			}
			if err := app.Config.Validate(); err != nil {
				return err
			}
			return app.Scan(cmd.Context())
		},
	}

	cmd.Flags().Int("workers", 0, "concurrent scan cycles (default from config)")
	cmd.Flags().Bool("ignore-calendar", false, "scan on weekends")

	return cmd
}

// Scan runs the long-lived scanner.
func (a *App) Scan(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.NewRuntime(ctx, RuntimeOptions{Streaming: true, Archive: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.Archive == nil {
		a.Logger.Warn().Msg("storage.postgres.dsn not configured; archive disabled")
	}

	go sweepCache(ctx, rt.Cache, a.Config.Cache.SweepInterval)

	rt.Hub.Start(ctx)
	defer rt.Hub.Stop()

	if err := a.subscribe(ctx, rt); err != nil {
		return err
	}
	go rt.Prices.Run(ctx, rt.Stream.Ticks())
	streams := &streamRunner{stream: rt.Stream, app: a}
	streams.start(ctx)

	var wg sync.WaitGroup
	if a.Config.Stream.Enabled {
		server := stream.NewWSServer(a.Config.Stream.Server, rt.Hub, a.Logger,
			stream.WithResilience(rt.Fetcher.Breakers(), rt.Fetcher.Monitor()),
			stream.WithTickDrops(rt.Stream.Dropped),
			stream.WithDisabled(rt.Scanner.Gate().DisabledSymbols),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("Event server stopped")
			}
		}()
	}

	go a.watchReauth(ctx, rt, streams)

	loop := pipeline.NewLoop(a.Config.Pipeline, rt.Watchlist, rt.Scanner, a.Logger,
		pipeline.WithTable(a.Config.ScheduleTable()),
	)

	a.Logger.Info().
		Str("feed", a.Config.Feed.Source).
		Int("workers", a.Config.Pipeline.Workers).
		Msg("Starting scanner")
	err = loop.Run(ctx)
	streams.wait()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("Scanner terminated with error")
		return err
	}
	a.Logger.Info().Msg("Scanner stopped")
	return nil
}

// subscribe registers the watchlist underlyings and the VIX on the price stream.
func (a *App) subscribe(ctx context.Context, rt *Runtime) error {
	items, err := rt.Watchlist.Watchlist(ctx)
	if err != nil {
		return err
	}

	tokens := []uint32{broker.IndiaVIXToken}
	for _, it := range items {
		if it.Token == 0 {
			continue
		}
		tokens = append(tokens, it.Token)
		if rt.Ticker != nil {
			rt.Ticker.RegisterSymbol(it.Symbol, it.Token)
		}
	}
	if rt.Ticker != nil {
		rt.Ticker.RegisterSymbol("INDIA VIX", broker.IndiaVIXToken)
	}
	return rt.Stream.Subscribe(tokens)
}

// watchReauth reloads credentials on SIGHUP and resumes gated instruments.
func (a *App) watchReauth(ctx context.Context, rt *Runtime, streams *streamRunner) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		creds, err := config.LoadCredentials(a.ConfigDir)
		if err != nil {
			a.Logger.Error().Err(err).Msg("Failed to reload credentials")
			continue
		}
		a.Config.Credentials = creds

		if rt.Kite != nil {
			rt.Kite.SetAccessToken(creds.Kite.AccessToken)
		}
		if rt.Ticker != nil {
			rt.Ticker.SetAccessToken(creds.Kite.AccessToken)
			streams.restart(ctx)
		}
		rt.Scanner.Gate().Reauthenticated()
	}
}

// streamRunner runs the price stream and restarts it on demand.
type streamRunner struct {
	stream broker.PriceStream
	app    *App

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *streamRunner) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.stream.Start(ctx); err != nil {
			s.app.Logger.Error().Err(err).Msg("Price stream stopped")
		}
	}()
}

func (s *streamRunner) restart(parent context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.start(parent)
	s.app.Logger.Info().Msg("Price stream restarted")
}

func (s *streamRunner) wait() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// watchItem finds symbol in the watchlist, or builds a standard-tier item for it.
func watchItem(ctx context.Context, rt *Runtime, symbol string) (models.WatchItem, error) {
	items, err := rt.Watchlist.Watchlist(ctx)
	if err != nil {
		return models.WatchItem{}, err
	}
	for _, it := range items {
		if it.Symbol == symbol {
			return it, nil
		}
	}
	return models.WatchItem{Symbol: symbol, Tier: models.TierStandard}, nil
}
