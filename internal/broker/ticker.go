package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"fno-scanner/internal/models"
	"fno-scanner/internal/ratelimit"
)

// Pacer admits requests against an endpoint class budget.
type Pacer interface {
	Wait(ctx context.Context, class ratelimit.Class, id string) error
}

// KiteTicker implements PriceStream over the Kite WebSocket feed.
type KiteTicker struct {
	apiKey      string
	accessToken string
	logger      zerolog.Logger
	queue       *tickQueue

	ticker     *kiteticker.Ticker
	connected  bool
	subscribed map[uint32]struct{}
	symbols    map[uint32]string

	pacer  Pacer
	runCtx context.Context

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

// KiteTickerConfig holds configuration for the ticker.
type KiteTickerConfig struct {
	APIKey      string
	AccessToken string
	BufferSize  int
}

// NewKiteTicker creates a new ticker.
func NewKiteTicker(cfg KiteTickerConfig, logger zerolog.Logger) *KiteTicker {
	return &KiteTicker{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		logger:      logger.With().Str("component", "ticker").Logger(),
		queue:       newTickQueue(cfg.BufferSize),
		subscribed:  make(map[uint32]struct{}),
		symbols:     make(map[uint32]string),
	}
}

// RegisterSymbol names a token on emitted ticks.
func (t *KiteTicker) RegisterSymbol(symbol string, token uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[token] = symbol
}

// SetPacer spends the ws_subscribe budget on every subscribe message.
func (t *KiteTicker) SetPacer(p Pacer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pacer = p
}

// SetAccessToken replaces the session token used by the next Start.
func (t *KiteTicker) SetAccessToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = token
}

// Ticks implements PriceStream.
func (t *KiteTicker) Ticks() <-chan models.Tick { return t.queue.ch }

// Dropped returns how many ticks were discarded under backpressure.
func (t *KiteTicker) Dropped() uint64 { return t.queue.dropped.Load() }

// IsConnected returns whether the ticker is connected.
func (t *KiteTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Subscribe adds tokens in full mode. Tokens added before Start are sent on connect.
func (t *KiteTicker) Subscribe(tokens []uint32) error {
	t.mu.Lock()
	for _, tok := range tokens {
		t.subscribed[tok] = struct{}{}
	}
	connected, ticker, ctx := t.connected, t.ticker, t.runCtx
	t.mu.Unlock()

	if !connected || ticker == nil || len(tokens) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return t.send(ctx, ticker, tokens)
}

// admitSubscribe waits for the subscribe budget keyed by API key.
func (t *KiteTicker) admitSubscribe(ctx context.Context) error {
	t.mu.RLock()
	pacer, key := t.pacer, t.apiKey
	t.mu.RUnlock()
	if pacer == nil {
		return nil
	}
	if err := pacer.Wait(ctx, ratelimit.ClassSubscribe, key); err != nil {
		return fmt.Errorf("subscribe budget: %w", err)
	}
	return nil
}

func (t *KiteTicker) send(ctx context.Context, ticker *kiteticker.Ticker, tokens []uint32) error {
	if err := t.admitSubscribe(ctx); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

func (t *KiteTicker) tokens() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.subscribed))
	for tok := range t.subscribed {
		out = append(out, tok)
	}
	return out
}

// Start connects and serves until ctx is done. Reconnects are handled by the
// Kite client; every (re)connect resubscribes the full token set.
func (t *KiteTicker) Start(ctx context.Context) error {
	t.mu.RLock()
	ticker := kiteticker.New(t.apiKey, t.accessToken)
	t.mu.RUnlock()
	ticker.SetAutoReconnect(true)

	ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()

		tokens := t.tokens()
		t.logger.Info().Int("tokens", len(tokens)).Msg("Ticker connected")
		if len(tokens) > 0 {
			if err := t.send(ctx, ticker, tokens); err != nil {
				t.logger.Error().Err(err).Msg("Resubscribe failed")
			}
		}
	})

	ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.logger.Warn().Int("code", code).Str("reason", reason).Msg("Ticker closed")
	})

	ticker.OnError(func(err error) {
		t.logger.Error().Err(err).Msg("Ticker error")
	})

	ticker.OnReconnect(func(attempt int, delay time.Duration) {
		t.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Ticker reconnecting")
	})

	ticker.OnNoReconnect(func(attempt int) {
		t.logger.Error().Int("attempts", attempt).Msg("Ticker gave up reconnecting")
	})

	ticker.OnTick(func(tick kitemodels.Tick) {
		t.queue.push(t.convertTick(tick))
	})

	t.mu.Lock()
	t.ticker = ticker
	t.runCtx = ctx
	t.mu.Unlock()

	served := make(chan struct{})
	go func() {
		defer close(served)
		ticker.Serve()
	}()

	select {
	case <-ctx.Done():
		ticker.Stop()
		<-served
		return nil
	case <-served:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ticker stopped")
	}
}

// convertTick converts a Kite ticker tick to our model.
func (t *KiteTicker) convertTick(tick kitemodels.Tick) models.Tick {
	t.mu.RLock()
	symbol := t.symbols[tick.InstrumentToken]
	t.mu.RUnlock()

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Tick{
		Token:     tick.InstrumentToken,
		Symbol:    symbol,
		LTP:       tick.LastPrice,
		OI:        int64(tick.OI),
		Volume:    int64(tick.VolumeTraded),
		Timestamp: ts,
	}
}

var _ PriceStream = (*KiteTicker)(nil)
