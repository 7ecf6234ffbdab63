package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/models"
)

// quoteChunk is the most instruments Kite accepts per quote request.
const quoteChunk = 500

// instrumentsTTL bounds how long the instrument dump is reused.
const instrumentsTTL = 24 * time.Hour

// KiteFeed implements Feed over the Zerodha Kite Connect REST API.
type KiteFeed struct {
	client *kiteconnect.Client
	index  *InstrumentIndex
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	accessToken string
	loadMu      sync.Mutex
}

// KiteConfig holds configuration for the Kite feed.
type KiteConfig struct {
	APIKey      string
	AccessToken string
	Timeout     time.Duration
}

// NewKiteFeed creates a new Kite feed.
func NewKiteFeed(cfg KiteConfig, logger zerolog.Logger) *KiteFeed {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &KiteFeed{
		client:      client,
		index:       NewInstrumentIndex(),
		logger:      logger.With().Str("component", "kite").Logger(),
		now:         time.Now,
		accessToken: cfg.AccessToken,
	}
}

// SetAccessToken swaps the session token after re-authentication.
func (k *KiteFeed) SetAccessToken(token string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = token
	k.client.SetAccessToken(token)
}

// IsAuthenticated reports whether a session token is configured.
func (k *KiteFeed) IsAuthenticated() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.accessToken != ""
}

// Index returns the instrument index, loading it when stale.
func (k *KiteFeed) Index(ctx context.Context) (*InstrumentIndex, error) {
	k.loadMu.Lock()
	defer k.loadMu.Unlock()

	if at := k.index.LoadedAt(); !at.IsZero() && k.now().Sub(at) < instrumentsTTL {
		return k.index, nil
	}
	instruments, err := k.GetInstruments(ctx, models.NFO)
	if err != nil {
		return nil, err
	}
	k.index.Load(instruments, k.now())
	k.logger.Info().Int("instruments", len(instruments)).Msg("Loaded F&O instrument dump")
	return k.index, nil
}

// GetOptionChain fetches every strike of symbol for expiry in one quote sweep.
func (k *KiteFeed) GetOptionChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error) {
	if !k.IsAuthenticated() {
		return nil, apperrors.NewBrokerError("AUTH", "option chain", apperrors.ErrNotAuthenticated)
	}

	index, err := k.Index(ctx)
	if err != nil {
		return nil, err
	}
	options := index.Options(symbol, expiry)
	if len(options) == 0 {
		return nil, apperrors.NewDataError("option_chain", symbol, "no contracts for expiry "+expiry.Format("2006-01-02"), apperrors.ErrDataNotFound)
	}

	spotKey := SpotQuoteSymbol(symbol)
	keys := []string{spotKey}
	var futKey string
	if fut, ok := index.NearestFuture(symbol, k.now()); ok {
		futKey = "NFO:" + fut.Symbol
		keys = append(keys, futKey)
	}
	for _, inst := range options {
		keys = append(keys, "NFO:"+inst.Symbol)
	}

	quotes, err := k.quote(ctx, keys)
	if err != nil {
		return nil, err
	}

	snap := &models.ChainSnapshot{
		Symbol:     symbol,
		Expiry:     expiry,
		LotSize:    index.LotSize(symbol),
		CapturedAt: k.now(),
	}
	if q, ok := quotes[spotKey]; ok {
		snap.SpotPrice = q.LastPrice
		snap.PriceChangePct = changePct(q.NetChange, q.OHLC.Close, q.LastPrice)
	}
	if q, ok := quotes[futKey]; ok && futKey != "" {
		snap.FuturesPrice = q.LastPrice
		if snap.PriceChangePct == 0 {
			snap.PriceChangePct = changePct(q.NetChange, q.OHLC.Close, q.LastPrice)
		}
	}

	for _, inst := range options {
		q, ok := quotes["NFO:"+inst.Symbol]
		if !ok {
			continue
		}
		snap.Rows = append(snap.Rows, models.ChainRow{
			Strike:         inst.Strike,
			Kind:           models.OptionKind(inst.InstrType),
			Token:          inst.Token,
			LastPrice:      q.LastPrice,
			OpenInterest:   int64(q.OI),
			Volume:         int64(q.Volume),
			PriceChangePct: changePct(q.NetChange, q.OHLC.Close, q.LastPrice),
		})
	}

	if msg := snap.Validate(); msg != "" {
		return nil, apperrors.Malformed("option_chain", symbol, msg)
	}
	return snap, nil
}

// GetQuotesBulk returns last prices keyed by instrument token.
func (k *KiteFeed) GetQuotesBulk(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	if len(tokens) > MaxQuoteBatch {
		return nil, fmt.Errorf("bulk quote of %d tokens exceeds %d", len(tokens), MaxQuoteBatch)
	}
	if !k.IsAuthenticated() {
		return nil, apperrors.NewBrokerError("AUTH", "quotes", apperrors.ErrNotAuthenticated)
	}

	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = strconv.FormatUint(uint64(t), 10)
	}
	quotes, err := k.quote(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[uint32]float64, len(tokens))
	for i, t := range tokens {
		if q, ok := quotes[keys[i]]; ok {
			out[t] = q.LastPrice
		}
	}
	return out, nil
}

func (k *KiteFeed) quote(ctx context.Context, keys []string) (kiteconnect.Quote, error) {
	out := make(kiteconnect.Quote, len(keys))
	for start := 0; start < len(keys); start += quoteChunk {
		end := min(start+quoteChunk, len(keys))
		chunk := keys[start:end]

		began := time.Now()
		q, err := call(ctx, func() (kiteconnect.Quote, error) {
			return k.client.GetQuote(chunk...)
		})
		k.logger.Debug().Int("instruments", len(chunk)).Dur("took", time.Since(began)).Err(err).Msg("quote")
		if err != nil {
			return nil, mapKiteError("quote", err)
		}
		for key, v := range q {
			out[key] = v
		}
	}
	return out, nil
}

// GetHistorical fetches historical OHLCV data.
func (k *KiteFeed) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	if !k.IsAuthenticated() {
		return nil, apperrors.NewBrokerError("AUTH", "historical", apperrors.ErrNotAuthenticated)
	}

	data, err := call(ctx, func() ([]kiteconnect.HistoricalData, error) {
		return k.client.GetHistoricalData(int(req.Token), string(req.Interval), req.From, req.To, false, false)
	})
	if err != nil {
		return nil, mapKiteError("historical", err)
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
		}
	}
	return candles, nil
}

// GetInstruments fetches all instruments for an exchange.
func (k *KiteFeed) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	instruments, err := call(ctx, func() (kiteconnect.Instruments, error) {
		return k.client.GetInstruments()
	})
	if err != nil {
		return nil, mapKiteError("instruments", err)
	}

	var result []models.Instrument
	for _, inst := range instruments {
		if inst.Exchange != string(exchange) {
			continue
		}
		result = append(result, models.Instrument{
			Token:     uint32(inst.InstrumentToken),
			Symbol:    inst.Tradingsymbol,
			Name:      inst.Name,
			Exchange:  models.Exchange(inst.Exchange),
			Segment:   inst.Segment,
			LotSize:   int(inst.LotSize),
			TickSize:  inst.TickSize,
			Expiry:    inst.Expiry.Time,
			Strike:    inst.StrikePrice,
			InstrType: inst.InstrumentType,
		})
	}
	return result, nil
}

func changePct(netChange, prevClose, last float64) float64 {
	if prevClose > 0 {
		return (last - prevClose) / prevClose * 100
	}
	if base := last - netChange; base > 0 {
		return netChange / base * 100
	}
	return 0
}

// call runs a blocking client call and gives up when ctx is done.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", apperrors.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// mapKiteError folds Kite exception types into the scanner's error taxonomy.
func mapKiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrTimeout) || errors.Is(err, context.Canceled) {
		return err
	}

	var kerr kiteconnect.Error
	var kerrPtr *kiteconnect.Error
	switch {
	case errors.As(err, &kerr):
	case errors.As(err, &kerrPtr):
		kerr = *kerrPtr
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return apperrors.NewBrokerError("TIMEOUT", op, fmt.Errorf("%w: %w", apperrors.ErrTimeout, err))
		}
		return apperrors.NewBrokerError("UNKNOWN", op, err)
	}

	code := strconv.Itoa(kerr.Code)
	var sentinel error
	switch {
	case kerr.Code == 429 || strings.Contains(strings.ToLower(kerr.Message), "too many requests"):
		sentinel = apperrors.ErrRateLimited
	case kerr.ErrorType == kiteconnect.TokenError:
		sentinel = apperrors.ErrSessionExpired
	case kerr.ErrorType == kiteconnect.PermissionError,
		kerr.ErrorType == kiteconnect.UserError,
		kerr.ErrorType == kiteconnect.TwoFAError:
		sentinel = apperrors.ErrFatal
	case kerr.ErrorType == kiteconnect.DataError:
		sentinel = apperrors.ErrMalformedData
	case kerr.ErrorType == kiteconnect.NetworkError && kerr.Code == 504:
		sentinel = apperrors.ErrTimeout
	default:
		return apperrors.NewBrokerError(code, op+": "+kerr.Message, err)
	}
	return apperrors.NewBrokerError(code, op+": "+kerr.Message, fmt.Errorf("%w: %w", sentinel, err))
}

var _ Feed = (*KiteFeed)(nil)
