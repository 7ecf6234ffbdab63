// Package pipeline runs per-instrument scan cycles on a bounded worker pool.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fno-scanner/internal/analysis"
	"fno-scanner/internal/analysis/indicators"
	"fno-scanner/internal/broker"
	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/exposure"
	"fno-scanner/internal/logging"
	"fno-scanner/internal/models"
	"fno-scanner/internal/pricing"
	"fno-scanner/internal/store"
	"fno-scanner/internal/structure"
	"fno-scanner/internal/velocity"
	"fno-scanner/internal/verdict"
	"fno-scanner/pkg/utils"
)

// Fetcher is the data access the scan cycle needs. *fetcher.SmartFetcher satisfies it.
type Fetcher interface {
	NearestExpiry(ctx context.Context, symbol string) (time.Time, error)
	GetChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error)
	GetHistorical(ctx context.Context, req broker.HistoricalRequest) ([]models.Candle, error)
	LTP(ctx context.Context, token uint32) (float64, error)
	Compress(snap *models.ChainSnapshot) *models.ChainSnapshot
}

// Publisher receives cycle output. *stream.Hub satisfies it.
type Publisher interface {
	PublishVerdict(v *verdict.Verdict)
	PublishChainDelta(snap *models.ChainSnapshot)
}

// Macro is the institutional flow of the previous session, in crores.
type Macro struct {
	FIINetCr float64 `mapstructure:"fii_net_cr" json:"fii_net_cr"`
	DIINetCr float64 `mapstructure:"dii_net_cr" json:"dii_net_cr"`
}

// MacroSource supplies institutional flows.
type MacroSource interface {
	Macro(ctx context.Context) (Macro, error)
}

// StaticMacro serves fixed flows, usually from configuration.
type StaticMacro Macro

// Macro implements MacroSource.
func (m StaticMacro) Macro(ctx context.Context) (Macro, error) {
	return Macro(m), nil
}

// Config tunes the scan pipeline.
type Config struct {
	Workers        int             `mapstructure:"workers"`
	QueueSize      int             `mapstructure:"queue_size"`
	TickInterval   time.Duration   `mapstructure:"tick_interval"`
	CycleTimeout   time.Duration   `mapstructure:"cycle_timeout"`
	CandleInterval broker.Interval `mapstructure:"candle_interval"`
	CandleLookback time.Duration   `mapstructure:"candle_lookback"`
	MinSpikeVolume int64           `mapstructure:"min_spike_volume"`
	IgnoreCalendar bool            `mapstructure:"ignore_calendar"`
	Macro          Macro           `mapstructure:"macro"`
}

// DefaultConfig returns the stock pipeline settings. Workers match the option chain burst.
func DefaultConfig() Config {
	return Config{
		Workers:        12,
		QueueSize:      64,
		TickInterval:   5 * time.Second,
		CycleTimeout:   45 * time.Second,
		CandleInterval: broker.Interval5Minute,
		CandleLookback: 72 * time.Hour,
		MinSpikeVolume: 50,
	}
}

// CycleResult is everything one scan cycle produced.
type CycleResult struct {
	CycleID    string                     `json:"cycle_id"`
	Symbol     string                     `json:"symbol"`
	Expiry     time.Time                  `json:"expiry"`
	Spot       float64                    `json:"spot"`
	ATM        float64                    `json:"atm"`
	DTE        int                        `json:"days_to_expiry"`
	Verdict    *verdict.Verdict           `json:"verdict"`
	Exposure   exposure.Result            `json:"exposure"`
	PCR        analysis.PCR               `json:"pcr"`
	Walls      analysis.Walls             `json:"walls"`
	MaxPain    float64                    `json:"max_pain"`
	Buildup    analysis.Buildup           `json:"buildup"`
	Bias       analysis.BiasComponents    `json:"bias"`
	Posture    *indicators.Posture        `json:"posture,omitempty"`
	ATMIV      float64                    `json:"atm_iv"`
	IVRank     float64                    `json:"iv_rank"`
	Top        []velocity.Ranked          `json:"top_strikes"`
	Structures []structure.Detection      `json:"structures"`
	Priced     []models.PricedRow         `json:"-"`
	Snapshot   *models.ChainSnapshot      `json:"-"`
	Deltas     map[models.StrikeKey]int64 `json:"-"`
	Degraded   bool                       `json:"degraded"`
	// Reused is set when the chain had not moved since the last cycle.
	Reused bool `json:"reused"`
}

// Scanner turns one watchlist item into one verdict.
type Scanner struct {
	cfg       Config
	fetch     Fetcher
	engine    *verdict.Engine
	ident     *structure.Identifier
	tracker   *velocity.Tracker
	series    *analysis.Series
	gate      *Gate
	macro     MacroSource
	sink      store.VerdictSink
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	last  map[string]*CycleResult
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithSink journals every verdict.
func WithSink(sink store.VerdictSink) ScannerOption {
	return func(s *Scanner) { s.sink = sink }
}

// WithPublisher publishes verdicts and chain deltas.
func WithPublisher(p Publisher) ScannerOption {
	return func(s *Scanner) { s.publisher = p }
}

// WithMacro replaces the configured flows.
func WithMacro(m MacroSource) ScannerOption {
	return func(s *Scanner) { s.macro = m }
}

// WithGate shares a gate with other components.
func WithGate(g *Gate) ScannerOption {
	return func(s *Scanner) { s.gate = g }
}

// WithTracker shares OI history with other components.
func WithTracker(t *velocity.Tracker) ScannerOption {
	return func(s *Scanner) { s.tracker = t }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

// NewScanner creates a Scanner.
func NewScanner(cfg Config, fetch Fetcher, engine *verdict.Engine, ident *structure.Identifier, logger zerolog.Logger, opts ...ScannerOption) *Scanner {
	def := DefaultConfig()
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = def.CandleInterval
	}
	if cfg.CandleLookback <= 0 {
		cfg.CandleLookback = def.CandleLookback
	}

	s := &Scanner{
		cfg:     cfg,
		fetch:   fetch,
		engine:  engine,
		ident:   ident,
		tracker: velocity.NewTracker(),
		series:  analysis.NewSeries(),
		macro:   StaticMacro(cfg.Macro),
		logger:  logger.With().Str("component", "scanner").Logger(),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		last:    make(map[string]*CycleResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = NewGate(logger)
	}
	return s
}

// Gate returns the instrument gate.
func (s *Scanner) Gate() *Gate { return s.gate }

// Tracker returns the OI history.
func (s *Scanner) Tracker() *velocity.Tracker { return s.tracker }

func (s *Scanner) lock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	return l
}

// previous returns the last computed result of symbol, or nil.
func (s *Scanner) previous(symbol string) *CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[symbol]
}

func (s *Scanner) remember(res *CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[res.Symbol] = res
}

// Cycle runs one scan of item. Fetch failures return an error and produce no verdict;
// a fatal one also disables the symbol. Bad data or a failed computation yields a
// degraded verdict instead of an error.
func (s *Scanner) Cycle(ctx context.Context, item models.WatchItem) (*CycleResult, error) {
	if err := s.gate.Check(item.Symbol); err != nil {
		return nil, err
	}

	l := s.lock(item.Symbol)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	cycleID := uuid.NewString()
	logger := logging.WithCycle(s.logger, item.Symbol, cycleID)
	start := time.Now()

	snap, err := s.fetchChain(ctx, item.Symbol)
	if err != nil {
		switch apperrors.Classify(err) {
		case apperrors.KindFatal:
			s.gate.Disable(item.Symbol, err)
		case apperrors.KindMalformedData:
			return s.degrade(ctx, cycleID, item.Symbol, err), nil
		}
		logger.Warn().Err(err).Msg("Cycle skipped")
		return nil, err
	}

	// A cached chain is not a new observation: OI history and the journal see it once.
	if last := s.previous(item.Symbol); last != nil && !snap.CapturedAt.After(last.Snapshot.CapturedAt) {
		logger.Debug().Time("captured_at", snap.CapturedAt).Msg("Chain unchanged, reusing last result")
		reused := *last
		reused.CycleID = cycleID
		reused.Reused = true
		return &reused, nil
	}

	res, err := s.compute(ctx, cycleID, item, snap)
	if err != nil {
		logger.Error().Err(err).Msg("Signal computation failed")
		return s.degrade(ctx, cycleID, item.Symbol, err), nil
	}

	s.emit(ctx, res.Verdict)
	logger.Debug().
		Str("kind", string(res.Verdict.Kind)).
		Int("confidence", res.Verdict.ConfidencePct).
		Dur("duration", time.Since(start)).
		Msg("Cycle complete")
	return res, nil
}

func (s *Scanner) fetchChain(ctx context.Context, symbol string) (*models.ChainSnapshot, error) {
	expiry, err := s.fetch.NearestExpiry(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve expiry: %w", err)
	}
	snap, err := s.fetch.GetChain(ctx, symbol, expiry)
	if err != nil {
		return nil, fmt.Errorf("fetch chain: %w", err)
	}
	if msg := snap.Validate(); msg != "" {
		return nil, apperrors.Malformed("option_chain", symbol, msg)
	}
	return snap, nil
}

func (s *Scanner) degrade(ctx context.Context, cycleID, symbol string, err error) *CycleResult {
	v := s.engine.Degraded(symbol, err)
	s.emit(ctx, &v)
	return &CycleResult{CycleID: cycleID, Symbol: symbol, Verdict: &v, Degraded: true}
}

func (s *Scanner) emit(ctx context.Context, v *verdict.Verdict) {
	if s.sink != nil {
		if err := s.sink.SaveVerdict(ctx, v); err != nil {
			s.logger.Warn().Err(err).Str("symbol", v.Symbol).Msg("Failed to journal verdict")
		}
	}
	if s.publisher != nil {
		s.publisher.PublishVerdict(v)
	}
}

// compute derives every signal from a validated snapshot. A panic in any analytic
// becomes an error so only this symbol degrades.
func (s *Scanner) compute(ctx context.Context, cycleID string, item models.WatchItem, snap *models.ChainSnapshot) (res *CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%s: %v", item.Symbol, r)
		}
	}()

	now := s.now()
	var prev *models.ChainSnapshot
	if last := s.previous(snap.Symbol); last != nil {
		prev = last.Snapshot
	}
	deltas := models.OIChanges(prev, snap)

	if delta := s.fetch.Compress(snap); s.publisher != nil && len(delta.Rows) > 0 {
		s.publisher.PublishChainDelta(delta)
	}

	spot := snap.Underlying()
	atm := snap.ATMStrike()
	dte := utils.DaysToExpiry(snap.Expiry, now)
	lot := item.LotSize
	if lot <= 0 {
		lot = snap.LotSize
	}

	priced := pricing.Enrich(snap, now)
	exp := exposure.Compute(priced, spot, lot)

	s.tracker.Record(snap)
	var momentum, velocityZ float64
	top := s.tracker.Top(snap.Symbol, 5)
	if len(top) > 0 {
		momentum, velocityZ = top[0].Momentum, top[0].ZScore
	}

	pcr := analysis.ComputePCR(snap.Rows)
	pcrAgo, ok := s.series.PCRAgo(snap.Symbol, now, 15*time.Minute)
	if !ok {
		pcrAgo = pcr.ByOI
	}
	atmIV := pricing.ATMIV(priced, atm)
	ivRank := 50.0
	if atmIV > 0 {
		ivRank = s.series.IVRank(snap.Symbol, atmIV)
	}
	s.series.Observe(snap.Symbol, analysis.Reading{At: now, PCR: pcr.ByOI, ATMIV: atmIV})

	buildup := analysis.ClassifyBuildup(snap.PriceChangePct, analysis.TotalOIChange(deltas))
	structures := s.ident.Identify(s.ident.Significant(deltas, snap), snap.PriceChangePct, atm)
	spikeDist, illiquid := s.spike(snap, deltas, atm)

	posture := s.posture(ctx, item, snap, now)

	macro, err := s.macro.Macro(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Macro flows unavailable")
	}
	vix, err := s.fetch.LTP(ctx, broker.IndiaVIXToken)
	if err != nil {
		s.logger.Debug().Err(err).Msg("India VIX unavailable")
	}
	bias := analysis.ComputeBias(analysis.BiasInputs{
		FIINetCr:    macro.FIINetCr,
		DIINetCr:    macro.DIINetCr,
		NetGEXCr:    exp.GEX / 1e7,
		PCRNow:      pcr.ByOI,
		PCR15MinAgo: pcrAgo,
		IndiaVIX:    vix,
	})

	vctx := verdict.Context{
		Symbol:           snap.Symbol,
		Spot:             spot,
		ATM:              atm,
		DaysToExpiry:     dte,
		Momentum:         momentum,
		VelocityZ:        velocityZ,
		Buildup:          buildup,
		PriceChangePct:   snap.PriceChangePct,
		GEX:              exp.GEX,
		VEX:              exp.VEX,
		Structures:       structures,
		FIINet:           macro.FIINetCr,
		RSI:              50,
		IVRank:           ivRank,
		PCR:              pcr.ByOI,
		SpikeDistancePct: spikeDist,
		IlliquidSpike:    illiquid,
	}
	if posture != nil {
		vctx.VWAP, vctx.RSI, vctx.ATRPct = posture.Vs, posture.RSI, posture.ATRPct
	}
	v := s.engine.Evaluate(vctx)

	res = &CycleResult{
		CycleID:    cycleID,
		Symbol:     snap.Symbol,
		Expiry:     snap.Expiry,
		Spot:       spot,
		ATM:        atm,
		DTE:        dte,
		Verdict:    &v,
		Exposure:   exp,
		PCR:        pcr,
		Walls:      analysis.FindWalls(snap.Rows, spot),
		MaxPain:    analysis.MaxPain(snap.Rows),
		Buildup:    buildup,
		Bias:       bias,
		Posture:    posture,
		ATMIV:      atmIV,
		IVRank:     ivRank,
		Top:        top,
		Structures: structures,
		Priced:     priced,
		Snapshot:   snap,
		Deltas:     deltas,
	}
	s.remember(res)
	return res, nil
}

// spike locates the largest OI change of the cycle relative to ATM and flags it
// when the contract barely traded.
func (s *Scanner) spike(snap *models.ChainSnapshot, deltas map[models.StrikeKey]int64, atm float64) (float64, bool) {
	key, _, ok := analysis.LargestChange(deltas)
	if !ok || atm <= 0 {
		return 0, false
	}
	dist := math.Abs(key.Strike-atm) / atm * 100
	row, found := snap.ByKey()[key]
	return dist, found && row.Volume < s.cfg.MinSpikeVolume
}

// posture summarizes intraday candles of the underlying. Nil when unavailable.
func (s *Scanner) posture(ctx context.Context, item models.WatchItem, snap *models.ChainSnapshot, now time.Time) *indicators.Posture {
	if item.Token == 0 {
		return nil
	}
	candles, err := s.fetch.GetHistorical(ctx, broker.HistoricalRequest{
		Token:    item.Token,
		Interval: s.cfg.CandleInterval,
		From:     now.Add(-s.cfg.CandleLookback),
		To:       now,
	})
	if err != nil || len(candles) == 0 {
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", snap.Symbol).Msg("Candles unavailable")
		}
		return nil
	}

	p, err := indicators.Summarize(candles, sessionCandles(candles))
	if err != nil {
		s.logger.Debug().Err(err).Str("symbol", snap.Symbol).Msg("Not enough candles for posture")
		return nil
	}
	return &p
}

// sessionCandles returns the trailing candles sharing the last candle's IST date.
func sessionCandles(candles []models.Candle) []models.Candle {
	if len(candles) == 0 {
		return nil
	}
	day := func(t time.Time) string { return t.In(utils.IndiaLocation).Format(time.DateOnly) }
	last := day(candles[len(candles)-1].Timestamp)
	i := len(candles)
	for i > 0 && day(candles[i-1].Timestamp) == last {
		i--
	}
	return candles[i:]
}
