package broker

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fno-scanner/internal/models"
	"fno-scanner/internal/pricing"
	"fno-scanner/pkg/utils"
)

// SimConfig holds configuration for the simulated feed.
type SimConfig struct {
	Seed       int64         `mapstructure:"seed"`
	Strikes    int           `mapstructure:"strikes"` // per side of ATM
	Volatility float64       `mapstructure:"volatility"`
	TickEvery  time.Duration `mapstructure:"tick_every"`
	BufferSize int           `mapstructure:"buffer_size"`
}

// DefaultSimConfig returns the stock simulation settings.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Seed:       42,
		Strikes:    15,
		Volatility: 0.14,
		TickEvery:  time.Second,
		BufferSize: 1024,
	}
}

type underlying struct {
	spot  float64
	step  float64
	lot   int
	token uint32
}

var simUnderlyings = map[string]underlying{
	"NIFTY":     {spot: 21500, step: 50, lot: 75, token: 256265},
	"BANKNIFTY": {spot: 47800, step: 100, lot: 15, token: 260105},
	"FINNIFTY":  {spot: 21300, step: 50, lot: 40, token: 257801},
}

type simContract struct {
	oi        int64
	volume    int64
	lastPrice float64
}

type simState struct {
	rng       *rand.Rand
	spec      underlying
	spot      float64
	prevClose float64
	contracts map[models.StrikeKey]*simContract
}

// SimFeed is a deterministic synthetic market for dry runs and tests.
// Every chain fetch advances the symbol's random walk by one step.
type SimFeed struct {
	cfg    SimConfig
	logger zerolog.Logger
	now    func() time.Time
	queue  *tickQueue

	mu         sync.Mutex
	states     map[string]*simState
	prices     map[uint32]float64
	subscribed map[uint32]struct{}
}

// NewSimFeed creates a simulated feed.
func NewSimFeed(cfg SimConfig, logger zerolog.Logger) *SimFeed {
	def := DefaultSimConfig()
	if cfg.Strikes <= 0 {
		cfg.Strikes = def.Strikes
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = def.Volatility
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = def.TickEvery
	}

	return &SimFeed{
		cfg:        cfg,
		logger:     logger.With().Str("component", "simfeed").Logger(),
		now:        time.Now,
		queue:      newTickQueue(cfg.BufferSize),
		states:     make(map[string]*simState),
		prices:     map[uint32]float64{IndiaVIXToken: 13.5},
		subscribed: make(map[uint32]struct{}),
	}
}

// SetClock replaces the wall clock.
func (s *SimFeed) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func hash32(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

func specFor(symbol string) underlying {
	if u, ok := simUnderlyings[symbol]; ok {
		return u
	}
	return underlying{spot: 1500, step: 20, lot: 500, token: hash32("spot", symbol)}
}

func contractToken(symbol string, strike float64, kind models.OptionKind) uint32 {
	return hash32(symbol, strconv.FormatFloat(strike, 'f', 2, 64), string(kind))
}

func (s *SimFeed) state(symbol string) *simState {
	st, ok := s.states[symbol]
	if !ok {
		spec := specFor(symbol)
		st = &simState{
			rng:       rand.New(rand.NewSource(s.cfg.Seed ^ int64(hash32(symbol)))),
			spec:      spec,
			spot:      spec.spot,
			prevClose: spec.spot,
			contracts: make(map[models.StrikeKey]*simContract),
		}
		s.states[symbol] = st
		s.prices[spec.token] = spec.spot
	}
	return st
}

// WeeklyExpiry returns the next Thursday expiry whose close is after now.
func WeeklyExpiry(now time.Time) time.Time {
	ist := now.In(utils.IndiaLocation)
	day := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, utils.IndiaLocation)
	for {
		if day.Weekday() == time.Thursday && now.Before(utils.ExpiryClose(day)) {
			return day
		}
		day = day.AddDate(0, 0, 1)
	}
}

// GetOptionChain implements Feed.
func (s *SimFeed) GetOptionChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry.IsZero() {
		expiry = WeeklyExpiry(now)
	}
	st := s.state(symbol)
	st.spot *= 1 + st.rng.NormFloat64()*0.0015
	s.prices[st.spec.token] = st.spot

	t := pricing.TimeToExpiry(expiry, now)
	fut := st.spot * math.Exp(pricing.RiskFreeRate*t)
	atm := math.Round(st.spot/st.spec.step) * st.spec.step

	snap := &models.ChainSnapshot{
		Symbol:         symbol,
		Expiry:         expiry,
		FuturesPrice:   utils.RoundToTick(fut, 0.05),
		SpotPrice:      utils.RoundToTick(st.spot, 0.05),
		PriceChangePct: utils.Round((st.spot-st.prevClose)/st.prevClose*100, 2),
		LotSize:        st.spec.lot,
		CapturedAt:     now,
	}

	for i := -s.cfg.Strikes; i <= s.cfg.Strikes; i++ {
		strike := atm + float64(i)*st.spec.step
		for _, kind := range []models.OptionKind{models.Call, models.Put} {
			snap.Rows = append(snap.Rows, s.evolve(st, symbol, strike, kind, fut, t))
		}
	}
	return snap, nil
}

func (s *SimFeed) evolve(st *simState, symbol string, strike float64, kind models.OptionKind, fut, t float64) models.ChainRow {
	key := models.StrikeKey{Strike: strike, Kind: kind}
	c, ok := st.contracts[key]
	if !ok {
		// OI piles up out of the money on each side.
		dist := (strike - st.spec.spot) / (st.spec.step * 6)
		if kind == models.Put {
			dist = -dist
		}
		weight := math.Exp(-dist * dist)
		if dist < 0 {
			weight *= 0.4
		}
		c = &simContract{oi: int64(200_000*weight) + 5_000}
		st.contracts[key] = c
	}

	change := int64(st.rng.NormFloat64() * float64(c.oi) * 0.02)
	c.oi = max(c.oi+change, 0)
	c.volume += int64(math.Abs(st.rng.NormFloat64()) * float64(c.oi) * 0.05)

	// Mild put skew.
	moneyness := math.Log(strike / fut)
	sigma := s.cfg.Volatility * (1 - 0.8*moneyness)
	price := utils.RoundToTick(pricing.PriceAndGreeks(fut, strike, t, sigma, kind).Price, 0.05)
	if price < 0.05 {
		price = 0.05
	}

	var changePct float64
	if c.lastPrice > 0 {
		changePct = utils.Round((price-c.lastPrice)/c.lastPrice*100, 2)
	}
	c.lastPrice = price

	token := contractToken(symbol, strike, kind)
	s.prices[token] = price

	return models.ChainRow{
		Strike:         strike,
		Kind:           kind,
		Token:          token,
		LastPrice:      price,
		OpenInterest:   c.oi,
		Volume:         c.volume,
		PriceChangePct: changePct,
	}
}

// GetQuotesBulk implements Feed. Unknown tokens are omitted.
func (s *SimFeed) GetQuotesBulk(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range simUnderlyings {
		s.state(name)
	}
	out := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		if p, ok := s.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

// GetHistorical implements Feed with a seeded random walk per token.
func (s *SimFeed) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	last, ok := s.prices[req.Token]
	s.mu.Unlock()
	if !ok {
		last = 1000
	}

	step := req.Interval.Duration()
	n := int(req.To.Sub(req.From) / step)
	if n <= 0 {
		return nil, nil
	}
	n = min(n, 500)

	rng := rand.New(rand.NewSource(s.cfg.Seed ^ int64(req.Token) ^ req.From.Unix()))
	price := last * (1 - 0.002*math.Sqrt(float64(n)))
	candles := make([]models.Candle, n)
	for i := range candles {
		open := price
		closePx := open * (1 + rng.NormFloat64()*0.002)
		hi := math.Max(open, closePx) * (1 + math.Abs(rng.NormFloat64())*0.001)
		lo := math.Min(open, closePx) * (1 - math.Abs(rng.NormFloat64())*0.001)
		candles[i] = models.Candle{
			Timestamp: req.From.Add(time.Duration(i) * step),
			Open:      utils.RoundToTick(open, 0.05),
			High:      utils.RoundToTick(hi, 0.05),
			Low:       utils.RoundToTick(lo, 0.05),
			Close:     utils.RoundToTick(closePx, 0.05),
			Volume:    10_000 + rng.Int63n(90_000),
		}
		price = closePx
	}
	return candles, nil
}

// GetInstruments implements Feed. NFO lists the next two weekly option
// series and the near-month future of every simulated underlying.
func (s *SimFeed) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()

	names := make([]string, 0, len(simUnderlyings))
	for name := range simUnderlyings {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.Instrument
	for _, name := range names {
		spec := simUnderlyings[name]
		if exchange == models.NSE {
			out = append(out, models.Instrument{
				Token: spec.token, Symbol: name, Name: name, Exchange: models.NSE,
				Segment: "INDICES", TickSize: 0.05, InstrType: "EQ",
			})
			continue
		}
		if exchange != models.NFO {
			continue
		}

		first := WeeklyExpiry(now)
		for _, expiry := range []time.Time{first, first.AddDate(0, 0, 7)} {
			atm := math.Round(spec.spot/spec.step) * spec.step
			for i := -s.cfg.Strikes; i <= s.cfg.Strikes; i++ {
				strike := atm + float64(i)*spec.step
				for _, kind := range []models.OptionKind{models.Call, models.Put} {
					out = append(out, models.Instrument{
						Token:     contractToken(name, strike, kind),
						Symbol:    name + expiry.Format("06Jan02") + strconv.Itoa(int(strike)) + string(kind),
						Name:      name,
						Exchange:  models.NFO,
						Segment:   "NFO-OPT",
						LotSize:   spec.lot,
						TickSize:  0.05,
						Expiry:    expiry,
						Strike:    strike,
						InstrType: string(kind),
					})
				}
			}
		}
		out = append(out, models.Instrument{
			Token: hash32("fut", name), Symbol: name + first.Format("06Jan") + "FUT", Name: name,
			Exchange: models.NFO, Segment: "NFO-FUT", LotSize: spec.lot, TickSize: 0.05,
			Expiry: first.AddDate(0, 0, 21), InstrType: "FUT",
		})
	}
	return out, nil
}

// Subscribe implements PriceStream.
func (s *SimFeed) Subscribe(tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		s.subscribed[t] = struct{}{}
	}
	return nil
}

// Ticks implements PriceStream.
func (s *SimFeed) Ticks() <-chan models.Tick { return s.queue.ch }

// Dropped implements PriceStream.
func (s *SimFeed) Dropped() uint64 { return s.queue.dropped.Load() }

// Start implements PriceStream, emitting a tick per subscribed token every TickEvery.
func (s *SimFeed) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(s.cfg.Seed))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, tick := range s.nextTicks(rng) {
				s.queue.push(tick)
			}
		}
	}
}

func (s *SimFeed) nextTicks(rng *rand.Rand) []models.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]uint32, 0, len(s.subscribed))
	for t := range s.subscribed {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	now := s.now()
	ticks := make([]models.Tick, 0, len(tokens))
	for _, t := range tokens {
		p, ok := s.prices[t]
		if !ok {
			continue
		}
		p = utils.RoundToTick(p*(1+rng.NormFloat64()*0.0003), 0.05)
		s.prices[t] = p
		ticks = append(ticks, models.Tick{Token: t, LTP: p, Timestamp: now})
	}
	return ticks
}

var (
	_ Feed        = (*SimFeed)(nil)
	_ PriceStream = (*SimFeed)(nil)
)
