package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/cache"
	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/fetcher"
	"fno-scanner/internal/models"
	"fno-scanner/internal/pricing"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/internal/store"
	"fno-scanner/internal/structure"
	"fno-scanner/internal/verdict"
	"fno-scanner/pkg/utils"
)

var testNow = time.Date(2024, 1, 23, 10, 0, 0, 0, utils.IndiaLocation)

// fakeFetcher serves a synthetic chain whose OI grows on every fetch, one bar apart.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	chainErr error
	empty    bool
	ltpPanic bool
	delay    time.Duration

	inFlight    map[string]int
	maxInFlight int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), inFlight: make(map[string]int)}
}

func (f *fakeFetcher) NearestExpiry(ctx context.Context, symbol string) (time.Time, error) {
	return time.Date(2024, 1, 25, 0, 0, 0, 0, utils.IndiaLocation), nil
}

func (f *fakeFetcher) GetChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error) {
	f.mu.Lock()
	f.inFlight[symbol]++
	f.maxInFlight = max(f.maxInFlight, f.inFlight[symbol])
	f.calls[symbol]++
	n := f.calls[symbol]
	err, empty := f.chainErr, f.empty
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight[symbol]--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	snap := &models.ChainSnapshot{Symbol: symbol, Expiry: expiry, FuturesPrice: 21510, SpotPrice: 21500, PriceChangePct: 0.8, LotSize: 75, CapturedAt: testNow.Add(time.Duration(n-1) * 3 * time.Minute)}
	if empty {
		return snap, nil
	}
	t := pricing.TimeToExpiry(expiry, testNow)
	for k := 21300.0; k <= 21700; k += 100 {
		for _, kind := range []models.OptionKind{models.Call, models.Put} {
			oi := int64(20_000)
			if kind == models.Call && k >= 21500 {
				oi += int64(n) * 1500
			}
			if kind == models.Put && k <= 21500 {
				oi += int64(n) * 900
			}
			snap.Rows = append(snap.Rows, models.ChainRow{
				Strike:       k,
				Kind:         kind,
				LastPrice:    utils.RoundToTick(pricing.PriceAndGreeks(21510, k, t, 0.14, kind).Price, 0.05),
				OpenInterest: oi,
				Volume:       5_000,
			})
		}
	}
	return snap, nil
}

func (f *fakeFetcher) GetHistorical(ctx context.Context, req broker.HistoricalRequest) ([]models.Candle, error) {
	return nil, errors.New("no candles")
}

func (f *fakeFetcher) LTP(ctx context.Context, token uint32) (float64, error) {
	if f.ltpPanic {
		panic("index out of range")
	}
	return 13.5, nil
}

func (f *fakeFetcher) Compress(snap *models.ChainSnapshot) *models.ChainSnapshot { return snap }

type recorder struct {
	mu       sync.Mutex
	verdicts []*verdict.Verdict
	deltas   []*models.ChainSnapshot
}

func (r *recorder) SaveVerdict(ctx context.Context, v *verdict.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
	return nil
}

func (r *recorder) PublishVerdict(v *verdict.Verdict) {}

func (r *recorder) PublishChainDelta(snap *models.ChainSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, snap)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.verdicts)
}

func newTestScanner(f Fetcher, rec *recorder) *Scanner {
	return NewScanner(DefaultConfig(), f,
		verdict.New(verdict.DefaultConfig(), verdict.WithClock(func() time.Time { return testNow })),
		structure.New(structure.DefaultConfig()),
		zerolog.Nop(),
		WithSink(rec), WithPublisher(rec),
		WithClock(func() time.Time { return testNow }),
	)
}

var nifty = models.WatchItem{Symbol: "NIFTY", Tier: models.TierPriority, AlertThreshold: 70, LotSize: 75}

func TestCycleComputesSignals(t *testing.T) {
	rec := &recorder{}
	s := newTestScanner(newFakeFetcher(), rec)
	ctx := context.Background()

	first, err := s.Cycle(ctx, nifty)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Deltas) != 0 {
		t.Errorf("first cycle has no baseline, got %d deltas", len(first.Deltas))
	}

	second, err := s.Cycle(ctx, nifty)
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Deltas[models.StrikeKey{Strike: 21600, Kind: models.Call}]; got != 1500 {
		t.Errorf("21600CE delta = %d, want 1500", got)
	}
	if second.DTE != 2 || second.ATM != 21500 {
		t.Errorf("dte = %d, atm = %v", second.DTE, second.ATM)
	}
	if second.PCR.ByOI <= 0 || second.MaxPain == 0 || second.Walls.CallWall < 21500 {
		t.Errorf("chain analytics = %+v %v %+v", second.PCR, second.MaxPain, second.Walls)
	}
	if second.Posture != nil {
		t.Error("posture should be absent without a token")
	}
	if second.Verdict == nil || second.Verdict.Symbol != "NIFTY" || second.Degraded {
		t.Fatalf("verdict = %+v", second.Verdict)
	}
	if rec.count() != 2 || len(rec.deltas) != 2 {
		t.Errorf("journalled %d verdicts, published %d deltas", rec.count(), len(rec.deltas))
	}
}

func TestCycleSkipsOnFetchError(t *testing.T) {
	f := newFakeFetcher()
	f.chainErr = fmt.Errorf("fetch chain: %w", apperrors.ErrTimeout)
	rec := &recorder{}
	s := newTestScanner(f, rec)

	res, err := s.Cycle(context.Background(), nifty)
	if err == nil || res != nil {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if rec.count() != 0 {
		t.Error("a skipped cycle must not emit a verdict")
	}
	if len(s.Gate().DisabledSymbols()) != 0 {
		t.Error("a transient failure must not disable the symbol")
	}
}

func TestCycleFatalDisablesUntilReauth(t *testing.T) {
	f := newFakeFetcher()
	f.chainErr = apperrors.NewBrokerError("TokenException", "session expired", apperrors.ErrSessionExpired)
	s := newTestScanner(f, &recorder{})
	ctx := context.Background()

	if _, err := s.Cycle(ctx, nifty); !apperrors.IsFatal(err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Cycle(ctx, nifty); !errors.Is(err, apperrors.ErrInstrumentDisabled) {
		t.Fatalf("err = %v, want disabled", err)
	}
	if f.calls["NIFTY"] != 1 {
		t.Errorf("disabled symbol was fetched %d times", f.calls["NIFTY"])
	}

	f.chainErr = nil
	s.Gate().Reauthenticated()
	if _, err := s.Cycle(ctx, nifty); err != nil {
		t.Fatalf("after re-auth: %v", err)
	}
}

func TestCycleDegradesOnMalformedChain(t *testing.T) {
	f := newFakeFetcher()
	f.empty = true
	rec := &recorder{}
	s := newTestScanner(f, rec)

	res, err := s.Cycle(context.Background(), nifty)
	if err != nil {
		t.Fatal(err)
	}
	v := res.Verdict
	if !res.Degraded || v.Kind != verdict.Neutral || v.ConfidencePct != 10 {
		t.Fatalf("verdict = %+v", v)
	}
	if len(v.RedFlags) != 1 || v.RedFlags[0].Code != verdict.FlagComputation {
		t.Errorf("flags = %+v", v.RedFlags)
	}
	if rec.count() != 1 {
		t.Error("degraded verdict should be journalled")
	}
}

func TestCycleRecoversComputationPanic(t *testing.T) {
	f := newFakeFetcher()
	f.ltpPanic = true
	s := newTestScanner(f, &recorder{})

	res, err := s.Cycle(context.Background(), nifty)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Error("panic should degrade the symbol")
	}

	other := nifty
	other.Symbol = "BANKNIFTY"
	f.ltpPanic = false
	if res, err := s.Cycle(context.Background(), other); err != nil || res.Degraded {
		t.Errorf("other symbol affected: %+v, %v", res, err)
	}
}

func TestGate(t *testing.T) {
	g := NewGate(zerolog.Nop())
	g.Disable("NIFTY", apperrors.ErrFatal)
	g.Disable("BANKNIFTY", apperrors.ErrFatal)

	if err := g.Check("NIFTY"); !errors.Is(err, apperrors.ErrInstrumentDisabled) {
		t.Errorf("err = %v", err)
	}
	if err := g.Check("FINNIFTY"); err != nil {
		t.Errorf("err = %v", err)
	}
	if got := g.DisabledSymbols(); len(got) != 2 || got[0] != "BANKNIFTY" {
		t.Errorf("disabled = %v", got)
	}
	g.Reauthenticated()
	if len(g.DisabledSymbols()) != 0 {
		t.Error("re-auth should clear the gate")
	}
}

func TestWorkerPool(t *testing.T) {
	pool := NewWorkerPool(3, 10)
	if pool.Submit(func(context.Context) {}) {
		t.Error("submit before start should fail")
	}
	pool.Start(context.Background())

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		if !pool.Submit(func(context.Context) { done.Add(1); wg.Done() }) {
			t.Fatal("submit failed")
		}
	}
	wg.Wait()
	pool.Stop()

	st := pool.Stats()
	if done.Load() != 8 || st.TasksTotal != 8 || st.Running {
		t.Errorf("done = %d, stats = %+v", done.Load(), st)
	}
	if pool.Submit(func(context.Context) {}) {
		t.Error("submit after stop should fail")
	}
}

func TestSessionCandles(t *testing.T) {
	day1 := time.Date(2024, 1, 22, 15, 25, 0, 0, utils.IndiaLocation)
	day2 := time.Date(2024, 1, 23, 9, 15, 0, 0, utils.IndiaLocation)
	candles := []models.Candle{
		{Timestamp: day1}, {Timestamp: day1.Add(5 * time.Minute)},
		{Timestamp: day2}, {Timestamp: day2.Add(5 * time.Minute)}, {Timestamp: day2.Add(10 * time.Minute)},
	}
	if got := sessionCandles(candles); len(got) != 3 || !got[0].Timestamp.Equal(day2) {
		t.Errorf("session = %+v", got)
	}
	if sessionCandles(nil) != nil {
		t.Error("empty input")
	}
}

func newTestLoop(f *fakeFetcher, items store.StaticWatchlist, results chan<- string) *Loop {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.IgnoreCalendar = true
	s := newTestScanner(f, &recorder{})
	return NewLoop(cfg, items, s, zerolog.Nop(),
		WithLoopClock(func() time.Time { return testNow }),
		WithResultFunc(func(item models.WatchItem, res *CycleResult, err error) { results <- item.Symbol }),
	)
}

func TestLoopTickSchedulesNextRun(t *testing.T) {
	f := newFakeFetcher()
	results := make(chan string, 8)
	items := store.StaticWatchlist{nifty, {Symbol: "BANKNIFTY", LotSize: 15}}
	l := newTestLoop(f, items, results)
	l.Start(context.Background())
	defer l.Stop()

	if err := l.Tick(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-results:
		case <-time.After(5 * time.Second):
			t.Fatal("cycle did not finish")
		}
	}

	// 10:00 is midday; expiry is two days out.
	next, ok := l.Due().NextDue("NIFTY")
	if want := testNow.Add(45 * time.Second); !ok || !next.Equal(want) {
		t.Errorf("NIFTY next = %v, want %v", next, want)
	}
	next, _ = l.Due().NextDue("BANKNIFTY")
	if want := testNow.Add(135 * time.Second); !next.Equal(want) {
		t.Errorf("BANKNIFTY next = %v, want %v", next, want)
	}

	_ = l.Tick(context.Background(), testNow.Add(10*time.Second))
	select {
	case sym := <-results:
		t.Errorf("%s rescanned before it was due", sym)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopSkipsDisabledAndWeekends(t *testing.T) {
	f := newFakeFetcher()
	results := make(chan string, 8)
	l := newTestLoop(f, store.StaticWatchlist{nifty}, results)
	l.cfg.IgnoreCalendar = false
	l.Start(context.Background())
	defer l.Stop()

	saturday := time.Date(2024, 1, 27, 10, 0, 0, 0, utils.IndiaLocation)
	_ = l.Tick(context.Background(), saturday)

	l.scanner.Gate().Disable("NIFTY", apperrors.ErrFatal)
	_ = l.Tick(context.Background(), testNow)

	select {
	case sym := <-results:
		t.Errorf("%s should not have been scanned", sym)
	case <-time.After(100 * time.Millisecond):
	}
}

// Feature: fno-scanner, Property 17: At most one cycle per symbol is in flight
func TestProperty_OneCycleInFlightPerSymbol(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated ticks never overlap a symbol's cycles", prop.ForAll(
		func(nSymbols, nTicks int) bool {
			f := newFakeFetcher()
			f.delay = 5 * time.Millisecond
			results := make(chan string, nSymbols*nTicks)

			var items store.StaticWatchlist
			for i := 0; i < nSymbols; i++ {
				items = append(items, models.WatchItem{Symbol: fmt.Sprintf("SYM%d", i), LotSize: 50})
			}
			l := newTestLoop(f, items, results)
			l.Start(context.Background())
			defer l.Stop()

			for i := 0; i < nTicks; i++ {
				_ = l.Tick(context.Background(), testNow)
			}
			for i := 0; i < nSymbols; i++ {
				select {
				case <-results:
				case <-time.After(5 * time.Second):
					return false
				}
			}
			_ = l.Tick(context.Background(), testNow)

			f.mu.Lock()
			defer f.mu.Unlock()
			for _, n := range f.calls {
				if n != 1 {
					return false
				}
			}
			return f.maxInFlight == 1 && len(f.calls) == nSymbols
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestCycleWithSmartFetcherAndSimFeed(t *testing.T) {
	var mu sync.Mutex
	now := testNow
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	feed := broker.NewSimFeed(broker.DefaultSimConfig(), zerolog.Nop())
	feed.SetClock(clock)
	mem := cache.NewMemoryStore()
	mem.SetClock(clock)
	lim := ratelimit.Limit{Burst: 1000, Window: time.Minute}
	limiter := ratelimit.New(mem, ratelimit.Limits{
		ratelimit.ClassOptionChain: lim,
		ratelimit.ClassLTP:         lim,
		ratelimit.ClassMarketData:  lim,
		ratelimit.ClassHistorical:  lim,
		ratelimit.ClassDefault:     lim,
	}, zerolog.Nop(), ratelimit.WithClock(clock))
	f := fetcher.New(feed, mem, limiter, fetcher.DefaultConfig(), zerolog.Nop(), fetcher.WithClock(clock))

	rec := &recorder{}
	s := NewScanner(DefaultConfig(), f,
		verdict.New(verdict.DefaultConfig()),
		structure.New(structure.DefaultConfig()),
		zerolog.Nop(), WithSink(rec), WithPublisher(rec), WithClock(clock))

	item := models.WatchItem{Symbol: "NIFTY", Tier: models.TierPriority, Token: 256265}
	if _, err := s.Cycle(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(3 * time.Minute)
	mu.Unlock()

	res, err := s.Cycle(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deltas) == 0 || len(res.Priced) == 0 {
		t.Errorf("deltas = %d, priced = %d", len(res.Deltas), len(res.Priced))
	}
	if res.Posture == nil {
		t.Error("posture should come from simulated candles")
	}
	if res.Expiry.Weekday() != time.Thursday {
		t.Errorf("expiry = %v", res.Expiry)
	}
	if rec.count() != 2 {
		t.Errorf("journalled %d", rec.count())
	}
}

func TestCycleReusesCachedChain(t *testing.T) {
	var mu sync.Mutex
	now := testNow
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	feed := broker.NewSimFeed(broker.DefaultSimConfig(), zerolog.Nop())
	feed.SetClock(clock)
	mem := cache.NewMemoryStore()
	mem.SetClock(clock)
	lim := ratelimit.Limit{Burst: 1000, Window: time.Minute}
	limiter := ratelimit.New(mem, ratelimit.Limits{
		ratelimit.ClassOptionChain: lim,
		ratelimit.ClassLTP:         lim,
		ratelimit.ClassMarketData:  lim,
		ratelimit.ClassHistorical:  lim,
		ratelimit.ClassDefault:     lim,
	}, zerolog.Nop(), ratelimit.WithClock(clock))
	f := fetcher.New(feed, mem, limiter, fetcher.DefaultConfig(), zerolog.Nop(), fetcher.WithClock(clock))

	rec := &recorder{}
	s := NewScanner(DefaultConfig(), f,
		verdict.New(verdict.DefaultConfig()),
		structure.New(structure.DefaultConfig()),
		zerolog.Nop(), WithSink(rec), WithPublisher(rec), WithClock(clock))

	item := models.WatchItem{Symbol: "NIFTY", Tier: models.TierPriority}
	first, err := s.Cycle(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}

	// Priority rescans inside the chain TTL get the cached snapshot.
	advance(45 * time.Second)
	second, err := s.Cycle(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Reused || second.Verdict.ID != first.Verdict.ID || second.CycleID == first.CycleID {
		t.Errorf("second cycle = reused %v, verdict %s, cycle %s", second.Reused, second.Verdict.ID, second.CycleID)
	}
	if rec.count() != 1 {
		t.Errorf("journalled %d verdicts, want 1", rec.count())
	}
	key := first.Snapshot.Rows[0].Key()
	samples := func() int {
		var n int
		for _, r := range s.Tracker().Top("NIFTY", 0) {
			if r.Key == key {
				n = r.Samples
			}
		}
		return n
	}
	if n := samples(); n != 1 {
		t.Errorf("samples after cached cycle = %d, want 1", n)
	}

	// Past the TTL the chain is fetched again and recorded.
	advance(3 * time.Minute)
	third, err := s.Cycle(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if third.Reused || rec.count() != 2 || samples() != 2 {
		t.Errorf("third cycle reused %v, journalled %d, samples %d", third.Reused, rec.count(), samples())
	}
}
