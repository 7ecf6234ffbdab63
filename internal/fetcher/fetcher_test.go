package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/cache"
	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/models"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/internal/resilience"
	"fno-scanner/pkg/utils"
)

type fakeFeed struct {
	mu         sync.Mutex
	chainCalls int
	quoteCalls [][]uint32
	chainErrs  []error
	quotes     map[uint32]float64
	instCalls  int
	insts      []models.Instrument
}

func (f *fakeFeed) GetOptionChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainCalls++
	if len(f.chainErrs) > 0 {
		err := f.chainErrs[0]
		f.chainErrs = f.chainErrs[1:]
		return nil, err
	}
	return &models.ChainSnapshot{Symbol: symbol, Expiry: expiry, SpotPrice: 21500}, nil
}

func (f *fakeFeed) GetQuotesBulk(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls = append(f.quoteCalls, append([]uint32(nil), tokens...))
	out := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		if p, ok := f.quotes[t]; ok {
			out[t] = p
		} else {
			out[t] = float64(t)
		}
	}
	return out, nil
}

func (f *fakeFeed) GetHistorical(ctx context.Context, req broker.HistoricalRequest) ([]models.Candle, error) {
	return []models.Candle{{Timestamp: req.From, Close: 1}}, nil
}

func (f *fakeFeed) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instCalls++
	return f.insts, nil
}

type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func openLimits() ratelimit.Limits {
	lim := ratelimit.Limit{Burst: 1000, Window: time.Minute}
	return ratelimit.Limits{
		ratelimit.ClassOptionChain: lim,
		ratelimit.ClassLTP:         lim,
		ratelimit.ClassHistorical:  lim,
		ratelimit.ClassDefault:     lim,
	}
}

func newTestFetcher(feed broker.Feed, opts ...Option) (*SmartFetcher, *recordingSleeper) {
	store := cache.NewMemoryStore()
	rec := &recordingSleeper{}
	limiter := ratelimit.New(store, openLimits(), zerolog.Nop())
	opts = append([]Option{WithSleeper(rec.sleep)}, opts...)
	return New(feed, store, limiter, DefaultConfig(), zerolog.Nop(), opts...), rec
}

var expiry = time.Date(2024, 1, 25, 0, 0, 0, 0, utils.IndiaLocation)

func TestGetChainCachesWithinTTL(t *testing.T) {
	feed := &fakeFeed{}
	f, _ := newTestFetcher(feed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := f.GetChain(ctx, "NIFTY", expiry)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Symbol != "NIFTY" {
			t.Fatalf("symbol = %q", snap.Symbol)
		}
	}
	if feed.chainCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", feed.chainCalls)
	}
}

func TestFatalIsNotRetried(t *testing.T) {
	feed := &fakeFeed{chainErrs: []error{fmt.Errorf("%w: Invalid session", apperrors.ErrSessionExpired)}}
	f, rec := newTestFetcher(feed)

	_, err := f.GetChain(context.Background(), "NIFTY", expiry)
	if !apperrors.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if feed.chainCalls != 1 {
		t.Errorf("calls = %d, want 1", feed.chainCalls)
	}
	if len(rec.slept) != 0 {
		t.Errorf("slept %v, want none", rec.slept)
	}
	var fe *apperrors.FetchError
	if !errors.As(err, &fe) || fe.Attempts != 1 {
		t.Errorf("fetch error = %+v", fe)
	}
}

func TestTimeoutRetriedOnce(t *testing.T) {
	feed := &fakeFeed{chainErrs: []error{apperrors.ErrTimeout, apperrors.ErrTimeout, apperrors.ErrTimeout}}
	f, rec := newTestFetcher(feed)

	_, err := f.GetChain(context.Background(), "NIFTY", expiry)
	if apperrors.Classify(err) != apperrors.KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if feed.chainCalls != 2 {
		t.Errorf("calls = %d, want 2", feed.chainCalls)
	}
	if len(rec.slept) != 1 || rec.slept[0] != time.Second {
		t.Errorf("slept %v, want [1s]", rec.slept)
	}
}

func TestRateLimitedBacksOffExponentially(t *testing.T) {
	feed := &fakeFeed{chainErrs: []error{
		apperrors.ErrRateLimited, apperrors.ErrRateLimited, apperrors.ErrRateLimited, apperrors.ErrRateLimited,
	}}
	f, rec := newTestFetcher(feed)

	_, err := f.GetChain(context.Background(), "NIFTY", expiry)
	if apperrors.Classify(err) != apperrors.KindRateLimited {
		t.Fatalf("err = %v, want rate limited", err)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(rec.slept) != len(want) {
		t.Fatalf("slept %v, want %v", rec.slept, want)
	}
	for i := range want {
		if rec.slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, rec.slept[i], want[i])
		}
	}
	if feed.chainCalls != 4 {
		t.Errorf("calls = %d, want 4", feed.chainCalls)
	}
	// Throttling never trips the breaker.
	if st := f.Breakers().Get(string(ratelimit.ClassOptionChain)).State(); st != resilience.CircuitClosed {
		t.Errorf("breaker = %s", st)
	}
}

func TestRecoversAfterTransientError(t *testing.T) {
	feed := &fakeFeed{chainErrs: []error{errors.New("connection reset")}}
	f, rec := newTestFetcher(feed)

	if _, err := f.GetChain(context.Background(), "NIFTY", expiry); err != nil {
		t.Fatal(err)
	}
	if feed.chainCalls != 2 || len(rec.slept) != 1 {
		t.Errorf("calls = %d slept = %v", feed.chainCalls, rec.slept)
	}
	if !f.Monitor().IsAvailable(string(ratelimit.ClassOptionChain)) {
		t.Error("monitor should report the class available")
	}
}

func TestQuotesBulkChunks(t *testing.T) {
	feed := &fakeFeed{}
	f, _ := newTestFetcher(feed)

	tokens := make([]uint32, 0, 53)
	for i := 51; i >= 1; i-- {
		tokens = append(tokens, uint32(i))
	}
	tokens = append(tokens, 7, 7) // duplicates

	got, err := f.GetQuotesBulk(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	if len(feed.quoteCalls) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(feed.quoteCalls))
	}
	if len(feed.quoteCalls[0]) != broker.MaxQuoteBatch || len(feed.quoteCalls[1]) != 1 {
		t.Errorf("chunk sizes = %d, %d", len(feed.quoteCalls[0]), len(feed.quoteCalls[1]))
	}
	if len(got) != 51 || got[51] != 51 {
		t.Errorf("merged = %d entries", len(got))
	}

	if _, err := f.GetQuotesBulk(context.Background(), tokens); err != nil {
		t.Fatal(err)
	}
	if len(feed.quoteCalls) != 2 {
		t.Errorf("second call should be cached, got %d upstream calls", len(feed.quoteCalls))
	}
}

type staticPrices map[uint32]float64

func (s staticPrices) Price(token uint32) (float64, bool) {
	p, ok := s[token]
	return p, ok
}

func TestLTPPrefersPriceSource(t *testing.T) {
	feed := &fakeFeed{quotes: map[uint32]float64{9: 99}}
	f, _ := newTestFetcher(feed, WithPriceSource(staticPrices{5: 21510.5}))
	ctx := context.Background()

	if p, err := f.LTP(ctx, 5); err != nil || p != 21510.5 {
		t.Fatalf("LTP(5) = %v, %v", p, err)
	}
	if len(feed.quoteCalls) != 0 {
		t.Errorf("price source hit should not reach upstream")
	}
	if p, err := f.LTP(ctx, 9); err != nil || p != 99 {
		t.Fatalf("LTP(9) = %v, %v", p, err)
	}
}

func TestNearestExpiryLoadsIndexOnce(t *testing.T) {
	now := time.Date(2024, 1, 23, 11, 0, 0, 0, utils.IndiaLocation)
	sim := broker.NewSimFeed(broker.SimConfig{Seed: 1, Strikes: 3}, zerolog.Nop())
	sim.SetClock(func() time.Time { return now })
	insts, err := sim.GetInstruments(context.Background(), models.NFO)
	if err != nil {
		t.Fatal(err)
	}

	feed := &fakeFeed{insts: insts}
	f, _ := newTestFetcher(feed, WithClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		got, err := f.NearestExpiry(context.Background(), "NIFTY")
		if err != nil {
			t.Fatal(err)
		}
		if got.Day() != 25 {
			t.Errorf("expiry = %v", got)
		}
	}
	if feed.instCalls != 1 {
		t.Errorf("instrument dumps = %d, want 1", feed.instCalls)
	}
	if _, err := f.NearestExpiry(context.Background(), "UNKNOWN"); !errors.Is(err, apperrors.ErrDataNotFound) {
		t.Errorf("unknown symbol err = %v", err)
	}
}

func chain(oi map[float64]int64) *models.ChainSnapshot {
	s := &models.ChainSnapshot{Symbol: "NIFTY", Expiry: expiry, SpotPrice: 21500}
	for strike, v := range oi {
		s.Rows = append(s.Rows, models.ChainRow{Strike: strike, Kind: models.Call, OpenInterest: v})
	}
	return s
}

func TestCompressionFloor(t *testing.T) {
	prev := chain(map[float64]int64{21500: 2_010_000, 21600: 2_010_000, 21700: 0})
	next := chain(map[float64]int64{21500: 2_010_000 + 10_049, 21600: 2_010_000 + 10_051, 21700: 500, 21800: 10})

	out := CompressDeltas(prev, next, DefaultConfig().CompressionFloor)
	kept := map[float64]bool{}
	for _, r := range out.Rows {
		kept[r.Strike] = true
	}
	if kept[21500] {
		t.Error("change of 10,049 is below the floor")
	}
	for _, s := range []float64{21600, 21700, 21800} {
		if !kept[s] {
			t.Errorf("strike %v should be kept", s)
		}
	}
}

func TestCompressUpdatesBaseline(t *testing.T) {
	f, _ := newTestFetcher(&fakeFeed{})

	first := f.Compress(chain(map[float64]int64{21500: 1000}))
	if len(first.Rows) != 1 {
		t.Fatalf("first cycle keeps everything, got %d", len(first.Rows))
	}
	second := f.Compress(chain(map[float64]int64{21500: 1001}))
	if len(second.Rows) != 0 {
		t.Errorf("unchanged chain should compress away, got %d", len(second.Rows))
	}
	third := f.Compress(chain(map[float64]int64{21500: 1100}))
	if len(third.Rows) != 1 {
		t.Errorf("moved strike should be kept, got %d", len(third.Rows))
	}
}

// Feature: fno-scanner, Property 14: Compressed chains keep exactly the rows that moved past the floor
func TestProperty_CompressDeltas(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("kept rows are exactly the moved rows", prop.ForAll(
		func(prevOI, moves []int64) bool {
			n := min(len(prevOI), len(moves))
			prev := &models.ChainSnapshot{Symbol: "NIFTY"}
			next := &models.ChainSnapshot{Symbol: "NIFTY"}
			for i := 0; i < n; i++ {
				strike := float64(21000 + 50*i)
				prev.Rows = append(prev.Rows, models.ChainRow{Strike: strike, Kind: models.Put, OpenInterest: prevOI[i]})
				next.Rows = append(next.Rows, models.ChainRow{Strike: strike, Kind: models.Put, OpenInterest: max(0, prevOI[i]+moves[i])})
			}

			out := CompressDeltas(prev, next, 0.005)
			kept := map[float64]bool{}
			for _, r := range out.Rows {
				kept[r.Strike] = true
			}
			for i := 0; i < n; i++ {
				p, q := prev.Rows[i].OpenInterest, next.Rows[i].OpenInterest
				var want bool
				if p == 0 {
					want = q > 0
				} else {
					d := q - p
					if d < 0 {
						d = -d
					}
					want = float64(d) > 0.005*float64(p)
				}
				if kept[prev.Rows[i].Strike] != want {
					return false
				}
			}
			return len(out.Rows) <= n
		},
		gen.SliceOf(gen.Int64Range(0, 5_000_000)),
		gen.SliceOf(gen.Int64Range(-50_000, 50_000)),
	))

	properties.TestingRun(t)
}
