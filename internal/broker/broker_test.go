package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"fno-scanner/internal/cache"
	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/models"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/pkg/utils"
)

// Feature: fno-scanner, Property 13: Tick queue keeps the newest ticks and counts every drop
func TestProperty_TickQueueDropOldest(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("drop-oldest accounting", prop.ForAll(
		func(size, pushes int) bool {
			q := newTickQueue(size)
			for i := 1; i <= pushes; i++ {
				q.push(models.Tick{Token: uint32(i)})
			}

			wantLen := min(size, pushes)
			if len(q.ch) != wantLen {
				return false
			}
			if q.dropped.Load() != uint64(max(0, pushes-size)) {
				return false
			}
			// Survivors are the newest, in order.
			next := uint32(pushes - wantLen + 1)
			for len(q.ch) > 0 {
				if tk := <-q.ch; tk.Token != next {
					return false
				}
				next++
			}
			return true
		},
		gen.IntRange(1, 16),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestMapKiteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.Kind
	}{
		{"token exception", kiteconnect.Error{Code: 403, ErrorType: kiteconnect.TokenError, Message: "Invalid session"}, apperrors.KindFatal},
		{"permission", kiteconnect.Error{Code: 403, ErrorType: kiteconnect.PermissionError, Message: "Insufficient permission"}, apperrors.KindFatal},
		{"http 429", kiteconnect.Error{Code: 429, ErrorType: kiteconnect.NetworkError, Message: "Too many requests"}, apperrors.KindRateLimited},
		{"throttle text", kiteconnect.Error{Code: 400, ErrorType: kiteconnect.NetworkError, Message: "Too many requests"}, apperrors.KindRateLimited},
		{"data", kiteconnect.Error{Code: 502, ErrorType: kiteconnect.DataError, Message: "Unknown content"}, apperrors.KindMalformedData},
		{"gateway timeout", kiteconnect.Error{Code: 504, ErrorType: kiteconnect.NetworkError, Message: "Gateway timeout"}, apperrors.KindTimeout},
		{"net timeout", fmt.Errorf("get quote: %w", timeoutErr{}), apperrors.KindTimeout},
		{"general", kiteconnect.Error{Code: 500, ErrorType: kiteconnect.GeneralError, Message: "boom"}, apperrors.KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapKiteError("quote", tt.err)
			if got := apperrors.Classify(err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", err, got, tt.want)
			}
			var be *apperrors.BrokerError
			if !errors.As(err, &be) {
				t.Errorf("mapped error %T is not a BrokerError", err)
			}
		})
	}
}

func TestCallHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	block := make(chan struct{})
	defer close(block)
	_, err := call(ctx, func() (int, error) {
		<-block
		return 0, nil
	})
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func fixedClock() time.Time {
	return time.Date(2024, 1, 23, 11, 0, 0, 0, utils.IndiaLocation) // Tuesday
}

func TestSimFeedDeterministic(t *testing.T) {
	newFeed := func() *SimFeed {
		f := NewSimFeed(SimConfig{Seed: 7, Strikes: 5}, zerolog.Nop())
		f.SetClock(fixedClock)
		return f
	}
	a, b := newFeed(), newFeed()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ca, err := a.GetOptionChain(ctx, "NIFTY", time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		cb, _ := b.GetOptionChain(ctx, "NIFTY", time.Time{})

		if msg := ca.Validate(); msg != "" {
			t.Fatalf("invalid snapshot: %s", msg)
		}
		if len(ca.Rows) != 22 {
			t.Fatalf("rows = %d, want 22", len(ca.Rows))
		}
		if ca.SpotPrice != cb.SpotPrice {
			t.Fatalf("cycle %d spot %v != %v", i, ca.SpotPrice, cb.SpotPrice)
		}
		for j := range ca.Rows {
			if ca.Rows[j] != cb.Rows[j] {
				t.Fatalf("cycle %d row %d differs: %+v vs %+v", i, j, ca.Rows[j], cb.Rows[j])
			}
		}
	}
}

func TestSimFeedQuotesAndHistory(t *testing.T) {
	f := NewSimFeed(DefaultSimConfig(), zerolog.Nop())
	f.SetClock(fixedClock)
	ctx := context.Background()

	snap, err := f.GetOptionChain(ctx, "BANKNIFTY", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	row := snap.Rows[3]
	quotes, err := f.GetQuotesBulk(ctx, []uint32{row.Token, IndiaVIXToken, 1})
	if err != nil {
		t.Fatal(err)
	}
	if quotes[row.Token] != row.LastPrice {
		t.Errorf("quote = %v, want %v", quotes[row.Token], row.LastPrice)
	}
	if quotes[IndiaVIXToken] <= 0 {
		t.Error("VIX quote missing")
	}
	if _, ok := quotes[1]; ok {
		t.Error("unknown token should be omitted")
	}

	from := fixedClock().Add(-time.Hour)
	candles, err := f.GetHistorical(ctx, HistoricalRequest{Token: 260105, Interval: Interval5Minute, From: from, To: fixedClock()})
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 12 {
		t.Fatalf("candles = %d, want 12", len(candles))
	}
	for _, c := range candles {
		if c.High < c.Low || c.High < c.Open || c.Low > c.Close {
			t.Errorf("inconsistent candle %+v", c)
		}
	}
}

func TestInstrumentIndex(t *testing.T) {
	f := NewSimFeed(SimConfig{Seed: 1, Strikes: 3}, zerolog.Nop())
	f.SetClock(fixedClock)
	insts, err := f.GetInstruments(context.Background(), models.NFO)
	if err != nil {
		t.Fatal(err)
	}

	ix := NewInstrumentIndex()
	ix.Load(insts, fixedClock())

	expiries := ix.Expiries("NIFTY")
	if len(expiries) != 2 {
		t.Fatalf("expiries = %v, want 2", expiries)
	}
	near, ok := ix.NearestExpiry("NIFTY", fixedClock())
	if !ok || near.Weekday() != time.Thursday || near.Day() != 25 {
		t.Errorf("nearest expiry = %v", near)
	}
	if got := len(ix.Options("NIFTY", near)); got != 14 {
		t.Errorf("options = %d, want 14", got)
	}
	if ix.LotSize("BANKNIFTY") != 15 {
		t.Errorf("lot size = %d", ix.LotSize("BANKNIFTY"))
	}
	if _, ok := ix.NearestFuture("FINNIFTY", fixedClock()); !ok {
		t.Error("missing FINNIFTY future")
	}
}

func TestWeeklyExpiry(t *testing.T) {
	thursdayAfterClose := time.Date(2024, 1, 25, 16, 0, 0, 0, utils.IndiaLocation)
	if got := WeeklyExpiry(thursdayAfterClose); got.Day() != 1 || got.Month() != time.February {
		t.Errorf("after close = %v, want 1 Feb", got)
	}
	thursdayMorning := time.Date(2024, 1, 25, 10, 0, 0, 0, utils.IndiaLocation)
	if got := WeeklyExpiry(thursdayMorning); got.Day() != 25 {
		t.Errorf("expiry morning = %v, want 25 Jan", got)
	}
}

func TestSpotQuoteSymbol(t *testing.T) {
	if got := SpotQuoteSymbol("nifty"); got != "NSE:NIFTY 50" {
		t.Errorf("got %q", got)
	}
	if got := SpotQuoteSymbol("RELIANCE"); got != "NSE:RELIANCE" {
		t.Errorf("got %q", got)
	}
}

func TestTickerSubscribeSpendsBudget(t *testing.T) {
	tk := NewKiteTicker(KiteTickerConfig{APIKey: "key", BufferSize: 8}, zerolog.Nop())
	if err := tk.admitSubscribe(context.Background()); err != nil {
		t.Fatalf("no pacer: %v", err)
	}

	limiter := ratelimit.New(cache.NewMemoryStore(), ratelimit.Limits{
		ratelimit.ClassSubscribe: {Burst: 2, Window: time.Minute},
		ratelimit.ClassDefault:   {Burst: 100, Window: time.Minute},
	}, zerolog.Nop())
	tk.SetPacer(limiter)

	// Tokens registered before connect are sent on connect, not now.
	if err := tk.Subscribe([]uint32{256265}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := tk.admitSubscribe(context.Background()); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tk.admitSubscribe(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third subscribe = %v, want deadline exceeded", err)
	}
	if wait := limiter.Admit(ratelimit.ClassSubscribe, "other"); wait != 0 {
		t.Errorf("budget is per API key, other key waited %v", wait)
	}
}
