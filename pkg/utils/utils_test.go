package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFormatIndianCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "₹0.00"},
		{999.5, "₹999.50"},
		{1234567.891, "₹12,34,567.89"},
		{-100000, "-₹1,00,000.00"},
	}
	for _, tt := range tests {
		if got := FormatIndianCurrency(tt.in); got != tt.want {
			t.Errorf("FormatIndianCurrency(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{19234.57, 0.05, 19234.55},
		{19234.58, 0.05, 19234.60},
		{101.01, 0, 101.00},
		{22000.3, 0.5, 22000.5},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.price, tt.tick); got != tt.want {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestDaysToExpiry(t *testing.T) {
	now := time.Date(2024, 1, 23, 10, 0, 0, 0, IndiaLocation)
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, IndiaLocation)

	if got := DaysToExpiry(expiry, now); got != 2 {
		t.Errorf("DaysToExpiry = %d, want 2", got)
	}
	if got := DaysToExpiry(now, now); got != 0 {
		t.Errorf("DaysToExpiry same day = %d, want 0", got)
	}
	if got := DaysToExpiry(now.AddDate(0, 0, -3), now); got != 0 {
		t.Errorf("DaysToExpiry past = %d, want 0", got)
	}
}

func TestRetryWithPolicyStopsWhenPolicyDeclines(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	policy := func(attempt int, err error) (time.Duration, bool) {
		return 0, attempt < 2
	}
	noSleep := func(context.Context, time.Duration) error { return nil }

	_, attempts, err := RetryWithPolicy(context.Background(), policy, noSleep, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if attempts != 2 || calls != 2 {
		t.Errorf("attempts = %d calls = %d, want 2/2", attempts, calls)
	}
}

func TestRetryWithPolicySucceeds(t *testing.T) {
	calls := 0
	got, attempts, err := RetryWithPolicy(context.Background(), ExponentialPolicy(RetryConfig{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2,
	}), nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	if err != nil || got != "ok" || attempts != 3 {
		t.Errorf("got %q attempts %d err %v", got, attempts, err)
	}
}
