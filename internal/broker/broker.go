// Package broker provides the upstream market-data feed interfaces and implementations.
package broker

import (
	"context"
	"sync/atomic"
	"time"

	"fno-scanner/internal/models"
)

// MaxQuoteBatch is the most instrument tokens a single bulk quote call may carry.
const MaxQuoteBatch = 50

// IndiaVIXToken is the instrument token of the India VIX index.
const IndiaVIXToken uint32 = 264969

// Feed defines the request/response market data operations.
type Feed interface {
	// Options
	GetOptionChain(ctx context.Context, symbol string, expiry time.Time) (*models.ChainSnapshot, error)

	// Market Data
	GetQuotesBulk(ctx context.Context, tokens []uint32) (map[uint32]float64, error)
	GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)
	GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)
}

// PriceStream defines the push price feed.
type PriceStream interface {
	Subscribe(tokens []uint32) error
	// Start runs the stream until ctx is done.
	Start(ctx context.Context) error
	// Ticks is never closed.
	Ticks() <-chan models.Tick
	Dropped() uint64
}

// Interval is a candle interval.
type Interval string

const (
	IntervalMinute   Interval = "minute"
	Interval3Minute  Interval = "3minute"
	Interval5Minute  Interval = "5minute"
	Interval15Minute Interval = "15minute"
	IntervalDay      Interval = "day"
)

// HistoricalRequest represents a request for historical data.
type HistoricalRequest struct {
	Token    uint32
	Interval Interval
	From     time.Time
	To       time.Time
}

// Duration returns the length of one candle.
func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalMinute:
		return time.Minute
	case Interval3Minute:
		return 3 * time.Minute
	case Interval5Minute:
		return 5 * time.Minute
	case Interval15Minute:
		return 15 * time.Minute
	case IntervalDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// tickQueue is a bounded tick channel that drops the oldest tick when full.
type tickQueue struct {
	ch      chan models.Tick
	dropped atomic.Uint64
}

func newTickQueue(size int) *tickQueue {
	if size <= 0 {
		size = 1024
	}
	return &tickQueue{ch: make(chan models.Tick, size)}
}

func (q *tickQueue) push(t models.Tick) {
	for {
		select {
		case q.ch <- t:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}
