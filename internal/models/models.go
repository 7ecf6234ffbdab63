// Package models provides domain models for the scanner.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time `csv:"timestamp" json:"timestamp"`
	Open      float64   `csv:"open" json:"open"`
	High      float64   `csv:"high" json:"high"`
	Low       float64   `csv:"low" json:"low"`
	Close     float64   `csv:"close" json:"close"`
	Volume    int64     `csv:"volume" json:"volume"`
}

// Tick is one push-feed price update.
type Tick struct {
	Token     uint32
	Symbol    string
	LTP       float64
	OI        int64
	Volume    int64
	Timestamp time.Time
}

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token     uint32
	Symbol    string
	Name      string
	Exchange  Exchange
	Segment   string
	LotSize   int
	TickSize  float64
	Expiry    time.Time
	Strike    float64
	InstrType string
}

// ScanTier governs refresh cadence and alerting.
type ScanTier string

const (
	TierPriority ScanTier = "PRIORITY"
	TierStandard ScanTier = "STANDARD"
)

// Valid reports whether t is a known tier.
func (t ScanTier) Valid() bool {
	return t == TierPriority || t == TierStandard
}

// WatchItem is one tracked instrument as supplied by the watchlist.
type WatchItem struct {
	Symbol         string   `mapstructure:"symbol" json:"symbol"`
	Tier           ScanTier `mapstructure:"tier" json:"tier"`
	AlertThreshold float64  `mapstructure:"alert_threshold" json:"alert_threshold"`
	LotSize        int      `mapstructure:"lot_size" json:"lot_size"`
	Token          uint32   `mapstructure:"token" json:"token"`
}
