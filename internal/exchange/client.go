// Package exchange is the boundary to the trading venue. The control plane
// consumes a narrow interface: server time for clock-drift checks, request
// signing, account state for equity, and klines for gap backfill. Transport
// details stay behind the interface.
package exchange

import (
	"context"
	"net/url"
	"time"
)

// Kline is one closed candle.
type Kline struct {
	OpenTime int64   `json:"t"` // epoch ms
	Open     float64 `json:"o"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Close    float64 `json:"c"`
	Volume   float64 `json:"v"`
}

// Balance is one asset's free/locked amounts.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Account is the subset of account state the control plane reads.
type Account struct {
	Balances   []Balance `json:"balances"`
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
}

// Ticker is a point-in-time price quote.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TimeMs int64   `json:"time_ms"`
}

// Client is the venue contract the core depends on. Every call returns a
// *APIError on provider-reported failures.
type Client interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	Sign(params url.Values) (url.Values, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error)
	GetTickerPrice(ctx context.Context, symbol string) (*Ticker, error)
}
