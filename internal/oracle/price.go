package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/exchange"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

// Source tags in provenance rank order.
const (
	SourceLive   = "live"
	SourceRest   = "rest"
	SourceCache  = "cache"
	SourceLedger = "ledger"
)

// Default freshness windows for the price tiers.
const (
	LivePriceTTL  = 5 * time.Second
	RestPriceTTL  = 30 * time.Second
	CachePriceTTL = 60 * time.Second
)

// PriceData is one resolved price with provenance.
type PriceData struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	TimestampMs int64   `json:"timestamp_ms"`
	Source      string  `json:"source"`
}

// PriceSnapshot is the per-symbol document the live feed writes.
type PriceSnapshot struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TSMs   int64   `json:"ts_ms"`
}

// Candle is one history-file line.
type Candle struct {
	TimestampMs int64   `json:"timestamp"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// PriceOracle resolves the latest price for a symbol from the live snapshot,
// then the venue's REST endpoint, then the redis tier, then the tail of the
// local history file regardless of its age.
type PriceOracle struct {
	store   *store.Store
	client  exchange.Client
	cache   *Cache // nil disables the redis tier
	liveTTL time.Duration
	restTTL time.Duration
}

// NewPriceOracle builds a price oracle. client and cache may be nil; the
// corresponding tiers then always miss.
func NewPriceOracle(st *store.Store, client exchange.Client, cache *Cache) *PriceOracle {
	return &PriceOracle{
		store:   st,
		client:  client,
		cache:   cache,
		liveTTL: LivePriceTTL,
		restTTL: RestPriceTTL,
	}
}

// WithTTLs overrides the live and REST freshness windows. Zero values keep
// the defaults.
func (o *PriceOracle) WithTTLs(live, rest time.Duration) *PriceOracle {
	if live > 0 {
		o.liveTTL = live
	}
	if rest > 0 {
		o.restTTL = rest
	}
	return o
}

// SnapshotPath returns the live snapshot location for symbol, relative to
// the data root.
func SnapshotPath(symbol string) string {
	return fmt.Sprintf("%s/prices_%s.json", paths.SnapshotsDir, strings.ToLower(symbol))
}

// HistoryPath returns the 1m candle history location for symbol.
func HistoryPath(symbol string) string {
	return fmt.Sprintf("%s/%s_1m.jsonl", paths.HistoryDir, strings.ToLower(symbol))
}

// LastPrice returns the freshest available price for symbol.
func (o *PriceOracle) LastPrice(ctx context.Context, symbol string) (PriceData, error) {
	chain := NewChain(
		Source[float64]{Name: SourceLive, TTL: o.liveTTL, Read: func(ctx context.Context) (float64, int64, error) {
			return o.readSnapshot(symbol)
		}},
		Source[float64]{Name: SourceRest, TTL: o.restTTL, Read: func(ctx context.Context) (float64, int64, error) {
			return o.fetchRest(ctx, symbol)
		}},
		Source[float64]{Name: SourceCache, TTL: CachePriceTTL, Read: func(ctx context.Context) (float64, int64, error) {
			return o.readCache(ctx, symbol)
		}},
		Source[float64]{Name: SourceCache, Read: func(ctx context.Context) (float64, int64, error) {
			return o.readHistoryTail(symbol)
		}},
	)

	r, err := chain.Latest(ctx)
	if err != nil {
		return PriceData{}, fmt.Errorf("price for %s: %w", symbol, err)
	}
	return PriceData{Symbol: symbol, Price: r.Value, TimestampMs: r.TimestampMs, Source: r.Source}, nil
}

// OneMinuteReturn computes the percent change between the last two closed
// 1m candles. Insufficient history yields zero, not an error.
func (o *PriceOracle) OneMinuteReturn(symbol string) (float64, int64, error) {
	lines, err := o.store.ReadNDJSON(HistoryPath(symbol), 2)
	if err != nil {
		return 0, 0, err
	}
	nowMs := time.Now().UnixMilli()
	if len(lines) < 2 {
		return 0, nowMs, nil
	}

	var prev, cur Candle
	if err := json.Unmarshal(lines[0], &prev); err != nil {
		return 0, nowMs, nil
	}
	if err := json.Unmarshal(lines[1], &cur); err != nil {
		return 0, nowMs, nil
	}
	if prev.Close == 0 {
		return 0, nowMs, nil
	}
	return (cur.Close - prev.Close) / prev.Close * 100, cur.TimestampMs, nil
}

func (o *PriceOracle) readSnapshot(symbol string) (float64, int64, error) {
	var snap PriceSnapshot
	if err := o.store.ReadJSON(SnapshotPath(symbol), &snap); err != nil {
		return 0, 0, err
	}
	if snap.Price <= 0 {
		return 0, 0, errors.New("snapshot has no usable price")
	}
	return snap.Price, snap.TSMs, nil
}

func (o *PriceOracle) fetchRest(ctx context.Context, symbol string) (float64, int64, error) {
	if o.client == nil {
		return 0, 0, errors.New("no rest client configured")
	}
	tk, err := o.client.GetTickerPrice(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	if tk.Price <= 0 {
		return 0, 0, errors.New("rest returned no usable price")
	}

	ts := tk.TimeMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	if o.cache != nil {
		pd := PriceData{Symbol: symbol, Price: tk.Price, TimestampMs: ts, Source: SourceRest}
		if err := o.cache.SetPrice(ctx, pd, CachePriceTTL); err != nil {
			log.Debug().Str("symbol", symbol).Err(err).Msg("price cache fill failed")
		}
	}
	return tk.Price, ts, nil
}

func (o *PriceOracle) readCache(ctx context.Context, symbol string) (float64, int64, error) {
	if o.cache == nil {
		return 0, 0, errors.New("no cache tier configured")
	}
	pd, found, err := o.cache.GetPrice(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	if !found || pd.Price <= 0 {
		return 0, 0, errors.New("no cached price")
	}
	return pd.Price, pd.TimestampMs, nil
}

func (o *PriceOracle) readHistoryTail(symbol string) (float64, int64, error) {
	lines, err := o.store.ReadNDJSON(HistoryPath(symbol), 1)
	if err != nil {
		return 0, 0, err
	}
	if len(lines) == 0 {
		return 0, 0, errors.New("no history")
	}
	var c Candle
	if err := json.Unmarshal(lines[0], &c); err != nil {
		return 0, 0, err
	}
	if c.Close <= 0 {
		return 0, 0, errors.New("history tail has no usable close")
	}
	return c.Close, c.TimestampMs, nil
}
