// Package feed subscribes to the venue's combined ticker stream and
// publishes per-symbol price snapshots and 1m candle history through the
// state store. It is the writing half of the price oracle's live tier.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/backoff"
	"github.com/quantops/guardian/internal/metrics"
	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/store"
)

// Config holds the stream settings.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://stream.binance.com:9443.
	URL     string
	Symbols []string

	HandshakeTimeout time.Duration
	// ReadTimeout bounds the gap between messages before the connection
	// is considered dead.
	ReadTimeout time.Duration
}

// envelope is the combined-stream message wrapper.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tickerEvent is the subset of the 24h ticker payload the feed consumes.
// Prices arrive as strings.
type tickerEvent struct {
	EventTimeMs int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	Volume      string `json:"v"`
}

// Feed owns one stream connection and the per-symbol candle builders.
type Feed struct {
	cfg     Config
	store   *store.Store
	cache   *oracle.Cache
	reg     *metrics.Registry
	backoff *backoff.ConnectionBackoff
	candles map[string]*candleBuilder
	dialer  *websocket.Dialer
	now     func() time.Time
}

// New builds a feed. cache and reg may be nil.
func New(cfg Config, st *store.Store, cache *oracle.Cache, reg *metrics.Registry) *Feed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &Feed{
		cfg:     cfg,
		store:   st,
		cache:   cache,
		reg:     reg,
		backoff: backoff.NewConnectionBackoff(time.Second, 30*time.Second, 2.0),
		candles: make(map[string]*candleBuilder),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		now:     time.Now,
	}
}

// StreamURL is the combined-stream subscription URL for the configured
// symbols.
func (f *Feed) StreamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@ticker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.cfg.URL, strings.Join(streams, "/"))
}

// Run connects and consumes ticks until ctx is cancelled, reconnecting
// with exponential backoff on any connection failure.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.backoff.RecordAttempt()
			delay := f.backoff.GetDelay()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("stream connection lost")
			if f.reg != nil {
				for _, s := range f.cfg.Symbols {
					f.reg.FeedReconnects.WithLabelValues(s).Inc()
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	url := f.StreamURL()
	log.Info().Str("url", url).Msg("connecting to ticker stream")

	conn, _, err := f.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	f.backoff.RecordSuccess()
	log.Info().Int("symbols", len(f.cfg.Symbols)).Msg("ticker stream connected")

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(f.now().Add(f.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(msg)
	}
}

func (f *Feed) handleMessage(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Error().Err(err).Msg("undecodable stream message")
		return
	}
	if env.Data == nil {
		return
	}

	var tick tickerEvent
	if err := json.Unmarshal(env.Data, &tick); err != nil {
		log.Error().Err(err).Str("stream", env.Stream).Msg("undecodable ticker payload")
		return
	}

	symbol := strings.ToUpper(tick.Symbol)
	if symbol == "" {
		symbol = strings.ToUpper(strings.SplitN(env.Stream, "@", 2)[0])
	}

	price, err := strconv.ParseFloat(tick.Close, 64)
	if err != nil || price <= 0 {
		log.Warn().Str("symbol", symbol).Str("close", tick.Close).Msg("tick without a usable price")
		return
	}
	volume, _ := strconv.ParseFloat(tick.Volume, 64)

	tsMs := tick.EventTimeMs
	if tsMs == 0 {
		tsMs = f.now().UnixMilli()
	}

	if err := f.store.WriteJSON(oracle.SnapshotPath(symbol), oracle.PriceSnapshot{
		Symbol: symbol,
		Price:  price,
		TSMs:   tsMs,
	}); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("snapshot write failed")
		return
	}

	if f.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.cache.SetPrice(ctx, oracle.PriceData{
			Symbol:      symbol,
			Price:       price,
			TimestampMs: tsMs,
			Source:      oracle.SourceLive,
		}, oracle.CachePriceTTL); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("price cache fill failed")
		}
		cancel()
	}

	f.foldCandle(symbol, price, volume, tsMs)

	if f.reg != nil {
		f.reg.FeedTicks.WithLabelValues(symbol).Inc()
	}
	log.Debug().Str("symbol", symbol).Float64("price", price).Msg("tick")
}

// candleBuilder folds ticks into the current 1m bar. Volume is the 24h
// rolling figure from the ticker, so the bar carries the last seen value
// rather than a sum.
type candleBuilder struct {
	minuteMs int64
	candle   oracle.Candle
}

func (f *Feed) foldCandle(symbol string, price, volume float64, tsMs int64) {
	minute := tsMs - tsMs%60000

	cb, ok := f.candles[symbol]
	if !ok {
		f.candles[symbol] = &candleBuilder{
			minuteMs: minute,
			candle:   oracle.Candle{TimestampMs: minute, Open: price, High: price, Low: price, Close: price, Volume: volume},
		}
		return
	}

	if minute > cb.minuteMs {
		if err := f.store.AppendNDJSON(oracle.HistoryPath(symbol), cb.candle); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("history append failed")
		}
		cb.minuteMs = minute
		cb.candle = oracle.Candle{TimestampMs: minute, Open: price, High: price, Low: price, Close: price, Volume: volume}
		return
	}

	if price > cb.candle.High {
		cb.candle.High = price
	}
	if price < cb.candle.Low {
		cb.candle.Low = price
	}
	cb.candle.Close = price
	cb.candle.Volume = volume
}
