package oracle

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/guardian/internal/exchange"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

type stubClient struct {
	ticker *exchange.Ticker
	err    error
}

func (s *stubClient) GetServerTime(context.Context) (time.Time, error) { return time.Now(), nil }
func (s *stubClient) Sign(params url.Values) (url.Values, error)       { return params, nil }
func (s *stubClient) GetAccount(context.Context) (*exchange.Account, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) GetKlines(context.Context, string, string, int64, int64, int) ([]exchange.Kline, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) GetTickerPrice(context.Context, string) (*exchange.Ticker, error) {
	return s.ticker, s.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	root, err := paths.NewRoot(t.TempDir())
	require.NoError(t, err)
	return store.New(root, store.Options{Role: "feeder"})
}

func TestPriceOracleServesFreshSnapshot(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.WriteJSON(SnapshotPath("BTCUSDT"), PriceSnapshot{
		Symbol: "BTCUSDT",
		Price:  43250.5,
		TSMs:   time.Now().UnixMilli(),
	}))

	o := NewPriceOracle(st, &stubClient{err: errors.New("down")}, nil)

	pd, err := o.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, pd.Source)
	assert.Equal(t, 43250.5, pd.Price)
}

func TestPriceOracleHonorsConfiguredLiveTTL(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.WriteJSON(SnapshotPath("BTCUSDT"), PriceSnapshot{
		Symbol: "BTCUSDT",
		Price:  43250.5,
		TSMs:   time.Now().Add(-3 * time.Second).UnixMilli(),
	}))

	rest := &stubClient{ticker: &exchange.Ticker{
		Symbol: "BTCUSDT",
		Price:  43300.0,
		TimeMs: time.Now().UnixMilli(),
	}}

	// Fresh under the default 5s window.
	pd, err := NewPriceOracle(st, rest, nil).LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, pd.Source)

	// A 1s window rejects the same snapshot and falls through to REST.
	pd, err = NewPriceOracle(st, rest, nil).WithTTLs(time.Second, 30*time.Second).
		LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceRest, pd.Source)
	assert.Equal(t, 43300.0, pd.Price)
}

func TestPriceOracleFallsBackToRest(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.WriteJSON(SnapshotPath("BTCUSDT"), PriceSnapshot{
		Symbol: "BTCUSDT",
		Price:  43250.5,
		TSMs:   time.Now().Add(-time.Minute).UnixMilli(),
	}))

	o := NewPriceOracle(st, &stubClient{ticker: &exchange.Ticker{
		Symbol: "BTCUSDT",
		Price:  43300.0,
		TimeMs: time.Now().UnixMilli(),
	}}, nil)

	pd, err := o.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceRest, pd.Source)
	assert.Equal(t, 43300.0, pd.Price)
}

func TestPriceOracleFallsBackToHistoryTail(t *testing.T) {
	st := newTestStore(t)
	// Day-old candle: the cache tier serves it anyway.
	require.NoError(t, st.AppendNDJSON(HistoryPath("BTCUSDT"), Candle{
		TimestampMs: time.Now().Add(-24 * time.Hour).UnixMilli(),
		Close:       42000.0,
	}))

	o := NewPriceOracle(st, &stubClient{err: errors.New("down")}, nil)

	pd, err := o.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, pd.Source)
	assert.Equal(t, 42000.0, pd.Price)
}

func TestPriceOracleNoDataFailsClosed(t *testing.T) {
	st := newTestStore(t)
	o := NewPriceOracle(st, &stubClient{err: errors.New("down")}, nil)

	_, err := o.LastPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestOneMinuteReturn(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UnixMilli()
	require.NoError(t, st.AppendNDJSON(HistoryPath("ETHUSDT"), Candle{TimestampMs: base - 120_000, Close: 2000}))
	require.NoError(t, st.AppendNDJSON(HistoryPath("ETHUSDT"), Candle{TimestampMs: base - 60_000, Close: 2010}))

	o := NewPriceOracle(st, nil, nil)
	ret, ts, err := o.OneMinuteReturn("ETHUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ret, 1e-9)
	assert.Equal(t, base-60_000, ts)
}

func TestOneMinuteReturnInsufficientHistory(t *testing.T) {
	st := newTestStore(t)
	o := NewPriceOracle(st, nil, nil)

	ret, _, err := o.OneMinuteReturn("ETHUSDT")
	require.NoError(t, err)
	assert.Zero(t, ret)
}
