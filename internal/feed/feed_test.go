package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	root, err := paths.NewRoot(t.TempDir())
	require.NoError(t, err)
	return store.New(root, store.Options{Role: "feeder"})
}

func TestStreamURL(t *testing.T) {
	f := New(Config{URL: "wss://stream.example.com:9443", Symbols: []string{"BTCUSDT", "ETHUSDT"}}, newTestStore(t), nil, nil)
	url := f.StreamURL()
	assert.Equal(t, "wss://stream.example.com:9443/stream?streams=btcusdt@ticker/ethusdt@ticker", url)
}

func TestTickWritesSnapshot(t *testing.T) {
	st := newTestStore(t)
	f := New(Config{URL: "ws://unused", Symbols: []string{"BTCUSDT"}}, st, nil, nil)

	f.handleMessage([]byte(`{"stream":"btcusdt@ticker","data":{"E":1700000000000,"s":"BTCUSDT","c":"50123.45","v":"812.5"}}`))

	var snap oracle.PriceSnapshot
	require.NoError(t, st.ReadJSON(oracle.SnapshotPath("BTCUSDT"), &snap))
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, 50123.45, snap.Price)
	assert.Equal(t, int64(1700000000000), snap.TSMs)
}

func TestMalformedMessagesAreSkipped(t *testing.T) {
	st := newTestStore(t)
	f := New(Config{URL: "ws://unused", Symbols: []string{"BTCUSDT"}}, st, nil, nil)

	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"stream":"btcusdt@ticker"}`))
	f.handleMessage([]byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"garbage"}}`))
	f.handleMessage([]byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"0"}}`))

	var snap oracle.PriceSnapshot
	err := st.ReadJSON(oracle.SnapshotPath("BTCUSDT"), &snap)
	assert.Error(t, err)
}

func TestCandleRollover(t *testing.T) {
	st := newTestStore(t)
	f := New(Config{URL: "ws://unused", Symbols: []string{"BTCUSDT"}}, st, nil, nil)

	base := int64(1700000000000)
	base -= base % 60000

	f.foldCandle("BTCUSDT", 100, 10, base)
	f.foldCandle("BTCUSDT", 105, 11, base+5000)
	f.foldCandle("BTCUSDT", 98, 12, base+10000)
	// New minute flushes the previous bar.
	f.foldCandle("BTCUSDT", 101, 13, base+60000)

	lines, err := st.ReadNDJSON(oracle.HistoryPath("BTCUSDT"), 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var bar oracle.Candle
	require.NoError(t, json.Unmarshal(lines[0], &bar))
	assert.Equal(t, base, bar.TimestampMs)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 105.0, bar.High)
	assert.Equal(t, 98.0, bar.Low)
	assert.Equal(t, 98.0, bar.Close)
}

func TestRunConsumesLiveStream(t *testing.T) {
	st := newTestStore(t)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		ticks := []string{
			`{"stream":"btcusdt@ticker","data":{"E":1700000000000,"s":"BTCUSDT","c":"50000.0","v":"1.0"}}`,
			`{"stream":"btcusdt@ticker","data":{"E":1700000001000,"s":"BTCUSDT","c":"50100.0","v":"2.0"}}`,
		}
		for _, tick := range ticks {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tick)))
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	f := New(Config{URL: wsURL, Symbols: []string{"BTCUSDT"}}, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var snap oracle.PriceSnapshot
		return st.ReadJSON(oracle.SnapshotPath("BTCUSDT"), &snap) == nil && snap.Price == 50100.0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}
