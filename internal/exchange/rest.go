package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantops/guardian/internal/backoff"
)

// restMaxAttempts bounds in-call retries of transient failures.
const restMaxAttempts = 3

// RESTClient talks to a Binance-style REST API. Calls run through a rate
// limiter and a circuit breaker so a misbehaving venue cannot be hammered.
type RESTClient struct {
	baseURL   string
	apiKey    string
	apiSecret string

	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   *backoff.Manager
}

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	RPS       float64
}

// NewRESTClient creates a rate-limited, breaker-guarded REST client.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}

	settings := gobreaker.Settings{
		Name:    "exchange-rest",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("exchange breaker state change")
		},
	}

	return &RESTClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS)+1),
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry: backoff.NewManager(backoff.ManagerConfig{
			BaseDelay:        200 * time.Millisecond,
			MaxDelay:         2 * time.Second,
			Factor:           2.0,
			FailureThreshold: 3,
			OpenTimeout:      60 * time.Second,
		}),
	}
}

// GetServerTime fetches the venue clock.
func (c *RESTClient) GetServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.get(ctx, "/api/v3/time", nil, &out); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(out.ServerTime), nil
}

// Sign appends timestamp and HMAC-SHA256 signature to params.
func (c *RESTClient) Sign(params url.Values) (url.Values, error) {
	if c.apiSecret == "" {
		return nil, errors.New("sign: no API secret configured")
	}

	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(signed.Encode()))
	signed.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	return signed, nil
}

// GetAccount fetches signed account state.
func (c *RESTClient) GetAccount(ctx context.Context) (*Account, error) {
	params, err := c.Sign(url.Values{})
	if err != nil {
		return nil, err
	}

	var out Account
	if err := c.get(ctx, "/api/v3/account", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetKlines fetches closed candles for the backfill playbook.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if startMs > 0 {
		params.Set("startTime", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		params.Set("endTime", strconv.FormatInt(endMs, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	// Klines arrive as positional arrays of mixed types.
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var k Kline
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			continue
		}
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		ok := true
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				ok = false
				break
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				ok = false
				break
			}
			*dst = f
		}
		if ok {
			klines = append(klines, k)
		}
	}
	return klines, nil
}

// GetTickerPrice fetches the latest trade price for symbol.
func (c *RESTClient) GetTickerPrice(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.get(ctx, "/api/v3/ticker/price", params, &out); err != nil {
		return nil, err
	}

	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse ticker price %q: %w", out.Price, err)
	}
	return &Ticker{Symbol: out.Symbol, Price: price, TimeMs: time.Now().UnixMilli()}, nil
}

// get runs one endpoint call through the rate limiter, the breaker, and a
// per-endpoint retry backoff. Backoff state persists across calls, so an
// endpoint that kept failing delays its next attempt.
func (c *RESTClient) get(ctx context.Context, path string, params url.Values, out any) error {
	bo := c.retry.Backoff(path)

	var lastErr error
	for attempt := 0; attempt < restMaxAttempts; attempt++ {
		if d := bo.GetDelay(); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		bo.RecordAttempt()

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doGet(ctx, path, params, out)
		})
		if err == nil {
			bo.RecordSuccess()
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("exchange unavailable: %w", err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *RESTClient) doGet(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(body)}
		var provider struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &provider) == nil && provider.Code != 0 {
			apiErr.Code = provider.Code
			apiErr.Message = provider.Msg
		}
		log.Debug().Int("status", apiErr.Status).Int("code", apiErr.Code).
			Str("diagnosis", apiErr.Diagnose()).Msg("exchange call failed")
		return apiErr
	}

	return json.Unmarshal(body, out)
}
