package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is the lower-trust redis tier under the oracles. Everything here is
// best effort: an unreachable redis is a source miss, never a hard failure.
type Cache struct {
	client *redis.Client
}

// NewCache connects to redis at addr and verifies the connection.
func NewCache(addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Cache{client: rdb}, nil
}

// NewCacheWithClient wraps an existing client (tests inject a mock here).
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Get retrieves a raw value. A missing key is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return []byte(val), true, nil
}

// Set stores a raw value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

func priceKey(symbol string) string {
	return "price:" + strings.ToUpper(symbol)
}

// GetPrice reads the cached price for symbol.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (PriceData, bool, error) {
	raw, found, err := c.Get(ctx, priceKey(symbol))
	if err != nil || !found {
		return PriceData{}, false, err
	}
	var pd PriceData
	if err := json.Unmarshal(raw, &pd); err != nil {
		return PriceData{}, false, fmt.Errorf("decode cached price: %w", err)
	}
	return pd, true, nil
}

// SetPrice caches pd for ttl. Callers ignore the error; the cache tier is
// advisory.
func (c *Cache) SetPrice(ctx context.Context, pd PriceData, ttl time.Duration) error {
	raw, err := json.Marshal(pd)
	if err != nil {
		return err
	}
	return c.Set(ctx, priceKey(pd.Symbol), raw, ttl)
}
