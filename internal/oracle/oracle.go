// Package oracle serves one logical value (price, position, trade candidate)
// from the freshest of several ranked sources. Each source carries its own
// TTL; the first source whose data is present and within TTL wins. A final
// cache source may ignore staleness entirely. When no source qualifies the
// read fails with ErrNoData and callers must fail closed, never substitute
// a default.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoData means no ranked source produced a usable value.
var ErrNoData = errors.New("no data available from any source")

// Source is one ranked provider of a value. TTL zero means staleness is
// ignored (cache-tier semantics). Read returns the value and its epoch-ms
// timestamp; errors are treated as a miss and the chain moves on.
type Source[T any] struct {
	Name string
	TTL  time.Duration
	Read func(ctx context.Context) (T, int64, error)
}

// Reading is a value plus its provenance.
type Reading[T any] struct {
	Value       T
	TimestampMs int64
	Source      string
}

// Chain evaluates sources in rank order.
type Chain[T any] struct {
	sources []Source[T]
	now     func() time.Time
}

// NewChain builds a chain over sources, highest trust first.
func NewChain[T any](sources ...Source[T]) *Chain[T] {
	return &Chain[T]{sources: sources, now: time.Now}
}

// Latest returns the first present, fresh-enough value in rank order.
func (c *Chain[T]) Latest(ctx context.Context) (Reading[T], error) {
	for _, src := range c.sources {
		v, ts, err := src.Read(ctx)
		if err != nil {
			log.Debug().Str("source", src.Name).Err(err).Msg("oracle source miss")
			continue
		}
		if src.TTL > 0 {
			age := c.now().Sub(time.UnixMilli(ts))
			if age > src.TTL {
				log.Debug().
					Str("source", src.Name).
					Dur("age", age).
					Dur("ttl", src.TTL).
					Msg("oracle source stale")
				continue
			}
		}
		return Reading[T]{Value: v, TimestampMs: ts, Source: src.Name}, nil
	}
	var zero Reading[T]
	return zero, ErrNoData
}
