// Package watchdog runs the periodic maintenance loops: health aggregation,
// risk monitoring, auto-heal sweeps. A loop iteration that fails is logged
// and retried on the next tick; one misbehaving loop never takes the
// process down.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Loop is one periodic task.
type Loop struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Supervisor drives registered loops until its context is cancelled.
type Supervisor struct {
	loops []Loop
	gauge *prometheus.GaugeVec
	now   func() time.Time

	mu     sync.Mutex
	lastOK map[string]time.Time
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor. lastSuccess may be nil when metrics
// are not wired.
func NewSupervisor(lastSuccess *prometheus.GaugeVec) *Supervisor {
	return &Supervisor{
		gauge:  lastSuccess,
		now:    time.Now,
		lastOK: make(map[string]time.Time),
	}
}

func (s *Supervisor) Add(l Loop) {
	s.loops = append(s.loops, l)
}

// Start launches every registered loop. Each runs once immediately, then
// on its interval. Start returns right away; use Wait to block until all
// loops have exited after cancellation.
func (s *Supervisor) Start(ctx context.Context) {
	for _, l := range s.loops {
		s.wg.Add(1)
		go s.runLoop(ctx, l)
	}
}

// Wait blocks until all loops have stopped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// LastSuccess reports when the named loop last completed without error.
func (s *Supervisor) LastSuccess(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastOK[name]
	return t, ok
}

func (s *Supervisor) runLoop(ctx context.Context, l Loop) {
	defer s.wg.Done()

	log.Info().Str("loop", l.Name).Dur("interval", l.Interval).Msg("watchdog loop started")

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	s.iterate(ctx, l)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("loop", l.Name).Msg("watchdog loop stopped")
			return
		case <-ticker.C:
			s.iterate(ctx, l)
		}
	}
}

func (s *Supervisor) iterate(ctx context.Context, l Loop) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("loop", l.Name).Interface("panic", r).Msg("watchdog loop panicked")
		}
	}()

	if err := l.Run(ctx); err != nil {
		log.Warn().Err(err).Str("loop", l.Name).Msg("watchdog iteration failed")
		return
	}

	now := s.now()
	s.mu.Lock()
	s.lastOK[l.Name] = now
	s.mu.Unlock()

	if s.gauge != nil {
		s.gauge.WithLabelValues(l.Name).Set(float64(now.Unix()))
	}
}
