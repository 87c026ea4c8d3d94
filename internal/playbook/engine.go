// Package playbook is the recovery engine: named, ordered remediation
// procedures with per-step timeouts. A run stops at the first failing step
// and always reports how far it got; partial completion is a normal
// outcome, not an error escaping the engine.
package playbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/backoff"
	"github.com/quantops/guardian/internal/exchange"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/procs"
	"github.com/quantops/guardian/internal/store"
)

// historySize bounds the in-memory run history.
const historySize = 100

// Env is everything a playbook step may touch.
type Env struct {
	Store    *store.Store
	Client   exchange.Client
	Registry procs.Registry

	Symbols        []string
	MinCoveragePct float64

	// PollInterval paces wait-and-verify loops. Tests shrink it.
	PollInterval time.Duration

	// Wait budgets for the request-and-verify playbooks. Zero values get
	// production defaults.
	RestartWait   time.Duration
	FreshTickWait time.Duration
	RegenWait     time.Duration
}

func (e *Env) pollInterval() time.Duration {
	if e.PollInterval <= 0 {
		return time.Second
	}
	return e.PollInterval
}

// Execution is one run's mutable state, shared by its steps.
type Execution struct {
	Env    *Env
	Params map[string]any

	mu        sync.Mutex
	artifacts []string
}

// AddArtifact records a file the run created or rebuilt.
func (ex *Execution) AddArtifact(rel string) {
	ex.mu.Lock()
	ex.artifacts = append(ex.artifacts, rel)
	ex.mu.Unlock()
}

// Step is one bounded, idempotent unit of a playbook.
type Step struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context, ex *Execution) error
}

// Playbook builds a fresh step sequence per run so steps can share
// run-local state through closures.
type Playbook struct {
	ID          string
	Description string
	Build       func(ex *Execution) []Step
}

// Result reports one playbook run. Success implies every step completed.
type Result struct {
	PlaybookID       string   `json:"playbook_id"`
	Success          bool     `json:"success"`
	StepsCompleted   int      `json:"steps_completed"`
	TotalSteps       int      `json:"total_steps"`
	DurationSec      float64  `json:"duration_sec"`
	ErrorMessage     string   `json:"error_message,omitempty"`
	ArtifactsCreated []string `json:"artifacts_created,omitempty"`
	StartedAt        float64  `json:"started_at"`
	FinishedAt       float64  `json:"finished_at"`
}

// Archiver receives finished results for long-term storage. Archiving is
// best effort and never affects the run outcome.
type Archiver interface {
	ArchiveResult(ctx context.Context, r Result) error
}

// Engine looks up and executes playbooks, keeping a bounded history.
type Engine struct {
	env      *Env
	breaker  *backoff.CircuitBreaker
	archiver Archiver
	observer func(Result)

	mu        sync.Mutex
	playbooks map[string]Playbook
	history   []Result

	now func() time.Time
}

// NewEngine builds an empty engine. breaker (the system-wide trading
// breaker) and archiver are optional.
func NewEngine(env *Env, breaker *backoff.CircuitBreaker, archiver Archiver) *Engine {
	return &Engine{
		env:       env,
		breaker:   breaker,
		archiver:  archiver,
		playbooks: make(map[string]Playbook),
		now:       time.Now,
	}
}

// SetObserver installs a hook receiving every finished result, before any
// run happens. Metrics recording hangs off this.
func (e *Engine) SetObserver(fn func(Result)) {
	e.observer = fn
}

// Register adds or replaces a playbook.
func (e *Engine) Register(pb Playbook) {
	e.mu.Lock()
	e.playbooks[pb.ID] = pb
	e.mu.Unlock()
}

// IDs lists the registered playbook ids.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.playbooks))
	for id := range e.playbooks {
		ids = append(ids, id)
	}
	return ids
}

// Run executes the playbook with the given id. Step failures are captured
// in the result, never returned; the error return covers only an unknown
// id.
func (e *Engine) Run(ctx context.Context, id string, params map[string]any) (Result, error) {
	e.mu.Lock()
	pb, ok := e.playbooks[id]
	e.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown playbook %q", id)
	}

	start := e.now()
	ex := &Execution{Env: e.env, Params: params}
	steps := pb.Build(ex)

	result := Result{
		PlaybookID: id,
		TotalSteps: len(steps),
		StartedAt:  float64(start.UnixNano()) / 1e9,
	}

	for _, step := range steps {
		if err := e.runStep(ctx, step, ex); err != nil {
			result.ErrorMessage = fmt.Sprintf("%s: %v", step.Name, err)
			log.Warn().
				Str("playbook", id).
				Str("step", step.Name).
				Err(err).
				Msg("playbook step failed")
			break
		}
		result.StepsCompleted++
	}

	end := e.now()
	result.Success = result.StepsCompleted == result.TotalSteps
	result.DurationSec = end.Sub(start).Seconds()
	result.FinishedAt = float64(end.UnixNano()) / 1e9
	result.ArtifactsCreated = append([]string(nil), ex.artifacts...)

	e.record(ctx, result)

	log.Info().
		Str("playbook", id).
		Bool("success", result.Success).
		Int("steps_completed", result.StepsCompleted).
		Int("total_steps", result.TotalSteps).
		Msg("playbook finished")
	return result, nil
}

func (e *Engine) runStep(ctx context.Context, step Step, ex *Execution) error {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	return step.Run(ctx, ex)
}

func (e *Engine) record(ctx context.Context, r Result) {
	e.mu.Lock()
	e.history = append(e.history, r)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
	e.mu.Unlock()

	if e.breaker != nil {
		if r.Success {
			e.breaker.RecordSuccess()
		} else {
			e.breaker.RecordFailure()
		}
	}

	if err := e.env.Store.AppendNDJSON(paths.PlaybookResultsFile, r); err != nil {
		log.Warn().Err(err).Msg("could not append playbook result")
	}
	if e.archiver != nil {
		if err := e.archiver.ArchiveResult(ctx, r); err != nil {
			log.Warn().Err(err).Msg("could not archive playbook result")
		}
	}
	if e.observer != nil {
		e.observer(r)
	}
}

// History returns a copy of the retained runs, oldest first.
func (e *Engine) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.history...)
}

// AttemptedSince reports whether any run finished after t.
func (e *Engine) AttemptedSince(t time.Time) bool {
	cutoff := float64(t.UnixNano()) / 1e9
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].FinishedAt > cutoff {
			return true
		}
	}
	return false
}

// sleepOrDone waits one poll interval or until the context ends.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
