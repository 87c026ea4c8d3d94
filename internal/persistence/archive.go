// Package persistence archives recovery run results to Postgres for
// offline analysis. The archive is optional: with no DSN configured every
// operation is a no-op and the control plane runs file-only.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/playbook"
)

const schema = `
CREATE TABLE IF NOT EXISTS playbook_results (
	id           BIGSERIAL PRIMARY KEY,
	playbook_id  TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	steps_done   INT NOT NULL,
	total_steps  INT NOT NULL,
	duration_sec DOUBLE PRECISION NOT NULL,
	error_msg    TEXT,
	artifacts    JSONB,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_playbook_results_pb_time
	ON playbook_results (playbook_id, finished_at DESC);
CREATE TABLE IF NOT EXISTS mode_switches (
	id          BIGSERIAL PRIMARY KEY,
	from_mode   TEXT NOT NULL,
	to_mode     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	switched_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Archive stores playbook results in Postgres. A nil receiver or an
// archive built from an empty DSN accepts writes and drops them.
type Archive struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres and ensures the schema exists. An empty DSN
// yields a disabled archive and no error.
func Open(dsn string) (*Archive, error) {
	if dsn == "" {
		log.Debug().Msg("result archive disabled: no DSN")
		return &Archive{}, nil
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}

	log.Info().Msg("result archive connected")
	return &Archive{db: db, timeout: 10 * time.Second}, nil
}

// Enabled reports whether a database is behind the archive.
func (a *Archive) Enabled() bool {
	return a != nil && a.db != nil
}

func (a *Archive) Close() error {
	if !a.Enabled() {
		return nil
	}
	return a.db.Close()
}

// ArchiveResult persists one playbook result.
func (a *Archive) ArchiveResult(ctx context.Context, r playbook.Result) error {
	if !a.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	artifacts, err := json.Marshal(r.ArtifactsCreated)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO playbook_results
			(playbook_id, success, steps_done, total_steps, duration_sec, error_msg, artifacts, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.PlaybookID, r.Success, r.StepsCompleted, r.TotalSteps, r.DurationSec,
		r.ErrorMessage, artifacts, epochToTime(r.StartedAt), epochToTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("archive result for %s: %w", r.PlaybookID, err)
	}
	return nil
}

// ArchiveModeSwitch records one risk mode transition.
func (a *Archive) ArchiveModeSwitch(ctx context.Context, from, to, reason string, at time.Time) error {
	if !a.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO mode_switches (from_mode, to_mode, reason, switched_at)
		VALUES ($1, $2, $3, $4)`,
		from, to, reason, at.UTC())
	if err != nil {
		return fmt.Errorf("archive mode switch %s->%s: %w", from, to, err)
	}
	return nil
}

// RecentResults returns the latest archived results for a playbook.
func (a *Archive) RecentResults(ctx context.Context, playbookID string, limit int) ([]playbook.Result, error) {
	if !a.Enabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	rows, err := a.db.QueryxContext(ctx, `
		SELECT playbook_id, success, steps_done, total_steps, duration_sec, error_msg, artifacts, started_at, finished_at
		FROM playbook_results
		WHERE playbook_id = $1
		ORDER BY finished_at DESC
		LIMIT $2`, playbookID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived results: %w", err)
	}
	defer rows.Close()

	var out []playbook.Result
	for rows.Next() {
		var r playbook.Result
		var artifacts []byte
		var started, finished time.Time
		if err := rows.Scan(&r.PlaybookID, &r.Success, &r.StepsCompleted, &r.TotalSteps,
			&r.DurationSec, &r.ErrorMessage, &artifacts, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan archived result: %w", err)
		}
		r.StartedAt = timeToEpoch(started)
		r.FinishedAt = timeToEpoch(finished)
		if len(artifacts) > 0 {
			if err := json.Unmarshal(artifacts, &r.ArtifactsCreated); err != nil {
				log.Warn().Err(err).Msg("undecodable archived artifacts")
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func epochToTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

func timeToEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
