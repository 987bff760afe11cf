// Package audit persists pipeline events to Postgres for cross-run
// analysis. The ledger is optional: a nil *Ledger is a valid no-op, so the
// orchestrator never branches on whether auditing is configured.
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Ledger writes append-only audit rows. Failures to write are logged and
// swallowed: auditing must never take a pipeline down.
type Ledger struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id         BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL,
    event      TEXT NOT NULL,
    phase      TEXT NOT NULL,
    detail     TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_run ON pipeline_events(run_id, created_at);

CREATE TABLE IF NOT EXISTS gate_runs (
    id                  BIGSERIAL PRIMARY KEY,
    run_id              TEXT NOT NULL,
    attempt             INT NOT NULL,
    verdict             TEXT NOT NULL,
    total_violations    INT NOT NULL,
    blocking_violations INT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_gate_runs_run ON gate_runs(run_id, attempt);

CREATE TABLE IF NOT EXISTS fix_loops (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL,
    stop_reason TEXT NOT NULL,
    score       DOUBLE PRECISION NOT NULL,
    passes      INT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fix_loops_run ON fix_loops(run_id);
`

// Open connects to Postgres and ensures the schema exists. An empty DSN
// returns a nil ledger, which disables auditing.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Ledger, error) {
	if dsn == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Ledger{pool: pool, log: log}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	l.pool.Close()
}

// LogEvent records a lifecycle event for a run.
func (l *Ledger) LogEvent(ctx context.Context, runID, event, phase, detail string) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO pipeline_events (run_id, event, phase, detail) VALUES ($1, $2, $3, $4)`,
		runID, event, phase, detail)
	if err != nil {
		l.log.Warn("audit event write failed", zap.String("event", event), zap.Error(err))
	}
}

// LogGateRun records one gate evaluation.
func (l *Ledger) LogGateRun(ctx context.Context, runID string, attempt int, verdict string, total, blocking int) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO gate_runs (run_id, attempt, verdict, total_violations, blocking_violations)
		 VALUES ($1, $2, $3, $4, $5)`,
		runID, attempt, verdict, total, blocking)
	if err != nil {
		l.log.Warn("audit gate write failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// LogFixLoop records the outcome of one fix-loop cycle.
func (l *Ledger) LogFixLoop(ctx context.Context, runID, stopReason string, score float64, passes int) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO fix_loops (run_id, stop_reason, score, passes) VALUES ($1, $2, $3, $4)`,
		runID, stopReason, score, passes)
	if err != nil {
		l.log.Warn("audit fix loop write failed", zap.String("reason", stopReason), zap.Error(err))
	}
}
