package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/logger"
)

// Client stores the analysis run audit log. Only run metadata is written;
// records never leave the session.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to enable WAL mode")
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		model TEXT,
		input_fingerprint TEXT,
		input_count INTEGER NOT NULL DEFAULT 0,
		record_count INTEGER NOT NULL DEFAULT 0,
		batches INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_kind TEXT,
		error_message TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON analysis_runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON analysis_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON analysis_runs(status);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return eris.Wrap(err, "failed to initialize schema")
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) RecordRun(ctx context.Context, run *models.AnalysisRun) error {
	query := `
		INSERT INTO analysis_runs (id, session_id, kind, model, input_fingerprint, input_count,
			record_count, batches, status, error_kind, error_message, prompt_tokens,
			completion_tokens, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx,
		query,
		run.ID,
		run.SessionID,
		string(run.Kind),
		run.Model,
		run.InputFingerprint,
		run.InputCount,
		run.RecordCount,
		run.Batches,
		string(run.Status),
		run.ErrorKind,
		run.ErrorMessage,
		run.PromptTokens,
		run.CompletionTokens,
		run.DurationMS,
		run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to record run %s", run.ID)
	}

	logger.Debug("Analysis run recorded",
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID),
		zap.String("status", string(run.Status)),
	)
	return nil
}

// ListRuns returns the newest runs first. An empty sessionID lists runs of
// every session.
func (c *Client) ListRuns(ctx context.Context, sessionID string, limit int) ([]models.AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, kind, model, input_fingerprint, input_count, record_count, batches,
			status, error_kind, error_message, prompt_tokens, completion_tokens, duration_ms, started_at
		FROM analysis_runs
		WHERE (? = '' OR session_id = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, sessionID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []models.AnalysisRun
	for rows.Next() {
		var r models.AnalysisRun
		var kind, status string
		var startedAt int64

		err := rows.Scan(
			&r.ID,
			&r.SessionID,
			&kind,
			&r.Model,
			&r.InputFingerprint,
			&r.InputCount,
			&r.RecordCount,
			&r.Batches,
			&status,
			&r.ErrorKind,
			&r.ErrorMessage,
			&r.PromptTokens,
			&r.CompletionTokens,
			&r.DurationMS,
			&startedAt,
		)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan run")
		}

		r.Kind = models.RunKind(kind)
		r.Status = models.RunStatus(status)
		r.StartedAt = time.UnixMilli(startedAt)
		runs = append(runs, r)
	}

	return runs, eris.Wrap(rows.Err(), "failed to iterate runs")
}

// CountByStatus tallies runs per status.
func (c *Client) CountByStatus(ctx context.Context) (map[models.RunStatus]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analysis_runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "failed to count runs")
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "failed to scan row")
		}
		counts[models.RunStatus(status)] = n
	}

	return counts, eris.Wrap(rows.Err(), "failed to iterate counts")
}
