package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/archon/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_states (
    issue_id       TEXT PRIMARY KEY,
    repository     TEXT NOT NULL,
    current_stage  TEXT NOT NULL,
    classification JSONB,
    workspace_path TEXT,
    pr_number      INTEGER,
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    version        INTEGER NOT NULL CHECK (version >= 1)
);

CREATE TABLE IF NOT EXISTS state_transitions (
    id         BIGSERIAL PRIMARY KEY,
    issue_id   TEXT NOT NULL REFERENCES pipeline_states(issue_id) ON DELETE CASCADE,
    from_stage TEXT NOT NULL,
    to_stage   TEXT NOT NULL,
    timestamp  TIMESTAMPTZ NOT NULL,
    details    JSONB
);
CREATE INDEX IF NOT EXISTS idx_state_transitions_issue ON state_transitions(issue_id, id);
CREATE INDEX IF NOT EXISTS idx_pipeline_states_stage ON pipeline_states(current_stage, created_at);
`

// uniqueViolation is the Postgres error code for duplicate-key inserts.
const uniqueViolation = "23505"

// Postgres is the pgx-backed Store implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MinConns int32
	MaxConns int32
}

// NewPostgres connects a pool to databaseURL and verifies it with a ping.
func NewPostgres(ctx context.Context, databaseURL string, pc PoolConfig) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the schema. The DDL is idempotent, so this is safe to run
// on every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// HealthCheck performs a single round-trip probe.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	var one int
	if err := p.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// Save inserts the state row and its full history in one transaction.
func (p *Postgres) Save(ctx context.Context, ps *pipeline.PipelineState) error {
	classJSON, err := marshalClassification(ps.Classification)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pipeline_states
		   (issue_id, repository, current_stage, classification, workspace_path, pr_number, error, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ps.IssueID, ps.Repository, string(ps.CurrentStage), classJSON,
		nullString(ps.WorkspacePath), nullInt(ps.PRNumber), nullString(ps.Error),
		ps.CreatedAt, ps.UpdatedAt, ps.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("save %s: %w", ps.IssueID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert state %s: %w", ps.IssueID, err)
	}

	if err := insertTransitions(ctx, tx, ps.IssueID, ps.StateHistory); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns the state with its history reconstructed in insertion order.
func (p *Postgres) Get(ctx context.Context, issueID string) (*pipeline.PipelineState, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT issue_id, repository, current_stage, classification, workspace_path, pr_number, error, created_at, updated_at, version
		 FROM pipeline_states WHERE issue_id = $1`, issueID)

	ps, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", issueID, pipeline.ErrStateNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", issueID, err)
	}

	history, err := p.loadHistory(ctx, issueID)
	if err != nil {
		return nil, err
	}
	ps.StateHistory = history
	return ps, nil
}

// ListByStage returns all states in stage, oldest-created first.
func (p *Postgres) ListByStage(ctx context.Context, stage pipeline.Stage) ([]*pipeline.PipelineState, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT issue_id, repository, current_stage, classification, workspace_path, pr_number, error, created_at, updated_at, version
		 FROM pipeline_states WHERE current_stage = $1 ORDER BY created_at ASC`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list by stage %s: %w", stage, err)
	}
	defer rows.Close()

	var states []*pipeline.PipelineState
	for rows.Next() {
		ps, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list by stage %s: %w", stage, err)
	}

	for _, ps := range states {
		history, err := p.loadHistory(ctx, ps.IssueID)
		if err != nil {
			return nil, err
		}
		ps.StateHistory = history
	}
	return states, nil
}

// UpdateWithVersion persists ps if and only if the stored row is still at
// ps.Version - 1. The version check and the row update happen in a single
// UPDATE statement; rows-affected distinguishes conflict from success.
func (p *Postgres) UpdateWithVersion(ctx context.Context, ps *pipeline.PipelineState) (bool, error) {
	if ps.Version < 2 {
		return false, fmt.Errorf("update %s: version %d below initial save", ps.IssueID, ps.Version)
	}
	classJSON, err := marshalClassification(ps.Classification)
	if err != nil {
		return false, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pipeline_states
		 SET repository = $2, current_stage = $3, classification = $4, workspace_path = $5,
		     pr_number = $6, error = $7, updated_at = $8, version = $9
		 WHERE issue_id = $1 AND version = $10`,
		ps.IssueID, ps.Repository, string(ps.CurrentStage), classJSON,
		nullString(ps.WorkspacePath), nullInt(ps.PRNumber), nullString(ps.Error),
		ps.UpdatedAt, ps.Version, ps.Version-1,
	)
	if err != nil {
		return false, fmt.Errorf("update state %s: %w", ps.IssueID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// Append only the history tail the store has not yet seen.
	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM state_transitions WHERE issue_id = $1`, ps.IssueID).Scan(&existing); err != nil {
		return false, fmt.Errorf("count transitions %s: %w", ps.IssueID, err)
	}
	if existing < len(ps.StateHistory) {
		if err := insertTransitions(ctx, tx, ps.IssueID, ps.StateHistory[existing:]); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit update %s: %w", ps.IssueID, err)
	}
	return true, nil
}

// Delete removes the state; transitions go with it via ON DELETE CASCADE.
func (p *Postgres) Delete(ctx context.Context, issueID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM pipeline_states WHERE issue_id = $1`, issueID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", issueID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", issueID, pipeline.ErrStateNotFound)
	}
	return nil
}

func (p *Postgres) loadHistory(ctx context.Context, issueID string) ([]pipeline.Transition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT from_stage, to_stage, timestamp, details
		 FROM state_transitions WHERE issue_id = $1 ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", issueID, err)
	}
	defer rows.Close()

	var history []pipeline.Transition
	for rows.Next() {
		var (
			tr          pipeline.Transition
			from, to    string
			detailsJSON []byte
		)
		if err := rows.Scan(&from, &to, &tr.Timestamp, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.FromStage = pipeline.Stage(from)
		tr.ToStage = pipeline.Stage(to)
		tr.Timestamp = tr.Timestamp.UTC()
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &tr.Details); err != nil {
				return nil, fmt.Errorf("decode transition details: %w", err)
			}
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history %s: %w", issueID, err)
	}
	return history, nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, issueID string, transitions []pipeline.Transition) error {
	for _, tr := range transitions {
		var detailsJSON []byte
		if tr.Details != nil {
			b, err := json.Marshal(tr.Details)
			if err != nil {
				return fmt.Errorf("encode transition details: %w", err)
			}
			detailsJSON = b
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO state_transitions (issue_id, from_stage, to_stage, timestamp, details)
			 VALUES ($1, $2, $3, $4, $5)`,
			issueID, string(tr.FromStage), string(tr.ToStage), tr.Timestamp, detailsJSON,
		); err != nil {
			return fmt.Errorf("insert transition %s: %w", issueID, err)
		}
	}
	return nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*pipeline.PipelineState, error) {
	var (
		ps            pipeline.PipelineState
		stage         string
		classJSON     []byte
		workspacePath *string
		prNumber      *int
		errMsg        *string
	)
	err := row.Scan(&ps.IssueID, &ps.Repository, &stage, &classJSON,
		&workspacePath, &prNumber, &errMsg, &ps.CreatedAt, &ps.UpdatedAt, &ps.Version)
	if err != nil {
		return nil, err
	}
	ps.CurrentStage = pipeline.Stage(stage)
	ps.CreatedAt = ps.CreatedAt.UTC()
	ps.UpdatedAt = ps.UpdatedAt.UTC()
	if workspacePath != nil {
		ps.WorkspacePath = *workspacePath
	}
	if prNumber != nil {
		ps.PRNumber = *prNumber
	}
	if errMsg != nil {
		ps.Error = *errMsg
	}
	if len(classJSON) > 0 {
		var c pipeline.Classification
		if err := json.Unmarshal(classJSON, &c); err != nil {
			return nil, fmt.Errorf("decode classification: %w", err)
		}
		ps.Classification = &c
	}
	return &ps, nil
}

func marshalClassification(c *pipeline.Classification) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode classification: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// IsRetryable reports transient connection failures a caller may retry.
// Postgres class 08 covers connection exceptions.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	return false
}
