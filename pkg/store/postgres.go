package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// pgUniqueViolation is the Postgres SQLSTATE for a unique constraint
// violation, used to detect a lost claim race that slips past the
// WHERE NOT EXISTS check (see TryClaimIssue).
const pgUniqueViolation = "23505"

// PostgresStore is the Store implementation backed by Postgres via
// database/sql and the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to Postgres, applies pending migrations, and returns a
// ready-to-use store. The store refuses to start against an unmigrated
// database by running migrations synchronously before returning.
func Open(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity to the underlying database, for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// controlLoopLockKey is the constant advisory-lock key the standalone
// control loop job takes to keep two concurrent invocations from
// overlapping (spec.md §4.1). Scheduler handlers never take this lock —
// they rely on TryClaimIssue for per-issue mutual exclusion instead.
const controlLoopLockKey = 0x61675f6c6f6f70 // "ag_loop" packed into an int64

// TryAcquireControlLoopLock attempts the process-wide advisory lock for
// the control loop and reports whether it was acquired. The lock is taken
// on a connection reserved from the pool; once the lock is acquired that
// connection is never returned, so pool recycling cannot close it and the
// lock is held for the lifetime of the process — release is implicit on
// process exit or connection loss.
func (s *PostgresStore) TryAcquireControlLoopLock(ctx context.Context) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("store: try acquire control loop lock: %w", err)
	}
	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, int64(controlLoopLockKey)).Scan(&acquired)
	if err != nil || !acquired {
		_ = conn.Close()
	}
	if err != nil {
		return false, fmt.Errorf("store: try acquire control loop lock: %w", err)
	}
	return acquired, nil
}

// CreateExecution inserts a new execution row unconditionally (used by
// callers that have already established exclusivity some other way;
// normal launch flow uses TryClaimIssue instead).
func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	checkpoint, err := marshalCheckpoint(e.Checkpoint)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, issue_id, repo_url, status, mode, prompt, result, branch, pr_number,
			 external_run_id, checkpoint, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.IssueID, e.RepoURL, e.Status, e.Mode, e.Prompt, e.Result, e.Branch, e.PRNumber,
		e.ExternalRunID, checkpoint, e.StartedAt, e.CompletedAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

// TryClaimIssue is the sole primitive that enforces the claim invariant: it
// inserts a pending execution only if no active (pending|running)
// execution already exists for issue_id, returning whether this caller
// won the claim. The partial unique index on executions(issue_id) WHERE
// status IN (pending, running) is the second line of defense against a
// race the WHERE NOT EXISTS check alone cannot close.
func (s *PostgresStore) TryClaimIssue(ctx context.Context, e *Execution) (bool, error) {
	checkpoint, err := marshalCheckpoint(e.Checkpoint)
	if err != nil {
		return false, err
	}

	var returnedID uuid.UUID
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO executions
			(id, issue_id, repo_url, status, mode, prompt, result, branch, pr_number,
			 external_run_id, checkpoint, started_at, completed_at, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		WHERE NOT EXISTS (
			SELECT 1 FROM executions
			WHERE issue_id = $2 AND status IN ('pending', 'running')
		)
		RETURNING id
	`, e.ID, e.IssueID, e.RepoURL, e.Status, e.Mode, e.Prompt, e.Result, e.Branch, e.PRNumber,
		e.ExternalRunID, checkpoint, e.StartedAt, e.CompletedAt, e.CreatedAt)

	err = row.Scan(&returnedID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			slog.Info("claim lost to concurrent insert", "issue_id", e.IssueID)
			return false, nil
		}
		return false, fmt.Errorf("store: claim issue: %w", err)
	}
	return true, nil
}

// UpdateExecution mutates the mutable columns of an existing execution.
func (s *PostgresStore) UpdateExecution(ctx context.Context, e *Execution) error {
	checkpoint, err := marshalCheckpoint(e.Checkpoint)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, mode = $3, prompt = $4, result = $5, branch = $6, pr_number = $7,
		    external_run_id = $8, checkpoint = $9, started_at = $10, completed_at = $11
		WHERE id = $1
	`, e.ID, e.Status, e.Mode, e.Prompt, e.Result, e.Branch, e.PRNumber,
		e.ExternalRunID, checkpoint, e.StartedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: update execution: %w", err)
	}
	return nil
}

// UpdateExecutionResult finalizes an execution with its terminal status and
// result details in a single round-trip, setting completed_at to now.
func (s *PostgresStore) UpdateExecutionResult(ctx context.Context, id uuid.UUID, status ExecutionStatus, result *string, prNumber *int, branch *string, checkpoint *Checkpoint) error {
	cp, err := marshalCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, result = $3, pr_number = $4, branch = $5, checkpoint = $6, completed_at = NOW()
		WHERE id = $1
	`, id, status, result, prNumber, branch, cp)
	if err != nil {
		return fmt.Errorf("store: finalize execution: %w", err)
	}
	return nil
}

// SetExternalRunID persists the compute backend's run handle so polling
// based recovery can resume it after a restart.
func (s *PostgresStore) SetExternalRunID(ctx context.Context, id uuid.UUID, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions SET external_run_id = $2 WHERE id = $1`, id, handle)
	if err != nil {
		return fmt.Errorf("store: set external run id: %w", err)
	}
	return nil
}

// GetExecution fetches an execution by id.
func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelectCols+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

// GetExecutionForIssue returns the most recent execution for an issue.
func (s *PostgresStore) GetExecutionForIssue(ctx context.Context, issueID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelectCols+`
		FROM executions WHERE issue_id = $1 ORDER BY created_at DESC LIMIT 1
	`, issueID)
	return scanExecution(row)
}

// GetIssueIDForExecution is the reverse lookup from execution to issue.
func (s *PostgresStore) GetIssueIDForExecution(ctx context.Context, id uuid.UUID) (string, error) {
	var issueID string
	err := s.db.QueryRowContext(ctx, `SELECT issue_id FROM executions WHERE id = $1`, id).Scan(&issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get issue id for execution: %w", err)
	}
	return issueID, nil
}

// ListExecutions lists executions matching the given filters.
func (s *PostgresStore) ListExecutions(ctx context.Context, f ExecutionFilters) ([]*Execution, error) {
	query := executionSelectCols + ` FROM executions WHERE 1=1`
	var args []interface{}
	n := 1
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, *f.Status)
		n++
	}
	if f.IssueID != nil {
		query += fmt.Sprintf(" AND issue_id = $%d", n)
		args = append(args, *f.IssueID)
		n++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// GetRunningExecutions returns every execution currently running.
func (s *PostgresStore) GetRunningExecutions(ctx context.Context) ([]*Execution, error) {
	status := StatusRunning
	return s.ListExecutions(ctx, ExecutionFilters{Status: &status, Limit: 10000})
}

// GetActiveExecutionsWithExternalRunID returns pending/running executions
// that have a recorded run handle, used by a compute backend to rehydrate
// its polling set after a restart.
func (s *PostgresStore) GetActiveExecutionsWithExternalRunID(ctx context.Context) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelectCols+`
		FROM executions
		WHERE status IN ('pending', 'running') AND external_run_id IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get active executions with run id: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

const executionSelectCols = `SELECT id, issue_id, repo_url, status, mode, prompt, result, branch,
	pr_number, external_run_id, checkpoint, started_at, completed_at, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var checkpoint []byte
	err := row.Scan(&e.ID, &e.IssueID, &e.RepoURL, &e.Status, &e.Mode, &e.Prompt, &e.Result,
		&e.Branch, &e.PRNumber, &e.ExternalRunID, &checkpoint, &e.StartedAt, &e.CompletedAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan execution: %w", err)
	}
	if len(checkpoint) > 0 {
		var cp Checkpoint
		if err := json.Unmarshal(checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("store: unmarshal checkpoint: %w", err)
		}
		e.Checkpoint = &cp
	}
	return &e, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalCheckpoint(cp *Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("store: marshal checkpoint: %w", err)
	}
	return b, nil
}

// BudgetUsage is the total token and duration spend recorded across all
// executions within a lookback window.
type BudgetUsage struct {
	TokensUsed      int
	DurationSeconds int
}

// RecordBudgetUsage appends one execution's resource consumption to the
// running ledger. Called once per terminal execution, never updated
// afterward.
func (s *PostgresStore) RecordBudgetUsage(ctx context.Context, executionID uuid.UUID, tokensUsed, durationSeconds int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_usage (execution_id, tokens_used, duration_seconds)
		VALUES ($1, $2, $3)
	`, executionID, tokensUsed, durationSeconds)
	if err != nil {
		return fmt.Errorf("store: record budget usage: %w", err)
	}
	return nil
}

// GetTotalBudgetUsage sums usage recorded since `since`.
func (s *PostgresStore) GetTotalBudgetUsage(ctx context.Context, since time.Time) (BudgetUsage, error) {
	var usage BudgetUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0), COALESCE(SUM(duration_seconds), 0)
		FROM budget_usage
		WHERE recorded_at >= $1
	`, since).Scan(&usage.TokensUsed, &usage.DurationSeconds)
	if err != nil {
		return BudgetUsage{}, fmt.Errorf("store: get total budget usage: %w", err)
	}
	return usage, nil
}

// CreateNudge inserts a new nudge request.
func (s *PostgresStore) CreateNudge(ctx context.Context, n *NudgeRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nudge_queue (id, issue_id, source_execution_id, priority, reason, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.IssueID, n.SourceExecutionID, n.Priority, n.Reason, n.CreatedAt, n.ProcessedAt)
	if err != nil {
		return fmt.Errorf("store: create nudge: %w", err)
	}
	return nil
}

// GetPendingNudges returns unprocessed nudges ordered by priority then age.
func (s *PostgresStore) GetPendingNudges(ctx context.Context, limit int) ([]*NudgeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, source_execution_id, priority, reason, created_at, processed_at
		FROM nudge_queue
		WHERE processed_at IS NULL
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get pending nudges: %w", err)
	}
	defer rows.Close()

	var out []*NudgeRequest
	for rows.Next() {
		var n NudgeRequest
		if err := rows.Scan(&n.ID, &n.IssueID, &n.SourceExecutionID, &n.Priority, &n.Reason, &n.CreatedAt, &n.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store: scan nudge: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNudgeProcessed marks a nudge request as handled.
func (s *PostgresStore) MarkNudgeProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nudge_queue SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark nudge processed: %w", err)
	}
	return nil
}

// UpsertIssueStateParams carries merge semantics: a nil pointer field
// preserves the prior stored value.
type UpsertIssueStateParams struct {
	IssueNumber    int
	Repo           string
	Classification *Classification
	ParentIssue    *int
	SubIssues      []int
	RetryCount     int
	Metadata       map[string]interface{}
}

// UpsertIssueState inserts or merges an issue_state row. NULL arguments
// preserve prior values via COALESCE, matching the reference semantics.
func (s *PostgresStore) UpsertIssueState(ctx context.Context, p UpsertIssueStateParams) error {
	var metadataJSON []byte
	if p.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("store: marshal issue state metadata: %w", err)
		}
	}

	var subIssues interface{}
	if p.SubIssues != nil {
		subIssues = pq.Array(p.SubIssues)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_state
			(issue_number, repo, classification, parent_issue, sub_issues, retry_count, metadata, last_checked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (issue_number, repo) DO UPDATE SET
			classification = COALESCE($3, issue_state.classification),
			parent_issue   = COALESCE($4, issue_state.parent_issue),
			sub_issues     = COALESCE($5, issue_state.sub_issues),
			retry_count    = $6,
			metadata       = COALESCE($7, issue_state.metadata),
			last_checked_at = NOW(),
			updated_at      = NOW()
	`, p.IssueNumber, p.Repo, p.Classification, p.ParentIssue, subIssues, p.RetryCount, metadataJSON)
	if err != nil {
		return fmt.Errorf("store: upsert issue state: %w", err)
	}
	return nil
}

// GetIssueState fetches a single issue_state row.
func (s *PostgresStore) GetIssueState(ctx context.Context, issueNumber int, repo string) (*IssueState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT issue_number, repo, classification, parent_issue, sub_issues, retry_count,
		       metadata, last_checked_at, created_at, updated_at
		FROM issue_state WHERE issue_number = $1 AND repo = $2
	`, issueNumber, repo)
	return scanIssueState(row)
}

// ListIssueStates lists issue_state rows for a repo, optionally filtered by
// classification.
func (s *PostgresStore) ListIssueStates(ctx context.Context, repo string, classification *Classification) ([]*IssueState, error) {
	query := `
		SELECT issue_number, repo, classification, parent_issue, sub_issues, retry_count,
		       metadata, last_checked_at, created_at, updated_at
		FROM issue_state WHERE repo = $1`
	args := []interface{}{repo}
	if classification != nil {
		query += " AND classification = $2"
		args = append(args, *classification)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list issue states: %w", err)
	}
	defer rows.Close()

	var out []*IssueState
	for rows.Next() {
		st, err := scanIssueState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanIssueState(row scanner) (*IssueState, error) {
	var st IssueState
	var metadata []byte
	err := row.Scan(&st.IssueNumber, &st.Repo, &st.Classification, &st.ParentIssue, pq.Array(&st.SubIssues),
		&st.RetryCount, &metadata, &st.LastCheckedAt, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan issue state: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal issue state metadata: %w", err)
		}
	}
	return &st, nil
}

// SaveCheckpoint persists a checkpoint on an execution.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, executionID uuid.UUID, cp *Checkpoint) error {
	b, err := marshalCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE executions SET checkpoint = $2 WHERE id = $1`, executionID, b)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// GetLatestCheckpoint returns the most recent checkpoint recorded against
// any execution for the given issue.
func (s *PostgresStore) GetLatestCheckpoint(ctx context.Context, issueID string) (*Checkpoint, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint FROM executions
		WHERE issue_id = $1 AND checkpoint IS NOT NULL
		ORDER BY created_at DESC LIMIT 1
	`, issueID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || len(raw) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("store: unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// GetCronState returns the opaque cursor stored under key, or nil if unset.
func (s *PostgresStore) GetCronState(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cron_state WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cron state: %w", err)
	}
	return raw, nil
}

// SetCronState upserts the cursor stored under key.
func (s *PostgresStore) SetCronState(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set cron state: %w", err)
	}
	return nil
}

// CreateWebhookEvent persists a raw webhook event. Returns false if the
// delivery_id already exists (duplicate delivery), enforcing invariant I2
// by absorbing the insert rather than erroring.
func (s *PostgresStore) CreateWebhookEvent(ctx context.Context, e *WebhookEvent) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, delivery_id, event_type, action, repo, issue_id, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.DeliveryID, e.EventType, e.Action, e.Repo, e.IssueID, e.Payload, e.Processed, e.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("store: create webhook event: %w", err)
	}
	return true, nil
}

// GetUnprocessedWebhookEvents returns unprocessed events received before
// the cutoff, used by the deduplicator to apply the quiet period.
func (s *PostgresStore) GetUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]*WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, event_type, action, repo, issue_id, payload, processed, coalesced_into, received_at, processed_at
		FROM webhook_events
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get unprocessed webhook events: %w", err)
	}
	defer rows.Close()
	return scanWebhookEvents(rows)
}

// GetRecentEventsForIssue returns all events for (repo, issue_id) received
// since the given time, used by scenario reconstruction (e.g. unblock
// detection).
func (s *PostgresStore) GetRecentEventsForIssue(ctx context.Context, repo, issueID string, since time.Time) ([]*WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, event_type, action, repo, issue_id, payload, processed, coalesced_into, received_at, processed_at
		FROM webhook_events
		WHERE repo = $1 AND issue_id = $2 AND received_at >= $3
		ORDER BY received_at ASC
	`, repo, issueID, since)
	if err != nil {
		return nil, fmt.Errorf("store: get recent events for issue: %w", err)
	}
	defer rows.Close()
	return scanWebhookEvents(rows)
}

// MarkWebhookEventsProcessed marks every id processed, recording
// coalescedInto on each (the primary event is included with itself as its
// own coalesced_into by convention of the caller, or nil — see deduplicator).
func (s *PostgresStore) MarkWebhookEventsProcessed(ctx context.Context, ids []uuid.UUID, coalescedInto *uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = NOW(), coalesced_into = COALESCE($2, coalesced_into)
		WHERE id = ANY($1::uuid[])
	`, pq.Array(idStrs), coalescedInto)
	if err != nil {
		return fmt.Errorf("store: mark webhook events processed: %w", err)
	}
	return nil
}

func scanWebhookEvents(rows *sql.Rows) ([]*WebhookEvent, error) {
	var out []*WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &e.Repo, &e.IssueID,
			&e.Payload, &e.Processed, &e.CoalescedInto, &e.ReceivedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store: scan webhook event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
