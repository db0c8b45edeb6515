package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/relay/pkg/schema"
)

// postgresStore implements Store on a PostgreSQL pool. Unlike the embedded
// backend there is no single write connection, so the claim uses
// FOR UPDATE SKIP LOCKED and event-sequence collisions between concurrent
// writers are absorbed by retrying the whole transaction.
type postgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*postgresStore)(nil)

// NewPostgresStore connects to dsn and runs pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeErr("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr("ping", err)
	}
	s := &postgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return storeErr("create schema_version", err)
	}
	var current int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return storeErr("read schema_version", err)
	}
	for _, m := range postgresMigrations {
		if m.Version <= current {
			continue
		}
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`,
				m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// withTxRetry reruns fn when the transaction failed on a unique violation.
// Two writers appending events to the same execution at once (a lease holder
// and the signal router, say) can collide on the sequence; the loser retries.
func (s *postgresStore) withTxRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.withTx(ctx, fn)
		if !isUniqueViolation(err) {
			return err
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Definitions ---

func (s *postgresStore) PublishDefinition(ctx context.Context, def *Definition) (*Definition, error) {
	if def.WorkflowID == "" {
		def.WorkflowID = def.Document.WorkflowID
	}
	if def.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}
	if def.Name == "" {
		def.Name = def.Document.Name
	}
	checksum := def.Document.Checksum()

	var out *Definition
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		latest, err := pgLatestDefinition(ctx, tx, def.WorkflowID)
		if err != nil {
			return err
		}
		if latest != nil && latest.Checksum == checksum {
			out = latest
			return nil
		}
		version := 1
		active := true
		if latest != nil {
			version = latest.Version + 1
			active = latest.Active
		}
		def.Version = version
		def.Document.WorkflowID = def.WorkflowID
		def.Document.Version = version
		def.Checksum = checksum
		def.Active = active
		def.CreatedAt = time.Now().UTC()

		doc, err := json.Marshal(def.Document)
		if err != nil {
			return storeErr("marshal definition", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO definitions
			(workflow_id, version, name, document, checksum, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			def.WorkflowID, def.Version, nullStr(def.Name), string(doc),
			def.Checksum, def.Active, def.CreatedAt)
		if err != nil {
			return storeErr("insert definition", err)
		}
		out = def
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) GetDefinition(ctx context.Context, workflowID string, version int) (*Definition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM definitions
		WHERE workflow_id = $1 AND version = $2`, workflowID, version)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("definition", fmt.Sprintf("%s@v%d", workflowID, version))
	}
	if err != nil {
		return nil, storeErr("query definition", err)
	}
	return def, nil
}

func (s *postgresStore) LatestDefinition(ctx context.Context, workflowID string) (*Definition, error) {
	def, err := pgLatestDefinition(ctx, s.pool, workflowID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, storeNotFound("workflow", workflowID)
	}
	return def, nil
}

func pgLatestDefinition(ctx context.Context, q pgdbtx, workflowID string) (*Definition, error) {
	row := q.QueryRow(ctx, `SELECT `+definitionColumns+` FROM definitions
		WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`, workflowID)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query latest definition", err)
	}
	return def, nil
}

func (s *postgresStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.LatestOnly {
		where = append(where, `version = (SELECT MAX(d.version) FROM definitions d
			WHERE d.workflow_id = definitions.workflow_id)`)
	}

	query := `SELECT ` + definitionColumns + ` FROM definitions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY workflow_id ASC, version DESC` +
		pgLimitOffset(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, storeErr("scan definition", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *postgresStore) SetWorkflowActive(ctx context.Context, workflowID string, active bool) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE definitions SET active = $1 WHERE workflow_id = $2`,
			active, workflowID)
		if err != nil {
			return storeErr("update definitions", err)
		}
		if tag.RowsAffected() == 0 {
			return storeNotFound("workflow", workflowID)
		}
		_, err = tx.Exec(ctx, `UPDATE schedules SET active = $1, updated_at = $2 WHERE workflow_id = $3`,
			active, now, workflowID)
		if err != nil {
			return storeErr("update schedules", err)
		}
		return nil
	})
}

// --- Executions ---

func (s *postgresStore) CreateExecution(ctx context.Context, exec *Execution) error {
	fillExecutionDefaults(exec)
	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		if err := pgInsertExecution(ctx, tx, exec); err != nil {
			return err
		}
		return pgAppendEvent(ctx, tx, &Event{
			ExecutionID: exec.ID,
			Type:        schema.EventExecutionCreated,
			Message:     "execution created",
		})
	})
}

func (s *postgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return pgGetExecution(ctx, s.pool, id)
}

func pgGetExecution(ctx context.Context, q pgdbtx, id string) (*Execution, error) {
	row := q.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("query execution", err)
	}
	return exec, nil
}

func (s *postgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		where = append(where, fmt.Sprintf("parent_execution_id = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC` +
		pgLimitOffset(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *postgresStore) RequestCancel(ctx context.Context, id, reason string) (*Execution, error) {
	now := time.Now().UTC()
	var out *Execution
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executions
			SET cancel_requested = TRUE, cancel_reason = $1, updated_at = $2
			WHERE id = $3 AND status NOT IN ('completed', 'failed', 'cancelled')`,
			nullStr(reason), now, id)
		if err != nil {
			return storeErr("request cancel", err)
		}
		if tag.RowsAffected() == 0 {
			out, err = pgGetExecution(ctx, tx, id)
			return err
		}

		tag, err = tx.Exec(ctx, `UPDATE executions
			SET status = 'cancelled', completed_at = $1, updated_at = $1,
			    lease_owner = NULL, lease_expires_at = NULL, next_retry_at = NULL
			WHERE id = $2 AND status NOT IN ('completed', 'failed', 'cancelled')
			  AND (lease_expires_at IS NULL OR lease_expires_at < $3)`,
			now, id, now)
		if err != nil {
			return storeErr("finalize cancel", err)
		}
		if tag.RowsAffected() > 0 {
			err = pgAppendEvent(ctx, tx, &Event{
				ExecutionID: id,
				Type:        schema.EventExecutionCancelled,
				Message:     cancelMessage(reason),
			})
			if err != nil {
				return err
			}
		}
		out, err = pgGetExecution(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) RequestPause(ctx context.Context, id string) (*Execution, error) {
	now := time.Now().UTC()
	var out *Execution
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executions
			SET manual_pause = TRUE, updated_at = $1
			WHERE id = $2 AND NOT cancel_requested
			  AND status NOT IN ('completed', 'failed', 'cancelled')`,
			now, id)
		if err != nil {
			return storeErr("request pause", err)
		}
		if tag.RowsAffected() == 0 {
			exec, err := pgGetExecution(ctx, tx, id)
			if err != nil {
				return err
			}
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot pause execution %s in status %s", id, exec.Status)
		}

		tag, err = tx.Exec(ctx, `UPDATE executions
			SET status = 'paused', updated_at = $1
			WHERE id = $2 AND status = 'pending'
			  AND (lease_expires_at IS NULL OR lease_expires_at < $3)`,
			now, id, now)
		if err != nil {
			return storeErr("finalize pause", err)
		}
		if tag.RowsAffected() > 0 {
			err = pgAppendEvent(ctx, tx, &Event{
				ExecutionID: id,
				Type:        schema.EventExecutionPaused,
				Message:     "execution paused",
			})
			if err != nil {
				return err
			}
		}
		out, err = pgGetExecution(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) ResumePaused(ctx context.Context, id string) (*Execution, error) {
	now := time.Now().UTC()
	var out *Execution
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executions
			SET manual_pause = FALSE, updated_at = $1
			WHERE id = $2 AND manual_pause
			  AND status NOT IN ('completed', 'failed', 'cancelled')`,
			now, id)
		if err != nil {
			return storeErr("resume execution", err)
		}
		if tag.RowsAffected() == 0 {
			exec, err := pgGetExecution(ctx, tx, id)
			if err != nil {
				return err
			}
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %s is not paused (status %s)", id, exec.Status)
		}
		err = pgAppendEvent(ctx, tx, &Event{
			ExecutionID: id,
			Type:        schema.EventExecutionResumed,
			Message:     "execution resumed",
		})
		if err != nil {
			return err
		}
		out, err = pgGetExecution(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Claim & lease ---

func (s *postgresStore) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Execution, error) {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)

	row := s.pool.QueryRow(ctx, `WITH candidate AS (
			SELECT id FROM executions
			WHERE (lease_expires_at IS NULL OR lease_expires_at < $3)
			  AND status NOT IN ('completed', 'failed', 'cancelled')
			  AND (
			        cancel_requested
			     OR (status = 'pending' AND NOT manual_pause)
			     OR status = 'running'
			     OR (status = 'paused' AND NOT manual_pause
			         AND (next_retry_at IS NULL OR next_retry_at <= $3))
			     OR (status = 'waiting_signal' AND NOT manual_pause AND EXISTS (
			            SELECT 1 FROM signals g
			            WHERE g.execution_id = executions.id
			              AND NOT g.processed
			              AND (executions.wait_signal_type IS NULL
			                   OR executions.wait_signal_type = ''
			                   OR g.signal_type = executions.wait_signal_type)
			        ))
			  )
			ORDER BY cancel_requested DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE executions SET
			status = 'running',
			lease_owner = $1,
			lease_expires_at = $2,
			started_at = COALESCE(executions.started_at, $3),
			next_retry_at = NULL,
			updated_at = $3
		FROM candidate
		WHERE executions.id = candidate.id
		RETURNING `+qualifyColumns("executions", executionColumns),
		workerID, expires, now)

	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim execution", err)
	}
	return exec, nil
}

func (s *postgresStore) RenewLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE executions
		SET lease_expires_at = $1, updated_at = $2
		WHERE id = $3 AND lease_owner = $4`,
		now.Add(leaseDuration), now, id, workerID)
	if err != nil {
		return storeErr("renew lease", err)
	}
	if tag.RowsAffected() == 0 {
		return leaseLost(id, workerID)
	}
	return nil
}

func (s *postgresStore) PersistStep(ctx context.Context, id, workerID string, update StepUpdate) error {
	now := time.Now().UTC()

	args := []any{string(update.Status), nullStr(update.CurrentNodeID),
		nullStr(update.WaitSignalType), nullStr(update.Error), nullTime(update.NextRetryAt), now}
	sets := []string{
		"status = $1",
		"current_node_id = $2",
		"wait_signal_type = $3",
		"error = $4",
		"next_retry_at = $5",
		"resume_payload = NULL",
		"updated_at = $6",
	}
	if update.State != nil {
		args = append(args, string(update.State))
		sets = append(sets, fmt.Sprintf("state = $%d", len(args)))
	}
	if update.RetryCount != nil {
		args = append(args, *update.RetryCount)
		sets = append(sets, fmt.Sprintf("retry_count = $%d", len(args)))
	}
	if update.Status != schema.ExecutionRunning {
		sets = append(sets, "lease_owner = NULL", "lease_expires_at = NULL")
	}
	if update.Status.IsTerminal() {
		args = append(args, timeOrNow(update.CompletedAt))
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	args = append(args, id, workerID)
	query := fmt.Sprintf(`UPDATE executions SET %s WHERE id = $%d AND lease_owner = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return storeErr("persist step", err)
		}
		if tag.RowsAffected() == 0 {
			return leaseLost(id, workerID)
		}
		for _, event := range update.Events {
			if event.ExecutionID == "" {
				event.ExecutionID = id
			}
			if err := pgAppendEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *postgresStore) Release(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE executions
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		time.Now().UTC(), id, workerID)
	if err != nil {
		return storeErr("release lease", err)
	}
	if tag.RowsAffected() == 0 {
		return leaseLost(id, workerID)
	}
	return nil
}

// --- Signals ---

func (s *postgresStore) SubmitSignal(ctx context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	if len(sig.Payload) == 0 {
		// A consumed signal must be distinguishable from no signal, so the
		// stored payload is never NULL.
		sig.Payload = emptyObject
	}
	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		exec, err := pgGetExecution(ctx, tx, sig.ExecutionID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"execution %s is %s and cannot receive signals", exec.ID, exec.Status)
		}
		_, err = tx.Exec(ctx, `INSERT INTO signals
			(id, execution_id, signal_type, payload, received_at, processed)
			VALUES ($1, $2, $3, $4, $5, FALSE)`,
			sig.ID, sig.ExecutionID, sig.Type, nullRaw(sig.Payload), sig.ReceivedAt)
		if err != nil {
			return storeErr("insert signal", err)
		}
		return pgAppendEvent(ctx, tx, &Event{
			ExecutionID: sig.ExecutionID,
			Type:        schema.EventSignalReceived,
			Message:     "signal received: " + sig.Type,
			Payload:     sig.Payload,
		})
	})
}

func (s *postgresStore) RouteSignal(ctx context.Context, executionID string) (*Signal, error) {
	now := time.Now().UTC()
	var out *Signal
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		out = nil
		exec, err := pgGetExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != schema.ExecutionWaitingSignal || exec.LeaseValidAt(now) ||
			exec.ManualPause || exec.CancelRequested {
			return nil
		}
		sig, err := pgPendingSignal(ctx, tx, executionID, exec.WaitSignalType)
		if err != nil || sig == nil {
			return err
		}
		if err := pgMarkSignalProcessed(ctx, tx, sig, now); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE executions
			SET status = 'running', resume_payload = $1, wait_signal_type = NULL, updated_at = $2
			WHERE id = $3 AND status = 'waiting_signal'
			  AND (lease_expires_at IS NULL OR lease_expires_at < $4)
			  AND NOT cancel_requested AND NOT manual_pause`,
			nullRaw(sig.Payload), now, executionID, now)
		if err != nil {
			return storeErr("resume waiting execution", err)
		}
		if tag.RowsAffected() == 0 {
			return errRollbackRoute
		}
		err = pgAppendEvent(ctx, tx, &Event{
			ExecutionID: executionID,
			NodeID:      exec.CurrentNodeID,
			Type:        schema.EventSignalConsumed,
			Message:     "signal consumed: " + sig.Type,
		})
		if err != nil {
			return err
		}
		err = pgAppendEvent(ctx, tx, &Event{
			ExecutionID: executionID,
			NodeID:      exec.CurrentNodeID,
			Type:        schema.EventExecutionResumed,
			Message:     "resumed by signal " + sig.Type,
		})
		if err != nil {
			return err
		}
		out = sig
		return nil
	})
	if errors.Is(err, errRollbackRoute) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// errRollbackRoute aborts a routing transaction that lost its race; the
// signal stays pending for the claim path.
var errRollbackRoute = errors.New("route lost race")

func (s *postgresStore) ConsumeSignal(ctx context.Context, executionID, workerID string) (*Signal, error) {
	now := time.Now().UTC()
	var out *Signal
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		out = nil
		exec, err := pgGetExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.LeaseOwner != workerID {
			return leaseLost(executionID, workerID)
		}
		sig, err := pgPendingSignal(ctx, tx, executionID, exec.WaitSignalType)
		if err != nil || sig == nil {
			return err
		}
		if err := pgMarkSignalProcessed(ctx, tx, sig, now); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE executions
			SET resume_payload = $1, wait_signal_type = NULL, updated_at = $2
			WHERE id = $3 AND lease_owner = $4`,
			nullRaw(sig.Payload), now, executionID, workerID)
		if err != nil {
			return storeErr("store signal payload", err)
		}
		if tag.RowsAffected() == 0 {
			return leaseLost(executionID, workerID)
		}
		err = pgAppendEvent(ctx, tx, &Event{
			ExecutionID: executionID,
			NodeID:      exec.CurrentNodeID,
			Type:        schema.EventSignalConsumed,
			Message:     "signal consumed: " + sig.Type,
		})
		if err != nil {
			return err
		}
		out = sig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func pgPendingSignal(ctx context.Context, q pgdbtx, executionID, waitType string) (*Signal, error) {
	row := q.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE execution_id = $1 AND NOT processed AND ($2 = '' OR signal_type = $2)
		ORDER BY received_at ASC, id ASC LIMIT 1`,
		executionID, waitType)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query pending signal", err)
	}
	return sig, nil
}

func pgMarkSignalProcessed(ctx context.Context, q pgdbtx, sig *Signal, now time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE signals SET processed = TRUE, processed_at = $1
		WHERE id = $2 AND NOT processed`, now, sig.ID)
	if err != nil {
		return storeErr("mark signal processed", err)
	}
	if tag.RowsAffected() == 0 {
		return schema.NewErrorf(schema.ErrCodeSignalFailed, "signal %s already processed", sig.ID)
	}
	sig.Processed = true
	sig.ProcessedAt = &now
	return nil
}

func (s *postgresStore) ListSignals(ctx context.Context, executionID string) ([]*Signal, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE execution_id = $1 ORDER BY received_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, storeErr("list signals", err)
	}
	defer rows.Close()

	var sigs []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, storeErr("scan signal", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// --- Schedules ---

func (s *postgresStore) SyncSchedule(ctx context.Context, sched *Schedule) (*Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `INSERT INTO schedules
		(id, workflow_id, cron_expression, active, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id, cron_expression) DO UPDATE SET
			active = excluded.active,
			next_run_at = COALESCE(schedules.next_run_at, excluded.next_run_at),
			updated_at = excluded.updated_at
		RETURNING `+scheduleColumns,
		sched.ID, sched.WorkflowID, sched.CronExpression, sched.Active,
		nullTime(sched.NextRunAt), now, now)

	out, err := scanSchedule(row)
	if err != nil {
		return nil, storeErr("sync schedule", err)
	}
	return out, nil
}

func (s *postgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeErr("query schedule", err)
	}
	return sched, nil
}

func (s *postgresStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY workflow_id ASC, cron_expression ASC` +
		pgLimitOffset(filter.Limit, 0)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, storeErr("scan schedule", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *postgresStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE active AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC` + pgLimitOffset(limit, 0)

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, storeErr("query due schedules", err)
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, storeErr("scan schedule", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *postgresStore) FireSchedule(ctx context.Context, scheduleID string, prevNextRun, nextRun time.Time, exec *Execution) error {
	now := time.Now().UTC()
	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE schedules
			SET next_run_at = $1, last_run_at = $2, updated_at = $3
			WHERE id = $4 AND next_run_at = $5`,
			nextRun, prevNextRun, now, scheduleID, prevNextRun)
		if err != nil {
			return storeErr("advance schedule", err)
		}
		if tag.RowsAffected() == 0 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"schedule %s already advanced past %s", scheduleID, prevNextRun.Format(time.RFC3339))
		}

		fillExecutionDefaults(exec)
		if err := pgInsertExecution(ctx, tx, exec); err != nil {
			return err
		}
		err = pgAppendEvent(ctx, tx, &Event{
			ExecutionID: exec.ID,
			Type:        schema.EventScheduleFired,
			Message:     "fired by schedule " + scheduleID,
			Payload:     jsonObject(map[string]any{"schedule_id": scheduleID, "due_at": prevNextRun}),
		})
		if err != nil {
			return err
		}
		return pgAppendEvent(ctx, tx, &Event{
			ExecutionID: exec.ID,
			Type:        schema.EventExecutionCreated,
			Message:     "execution created",
		})
	})
}

// --- Event log ---

func (s *postgresStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		return pgAppendEvent(ctx, tx, event)
	})
}

func pgAppendEvent(ctx context.Context, q pgdbtx, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = schema.LogInfo
	}
	row := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = $1`,
		event.ExecutionID)
	if err := row.Scan(&event.Sequence); err != nil {
		return storeErr("next event sequence", err)
	}
	err := q.QueryRow(ctx, `INSERT INTO events
		(execution_id, node_id, event_type, level, message, payload, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, string(event.Level),
		nullStr(event.Message), nullRaw(event.Payload), event.Sequence, event.Timestamp).
		Scan(&event.ID)
	if err != nil {
		return storeErr("insert event", err)
	}
	return nil
}

func (s *postgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		where = append(where, fmt.Sprintf("execution_id = $%d", len(args)))
	}
	if filter.NodeID != "" {
		args = append(args, filter.NodeID)
		where = append(where, fmt.Sprintf("node_id = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.SinceSeq > 0 {
		args = append(args, filter.SinceSeq)
		where = append(where, fmt.Sprintf("sequence > $%d", len(args)))
	}

	order := ` ORDER BY id ASC`
	if filter.ExecutionID != "" {
		order = ` ORDER BY sequence ASC`
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` +
		strings.Join(where, " AND ") + order + pgLimitOffset(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("scan event", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// --- Maintenance ---

func (s *postgresStore) PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < $1`, olderThan)
	if err != nil {
		return 0, storeErr("purge history", err)
	}
	return tag.RowsAffected(), nil
}

// --- Helpers ---

// pgdbtx abstracts *pgxpool.Pool and pgx.Tx so query helpers run in either.
type pgdbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgInsertExecution(ctx context.Context, q pgdbtx, exec *Execution) error {
	_, err := q.Exec(ctx, `INSERT INTO executions
		(id, workflow_id, workflow_version, status, current_node_id, state, trigger_payload,
		 retry_count, replay_of, parent_execution_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		nullStr(exec.CurrentNodeID), nullRaw(exec.State), nullRaw(exec.TriggerPayload),
		exec.RetryCount, nullStr(exec.ReplayOf), nullStr(exec.ParentID),
		exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

func qualifyColumns(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func pgLimitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	return sb.String()
}
