package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/relay/pkg/schema"
)

// libsqlStore implements Store on an embedded libsql database. A single
// connection serializes all writes, which keeps the claim compare-and-set and
// the event sequence computation race-free without extra locking.
type libsqlStore struct {
	db *sql.DB
}

var _ Store = (*libsqlStore)(nil)

// NewLibsqlStore opens (or creates) the database at path, applies the
// connection pragmas and runs pending migrations.
func NewLibsqlStore(path string) (Store, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, storeErr("open database", err)
	}
	db.SetMaxOpenConns(1)
	applyPragmas(db)

	s := &libsqlStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		// Some pragmas return a result row, some do not.
		var res string
		_ = db.QueryRow(pragma).Scan(&res)
	}
}

func (s *libsqlStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, libsqlMigrations)
}

func (s *libsqlStore) Close() error {
	return s.db.Close()
}

// --- Definitions ---

func (s *libsqlStore) PublishDefinition(ctx context.Context, def *Definition) (*Definition, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	latest, err := latestDefinitionTx(ctx, tx, def.WorkflowID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Checksum == checksum {
		// Same graph and trigger already published; republish is a no-op.
		return latest, nil
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
		return nil, storeErr("marshal definition", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO definitions
		(workflow_id, version, name, document, checksum, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.WorkflowID, def.Version, nullStr(def.Name), string(doc), def.Checksum, def.Active, def.CreatedAt)
	if err != nil {
		return nil, storeErr("insert definition", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit transaction", err)
	}
	return def, nil
}

func (s *libsqlStore) GetDefinition(ctx context.Context, workflowID string, version int) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions
		WHERE workflow_id = ? AND version = ?`, workflowID, version)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", fmt.Sprintf("%s@v%d", workflowID, version))
	}
	if err != nil {
		return nil, storeErr("query definition", err)
	}
	return def, nil
}

func (s *libsqlStore) LatestDefinition(ctx context.Context, workflowID string) (*Definition, error) {
	def, err := latestDefinitionTx(ctx, s.db, workflowID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, storeNotFound("workflow", workflowID)
	}
	return def, nil
}

func latestDefinitionTx(ctx context.Context, q dbtx, workflowID string) (*Definition, error) {
	row := q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions
		WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`, workflowID)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query latest definition", err)
	}
	return def, nil
}

func (s *libsqlStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}
	if filter.LatestOnly {
		where = append(where, `version = (SELECT MAX(d.version) FROM definitions d
			WHERE d.workflow_id = definitions.workflow_id)`)
	}

	query := `SELECT ` + definitionColumns + ` FROM definitions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY workflow_id ASC, version DESC`
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *libsqlStore) SetWorkflowActive(ctx context.Context, workflowID string, active bool) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE definitions SET active = ? WHERE workflow_id = ?`,
		active, workflowID)
	if err != nil {
		return storeErr("update definitions", err)
	}
	if err := checkRowsAffected(res, storeNotFound("workflow", workflowID)); err != nil {
		return err
	}
	// Schedules follow the workflow's active flag so the scheduler never
	// fires a deactivated workflow.
	_, err = tx.ExecContext(ctx, `UPDATE schedules SET active = ?, updated_at = ? WHERE workflow_id = ?`,
		active, now, workflowID)
	if err != nil {
		return storeErr("update schedules", err)
	}
	return commit(tx)
}

// --- Executions ---

func (s *libsqlStore) CreateExecution(ctx context.Context, exec *Execution) error {
	fillExecutionDefaults(exec)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertExecution(ctx, tx, exec); err != nil {
		return err
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: exec.ID,
		Type:        schema.EventExecutionCreated,
		Message:     "execution created",
	})
	if err != nil {
		return err
	}
	return commit(tx)
}

func (s *libsqlStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return getExecutionTx(ctx, s.db, id)
}

func getExecutionTx(ctx context.Context, q dbtx, id string) (*Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("query execution", err)
	}
	return exec, nil
}

func (s *libsqlStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != "" {
		where = append(where, "parent_execution_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// RequestCancel latches the cancellation flag. Rows nobody holds a lease on
// are finalized to cancelled immediately; a leased row keeps running until
// its holder observes the flag at the start of its next tick. Cancelling an
// already-terminal execution is a no-op.
func (s *libsqlStore) RequestCancel(ctx context.Context, id, reason string) (*Execution, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE executions
		SET cancel_requested = 1, cancel_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		nullStr(reason), now, id)
	if err != nil {
		return nil, storeErr("request cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("rows affected", err)
	}
	if n == 0 {
		// Missing or already terminal: surface which.
		exec, err := getExecutionTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return exec, nil
	}

	// Fast path: finalize right away when no live lease fences the row.
	res, err = tx.ExecContext(ctx, `UPDATE executions
		SET status = 'cancelled', completed_at = ?, updated_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL, next_retry_at = NULL
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND (lease_expires_at IS NULL OR lease_expires_at < ?)`,
		now, now, id, now)
	if err != nil {
		return nil, storeErr("finalize cancel", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return nil, storeErr("rows affected", err)
	}
	if n > 0 {
		err = appendEventTx(ctx, tx, &Event{
			ExecutionID: id,
			Type:        schema.EventExecutionCancelled,
			Message:     cancelMessage(reason),
		})
		if err != nil {
			return nil, err
		}
	}

	exec, err := getExecutionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return exec, nil
}

// RequestPause marks the execution as manually paused. A pending row parks
// immediately; a running row parks when its lease holder reaches the next
// tick boundary. Paused rows are never claimed until ResumePaused.
func (s *libsqlStore) RequestPause(ctx context.Context, id string) (*Execution, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE executions
		SET manual_pause = 1, updated_at = ?
		WHERE id = ? AND cancel_requested = 0
		  AND status NOT IN ('completed', 'failed', 'cancelled')`,
		now, id)
	if err != nil {
		return nil, storeErr("request pause", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("rows affected", err)
	}
	if n == 0 {
		exec, err := getExecutionTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause execution %s in status %s", id, exec.Status)
	}

	res, err = tx.ExecContext(ctx, `UPDATE executions
		SET status = 'paused', updated_at = ?
		WHERE id = ? AND status = 'pending'
		  AND (lease_expires_at IS NULL OR lease_expires_at < ?)`,
		now, id, now)
	if err != nil {
		return nil, storeErr("finalize pause", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return nil, storeErr("rows affected", err)
	}
	if n > 0 {
		err = appendEventTx(ctx, tx, &Event{
			ExecutionID: id,
			Type:        schema.EventExecutionPaused,
			Message:     "execution paused",
		})
		if err != nil {
			return nil, err
		}
	}

	exec, err := getExecutionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return exec, nil
}

// ResumePaused clears a manual pause. A retry backoff scheduled before the
// pause keeps its original due time; everything else becomes claimable
// immediately.
func (s *libsqlStore) ResumePaused(ctx context.Context, id string) (*Execution, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE executions
		SET manual_pause = 0, updated_at = ?
		WHERE id = ? AND manual_pause = 1
		  AND status NOT IN ('completed', 'failed', 'cancelled')`,
		now, id)
	if err != nil {
		return nil, storeErr("resume execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("rows affected", err)
	}
	if n == 0 {
		exec, err := getExecutionTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is not paused (status %s)", id, exec.Status)
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: id,
		Type:        schema.EventExecutionResumed,
		Message:     "execution resumed",
	})
	if err != nil {
		return nil, err
	}

	exec, err := getExecutionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return exec, nil
}

// --- Claim & lease ---

// Claim atomically takes the lease on the oldest eligible execution and moves
// it to running. Eligibility: nobody else holds a live lease, and the row is
// either due work (pending, expired-lease running, a retry whose backoff
// elapsed, a waiting row with a matching pending signal) or flagged for
// cancellation. Cancellation requests jump the queue so the flag is observed
// promptly. Returns (nil, nil) when nothing is eligible.
func (s *libsqlStore) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Execution, error) {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)

	row := s.db.QueryRowContext(ctx, `UPDATE executions
		SET status = 'running',
		    lease_owner = ?,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    next_retry_at = NULL,
		    updated_at = ?
		WHERE id IN (
			SELECT id FROM executions
			WHERE (lease_expires_at IS NULL OR lease_expires_at < ?)
			  AND status NOT IN ('completed', 'failed', 'cancelled')
			  AND (
			        cancel_requested = 1
			     OR (status = 'pending' AND manual_pause = 0)
			     OR status = 'running'
			     OR (status = 'paused' AND manual_pause = 0
			         AND (next_retry_at IS NULL OR next_retry_at <= ?))
			     OR (status = 'waiting_signal' AND manual_pause = 0 AND EXISTS (
			            SELECT 1 FROM signals g
			            WHERE g.execution_id = executions.id
			              AND g.processed = 0
			              AND (executions.wait_signal_type IS NULL
			                   OR executions.wait_signal_type = ''
			                   OR g.signal_type = executions.wait_signal_type)
			        ))
			  )
			ORDER BY cancel_requested DESC, created_at ASC
			LIMIT 1
		)
		RETURNING `+executionColumns,
		workerID, expires, now, now, now, now)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim execution", err)
	}
	return exec, nil
}

func (s *libsqlStore) RenewLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE executions
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		now.Add(leaseDuration), now, id, workerID)
	if err != nil {
		return storeErr("renew lease", err)
	}
	return checkRowsAffected(res, leaseLost(id, workerID))
}

// PersistStep writes the result of one tick, fenced on lease ownership.
// Persisting any status other than running also releases the lease: the
// holder only keeps it while actively advancing the execution. Events are
// appended in the same transaction.
func (s *libsqlStore) PersistStep(ctx context.Context, id, workerID string, update StepUpdate) error {
	now := time.Now().UTC()

	sets := []string{
		"status = ?",
		"current_node_id = ?",
		"wait_signal_type = ?",
		"error = ?",
		"next_retry_at = ?",
		"resume_payload = NULL",
		"updated_at = ?",
	}
	args := []any{
		string(update.Status),
		nullStr(update.CurrentNodeID),
		nullStr(update.WaitSignalType),
		nullStr(update.Error),
		nullTime(update.NextRetryAt),
		now,
	}
	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(update.State))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.Status != schema.ExecutionRunning {
		sets = append(sets, "lease_owner = NULL", "lease_expires_at = NULL")
	}
	if update.Status.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, timeOrNow(update.CompletedAt))
	}
	args = append(args, id, workerID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE executions SET `+strings.Join(sets, ", ")+
		` WHERE id = ? AND lease_owner = ?`, args...)
	if err != nil {
		return storeErr("persist step", err)
	}
	if err := checkRowsAffected(res, leaseLost(id, workerID)); err != nil {
		return err
	}
	for _, event := range update.Events {
		if event.ExecutionID == "" {
			event.ExecutionID = id
		}
		if err := appendEventTx(ctx, tx, event); err != nil {
			return err
		}
	}
	return commit(tx)
}

func (s *libsqlStore) Release(ctx context.Context, id, workerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().UTC(), id, workerID)
	if err != nil {
		return storeErr("release lease", err)
	}
	return checkRowsAffected(res, leaseLost(id, workerID))
}

// --- Signals ---

func (s *libsqlStore) SubmitSignal(ctx context.Context, sig *Signal) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec, err := getExecutionTx(ctx, tx, sig.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s and cannot receive signals", exec.ID, exec.Status)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO signals
		(id, execution_id, signal_type, payload, received_at, processed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		sig.ID, sig.ExecutionID, sig.Type, nullRaw(sig.Payload), sig.ReceivedAt)
	if err != nil {
		return storeErr("insert signal", err)
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: sig.ExecutionID,
		Type:        schema.EventSignalReceived,
		Message:     "signal received: " + sig.Type,
		Payload:     sig.Payload,
	})
	if err != nil {
		return err
	}
	return commit(tx)
}

// RouteSignal resumes a waiting, unleased execution with its oldest matching
// pending signal: the signal flips to processed and the execution flips to
// running in the same transaction, so the signal is consumed exactly once.
// Returns (nil, nil) when the execution is not resumable right now; the
// signal stays pending and the claim path picks it up instead.
func (s *libsqlStore) RouteSignal(ctx context.Context, executionID string) (*Signal, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec, err := getExecutionTx(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionWaitingSignal || exec.LeaseValidAt(now) ||
		exec.ManualPause || exec.CancelRequested {
		return nil, nil
	}

	sig, err := pendingSignalTx(ctx, tx, executionID, exec.WaitSignalType)
	if err != nil || sig == nil {
		return nil, err
	}

	if err := markSignalProcessedTx(ctx, tx, sig, now); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE executions
		SET status = 'running', resume_payload = ?, wait_signal_type = NULL, updated_at = ?
		WHERE id = ? AND status = 'waiting_signal'
		  AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		  AND cancel_requested = 0 AND manual_pause = 0`,
		nullRaw(sig.Payload), now, executionID, now)
	if err != nil {
		return nil, storeErr("resume waiting execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("rows affected", err)
	}
	if n == 0 {
		return nil, nil
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: executionID,
		NodeID:      exec.CurrentNodeID,
		Type:        schema.EventSignalConsumed,
		Message:     "signal consumed: " + sig.Type,
	})
	if err != nil {
		return nil, err
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: executionID,
		NodeID:      exec.CurrentNodeID,
		Type:        schema.EventExecutionResumed,
		Message:     "resumed by signal " + sig.Type,
	})
	if err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return sig, nil
}

// ConsumeSignal is the lease holder's path: after claiming a row that was
// waiting, the holder pulls the pending signal and stores its payload for the
// current tick. Returns (nil, nil) when no matching signal is pending.
func (s *libsqlStore) ConsumeSignal(ctx context.Context, executionID, workerID string) (*Signal, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec, err := getExecutionTx(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.LeaseOwner != workerID {
		return nil, leaseLost(executionID, workerID)
	}

	sig, err := pendingSignalTx(ctx, tx, executionID, exec.WaitSignalType)
	if err != nil || sig == nil {
		return nil, err
	}

	if err := markSignalProcessedTx(ctx, tx, sig, now); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE executions
		SET resume_payload = ?, wait_signal_type = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		nullRaw(sig.Payload), now, executionID, workerID)
	if err != nil {
		return nil, storeErr("store signal payload", err)
	}
	if err := checkRowsAffected(res, leaseLost(executionID, workerID)); err != nil {
		return nil, err
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: executionID,
		NodeID:      exec.CurrentNodeID,
		Type:        schema.EventSignalConsumed,
		Message:     "signal consumed: " + sig.Type,
	})
	if err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return sig, nil
}

func pendingSignalTx(ctx context.Context, q dbtx, executionID, waitType string) (*Signal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE execution_id = ? AND processed = 0 AND (? = '' OR signal_type = ?)
		ORDER BY received_at ASC, id ASC LIMIT 1`,
		executionID, waitType, waitType)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query pending signal", err)
	}
	return sig, nil
}

func markSignalProcessedTx(ctx context.Context, q dbtx, sig *Signal, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE signals SET processed = 1, processed_at = ?
		WHERE id = ? AND processed = 0`, now, sig.ID)
	if err != nil {
		return storeErr("mark signal processed", err)
	}
	if err := checkRowsAffected(res, schema.NewErrorf(schema.ErrCodeSignalFailed,
		"signal %s already processed", sig.ID)); err != nil {
		return err
	}
	sig.Processed = true
	sig.ProcessedAt = &now
	return nil
}

func (s *libsqlStore) ListSignals(ctx context.Context, executionID string) ([]*Signal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE execution_id = ? ORDER BY received_at ASC, id ASC`, executionID)
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

// SyncSchedule upserts by (workflow_id, cron_expression). An existing
// schedule keeps its next_run_at so syncing never re-fires or skips a run.
func (s *libsqlStore) SyncSchedule(ctx context.Context, sched *Schedule) (*Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `INSERT INTO schedules
		(id, workflow_id, cron_expression, active, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
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

func (s *libsqlStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeErr("query schedule", err)
	}
	return sched, nil
}

func (s *libsqlStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY workflow_id ASC, cron_expression ASC`
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *libsqlStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC` + limitOffset(limit, 0)

	rows, err := s.db.QueryContext(ctx, query, now)
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

// FireSchedule advances next_run_at and creates the fired execution in one
// transaction. The advance is a compare-and-set on the previous next_run_at:
// when two schedulers race on the same due schedule, exactly one wins and
// exactly one execution is created.
func (s *libsqlStore) FireSchedule(ctx context.Context, scheduleID string, prevNextRun, nextRun time.Time, exec *Execution) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE schedules
		SET next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ?`,
		nextRun, prevNextRun, now, scheduleID, prevNextRun)
	if err != nil {
		return storeErr("advance schedule", err)
	}
	err = checkRowsAffected(res, schema.NewErrorf(schema.ErrCodeConflict,
		"schedule %s already advanced past %s", scheduleID, prevNextRun.Format(time.RFC3339)))
	if err != nil {
		return err
	}

	fillExecutionDefaults(exec)
	if err := insertExecution(ctx, tx, exec); err != nil {
		return err
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: exec.ID,
		Type:        schema.EventScheduleFired,
		Message:     "fired by schedule " + scheduleID,
		Payload:     jsonObject(map[string]any{"schedule_id": scheduleID, "due_at": prevNextRun}),
	})
	if err != nil {
		return err
	}
	err = appendEventTx(ctx, tx, &Event{
		ExecutionID: exec.ID,
		Type:        schema.EventExecutionCreated,
		Message:     "execution created",
	})
	if err != nil {
		return err
	}
	return commit(tx)
}

// --- Event log ---

func (s *libsqlStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	return commit(tx)
}

// appendEventTx assigns the next per-execution sequence and inserts the
// event. Callers must hold a transaction; the single write connection makes
// the MAX+1 read race-free.
func appendEventTx(ctx context.Context, q dbtx, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = schema.LogInfo
	}
	row := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`,
		event.ExecutionID)
	if err := row.Scan(&event.Sequence); err != nil {
		return storeErr("next event sequence", err)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO events
		(execution_id, node_id, event_type, level, message, payload, sequence, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, string(event.Level),
		nullStr(event.Message), nullRaw(event.Payload), event.Sequence, event.Timestamp)
	if err != nil {
		return storeErr("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *libsqlStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.SinceSeq > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.SinceSeq)
	}

	order := ` ORDER BY id ASC`
	if filter.ExecutionID != "" {
		order = ` ORDER BY sequence ASC`
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` +
		strings.Join(where, " AND ") + order + limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// PurgeHistory deletes terminal executions whose completion predates
// olderThan. Events and signals follow via ON DELETE CASCADE.
func (s *libsqlStore) PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?`, olderThan)
	if err != nil {
		return 0, storeErr("purge history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("rows affected", err)
	}
	return n, nil
}

// --- Helpers ---

// dbtx abstracts *sql.DB and *sql.Tx so query helpers run in either.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const definitionColumns = `workflow_id, version, name, document, checksum, active, created_at`

const executionColumns = `id, workflow_id, workflow_version, status, current_node_id, state,
	trigger_payload, resume_payload, wait_signal_type, retry_count, next_retry_at,
	lease_owner, lease_expires_at, cancel_requested, cancel_reason, manual_pause,
	replay_of, parent_execution_id, error, created_at, started_at, completed_at, updated_at`

const scheduleColumns = `id, workflow_id, cron_expression, active, next_run_at, last_run_at, created_at, updated_at`

const signalColumns = `id, execution_id, signal_type, payload, received_at, processed, processed_at`

const eventColumns = `id, execution_id, node_id, event_type, level, message, payload, sequence, timestamp`

func fillExecutionDefaults(exec *Execution) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
}

func insertExecution(ctx context.Context, q dbtx, exec *Execution) error {
	_, err := q.ExecContext(ctx, `INSERT INTO executions
		(id, workflow_id, workflow_version, status, current_node_id, state, trigger_payload,
		 retry_count, replay_of, parent_execution_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		nullStr(exec.CurrentNodeID), nullRaw(exec.State), nullRaw(exec.TriggerPayload),
		exec.RetryCount, nullStr(exec.ReplayOf), nullStr(exec.ParentID),
		exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var (
		def  Definition
		name sql.NullString
		doc  string
	)
	err := row.Scan(&def.WorkflowID, &def.Version, &name, &doc, &def.Checksum,
		&def.Active, &def.CreatedAt)
	if err != nil {
		return nil, err
	}
	def.Name = name.String
	if err := json.Unmarshal([]byte(doc), &def.Document); err != nil {
		return nil, fmt.Errorf("unmarshal definition document: %w", err)
	}
	return &def, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e            Execution
		status       string
		currentNode  sql.NullString
		state        sql.NullString
		trigger      sql.NullString
		resume       sql.NullString
		waitSig      sql.NullString
		nextRetry    sql.NullTime
		leaseOwner   sql.NullString
		leaseExpires sql.NullTime
		cancelReason sql.NullString
		replayOf     sql.NullString
		parentID     sql.NullString
		execErr      sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &status, &currentNode, &state,
		&trigger, &resume, &waitSig, &e.RetryCount, &nextRetry, &leaseOwner, &leaseExpires,
		&e.CancelRequested, &cancelReason, &e.ManualPause, &replayOf, &parentID, &execErr,
		&e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.CurrentNodeID = currentNode.String
	e.State = rawOrNil(state)
	e.TriggerPayload = rawOrNil(trigger)
	e.ResumePayload = rawOrNil(resume)
	e.WaitSignalType = waitSig.String
	e.NextRetryAt = timePtr(nextRetry)
	e.LeaseOwner = leaseOwner.String
	e.LeaseExpiresAt = timePtr(leaseExpires)
	e.CancelReason = cancelReason.String
	e.ReplayOf = replayOf.String
	e.ParentID = parentID.String
	e.Error = execErr.String
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	return &e, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched   Schedule
		nextRun sql.NullTime
		lastRun sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpression, &sched.Active,
		&nextRun, &lastRun, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = timePtr(nextRun)
	sched.LastRunAt = timePtr(lastRun)
	return &sched, nil
}

func scanSignal(row rowScanner) (*Signal, error) {
	var (
		sig         Signal
		payload     sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(&sig.ID, &sig.ExecutionID, &sig.Type, &payload, &sig.ReceivedAt,
		&sig.Processed, &processedAt)
	if err != nil {
		return nil, err
	}
	sig.Payload = rawOrNil(payload)
	sig.ProcessedAt = timePtr(processedAt)
	return &sig, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event   Event
		nodeID  sql.NullString
		level   string
		message sql.NullString
		payload sql.NullString
	)
	err := row.Scan(&event.ID, &event.ExecutionID, &nodeID, &event.Type, &level,
		&message, &payload, &event.Sequence, &event.Timestamp)
	if err != nil {
		return nil, err
	}
	event.NodeID = nodeID.String
	event.Level = schema.LogLevel(level)
	event.Message = message.String
	event.Payload = rawOrNil(payload)
	return &event, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

func checkRowsAffected(res sql.Result, zeroErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return zeroErr
	}
	return nil
}

func limitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		if limit <= 0 {
			sb.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	return sb.String()
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "store: %s", op).WithCause(err)
}

func storeNotFound(entity, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", entity, id)
}

func leaseLost(id, workerID string) error {
	return schema.NewErrorf(schema.ErrCodeLeaseLost,
		"lease on execution %s no longer held by %s", id, workerID)
}

func cancelMessage(reason string) string {
	if reason == "" {
		return "execution cancelled"
	}
	return "execution cancelled: " + reason
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func jsonObject(m map[string]any) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

var emptyObject = json.RawMessage(`{}`)
