package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/connsync/internal/models"
)

// Repository provides persistence for every cached entity.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a cached prepared statement for query.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Connection Operations
// =====================================================

const connectionColumns = `id, from_user_id, to_user_id, status, created_at, updated_at,
	from_username, from_display_name, to_username, to_display_name`

// SaveConnection inserts or replaces a connection.
func (r *Repository) SaveConnection(c *models.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO connections (` + connectionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		from_user_id = excluded.from_user_id,
		to_user_id = excluded.to_user_id,
		status = excluded.status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		from_username = excluded.from_username,
		from_display_name = excluded.from_display_name,
		to_username = excluded.to_username,
		to_display_name = excluded.to_display_name
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(c.ID, c.FromUserID, c.ToUserID, c.Status, c.CreatedAt, c.UpdatedAt,
		c.FromUsername, c.FromDisplayName, c.ToUsername, c.ToDisplayName)
	if err != nil {
		return fmt.Errorf("save connection %s: %w", c.ID, err)
	}
	return nil
}

// DeleteConnection removes a connection. Deleting an absent id is not an error.
func (r *Repository) DeleteConnection(id string) error {
	_, err := r.db.Exec("DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	return nil
}

// FetchConnections returns every cached connection where userID is either party,
// most recently updated first.
func (r *Repository) FetchConnections(userID string) ([]*models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
	WHERE from_user_id = ? OR to_user_id = ?
	ORDER BY updated_at DESC, id ASC`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(userID, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch connections for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FetchConnection returns the connection with id, or nil when it is not cached.
func (r *Repository) FetchConnection(id string) (*models.Connection, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	c, err := scanConnection(stmt.QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(s scanner) (*models.Connection, error) {
	var c models.Connection
	err := s.Scan(&c.ID, &c.FromUserID, &c.ToUserID, &c.Status, &c.CreatedAt, &c.UpdatedAt,
		&c.FromUsername, &c.FromDisplayName, &c.ToUsername, &c.ToDisplayName)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// =====================================================
// PendingOperation Operations
// =====================================================

// SaveOperation inserts or replaces a queue entry.
func (r *Repository) SaveOperation(op *models.PendingOperation) error {
	query := `
	INSERT INTO pending_operations (id, entity_id, entity_type, operation_type, payload,
		attempts, status, last_error, created_at, next_retry_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		operation_type = excluded.operation_type,
		payload = excluded.payload,
		attempts = excluded.attempts,
		status = excluded.status,
		last_error = excluded.last_error,
		next_retry_at = excluded.next_retry_at
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(op.ID, op.EntityID, op.EntityType, op.OperationType, []byte(op.Payload),
		op.Attempts, op.Status, op.LastError, op.CreatedAt, op.NextRetryAt)
	if err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// DeleteOperation removes a queue entry by operation id.
func (r *Repository) DeleteOperation(id string) error {
	if _, err := r.db.Exec("DELETE FROM pending_operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// ReplaceOperation atomically swaps the entry oldID for op.
func (r *Repository) ReplaceOperation(oldID string, op *models.PendingOperation) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pending_operations WHERE id = ?", oldID); err != nil {
		return fmt.Errorf("delete operation %s: %w", oldID, err)
	}
	_, err = tx.Exec(`
	INSERT INTO pending_operations (id, entity_id, entity_type, operation_type, payload,
		attempts, status, last_error, created_at, next_retry_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntityID, op.EntityType, op.OperationType, []byte(op.Payload),
		op.Attempts, op.Status, op.LastError, op.CreatedAt, op.NextRetryAt)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return tx.Commit()
}

// LoadOperations returns every persisted queue entry in enqueue order.
func (r *Repository) LoadOperations() ([]*models.PendingOperation, error) {
	rows, err := r.db.Query(`
	SELECT id, entity_id, entity_type, operation_type, payload, attempts, status,
		last_error, created_at, next_retry_at
	FROM pending_operations ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		var op models.PendingOperation
		var payload []byte
		if err := rows.Scan(&op.ID, &op.EntityID, &op.EntityType, &op.OperationType, &payload,
			&op.Attempts, &op.Status, &op.LastError, &op.CreatedAt, &op.NextRetryAt); err != nil {
			return nil, err
		}
		op.Payload = payload
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// =====================================================
// Pending Reject Operations
// =====================================================

// AddPendingReject records id as locally rejected until expiresAt.
func (r *Repository) AddPendingReject(id string, expiresAt time.Time) error {
	_, err := r.db.Exec(`
	INSERT INTO pending_rejects (id, expires_at) VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at`,
		id, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("add pending reject %s: %w", id, err)
	}
	return nil
}

// RemovePendingReject drops id from the pending-reject set.
func (r *Repository) RemovePendingReject(id string) error {
	if _, err := r.db.Exec("DELETE FROM pending_rejects WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove pending reject %s: %w", id, err)
	}
	return nil
}

// PendingRejects purges entries expired at now and returns the rest with
// their expiry times.
func (r *Repository) PendingRejects(now time.Time) (map[string]time.Time, error) {
	if _, err := r.db.Exec("DELETE FROM pending_rejects WHERE expires_at <= ?", now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("purge pending rejects: %w", err)
	}

	rows, err := r.db.Query("SELECT id, expires_at FROM pending_rejects")
	if err != nil {
		return nil, fmt.Errorf("load pending rejects: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var expiresAt int64
		if err := rows.Scan(&id, &expiresAt); err != nil {
			return nil, err
		}
		out[id] = time.UnixMilli(expiresAt)
	}
	return out, rows.Err()
}

// =====================================================
// DuplicateLog Operations
// =====================================================

// CreateDuplicateLog records a resolved duplicate group.
func (r *Repository) CreateDuplicateLog(log *models.DuplicateLog) error {
	query := `
	INSERT INTO duplicate_log (id, pair_key, kept_id, discarded_ids, detected_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, log.ID, log.PairKey, log.KeptID, log.JoinedDiscardedIDs(), log.DetectedAt)
	if err != nil {
		return fmt.Errorf("create duplicate log: %w", err)
	}
	return nil
}

// ListDuplicateLogs returns the most recent duplicate resolutions.
func (r *Repository) ListDuplicateLogs(limit int) ([]*models.DuplicateLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
	SELECT id, pair_key, kept_id, discarded_ids, detected_at
	FROM duplicate_log ORDER BY detected_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list duplicate logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.DuplicateLog
	for rows.Next() {
		var l models.DuplicateLog
		var discarded string
		if err := rows.Scan(&l.ID, &l.PairKey, &l.KeptID, &discarded, &l.DetectedAt); err != nil {
			return nil, err
		}
		if discarded != "" {
			l.DiscardedIDs = strings.Split(discarded, ",")
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// =====================================================
// FailedOperation Operations
// =====================================================

// SaveFailure records (or replaces) the permanent failure for an entity.
func (r *Repository) SaveFailure(f *models.FailedOperation) error {
	_, err := r.db.Exec(`
	INSERT INTO failed_operations (entity_id, entity_type, operation_type, payload, error, attempts, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_id) DO UPDATE SET
		entity_type = excluded.entity_type,
		operation_type = excluded.operation_type,
		payload = excluded.payload,
		error = excluded.error,
		attempts = excluded.attempts,
		failed_at = excluded.failed_at`,
		f.EntityID, f.EntityType, f.OperationType, []byte(f.Payload), f.Error, f.Attempts, f.FailedAt)
	if err != nil {
		return fmt.Errorf("save failure %s: %w", f.EntityID, err)
	}
	return nil
}

// DeleteFailure clears the failure for entityID.
func (r *Repository) DeleteFailure(entityID string) error {
	if _, err := r.db.Exec("DELETE FROM failed_operations WHERE entity_id = ?", entityID); err != nil {
		return fmt.Errorf("delete failure %s: %w", entityID, err)
	}
	return nil
}

// LoadFailures returns every recorded failure, oldest first.
func (r *Repository) LoadFailures() ([]*models.FailedOperation, error) {
	rows, err := r.db.Query(`
	SELECT entity_id, entity_type, operation_type, payload, error, attempts, failed_at
	FROM failed_operations ORDER BY failed_at ASC, entity_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load failures: %w", err)
	}
	defer rows.Close()

	var out []*models.FailedOperation
	for rows.Next() {
		var f models.FailedOperation
		var payload []byte
		if err := rows.Scan(&f.EntityID, &f.EntityType, &f.OperationType, &payload, &f.Error, &f.Attempts, &f.FailedAt); err != nil {
			return nil, err
		}
		f.Payload = payload
		out = append(out, &f)
	}
	return out, rows.Err()
}
