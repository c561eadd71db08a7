package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pbparthas/scriptlock/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/001_initial.sql
var initialMigration string

const lockColumns = `id, resource_id, owner_id, project_id, file_path, acquired_at, expires_at, released, released_at`

// Store provides lease storage using SQLite.
type Store struct {
	db      *sql.DB
	dataDir string
}

// New creates a new Store with the given data directory.
// The database file will be created at <dataDir>/scriptlock.db.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "scriptlock.db")
	// _txlock=immediate makes every transaction take the write lock up front,
	// so processes sharing the file serialize on busy_timeout instead of failing.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:      db,
		dataDir: dataDir,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// migrate runs database migrations.
func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(initialMigration); err != nil {
			return fmt.Errorf("failed to run initial migration: %w", err)
		}
	}

	return nil
}

// CreateLock inserts a new lock. It fails with errors.ErrLockHeld when the
// resource already has an unreleased lock.
func (s *Store) CreateLock(ctx context.Context, l *Lock) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.normalize()

	query := `
		INSERT INTO script_locks (id, resource_id, owner_id, project_id, file_path, acquired_at, expires_at, released)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`

	_, err := s.db.ExecContext(ctx, query,
		l.ID, l.ResourceID, l.OwnerID, nullString(l.ProjectID), nullString(l.FilePath),
		toMillis(l.AcquiredAt), toMillis(l.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.ErrLockHeld
		}
		return fmt.Errorf("failed to create lock: %w", err)
	}

	l.Released = false
	l.ReleasedAt = nil
	return nil
}

// GetLock retrieves a lock by ID.
func (s *Store) GetLock(ctx context.Context, id string) (*Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM script_locks WHERE id = ?`

	l, err := scanLock(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrLockNotFound
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return l, nil
}

// GetOpenLock returns the unreleased lock for a resource, whether or not it
// has expired.
func (s *Store) GetOpenLock(ctx context.Context, resourceID string) (*Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM script_locks WHERE resource_id = ? AND released = 0`

	l, err := scanLock(s.db.QueryRowContext(ctx, query, resourceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrLockNotFound
		}
		return nil, fmt.Errorf("failed to get open lock: %w", err)
	}
	return l, nil
}

// ReleaseLock marks a lock released. Only the first release stamps released_at.
func (s *Store) ReleaseLock(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE script_locks SET released = 1, released_at = ? WHERE id = ? AND released = 0`
	return s.releaseWhere(ctx, id, query, toMillis(at), id)
}

// ReleaseExpiredLock releases the lock only if it is still open and expired at now.
func (s *Store) ReleaseExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE script_locks SET released = 1, released_at = ? WHERE id = ? AND released = 0 AND expires_at <= ?`
	ms := toMillis(now)
	return s.releaseWhere(ctx, id, query, ms, id, ms)
}

func (s *Store) releaseWhere(ctx context.Context, id, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// Unknown, already released, or not expired
	if _, err := s.GetLock(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ExtendLock pushes expires_at forward from its current value.
func (s *Store) ExtendLock(ctx context.Context, id string, by time.Duration) (*Lock, error) {
	query := `UPDATE script_locks SET expires_at = expires_at + ? WHERE id = ? RETURNING ` + lockColumns

	l, err := scanLock(s.db.QueryRowContext(ctx, query, by.Milliseconds(), id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrLockNotFound
		}
		return nil, fmt.Errorf("failed to extend lock: %w", err)
	}
	return l, nil
}

// ReleaseExpired releases every unreleased lock whose expiry is not after now.
// Comparing against now truncated to milliseconds with <= matches
// Lock.IsExpired for ms-precision expiries.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE script_locks SET released = 1, released_at = ? WHERE released = 0 AND expires_at <= ?`
	ms := toMillis(now)
	result, err := s.db.ExecContext(ctx, query, ms, ms)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return result.RowsAffected()
}

// ListExpiring returns unreleased locks with from < expires_at <= to, soonest first.
func (s *Store) ListExpiring(ctx context.Context, from, to time.Time) ([]*Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM script_locks
		WHERE released = 0 AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC
	`
	return s.queryLocks(ctx, "expiring", query, toMillis(from), toMillis(to))
}

// ListActive returns locks active at now, optionally restricted to a project.
func (s *Store) ListActive(ctx context.Context, now time.Time, projectID string) ([]*Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM script_locks WHERE released = 0 AND expires_at > ?`
	args := []interface{}{toMillis(now)}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY acquired_at ASC`

	return s.queryLocks(ctx, "active", query, args...)
}

// ListHistory returns all locks ever taken on a resource, newest first.
func (s *Store) ListHistory(ctx context.Context, resourceID string, limit int) ([]*Lock, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	query := `
		SELECT ` + lockColumns + `
		FROM script_locks WHERE resource_id = ?
		ORDER BY acquired_at DESC, rowid DESC LIMIT ?
	`
	return s.queryLocks(ctx, "history", query, resourceID, limit)
}

func (s *Store) queryLocks(ctx context.Context, what, query string, args ...interface{}) ([]*Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s locks: %w", what, err)
	}
	defer rows.Close()

	var locks []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, l)
	}

	return locks, rows.Err()
}

// --- Helper Functions ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(row rowScanner) (*Lock, error) {
	var l Lock
	var projectID, filePath sql.NullString
	var acquiredAt, expiresAt int64
	var released int
	var releasedAt sql.NullInt64

	if err := row.Scan(
		&l.ID, &l.ResourceID, &l.OwnerID, &projectID, &filePath,
		&acquiredAt, &expiresAt, &released, &releasedAt,
	); err != nil {
		return nil, err
	}

	l.ProjectID = projectID.String
	l.FilePath = filePath.String
	l.AcquiredAt = fromMillis(acquiredAt)
	l.ExpiresAt = fromMillis(expiresAt)
	l.Released = released != 0
	if releasedAt.Valid {
		t := fromMillis(releasedAt.Int64)
		l.ReleasedAt = &t
	}
	return &l, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
