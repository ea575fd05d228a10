package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/centralseq/identity"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// Schema version tracking:
// 1 - sequence_records + sequence_versions
const currentSchemaVersion = 1

const recordColumns = `element_type, element_id, sequence_number, version_number, comment, created_at, updated_at`

// SQLiteStoreConfig configures the SQLite sequence store.
type SQLiteStoreConfig struct {
	DSN string

	// BusyTimeout bounds how long a connection waits on a locked database
	// before the write is reported as a conflict (default 5s).
	BusyTimeout time.Duration
}

// SQLiteStore persists sequence records in SQLite.
//
// The pool is limited to one connection so that every transaction runs
// against a single writer; the compare-and-set predicates in each write still
// guard against lost updates between the engine's read and its write.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed sequence store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sequence store sqlite dsn is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sequence sqlite store open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sequence sqlite store connect: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sequence sqlite store %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sequence sqlite store create schema: %w", err)
	}
	if err := migrateSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateSQLiteSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sequence sqlite store read user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("sequence sqlite store schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("sequence sqlite store set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key identity.Key) (Record, bool, error) {
	rec, ok, err := getSQLiteRecord(ctx, s.db, key)
	if err != nil {
		return Record{}, false, classifySQLiteError("get", err, ErrStoreConflict)
	}
	return rec, ok, nil
}

func (s *SQLiteStore) CurrentMax(ctx context.Context, elementType string) (int64, error) {
	var highest int64
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(sequence_number), 0)
FROM sequence_records
WHERE element_type = ?`, elementType).Scan(&highest)
	if err != nil {
		return 0, classifySQLiteError("current max", err, ErrStoreConflict)
	}
	return highest, nil
}

func (s *SQLiteStore) UpsertSequence(ctx context.Context, key identity.Key, expected, next int64, comment string) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if next < 0 {
		return Record{}, fmt.Errorf("sequence sqlite store upsert: negative sequence number %d for %s", next, key)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, classifySQLiteError("upsert begin", err, ErrStoreConflict)
	}
	defer tx.Rollback()

	current, found, err := getSQLiteRecord(ctx, tx, key)
	if err != nil {
		return Record{}, classifySQLiteError("upsert read", err, ErrStoreConflict)
	}
	if current.SequenceNumber != expected {
		return Record{}, conflictf(key, current.SequenceNumber, expected)
	}

	now := formatSQLiteTime(time.Now())
	if !found {
		_, err = tx.ExecContext(ctx, `
INSERT INTO sequence_records (element_type, element_id, sequence_number, version_number, comment, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?)`,
			key.ElementType, key.ElementID, next, nullableComment(comment), now, now)
		if err != nil {
			if isSQLiteUniqueViolation(err) {
				return Record{}, fmt.Errorf("%w: %s was created concurrently", ErrStoreConflict, key)
			}
			return Record{}, classifySQLiteError("upsert insert", err, ErrStoreConflict)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE sequence_records
SET sequence_number = ?, comment = ?, updated_at = ?
WHERE element_type = ? AND element_id = ? AND sequence_number = ?`,
			next, nullableComment(comment), now, key.ElementType, key.ElementID, expected)
		if err != nil {
			return Record{}, classifySQLiteError("upsert update", err, ErrStoreConflict)
		}
		if err := requireOneRow(res, key, expected); err != nil {
			return Record{}, err
		}
	}

	rec, _, err := getSQLiteRecord(ctx, tx, key)
	if err != nil {
		return Record{}, classifySQLiteError("upsert reload", err, ErrStoreConflict)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, classifySQLiteError("upsert commit", err, ErrStoreConflict)
	}
	return rec, nil
}

func (s *SQLiteStore) ApplyReorderBatch(ctx context.Context, updates []ReorderUpdate, comment string) ([]Record, error) {
	if err := validateReorderBatch(updates); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLiteError("reorder begin", err, ErrBatchConflict)
	}
	defer tx.Rollback()

	now := formatSQLiteTime(time.Now())
	for _, u := range updates {
		_, err := tx.ExecContext(ctx, `
INSERT INTO sequence_records (element_type, element_id, sequence_number, version_number, comment, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(element_type, element_id) DO UPDATE SET
	sequence_number = excluded.sequence_number,
	comment = excluded.comment,
	updated_at = excluded.updated_at`,
			u.Key.ElementType, u.Key.ElementID, u.SequenceNumber, nullableComment(comment), now, now)
		if err != nil {
			return nil, classifySQLiteError("reorder apply "+u.Key.String(), err, ErrBatchConflict)
		}
	}

	records := make([]Record, 0, len(updates))
	for _, u := range updates {
		rec, _, err := getSQLiteRecord(ctx, tx, u.Key)
		if err != nil {
			return nil, classifySQLiteError("reorder reload", err, ErrBatchConflict)
		}
		records = append(records, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifySQLiteError("reorder commit", err, ErrBatchConflict)
	}
	return records, nil
}

func (s *SQLiteStore) BumpVersion(ctx context.Context, key identity.Key, data json.RawMessage, comment string) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, classifySQLiteError("bump version begin", err, ErrStoreConflict)
	}
	defer tx.Rollback()

	current, found, err := getSQLiteRecord(ctx, tx, key)
	if err != nil {
		return Record{}, classifySQLiteError("bump version read", err, ErrStoreConflict)
	}

	now := formatSQLiteTime(time.Now())
	next := current.VersionNumber + 1
	if !found {
		_, err = tx.ExecContext(ctx, `
INSERT INTO sequence_records (element_type, element_id, sequence_number, version_number, comment, created_at, updated_at)
VALUES (?, ?, 0, ?, ?, ?, ?)`,
			key.ElementType, key.ElementID, next, nullableComment(comment), now, now)
		if err != nil {
			if isSQLiteUniqueViolation(err) {
				return Record{}, fmt.Errorf("%w: %s was created concurrently", ErrStoreConflict, key)
			}
			return Record{}, classifySQLiteError("bump version insert", err, ErrStoreConflict)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE sequence_records
SET version_number = ?, comment = ?, updated_at = ?
WHERE element_type = ? AND element_id = ? AND version_number = ?`,
			next, nullableComment(comment), now, key.ElementType, key.ElementID, current.VersionNumber)
		if err != nil {
			return Record{}, classifySQLiteError("bump version update", err, ErrStoreConflict)
		}
		if err := requireOneRow(res, key, current.VersionNumber); err != nil {
			return Record{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO sequence_versions (element_type, element_id, version_number, data, comment, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		key.ElementType, key.ElementID, next, nullableData(data), nullableComment(comment), now)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return Record{}, fmt.Errorf("%w: version %d of %s already exists", ErrStoreConflict, next, key)
		}
		return Record{}, classifySQLiteError("bump version history", err, ErrStoreConflict)
	}

	rec, _, err := getSQLiteRecord(ctx, tx, key)
	if err != nil {
		return Record{}, classifySQLiteError("bump version reload", err, ErrStoreConflict)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, classifySQLiteError("bump version commit", err, ErrStoreConflict)
	}
	return rec, nil
}

func (s *SQLiteStore) Versions(ctx context.Context, key identity.Key) ([]VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT element_type, element_id, version_number, data, comment, created_at
FROM sequence_versions
WHERE element_type = ? AND element_id = ?
ORDER BY version_number ASC`, key.ElementType, key.ElementID)
	if err != nil {
		return nil, classifySQLiteError("versions", err, ErrStoreConflict)
	}
	defer rows.Close()

	var entries []VersionEntry
	for rows.Next() {
		var (
			entry     VersionEntry
			data      []byte
			comment   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ElementType, &entry.ElementID, &entry.VersionNumber, &data, &comment, &createdAt); err != nil {
			return nil, classifySQLiteError("versions scan", err, ErrStoreConflict)
		}
		if len(data) > 0 {
			entry.Data = json.RawMessage(data)
		}
		entry.Comment = comment.String
		if entry.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("versions rows", err, ErrStoreConflict)
	}
	return entries, nil
}

func (s *SQLiteStore) List(ctx context.Context, elementType string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM sequence_records`
	var args []any
	if elementType != "" {
		query += ` WHERE element_type = ?`
		args = append(args, elementType)
	}
	query += ` ORDER BY element_type ASC, element_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError("list", err, ErrStoreConflict)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list rows", err, ErrStoreConflict)
	}
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// getSQLiteRecord loads one record. An absent key yields the zero record with
// the key fields filled in and ok=false.
func getSQLiteRecord(ctx context.Context, q sqliteQuerier, key identity.Key) (Record, bool, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM sequence_records
WHERE element_type = ? AND element_id = ?`, key.ElementType, key.ElementID)

	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{ElementType: key.ElementType, ElementID: key.ElementID}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		comment   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&rec.ElementType,
		&rec.ElementID,
		&rec.SequenceNumber,
		&rec.VersionNumber,
		&comment,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Comment = comment.String

	var err error
	if rec.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func requireOneRow(res sql.Result, key identity.Key, expected int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("rows affected", err, ErrStoreConflict)
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s moved past %d", ErrStoreConflict, key, expected)
	}
	return nil
}

// classifySQLiteError maps driver errors onto the store taxonomy: lock
// contention becomes conflict (recoverable), everything else is
// ErrStoreUnavailable. Context errors pass through unchanged.
func classifySQLiteError(op string, err error, conflict error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrBatchConflict) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sequence sqlite store %s: %w", op, err)
	}
	if isSQLiteBusy(err) {
		return fmt.Errorf("sequence sqlite store %s: %w: %w", op, conflict, err)
	}
	return fmt.Errorf("sequence sqlite store %s: %w: %w", op, ErrStoreUnavailable, err)
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableComment(comment string) any {
	if comment == "" {
		return nil
	}
	return comment
}

func nullableData(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSQLiteTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("sequence sqlite store parse time %q: %w", value, err)
	}
	return t, nil
}
