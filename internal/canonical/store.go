// ABOUTME: SQLite implementation of the canonical record store using modernc.org/sqlite
// ABOUTME: Append-oriented ledger with tombstones, version history, and attachments

package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/knowbase/kbm/internal/errs"
)

// HistoryPolicy controls what Edit does with superseded content.
type HistoryPolicy string

const (
	// HistoryFull keeps every version of every record.
	HistoryFull HistoryPolicy = "full"
	// HistoryLatest keeps only the newest version; edits overwrite.
	HistoryLatest HistoryPolicy = "latest"
)

// Store is the durable source of truth for one unit's records.
// All derived indexes must be reconstructible from it alone.
type Store struct {
	db      *sql.DB
	unitID  string
	history HistoryPolicy
	attDir  string
	logger  *slog.Logger
}

// Options configures a Store.
type Options struct {
	UnitID         string
	Path           string // canonical.db path
	AttachmentsDir string
	History        HistoryPolicy
	Logger         *slog.Logger
}

// Open opens (creating if needed) the canonical store at opts.Path.
// The schema is automatically created if it doesn't exist.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "canonical", "unit", opts.UnitID)

	if opts.UnitID == "" {
		return nil, fmt.Errorf("unit id is required")
	}
	if opts.History == "" {
		opts.History = HistoryFull
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers inside the driver; the busy
	// timeout covers the brief moments sqlite still holds the file lock.
	// Without both, concurrent writers surface SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:      db,
		unitID:  opts.UnitID,
		history: opts.History,
		attDir:  opts.AttachmentsDir,
		logger:  logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("canonical store opened", "path", opts.Path, "history", opts.History)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id           TEXT PRIMARY KEY,
			version      INTEGER NOT NULL DEFAULT 1,
			content      TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			source       TEXT,
			tags_json    TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT,
			deleted      INTEGER NOT NULL DEFAULT 0,

			CHECK (content_type IN ('text', 'file_ref'))
		);

		CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
		CREATE INDEX IF NOT EXISTS idx_records_deleted ON records(deleted);

		CREATE TABLE IF NOT EXISTS record_versions (
			record_id  TEXT NOT NULL,
			version    INTEGER NOT NULL,
			content    TEXT NOT NULL,
			written_at TEXT NOT NULL,

			PRIMARY KEY (record_id, version)
		);

		CREATE TABLE IF NOT EXISTS attachments (
			id         TEXT PRIMARY KEY,
			record_id  TEXT NOT NULL,
			file_name  TEXT NOT NULL,
			path       TEXT NOT NULL,
			owned      INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_record ON attachments(record_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Debug("closing canonical store")
	return s.db.Close()
}

// UnitID returns the owning unit's id.
func (s *Store) UnitID() string { return s.unitID }

// Put persists new content atomically and returns the fresh record id.
// The returned id is never reused, even after hard erase.
func (s *Store) Put(ctx context.Context, content string, meta Meta) (string, error) {
	if content == "" {
		return "", errs.Validation("content must not be empty")
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = ContentTypeText
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tagsJSON, err := marshalTags(meta.Tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, version, content, content_type, source, tags_json, created_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)
	`, id, content, contentType, nullString(meta.Source), tagsJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("inserting record: %w", err)
	}

	if s.history == HistoryFull {
		if err := insertVersion(ctx, tx, id, 1, content, now); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing record: %w", err)
	}

	s.logger.Debug("put record", "id", id, "content_type", contentType)
	return id, nil
}

// Get retrieves the latest live version of a record.
// Tombstoned or unknown ids return a not-found error.
func (s *Store) Get(ctx context.Context, recordID string) (*Record, error) {
	rec, err := s.getAny(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, errs.NotFound("record %s", recordID)
	}
	return rec, nil
}

// getAny retrieves a record head regardless of tombstone state.
func (s *Store) getAny(ctx context.Context, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, content, content_type, source, tags_json, created_at, updated_at, deleted
		FROM records
		WHERE id = ?
	`, recordID)

	rec, err := scanRecord(row, s.unitID)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("record %s", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return rec, nil
}

// Edit replaces a record's content, producing a new version of the same id.
// Fails with a not-found error if the id is absent or tombstoned.
func (s *Store) Edit(ctx context.Context, recordID, content string) (int64, error) {
	if content == "" {
		return 0, errs.Validation("content must not be empty")
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT version, deleted FROM records WHERE id = ?`, recordID).
		Scan(&version, &deleted)
	if err == sql.ErrNoRows {
		return 0, errs.NotFound("record %s", recordID)
	}
	if err != nil {
		return 0, fmt.Errorf("querying record version: %w", err)
	}
	if deleted {
		return 0, errs.NotFound("record %s", recordID)
	}

	newVersion := version + 1
	_, err = tx.ExecContext(ctx, `
		UPDATE records SET version = ?, content = ?, updated_at = ?
		WHERE id = ?
	`, newVersion, content, now.Format(time.RFC3339Nano), recordID)
	if err != nil {
		return 0, fmt.Errorf("updating record: %w", err)
	}

	if s.history == HistoryFull {
		if err := insertVersion(ctx, tx, recordID, newVersion, content, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing edit: %w", err)
	}

	s.logger.Debug("edited record", "id", recordID, "version", newVersion)
	return newVersion, nil
}

// Delete tombstones a record. Deleting an already-tombstoned or unknown
// record is not an error; the bool reports whether a live record was found.
func (s *Store) Delete(ctx context.Context, recordID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted = 1, updated_at = ?
		WHERE id = ? AND deleted = 0
	`, time.Now().UTC().Format(time.RFC3339Nano), recordID)
	if err != nil {
		return false, fmt.Errorf("tombstoning record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Debug("tombstoned record", "id", recordID)
	}
	return rows > 0, nil
}

// HardErase physically removes a record, its version history, and its owned
// attachment files. Unlike Delete, it erases history and cannot be undone.
func (s *Store) HardErase(ctx context.Context, recordID string) error {
	atts, err := s.Attachments(ctx, recordID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("erasing record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return errs.NotFound("record %s", recordID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_versions WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("erasing record versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("erasing attachment rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing erase: %w", err)
	}

	// Remove owned attachment bytes after the rows are gone. A crash here
	// leaves orphaned files, never orphaned rows.
	for _, a := range atts {
		if !a.Owned {
			continue
		}
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing attachment file", "path", a.Path, "error", err)
		}
	}

	s.logger.Info("hard-erased record", "id", recordID)
	return nil
}

// List returns records matching the filter. The default order is insertion
// order; the sequence is restartable by calling again with the same filter.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, version, content, content_type, source, tags_json, created_at, updated_at, deleted
		FROM records
	`
	var args []any
	where := ""
	if !filter.IncludeDeleted {
		where = " WHERE deleted = 0"
	}
	if filter.ContentType != "" {
		if where == "" {
			where = " WHERE content_type = ?"
		} else {
			where += " AND content_type = ?"
		}
		args = append(args, filter.ContentType)
	}
	query += where
	if filter.NewestFirst {
		query += " ORDER BY created_at DESC, rowid DESC"
	} else {
		query += " ORDER BY rowid ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, s.unitID)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}

	return records, nil
}

// Count returns the number of live records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE deleted = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// ScanAll streams every live record in insertion order to fn. It is the
// feed for engine rebuilds and exports; restart by calling again.
// fn returning an error stops the scan.
func (s *Store) ScanAll(ctx context.Context, fn func(*Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, content, content_type, source, tags_json, created_at, updated_at, deleted
		FROM records
		WHERE deleted = 0
		ORDER BY rowid ASC
	`)
	if err != nil {
		return fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := scanRecord(rows, s.unitID)
		if err != nil {
			return fmt.Errorf("scanning record row: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Versions returns the retained history of a record, oldest first.
// Under the "latest" policy only the current version is available.
func (s *Store) Versions(ctx context.Context, recordID string) ([]*Version, error) {
	if s.history == HistoryLatest {
		rec, err := s.getAny(ctx, recordID)
		if err != nil {
			return nil, err
		}
		at := rec.CreatedAt
		if !rec.UpdatedAt.IsZero() {
			at = rec.UpdatedAt
		}
		return []*Version{{RecordID: rec.ID, Version: rec.Version, Content: rec.Content, WrittenAt: at}}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, version, content, written_at
		FROM record_versions
		WHERE record_id = ?
		ORDER BY version ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		var writtenAt string
		if err := rows.Scan(&v.RecordID, &v.Version, &v.Content, &writtenAt); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		v.WrittenAt, err = time.Parse(time.RFC3339Nano, writtenAt)
		if err != nil {
			return nil, fmt.Errorf("parsing written_at: %w", err)
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating version rows: %w", err)
	}
	if versions == nil {
		return nil, errs.NotFound("record %s", recordID)
	}
	return versions, nil
}

// insertVersion appends a row to the version history inside tx.
func insertVersion(ctx context.Context, tx *sql.Tx, id string, version int64, content string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO record_versions (record_id, version, content, written_at)
		VALUES (?, ?, ?, ?)
	`, id, version, content, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting version row: %w", err)
	}
	return nil
}

// scanRecord scans a record row from either *sql.Row or *sql.Rows.
func scanRecord(row interface{ Scan(...any) error }, unitID string) (*Record, error) {
	var rec Record
	var source, tagsJSON, updatedAt sql.NullString
	var createdAt string
	var deleted int

	err := row.Scan(&rec.ID, &rec.Version, &rec.Content, &rec.ContentType,
		&source, &tagsJSON, &createdAt, &updatedAt, &deleted)
	if err != nil {
		return nil, err
	}

	rec.UnitID = unitID
	rec.Source = source.String
	rec.Deleted = deleted != 0

	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if updatedAt.Valid {
		rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}

	return &rec, nil
}

// marshalTags encodes tags as JSON, or NULL for none.
func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// nullString returns nil for empty strings, otherwise the string value.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
