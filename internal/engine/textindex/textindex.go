// ABOUTME: Full-text reference engine backed by an FTS5 table in SQLite
// ABOUTME: Derived index only; rebuildable from canonical data at any time

package textindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/errs"
)

// Name is the engine identifier used in unit configuration.
const Name = "text"

// Engine is a bm25-ranked full-text index. Everything it holds is derived;
// losing the index database only costs a rebuild.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// Open opens (creating if needed) the text index at dir/index.db.
func Open(dir string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "textindex")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	// Single connection plus busy timeout keeps concurrent writers from
	// surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS docs USING fts5(
			record_id UNINDEXED,
			content,
			tokenize = 'porter unicode61'
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating fts table: %w", err)
	}

	return &Engine{db: db, logger: logger}, nil
}

func (e *Engine) Name() string { return Name }

// Index makes a record findable, replacing any previous entry for its id.
func (e *Engine) Index(ctx context.Context, rec *canonical.Record) error {
	text := engine.IndexableText(rec)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("replacing document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO docs (record_id, content) VALUES (?, ?)`, rec.ID, text); err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return tx.Commit()
}

// Remove drops a record from the index. Unknown ids are a no-op.
func (e *Engine) Remove(ctx context.Context, recordID string) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM docs WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("removing document: %w", err)
	}
	return nil
}

// Query ranks matching documents by bm25 and returns the best topK.
func (e *Engine) Query(ctx context.Context, text, mode string, topK int) ([]engine.Hit, error) {
	if mode != engine.ModeDefault {
		return nil, errs.Validation("text engine does not support mode %q", mode)
	}
	match := buildMatch(text)
	if match == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT record_id, bm25(docs), snippet(docs, 1, '', '', '...', 12)
		FROM docs
		WHERE docs MATCH ?
		ORDER BY bm25(docs)
		LIMIT ?
	`, match, topK)
	if err != nil {
		return nil, fmt.Errorf("querying fts index: %w", err)
	}
	defer rows.Close()

	var hits []engine.Hit
	for rows.Next() {
		var h engine.Hit
		var rank float64
		if err := rows.Scan(&h.RecordID, &rank, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		// bm25 reports lower-is-better; flip so higher means more relevant.
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hits: %w", err)
	}
	return hits, nil
}

// Rebuild drops every document and reloads the index from the scan feed.
func (e *Engine) Rebuild(ctx context.Context, scan engine.ScanFunc) error {
	if _, err := e.db.ExecContext(ctx, `DELETE FROM docs`); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}

	n := 0
	err := scan(ctx, func(rec *canonical.Record) error {
		_, err := e.db.ExecContext(ctx, `INSERT INTO docs (record_id, content) VALUES (?, ?)`,
			rec.ID, engine.IndexableText(rec))
		if err != nil {
			return fmt.Errorf("indexing record %s: %w", rec.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("text index rebuilt", "records", n)
	return nil
}

// Count returns the number of indexed documents.
func (e *Engine) Count(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM docs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// buildMatch turns free text into an FTS5 match expression. Each token is
// quoted so user input can't inject match syntax; tokens are ANDed.
func buildMatch(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
