// ABOUTME: Semantic reference engine storing embeddings in SQLite
// ABOUTME: KNN via the sqlite-vec extension when compiled in, brute-force cosine otherwise

package vecindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/errs"
)

// Name is the engine identifier used in unit configuration.
const Name = "semantic"

// Engine embeds record text and answers nearest-neighbor queries.
// Vectors are derived data; a rebuild re-embeds everything from canonical.
type Engine struct {
	db       *sql.DB
	embedder embedding.Embedder
	logger   *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// Open opens (creating if needed) the semantic index at dir/index.db.
// The index is bound to the given embedder; changing embedders requires
// a rebuild.
func Open(dir string, embedder embedding.Embedder, logger *slog.Logger) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vecindex")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open(driverName, filepath.Join(dir, "index.db"))
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
		CREATE TABLE IF NOT EXISTS vectors (
			record_id TEXT PRIMARY KEY,
			content   TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dims      INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vectors table: %w", err)
	}

	return &Engine{db: db, embedder: embedder, logger: logger}, nil
}

func (e *Engine) Name() string { return Name }

// Index embeds a record's text and stores the vector, replacing any
// previous entry for its id.
func (e *Engine) Index(ctx context.Context, rec *canonical.Record) error {
	text := engine.IndexableText(rec)

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO vectors (record_id, content, embedding, dims)
		VALUES (?, ?, ?, ?)
	`, rec.ID, text, encodeVector(vec), len(vec))
	if err != nil {
		return fmt.Errorf("storing vector: %w", err)
	}
	return nil
}

// Remove drops a record's vector. Unknown ids are a no-op.
func (e *Engine) Remove(ctx context.Context, recordID string) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM vectors WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("removing vector: %w", err)
	}
	return nil
}

// Query runs nearest-neighbor search in the default and semantic modes.
// The naive mode is a plain substring scan, no embeddings involved.
func (e *Engine) Query(ctx context.Context, text, mode string, topK int) ([]engine.Hit, error) {
	if topK <= 0 {
		topK = 10
	}

	switch mode {
	case engine.ModeDefault, engine.ModeSemantic:
		qvec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return e.search(ctx, qvec, topK)
	case engine.ModeNaive:
		return e.substringScan(ctx, text, topK)
	default:
		return nil, errs.Validation("semantic engine does not support mode %q", mode)
	}
}

// substringScan is the naive mode: case-insensitive containment on the
// indexed text.
func (e *Engine) substringScan(ctx context.Context, text string, topK int) ([]engine.Hit, error) {
	needle := strings.TrimSpace(text)
	if needle == "" {
		return nil, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT record_id, content FROM vectors
		WHERE content LIKE ? ESCAPE '\'
		LIMIT ?
	`, "%"+escapeLike(needle)+"%", topK)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	var hits []engine.Hit
	for rows.Next() {
		var h engine.Hit
		var content string
		if err := rows.Scan(&h.RecordID, &content); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		h.Score = 1
		h.Snippet = snippet(content)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Rebuild re-embeds every canonical record from the scan feed. Texts are
// batched so providers with batch endpoints get fewer round trips.
func (e *Engine) Rebuild(ctx context.Context, scan engine.ScanFunc) error {
	if _, err := e.db.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
		return fmt.Errorf("clearing vectors: %w", err)
	}

	const batchSize = 64
	var ids, texts []string

	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		vecs, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		for i, id := range ids {
			_, err := e.db.ExecContext(ctx, `
				INSERT OR REPLACE INTO vectors (record_id, content, embedding, dims)
				VALUES (?, ?, ?, ?)
			`, id, texts[i], encodeVector(vecs[i]), len(vecs[i]))
			if err != nil {
				return fmt.Errorf("storing vector for %s: %w", id, err)
			}
		}
		ids, texts = ids[:0], texts[:0]
		return nil
	}

	n := 0
	err := scan(ctx, func(rec *canonical.Record) error {
		ids = append(ids, rec.ID)
		texts = append(texts, engine.IndexableText(rec))
		n++
		if len(ids) == batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	e.logger.Info("semantic index rebuilt", "records", n, "embedder", e.embedder.Name())
	return nil
}

// Count returns the number of stored vectors.
func (e *Engine) Count(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return n, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// encodeVector packs float32s little-endian, the layout sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func snippet(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}
