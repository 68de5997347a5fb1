//go:build sqlite_vec && cgo

// ABOUTME: SQL-side KNN via the sqlite-vec extension on the mattn driver
// ABOUTME: Active when built with -tags sqlite_vec and cgo enabled

package vecindex

import (
	"context"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/knowbase/kbm/internal/engine"
)

const driverName = "sqlite3"

func init() {
	// Registers sqlite-vec as an auto-loaded extension on every new
	// mattn/go-sqlite3 connection.
	vec.Auto()
}

// search ranks stored vectors by cosine distance computed inside SQLite.
func (e *Engine) search(ctx context.Context, qvec []float32, topK int) ([]engine.Hit, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT record_id, content, vec_distance_cosine(embedding, ?) AS distance
		FROM vectors
		ORDER BY distance ASC
		LIMIT ?
	`, encodeVector(qvec), topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var hits []engine.Hit
	for rows.Next() {
		var h engine.Hit
		var content string
		var distance float64
		if err := rows.Scan(&h.RecordID, &content, &distance); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		h.Score = 1 - distance
		h.Snippet = snippet(content)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
