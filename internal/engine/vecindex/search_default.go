//go:build !(sqlite_vec && cgo)

// ABOUTME: Brute-force cosine search, the portable default
// ABOUTME: Scans every stored vector in Go; fine for reference-scale units

package vecindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/engine"
)

const driverName = "sqlite"

// search ranks all stored vectors by cosine similarity to qvec.
func (e *Engine) search(ctx context.Context, qvec []float32, topK int) ([]engine.Hit, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT record_id, content, embedding FROM vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var hits []engine.Hit
	for rows.Next() {
		var id, content string
		var blob []byte
		if err := rows.Scan(&id, &content, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		sim, err := embedding.Cosine(qvec, decodeVector(blob))
		if err != nil {
			return nil, fmt.Errorf("comparing vector for %s: %w", id, err)
		}
		hits = append(hits, engine.Hit{RecordID: id, Score: sim, Snippet: snippet(content)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
