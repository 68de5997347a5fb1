// ABOUTME: Engine protocol shared by all swappable index backends
// ABOUTME: Defines the Engine interface, query hits, and indexable text extraction

package engine

import (
	"context"

	"github.com/knowbase/kbm/internal/canonical"
)

// Query modes understood by backends. An empty mode means the backend's
// default. Backends reject modes they don't support with a validation error.
const (
	ModeDefault  = ""
	ModeSemantic = "semantic"
	ModeNaive    = "naive"
)

// Hit is one query result from an engine. Scores are comparable only
// within a single engine; higher means more relevant.
type Hit struct {
	RecordID string
	Score    float64
	Snippet  string
}

// ScanFunc feeds canonical records to a rebuild, one at a time.
type ScanFunc func(ctx context.Context, fn func(*canonical.Record) error) error

// Engine is a derived index over canonical records. Engines are disposable:
// everything they hold must be reconstructible via Rebuild from canonical
// data alone. Query never mutates engine state.
type Engine interface {
	// Name identifies the backend ("text", "semantic", "markdown").
	Name() string

	// Index makes a record findable. Indexing the same record id again
	// replaces the previous entry.
	Index(ctx context.Context, rec *canonical.Record) error

	// Remove drops a record from the index. Removing an unknown id is a no-op.
	Remove(ctx context.Context, recordID string) error

	// Query returns up to topK hits for the query text.
	Query(ctx context.Context, text, mode string, topK int) ([]Hit, error)

	// Rebuild discards the index and reconstructs it from the scan feed.
	Rebuild(ctx context.Context, scan ScanFunc) error

	// Count returns the number of indexed records.
	Count(ctx context.Context) (int, error)

	Close() error
}
