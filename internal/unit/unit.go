// ABOUTME: Unit binds a canonical store to its engines under one data root
// ABOUTME: Write-through indexing, per-record write serialization, and unit lifecycle

package unit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/engine/markdown"
	"github.com/knowbase/kbm/internal/engine/textindex"
	"github.com/knowbase/kbm/internal/engine/vecindex"
	"github.com/knowbase/kbm/internal/errs"
)

// Info summarizes a unit for status displays and the info tool.
type Info struct {
	ID       string                  `json:"id"`
	Records  int                     `json:"records"`
	Primary  string                  `json:"primary_engine"`
	Engines  map[string]engine.State `json:"engines"`
	DataRoot string                  `json:"data_root"`
}

// Unit is one independent knowledge store: a canonical SQLite database,
// a primary query engine, and optional secondary engines, all living
// under a single data root that this process owns exclusively.
type Unit struct {
	id        string
	dataRoot  string
	canonical *canonical.Store
	lifecycle *engine.Lifecycle
	primary   string
	logger    *slog.Logger

	// locks serializes writes per record id. Writes to different records
	// proceed concurrently.
	locks sync.Map // record id -> *sync.Mutex
}

// Open opens a unit from its configuration, creating the data root layout
// on first use. The embedder is only consulted when the unit configures a
// semantic engine.
func Open(cfg config.UnitConfig, embedder embedding.Embedder, logger *slog.Logger) (*Unit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "unit", "unit", cfg.ID)

	store, err := canonical.Open(canonical.Options{
		UnitID:         cfg.ID,
		Path:           filepath.Join(cfg.DataRoot, "canonical.db"),
		AttachmentsDir: filepath.Join(cfg.DataRoot, "attachments"),
		History:        canonical.HistoryPolicy(cfg.History),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening canonical store for %s: %w", cfg.ID, err)
	}

	names := append([]string{cfg.Engine}, cfg.SecondaryEngines...)
	engines := make([]engine.Engine, 0, len(names))
	for _, name := range names {
		eng, err := openEngine(name, cfg.DataRoot, embedder, logger)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			store.Close()
			return nil, fmt.Errorf("opening %s engine for %s: %w", name, cfg.ID, err)
		}
		engines = append(engines, eng)
	}

	return &Unit{
		id:        cfg.ID,
		dataRoot:  cfg.DataRoot,
		canonical: store,
		lifecycle: engine.NewLifecycle(logger, engines...),
		primary:   cfg.Engine,
		logger:    logger,
	}, nil
}

// openEngine constructs a backend by name under dataRoot/indexes/<name>.
func openEngine(name, dataRoot string, embedder embedding.Embedder, logger *slog.Logger) (engine.Engine, error) {
	dir := filepath.Join(dataRoot, "indexes", name)
	switch name {
	case textindex.Name:
		return textindex.Open(dir, logger)
	case vecindex.Name:
		return vecindex.Open(dir, embedder, logger)
	case markdown.Name:
		return markdown.Open(dir, logger)
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

// Init creates the data root layout for a new unit without opening it.
func Init(cfg config.UnitConfig) error {
	for _, dir := range []string{
		cfg.DataRoot,
		filepath.Join(cfg.DataRoot, "attachments"),
		filepath.Join(cfg.DataRoot, "indexes"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Destroy removes a unit's data from disk, derived indexes first so an
// interrupted delete leaves canonical data recoverable.
func Destroy(cfg config.UnitConfig) error {
	if err := os.RemoveAll(filepath.Join(cfg.DataRoot, "indexes")); err != nil {
		return fmt.Errorf("removing indexes: %w", err)
	}
	if err := os.RemoveAll(cfg.DataRoot); err != nil {
		return fmt.Errorf("removing data root: %w", err)
	}
	return nil
}

func (u *Unit) ID() string { return u.id }

// lockRecord serializes writes to a single record id.
func (u *Unit) lockRecord(recordID string) func() {
	mu, _ := u.locks.LoadOrStore(recordID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Insert persists new text content and indexes it write-through. The
// canonical write always wins: an index failure marks the engine stale
// and is reported alongside the fresh record id.
func (u *Unit) Insert(ctx context.Context, content string, meta canonical.Meta) (string, error) {
	id, err := u.canonical.Put(ctx, content, meta)
	if err != nil {
		return "", err
	}
	return id, u.indexNew(ctx, id)
}

// InsertFile persists a file-backed record. Base64 content becomes an
// owned attachment; a bare absolute path is referenced in place.
func (u *Unit) InsertFile(ctx context.Context, filePath, contentB64 string) (string, string, error) {
	id, resolved, err := u.canonical.PutFile(ctx, filePath, contentB64)
	if err != nil {
		return "", "", err
	}
	return id, resolved, u.indexNew(ctx, id)
}

func (u *Unit) indexNew(ctx context.Context, id string) error {
	rec, err := u.canonical.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := u.lockRecord(id)
	defer unlock()
	return u.lifecycle.Index(ctx, rec)
}

// Edit replaces a record's content, bumping its version, and re-indexes.
func (u *Unit) Edit(ctx context.Context, recordID, content string) (int64, error) {
	unlock := u.lockRecord(recordID)
	defer unlock()

	version, err := u.canonical.Edit(ctx, recordID, content)
	if err != nil {
		return 0, err
	}
	rec, err := u.canonical.Get(ctx, recordID)
	if err != nil {
		return 0, err
	}
	return version, u.lifecycle.Index(ctx, rec)
}

// Delete tombstones a record and removes it from every index. Idempotent;
// the bool reports whether a live record was found.
func (u *Unit) Delete(ctx context.Context, recordID string) (bool, error) {
	unlock := u.lockRecord(recordID)
	defer unlock()

	found, err := u.canonical.Delete(ctx, recordID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return true, u.lifecycle.Remove(ctx, recordID)
}

// HardErase physically removes a record, its history, its owned
// attachments, and its index entries.
func (u *Unit) HardErase(ctx context.Context, recordID string) error {
	unlock := u.lockRecord(recordID)
	defer unlock()

	if err := u.canonical.HardErase(ctx, recordID); err != nil {
		return err
	}
	return u.lifecycle.Remove(ctx, recordID)
}

// Get returns the latest live version of a record.
func (u *Unit) Get(ctx context.Context, recordID string) (*canonical.Record, error) {
	return u.canonical.Get(ctx, recordID)
}

// Versions returns a record's retained history, oldest first.
func (u *Unit) Versions(ctx context.Context, recordID string) ([]*canonical.Version, error) {
	return u.canonical.Versions(ctx, recordID)
}

// List enumerates records from canonical data, bypassing all engines.
func (u *Unit) List(ctx context.Context, filter canonical.ListFilter) ([]*canonical.Record, error) {
	return u.canonical.List(ctx, filter)
}

// Query runs a search against the primary engine and resolves hits to
// full records. Hits whose record was tombstoned between index and read
// are dropped rather than surfaced as errors.
func (u *Unit) Query(ctx context.Context, text, mode string, topK int) ([]Result, error) {
	hits, err := u.lifecycle.Query(ctx, u.primary, text, mode, topK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		rec, err := u.canonical.Get(ctx, hit.RecordID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				u.logger.Debug("dropping hit for missing record", "record", hit.RecordID)
				continue
			}
			return nil, err
		}
		results = append(results, Result{Record: rec, Score: hit.Score, Snippet: hit.Snippet})
	}
	return results, nil
}

// Result is one unit-scoped query hit resolved to its record.
type Result struct {
	Record  *canonical.Record
	Score   float64
	Snippet string
}

// Rebuild reconstructs one engine (or all, when name is empty) from
// canonical data.
func (u *Unit) Rebuild(ctx context.Context, engineName string) error {
	scan := engine.ScanFunc(u.canonical.ScanAll)
	if engineName == "" {
		return u.lifecycle.RebuildAll(ctx, scan)
	}
	return u.lifecycle.Rebuild(ctx, engineName, scan)
}

// Export writes a portable snapshot of the unit's canonical data.
func (u *Unit) Export(ctx context.Context, destDir string) error {
	return u.canonical.Export(ctx, destDir)
}

// Info reports record count and per-engine freshness.
func (u *Unit) Info(ctx context.Context) (*Info, error) {
	count, err := u.canonical.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:       u.id,
		Records:  count,
		Primary:  u.primary,
		Engines:  u.lifecycle.States(),
		DataRoot: u.dataRoot,
	}, nil
}

// Close closes the engines and then the canonical store.
func (u *Unit) Close() error {
	engErr := u.lifecycle.Close()
	storeErr := u.canonical.Close()
	if engErr != nil {
		return engErr
	}
	return storeErr
}
