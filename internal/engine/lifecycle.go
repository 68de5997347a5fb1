// ABOUTME: Index lifecycle manager tracking freshness of derived indexes
// ABOUTME: Write-through indexing, stale marking on failure, and serialized rebuilds

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/errs"
)

// State is the freshness of one derived index relative to canonical data.
type State string

const (
	// StateFresh means the index reflects all canonical writes.
	StateFresh State = "fresh"
	// StateStale means at least one write failed to reach the index.
	// Only a successful rebuild restores freshness.
	StateStale State = "stale"
	// StateRebuilding means a rebuild is in flight; queries are refused.
	StateRebuilding State = "rebuilding"
)

// managed pairs an engine with its freshness state and rebuild lock.
type managed struct {
	eng Engine

	// mu serializes writes and rebuilds; queries take the read side.
	mu sync.RWMutex

	stateMu sync.Mutex
	state   State
}

func (m *managed) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *managed) currentState() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Lifecycle owns a unit's engines and tracks each one's freshness.
// A fresh index serves queries; a failed write marks it stale until a
// rebuild completes. Rebuilds hold the engine's write lock, so writes
// queue behind them and queries fail fast instead of blocking.
type Lifecycle struct {
	names   []string
	engines map[string]*managed
	logger  *slog.Logger
}

// NewLifecycle wraps engines in lifecycle tracking. New indexes start fresh;
// an empty index trivially reflects an unindexed store, and Open callers
// rebuild when they know writes were missed.
func NewLifecycle(logger *slog.Logger, engines ...Engine) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	lc := &Lifecycle{
		engines: make(map[string]*managed, len(engines)),
		logger:  logger.With("component", "lifecycle"),
	}
	for _, eng := range engines {
		lc.names = append(lc.names, eng.Name())
		lc.engines[eng.Name()] = &managed{eng: eng, state: StateFresh}
	}
	return lc
}

// Names returns engine names in registration order (primary first).
func (lc *Lifecycle) Names() []string {
	out := make([]string, len(lc.names))
	copy(out, lc.names)
	return out
}

// States reports the freshness of every engine.
func (lc *Lifecycle) States() map[string]State {
	out := make(map[string]State, len(lc.engines))
	for name, m := range lc.engines {
		out[name] = m.currentState()
	}
	return out
}

// Index writes a record through to every engine. A failing engine is
// marked stale and the failure is reported, but the remaining engines
// are still written; the canonical write has already happened and the
// caller decides whether a stale index is fatal.
func (lc *Lifecycle) Index(ctx context.Context, rec *canonical.Record) error {
	var failures []error
	for _, name := range lc.names {
		m := lc.engines[name]
		if err := lc.write(ctx, m, func() error { return m.eng.Index(ctx, rec) }); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(failures...)
}

// Remove drops a record from every engine, with the same stale-on-failure
// behavior as Index.
func (lc *Lifecycle) Remove(ctx context.Context, recordID string) error {
	var failures []error
	for _, name := range lc.names {
		m := lc.engines[name]
		if err := lc.write(ctx, m, func() error { return m.eng.Remove(ctx, recordID) }); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(failures...)
}

// write runs op under the engine's write lock and marks the engine stale
// on failure. No retry: staleness is the recovery signal, rebuild the cure.
func (lc *Lifecycle) write(ctx context.Context, m *managed, op func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := op(); err != nil {
		m.setState(StateStale)
		lc.logger.Warn("index write failed, marking stale",
			"engine", m.eng.Name(), "error", err)
		return errs.Engine(err, "writing to %s index", m.eng.Name())
	}
	return nil
}

// Query runs a read against the named engine. Queries against a rebuilding
// engine fail immediately; the reference backends keep no usable snapshot
// mid-rebuild.
func (lc *Lifecycle) Query(ctx context.Context, engineName, text, mode string, topK int) ([]Hit, error) {
	m, ok := lc.engines[engineName]
	if !ok {
		return nil, errs.Validation("unknown engine %q", engineName)
	}

	if m.currentState() == StateRebuilding {
		return nil, errs.Engine(nil, "%s index is rebuilding", engineName)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits, err := m.eng.Query(ctx, text, mode, topK)
	if err != nil {
		if errs.KindOf(err) == errs.KindValidation {
			return nil, err
		}
		return nil, errs.Engine(err, "querying %s index", engineName)
	}
	return hits, nil
}

// Rebuild reconstructs the named engine from the canonical scan feed.
// The engine is rebuilding for the duration; on success it is fresh,
// on failure stale. Rebuilds are not cancelable once the engine starts
// consuming the feed.
func (lc *Lifecycle) Rebuild(ctx context.Context, engineName string, scan ScanFunc) error {
	m, ok := lc.engines[engineName]
	if !ok {
		return errs.Validation("unknown engine %q", engineName)
	}

	// The state flips only once the lock is held: while the rebuild waits
	// behind in-flight writes the index is still fresh and queries keep
	// being served.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(StateRebuilding)

	lc.logger.Info("rebuilding index", "engine", engineName)
	if err := m.eng.Rebuild(ctx, scan); err != nil {
		m.setState(StateStale)
		lc.logger.Error("rebuild failed", "engine", engineName, "error", err)
		return errs.Engine(err, "rebuilding %s index", engineName)
	}

	m.setState(StateFresh)
	lc.logger.Info("rebuild complete", "engine", engineName)
	return nil
}

// RebuildAll rebuilds every engine in order, stopping at the first failure.
func (lc *Lifecycle) RebuildAll(ctx context.Context, scan ScanFunc) error {
	for _, name := range lc.names {
		if err := lc.Rebuild(ctx, name, scan); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the indexed record count of the named engine.
func (lc *Lifecycle) Count(ctx context.Context, engineName string) (int, error) {
	m, ok := lc.engines[engineName]
	if !ok {
		return 0, errs.Validation("unknown engine %q", engineName)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.eng.Count(ctx)
	if err != nil {
		return 0, errs.Engine(err, "counting %s index", engineName)
	}
	return n, nil
}

// Close closes all engines, returning the first error encountered.
func (lc *Lifecycle) Close() error {
	var failures []error
	for _, name := range lc.names {
		if err := lc.engines[name].eng.Close(); err != nil {
			failures = append(failures, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(failures...)
}
