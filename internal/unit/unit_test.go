// ABOUTME: Tests for the unit layer binding canonical data to engines
// ABOUTME: Write-through indexing, queries, per-record serialization, rebuild

package unit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/errs"
)

func setupTestUnit(t *testing.T, secondaries ...string) *Unit {
	t.Helper()
	cfg := config.UnitConfig{
		ID:               "notes",
		DataRoot:         filepath.Join(t.TempDir(), "notes"),
		Engine:           config.EngineText,
		SecondaryEngines: secondaries,
		History:          config.HistoryFull,
	}
	require.NoError(t, Init(cfg))

	u, err := Open(cfg, embedding.NewLocal(64), nil)
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	return u
}

func TestInsertThenQuery(t *testing.T) {
	u := setupTestUnit(t)
	ctx := context.Background()

	id, err := u.Insert(ctx, "remember to buy milk", canonical.Meta{Source: "chat"})
	require.NoError(t, err)
	_, err = u.Insert(ctx, "quarterly report draft", canonical.Meta{})
	require.NoError(t, err)

	results, err := u.Query(ctx, "buy milk", engine.ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Record.ID)
	assert.Equal(t, "remember to buy milk", results[0].Record.Content)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestEditReindexes(t *testing.T) {
	u := setupTestUnit(t)
	ctx := context.Background()

	id, err := u.Insert(ctx, "original topic", canonical.Meta{})
	require.NoError(t, err)

	version, err := u.Edit(ctx, id, "replacement topic")
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)

	results, err := u.Query(ctx, "original", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = u.Query(ctx, "replacement", engine.ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.EqualValues(t, 2, results[0].Record.Version)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	u := setupTestUnit(t)
	ctx := context.Background()

	id, err := u.Insert(ctx, "short lived note", canonical.Meta{})
	require.NoError(t, err)

	found, err := u.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)

	results, err := u.Query(ctx, "short lived", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Idempotent.
	found, err = u.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = u.Get(ctx, id)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestSecondaryEngineGetsWrites(t *testing.T) {
	u := setupTestUnit(t, config.EngineMarkdown)
	ctx := context.Background()

	_, err := u.Insert(ctx, "mirrored note", canonical.Meta{})
	require.NoError(t, err)

	info, err := u.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Records)
	assert.Equal(t, config.EngineText, info.Primary)
	assert.Equal(t, engine.StateFresh, info.Engines[config.EngineText])
	assert.Equal(t, engine.StateFresh, info.Engines[config.EngineMarkdown])
}

func TestRebuildRepairsIndex(t *testing.T) {
	u := setupTestUnit(t)
	ctx := context.Background()

	_, err := u.Insert(ctx, "buy milk", canonical.Meta{})
	require.NoError(t, err)
	_, err = u.Insert(ctx, "walk the dog", canonical.Meta{})
	require.NoError(t, err)

	require.NoError(t, u.Rebuild(ctx, ""))

	results, err := u.Query(ctx, "milk", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	info, err := u.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.StateFresh, info.Engines[config.EngineText])

	err = u.Rebuild(ctx, "imaginary")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestConcurrentInsertsDistinctIDs(t *testing.T) {
	u := setupTestUnit(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	errc := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errc[i] = u.Insert(ctx, "concurrent insert", canonical.Meta{})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errc[i])
		assert.False(t, seen[ids[i]], "duplicate id %s", ids[i])
		seen[ids[i]] = true
	}

	recs, err := u.List(ctx, canonical.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, n)
}

func TestListBypassesEngines(t *testing.T) {
	u := setupTestUnit(t)
	ctx := context.Background()

	id1, err := u.Insert(ctx, "first", canonical.Meta{})
	require.NoError(t, err)
	id2, err := u.Insert(ctx, "second", canonical.Meta{})
	require.NoError(t, err)

	recs, err := u.List(ctx, canonical.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, id1, recs[0].ID)
	assert.Equal(t, id2, recs[1].ID)
}

func TestDestroyRemovesDataRoot(t *testing.T) {
	cfg := config.UnitConfig{
		ID:       "doomed",
		DataRoot: filepath.Join(t.TempDir(), "doomed"),
		Engine:   config.EngineText,
		History:  config.HistoryFull,
	}
	require.NoError(t, Init(cfg))

	u, err := Open(cfg, embedding.NewLocal(64), nil)
	require.NoError(t, err)
	_, err = u.Insert(context.Background(), "goodbye", canonical.Meta{})
	require.NoError(t, err)
	require.NoError(t, u.Close())

	require.NoError(t, Destroy(cfg))
	assert.NoDirExists(t, cfg.DataRoot)
}
