// ABOUTME: Tests for the FTS5 text engine
// ABOUTME: Covers indexing, ranking, replacement, removal, and rebuild

package textindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/errs"
)

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func record(id, content string) *canonical.Record {
	return &canonical.Record{ID: id, UnitID: "notes", Version: 1, Content: content, ContentType: canonical.ContentTypeText}
}

func TestQueryFindsRelevantRecord(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, record("r1", "remember to buy milk on the way home")))
	require.NoError(t, e.Index(ctx, record("r2", "quarterly report draft for engineering")))
	require.NoError(t, e.Index(ctx, record("r3", "milk chocolate recipe with almonds")))

	hits, err := e.Query(ctx, "buy milk", engine.ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r1", hits[0].RecordID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.NotEmpty(t, hits[0].Snippet)
}

func TestQueryRanking(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, record("mentions", "milk appears once here among many other unrelated words in this text")))
	require.NoError(t, e.Index(ctx, record("focused", "milk milk milk")))

	hits, err := e.Query(ctx, "milk", engine.ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "focused", hits[0].RecordID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestIndexReplacesPreviousEntry(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, record("r1", "original wording")))
	require.NoError(t, e.Index(ctx, record("r1", "rewritten wording")))

	hits, err := e.Query(ctx, "original", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = e.Query(ctx, "rewritten", engine.ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemove(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, record("r1", "ephemeral note")))
	require.NoError(t, e.Remove(ctx, "r1"))

	hits, err := e.Query(ctx, "ephemeral", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Removing an unknown id is fine.
	require.NoError(t, e.Remove(ctx, "never-indexed"))
}

func TestQueryRejectsUnknownMode(t *testing.T) {
	e := setupTestEngine(t)

	_, err := e.Query(context.Background(), "milk", engine.ModeSemantic, 10)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestQuerySyntaxInjection(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, record("r1", "plain content")))

	// Match operators in user input are treated as literal tokens.
	hits, err := e.Query(ctx, `content" OR "plain`, engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = e.Query(ctx, "   ", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRebuildFromScan(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, record("gone", "should vanish after rebuild")))

	scan := func(ctx context.Context, fn func(*canonical.Record) error) error {
		for _, rec := range []*canonical.Record{
			record("a", "first canonical record"),
			record("b", "second canonical record"),
		} {
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	}
	require.NoError(t, e.Rebuild(ctx, scan))

	hits, err := e.Query(ctx, "vanish", engine.ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIndexFileBackedRecord(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Groceries\n\nbuy *oat* milk\n"), 0o644))

	rec := record("f1", path)
	rec.ContentType = canonical.ContentTypeFile
	require.NoError(t, e.Index(ctx, rec))

	hits, err := e.Query(ctx, "oat milk", engine.ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].RecordID)
}
