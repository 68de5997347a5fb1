// ABOUTME: Tests for the index lifecycle manager
// ABOUTME: Uses an in-memory fake engine with injectable failures

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/errs"
)

// fakeEngine is a substring-matching in-memory engine for lifecycle tests.
type fakeEngine struct {
	name string

	mu      sync.Mutex
	docs    map[string]string
	failing bool

	rebuildStarted chan struct{}
	rebuildRelease chan struct{}
}

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name, docs: make(map[string]string)}
}

func (f *fakeEngine) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Index(_ context.Context, rec *canonical.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("backend down")
	}
	f.docs[rec.ID] = rec.Content
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("backend down")
	}
	delete(f.docs, recordID)
	return nil
}

func (f *fakeEngine) Query(_ context.Context, text, _ string, topK int) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("backend down")
	}
	var hits []Hit
	for id, content := range f.docs {
		if strings.Contains(strings.ToLower(content), strings.ToLower(text)) {
			hits = append(hits, Hit{RecordID: id, Score: 1})
		}
		if len(hits) == topK {
			break
		}
	}
	return hits, nil
}

func (f *fakeEngine) Rebuild(ctx context.Context, scan ScanFunc) error {
	if f.rebuildStarted != nil {
		close(f.rebuildStarted)
	}
	if f.rebuildRelease != nil {
		<-f.rebuildRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("backend down")
	}
	f.docs = make(map[string]string)
	return scan(ctx, func(rec *canonical.Record) error {
		f.docs[rec.ID] = rec.Content
		return nil
	})
}

func (f *fakeEngine) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs), nil
}

func (f *fakeEngine) Close() error { return nil }

var _ Engine = (*fakeEngine)(nil)

func testRecord(id, content string) *canonical.Record {
	return &canonical.Record{ID: id, UnitID: "notes", Version: 1, Content: content, ContentType: canonical.ContentTypeText}
}

func staticScan(recs ...*canonical.Record) ScanFunc {
	return func(ctx context.Context, fn func(*canonical.Record) error) error {
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestLifecycleWriteThrough(t *testing.T) {
	fake := newFakeEngine("text")
	lc := NewLifecycle(nil, fake)
	ctx := context.Background()

	require.NoError(t, lc.Index(ctx, testRecord("r1", "remember to buy milk")))

	hits, err := lc.Query(ctx, "text", "milk", ModeDefault, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r1", hits[0].RecordID)

	require.NoError(t, lc.Remove(ctx, "r1"))
	hits, err = lc.Query(ctx, "text", "milk", ModeDefault, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLifecycleStaleOnWriteFailure(t *testing.T) {
	fake := newFakeEngine("text")
	lc := NewLifecycle(nil, fake)
	ctx := context.Background()

	assert.Equal(t, StateFresh, lc.States()["text"])

	fake.setFailing(true)
	err := lc.Index(ctx, testRecord("r1", "will not arrive"))
	require.Error(t, err)
	assert.Equal(t, errs.KindEngine, errs.KindOf(err))
	assert.Equal(t, StateStale, lc.States()["text"])

	// A later successful write does not restore freshness.
	fake.setFailing(false)
	require.NoError(t, lc.Index(ctx, testRecord("r2", "arrives fine")))
	assert.Equal(t, StateStale, lc.States()["text"])
}

func TestLifecycleRebuildRestoresFresh(t *testing.T) {
	fake := newFakeEngine("text")
	lc := NewLifecycle(nil, fake)
	ctx := context.Background()

	fake.setFailing(true)
	_ = lc.Index(ctx, testRecord("r1", "lost write"))
	fake.setFailing(false)

	err := lc.Rebuild(ctx, "text", staticScan(
		testRecord("r1", "lost write"),
		testRecord("r2", "second record"),
	))
	require.NoError(t, err)
	assert.Equal(t, StateFresh, lc.States()["text"])

	n, err := lc.Count(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLifecycleRebuildFailureStaysStale(t *testing.T) {
	fake := newFakeEngine("text")
	lc := NewLifecycle(nil, fake)

	fake.setFailing(true)
	err := lc.Rebuild(context.Background(), "text", staticScan())
	require.Error(t, err)
	assert.Equal(t, errs.KindEngine, errs.KindOf(err))
	assert.Equal(t, StateStale, lc.States()["text"])
}

func TestLifecycleQueryDuringRebuildFails(t *testing.T) {
	fake := newFakeEngine("text")
	fake.rebuildStarted = make(chan struct{})
	fake.rebuildRelease = make(chan struct{})
	lc := NewLifecycle(nil, fake)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- lc.Rebuild(ctx, "text", staticScan(testRecord("r1", "content")))
	}()

	select {
	case <-fake.rebuildStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild never started")
	}

	_, err := lc.Query(ctx, "text", "content", ModeDefault, 10)
	require.Error(t, err)
	assert.Equal(t, errs.KindEngine, errs.KindOf(err))

	close(fake.rebuildRelease)
	require.NoError(t, <-done)

	// After the rebuild completes, queries work again.
	hits, err := lc.Query(ctx, "text", "content", ModeDefault, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestLifecycleMultiEngineIsolation(t *testing.T) {
	good := newFakeEngine("text")
	bad := newFakeEngine("markdown")
	lc := NewLifecycle(nil, good, bad)
	ctx := context.Background()

	bad.setFailing(true)
	err := lc.Index(ctx, testRecord("r1", "fan out"))
	require.Error(t, err)

	states := lc.States()
	assert.Equal(t, StateFresh, states["text"])
	assert.Equal(t, StateStale, states["markdown"])

	// The healthy engine still got the write.
	hits, err := lc.Query(ctx, "text", "fan", ModeDefault, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestLifecycleUnknownEngine(t *testing.T) {
	lc := NewLifecycle(nil, newFakeEngine("text"))

	_, err := lc.Query(context.Background(), "nope", "q", ModeDefault, 10)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
