// ABOUTME: Unit tests for the error taxonomy: kinds, wrapping, and classification
// ABOUTME: Covers sentinel matching and KindOf mapping for wrapped chains

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("empty content")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("record %s", "r1")))
	assert.Equal(t, KindPermission, KindOf(Permission("unit %s not writable", "u1")))
	assert.Equal(t, KindEngine, KindOf(Engine(errors.New("disk full"), "indexing r1")))
	assert.Equal(t, KindConsistency, KindOf(Consistency("index behind canonical")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestSentinelMatching(t *testing.T) {
	err := NotFound("record r1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPermission)

	// Matching survives wrapping.
	wrapped := fmt.Errorf("handling request: %w", err)
	assert.ErrorIs(t, wrapped, ErrNotFound)
}

func TestEnginePreservesCause(t *testing.T) {
	cause := errors.New("fts5 write failed")
	err := Engine(cause, "indexing %s", "r9")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "indexing r9")
	assert.Contains(t, err.Error(), "fts5 write failed")
}
