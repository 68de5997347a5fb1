// ABOUTME: Tests for credential resolution and view permissions
// ABOUTME: Static tokens, bcrypt hashes, JWT subjects, and denial paths

package view

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/errs"
)

const testSecret = "test-jwt-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-token-value"), bcrypt.MinCost)
	require.NoError(t, err)

	return &config.Config{
		Units: []config.UnitConfig{
			{ID: "notes"}, {ID: "journal"},
		},
		Views: []config.ViewConfig{
			{Name: "full", Read: []string{"notes", "journal"}, Write: []string{"notes", "journal"}},
			{Name: "readonly", Read: []string{"notes"}},
			{Name: "writer", Write: []string{"journal"}},
		},
		Auth: config.AuthConfig{
			JWTSecret: testSecret,
			Tokens: []config.TokenConfig{
				{Token: "plain-token", View: "full"},
				{Token: "writer-token", View: "writer"},
				{TokenHash: string(hash), View: "readonly"},
				{Subject: "alice", View: "full"},
			},
			DefaultView: "readonly",
		},
	}
}

func signJWT(t *testing.T, subject, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestResolvePlainToken(t *testing.T) {
	cfg := testConfig(t)

	v, err := Resolve("plain-token", cfg)
	require.NoError(t, err)
	assert.Equal(t, "full", v.Name)
	assert.True(t, v.CanRead("journal"))
	assert.True(t, v.CanWrite("notes"))
}

func TestResolveHashedToken(t *testing.T) {
	cfg := testConfig(t)

	v, err := Resolve("hashed-token-value", cfg)
	require.NoError(t, err)
	assert.Equal(t, "readonly", v.Name)
	assert.True(t, v.CanRead("notes"))
	assert.False(t, v.CanWrite("notes"))
	assert.False(t, v.CanRead("journal"))
}

func TestResolveJWTSubject(t *testing.T) {
	cfg := testConfig(t)

	v, err := Resolve(signJWT(t, "alice", testSecret), cfg)
	require.NoError(t, err)
	assert.Equal(t, "full", v.Name)
}

func TestResolveRejections(t *testing.T) {
	cfg := testConfig(t)

	cases := map[string]string{
		"empty":           "",
		"unknown token":   "never-issued",
		"wrong secret":    signJWT(t, "alice", "other-secret"),
		"unknown subject": signJWT(t, "mallory", testSecret),
	}
	for name, cred := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(cred, cfg)
			require.Error(t, err)
			assert.Equal(t, errs.KindPermission, errs.KindOf(err))
		})
	}
}

func TestWriteImpliesRead(t *testing.T) {
	cfg := testConfig(t)

	v, err := Resolve("writer-token", cfg)
	require.NoError(t, err)

	assert.True(t, v.CanWrite("journal"))
	assert.True(t, v.CanRead("journal"))
	// The read set itself carries the writable unit, for consumers that
	// iterate Read rather than calling CanRead.
	assert.Contains(t, v.Read, "journal")
	assert.False(t, v.CanRead("notes"))
	assert.False(t, v.CanWrite("notes"))
}

func TestResolveDeterministic(t *testing.T) {
	cfg := testConfig(t)

	a, err := Resolve("plain-token", cfg)
	require.NoError(t, err)
	b, err := Resolve("plain-token", cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDefaultView(t *testing.T) {
	cfg := testConfig(t)

	v, err := Default(cfg)
	require.NoError(t, err)
	assert.Equal(t, "readonly", v.Name)

	cfg.Auth.DefaultView = ""
	_, err = Default(cfg)
	require.Error(t, err)
	assert.Equal(t, errs.KindPermission, errs.KindOf(err))
}
