// ABOUTME: Tests for the MCP HTTP transport
// ABOUTME: Handshake, sessions, credential resolution, and tool round trips

package mcp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/server"
	"github.com/knowbase/kbm/internal/unit"
)

const (
	fullToken     = "full-access-token"
	readonlyToken = "readonly-token"
)

func setupTestMCP(t *testing.T) *httptest.Server {
	t.Helper()
	base := t.TempDir()

	cfg := &config.Config{
		Server: config.ServerConfig{RequireAuth: true},
		Units: []config.UnitConfig{
			{ID: "notes", DataRoot: filepath.Join(base, "notes"), Engine: config.EngineText, History: config.HistoryFull},
		},
		Views: []config.ViewConfig{
			{Name: "full", Read: []string{"notes"}, Write: []string{"notes"}},
			{Name: "readonly", Read: []string{"notes"}},
		},
		Auth: config.AuthConfig{
			Tokens: []config.TokenConfig{
				{Token: fullToken, View: "full"},
				{Token: readonlyToken, View: "readonly"},
			},
		},
		Federation: config.FederationConfig{
			FanoutLimit: 2,
			UnitTimeout: time.Second,
			Deadline:    5 * time.Second,
		},
	}

	units := make(map[string]*unit.Unit)
	for _, uc := range cfg.Units {
		require.NoError(t, unit.Init(uc))
		u, err := unit.Open(uc, embedding.NewLocal(64), nil)
		require.NoError(t, err)
		t.Cleanup(func() { u.Close() })
		units[uc.ID] = u
	}

	dispatch := server.New(cfg, units, nil)
	mcpServer, err := NewServer(dispatch, cfg, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mcpServer.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func rpcRequest(t *testing.T, ts *httptest.Server, token, sessionID string, body string) (*http.Response, JSONRPCResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out JSONRPCResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func initSession(t *testing.T, ts *httptest.Server, token string) string {
	t.Helper()
	resp, out := rpcRequest(t, ts, token, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error)

	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

func callTool(t *testing.T, ts *httptest.Server, token, sessionID, tool, args string) MCPCallToolResult {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"` + tool + `","arguments":` + args + `}}`
	resp, out := rpcRequest(t, ts, token, sessionID, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error, "unexpected JSON-RPC error: %+v", out.Error)

	raw, err := json.Marshal(out.Result)
	require.NoError(t, err)
	var result MCPCallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func TestInitializeRequiresAuth(t *testing.T) {
	ts := setupTestMCP(t)

	_, out := rpcRequest(t, ts, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, JSONRPCInvalidRequest, out.Error.Code)

	_, out = rpcRequest(t, ts, "never-issued", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.NotNil(t, out.Error)
}

func TestToolsListAfterInitialize(t *testing.T) {
	ts := setupTestMCP(t)
	sessionID := initSession(t, ts, fullToken)

	_, out := rpcRequest(t, ts, fullToken, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, out.Error)

	raw, err := json.Marshal(out.Result)
	require.NoError(t, err)
	var list MCPListToolsResult
	require.NoError(t, json.Unmarshal(raw, &list))

	names := make(map[string]bool)
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	for _, expected := range []string{"insert", "insert_file", "edit", "delete", "get", "list", "query", "info"} {
		assert.True(t, names[expected], "missing tool %s", expected)
	}
}

func TestRequestWithoutSessionRejected(t *testing.T) {
	ts := setupTestMCP(t)

	resp, _ := rpcRequest(t, ts, fullToken, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = rpcRequest(t, ts, fullToken, "stale-session", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInsertQueryRoundTrip(t *testing.T) {
	ts := setupTestMCP(t)
	sessionID := initSession(t, ts, fullToken)

	result := callTool(t, ts, fullToken, sessionID, "insert",
		`{"unit":"notes","content":"remember to buy milk"}`)
	require.False(t, result.IsError)

	var ins struct {
		RecordID string `json:"record_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &ins))
	require.NotEmpty(t, ins.RecordID)

	result = callTool(t, ts, fullToken, sessionID, "query",
		`{"unit":"notes","query":"buy milk"}`)
	require.False(t, result.IsError)

	var q struct {
		Hits []struct {
			RecordID string `json:"record_id"`
			Ref      string `json:"ref"`
		} `json:"hits"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &q))
	require.Len(t, q.Hits, 1)
	assert.Equal(t, ins.RecordID, q.Hits[0].RecordID)
	assert.Equal(t, "notes:"+ins.RecordID, q.Hits[0].Ref)
}

func TestReadonlySessionDeniedWrites(t *testing.T) {
	ts := setupTestMCP(t)
	sessionID := initSession(t, ts, readonlyToken)

	result := callTool(t, ts, readonlyToken, sessionID, "insert",
		`{"unit":"notes","content":"denied"}`)
	require.True(t, result.IsError)

	var errBody struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &errBody))
	assert.Equal(t, "permission_error", errBody.Error)

	// Reads still work on the same session.
	result = callTool(t, ts, readonlyToken, sessionID, "list", `{"unit":"notes"}`)
	assert.False(t, result.IsError)
}

func TestExpectedErrorsAreToolErrors(t *testing.T) {
	ts := setupTestMCP(t)
	sessionID := initSession(t, ts, fullToken)

	cases := []struct {
		tool string
		args string
		code string
	}{
		{"get", `{"unit":"notes","record_id":"no-such-record"}`, "not_found"},
		{"insert", `{"unit":"notes","content":""}`, "validation_error"},
		{"insert", `{"unit":"elsewhere","content":"x"}`, "permission_error"},
	}
	for _, tc := range cases {
		result := callTool(t, ts, fullToken, sessionID, tc.tool, tc.args)
		require.True(t, result.IsError, "expected tool error for %s %s", tc.tool, tc.args)

		var errBody struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &errBody))
		assert.Equal(t, tc.code, errBody.Error)
	}
}

func TestTokenInPath(t *testing.T) {
	ts := setupTestMCP(t)

	resp, err := http.Post(ts.URL+"/mcp/"+fullToken, "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))
}

func TestSessionDelete(t *testing.T) {
	ts := setupTestMCP(t)
	sessionID := initSession(t, ts, fullToken)

	// Wrong credential cannot terminate the session.
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Authorization", "Bearer "+readonlyToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner can.
	req.Header.Set("Authorization", "Bearer "+fullToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone.
	httpResp, _ := rpcRequest(t, ts, fullToken, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, httpResp.StatusCode)
}

func TestNotificationAccepted(t *testing.T) {
	ts := setupTestMCP(t)
	sessionID := initSession(t, ts, fullToken)

	resp, _ := rpcRequest(t, ts, fullToken, sessionID,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMalformedRequests(t *testing.T) {
	ts := setupTestMCP(t)

	_, out := rpcRequest(t, ts, fullToken, "", `{not json`)
	require.NotNil(t, out.Error)
	assert.Equal(t, JSONRPCParseError, out.Error.Code)

	_, out = rpcRequest(t, ts, fullToken, "", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, JSONRPCInvalidRequest, out.Error.Code)
}
