// ABOUTME: Stdio transport for local MCP clients
// ABOUTME: Newline-delimited JSON-RPC 2.0 on stdin/stdout, no sessions

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/server"
	"github.com/knowbase/kbm/internal/view"
)

// maxStdioLine bounds a single JSON-RPC line on stdio.
const maxStdioLine = MaxRequestBodySize

// Stdio serves MCP over stdin/stdout for local clients. A local caller
// already owns the process, so the connection runs under the configured
// default view; there is no per-request credential.
type Stdio struct {
	dispatch *server.Server
	view     *view.View
	logger   *slog.Logger
}

// NewStdio creates a stdio transport bound to the default view.
func NewStdio(dispatch *server.Server, cfg *config.Config, logger *slog.Logger) (*Stdio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := view.Default(cfg)
	if err != nil {
		return nil, fmt.Errorf("stdio transport needs a default view: %w", err)
	}
	return &Stdio{
		dispatch: dispatch,
		view:     v,
		logger:   logger.With("component", "mcp-stdio"),
	}, nil
}

// Run reads newline-delimited JSON-RPC requests from r and writes one
// response line per request to w, until EOF or context cancellation.
func (s *Stdio) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLine)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp, respond := s.handleLine(ctx, []byte(line))
		if !respond {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	return scanner.Err()
}

// handleLine processes one request line. Notifications produce no response.
func (s *Stdio) handleLine(ctx context.Context, line []byte) (*JSONRPCResponse, bool) {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(nil, JSONRPCParseError, "invalid JSON"), true
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version"), true
	}

	if len(req.ID) == 0 || string(req.ID) == "null" {
		return nil, false
	}

	switch req.Method {
	case "initialize":
		s.logger.Info("stdio session initialized", "view", s.view.Name)
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": latestProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "kbm", "version": "1.0.0"},
		}), true
	case "tools/list":
		return resultResponse(req.ID, MCPListToolsResult{Tools: toolCatalog()}), true
	case "tools/call":
		var params MCPCallToolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return errorResponse(req.ID, JSONRPCInvalidParams, "invalid params"), true
			}
		}
		if params.Name == "" {
			return errorResponse(req.ID, JSONRPCInvalidParams, "tool name is required"), true
		}
		args := params.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}

		result, rpcErr := s.callToolStdio(ctx, params.Name, args)
		if rpcErr != nil {
			resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
			return resp, true
		}
		return resultResponse(req.ID, result), true
	default:
		return errorResponse(req.ID, JSONRPCMethodNotFound, "method not found"), true
	}
}

func (s *Stdio) callToolStdio(ctx context.Context, name string, args json.RawMessage) (*MCPCallToolResult, *JSONRPCError) {
	// Reuse the HTTP server's dispatch and error mapping.
	srv := &Server{dispatch: s.dispatch, logger: s.logger}
	return srv.callTool(ctx, s.view, name, args)
}

func resultResponse(id json.RawMessage, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}}
}
