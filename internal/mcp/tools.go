// ABOUTME: Tool catalog and dispatch from MCP tool calls to server operations
// ABOUTME: Maps the error taxonomy onto tool results and JSON-RPC errors

package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/knowbase/kbm/internal/errs"
	"github.com/knowbase/kbm/internal/view"
)

// toolCatalog returns the static tool definitions. Every caller sees the
// full catalog; permissions are enforced per call, not by hiding tools.
func toolCatalog() []MCPToolInfo {
	return []MCPToolInfo{
		{
			Name:        "insert",
			Description: "Store new text content in a unit. Returns the fresh record id.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string", "description": "Target unit id"},
					"content": {"type": "string", "description": "Text to store"},
					"source": {"type": "string", "description": "Optional provenance note"},
					"tags": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["unit", "content"]
			}`),
		},
		{
			Name:        "insert_file",
			Description: "Store a file-backed record, from base64 content or an absolute local path.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string"},
					"file_path": {"type": "string", "description": "File name (with content) or absolute path (without)"},
					"content": {"type": "string", "description": "Base64-encoded file bytes, optional"}
				},
				"required": ["unit", "file_path"]
			}`),
		},
		{
			Name:        "edit",
			Description: "Replace a record's content. The record keeps its id and gains a version.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string"},
					"record_id": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["unit", "record_id", "content"]
			}`),
		},
		{
			Name:        "delete",
			Description: "Tombstone a record (idempotent), or erase it permanently with hard=true.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string"},
					"record_id": {"type": "string"},
					"hard": {"type": "boolean", "description": "Physically erase record, history, and owned files"}
				},
				"required": ["unit", "record_id"]
			}`),
		},
		{
			Name:        "get",
			Description: "Fetch the latest live version of a record by id.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string"},
					"record_id": {"type": "string"}
				},
				"required": ["unit", "record_id"]
			}`),
		},
		{
			Name:        "list",
			Description: "Enumerate records in a unit in insertion order.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string"},
					"limit": {"type": "integer"},
					"offset": {"type": "integer"}
				},
				"required": ["unit"]
			}`),
		},
		{
			Name:        "query",
			Description: "Search one unit, or every readable unit when no unit is given.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string", "description": "Optional; omit for a federated query"},
					"query": {"type": "string"},
					"mode": {"type": "string", "description": "Engine-specific mode, e.g. semantic or naive"},
					"top_k": {"type": "integer"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "info",
			Description: "Report record counts and index freshness for every readable unit.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

type insertArgs struct {
	Unit    string   `json:"unit"`
	Content string   `json:"content"`
	Source  string   `json:"source"`
	Tags    []string `json:"tags"`
}

type insertFileArgs struct {
	Unit     string `json:"unit"`
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

type editArgs struct {
	Unit     string `json:"unit"`
	RecordID string `json:"record_id"`
	Content  string `json:"content"`
}

type deleteArgs struct {
	Unit     string `json:"unit"`
	RecordID string `json:"record_id"`
	Hard     bool   `json:"hard"`
}

type getArgs struct {
	Unit     string `json:"unit"`
	RecordID string `json:"record_id"`
}

type listArgs struct {
	Unit   string `json:"unit"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type queryArgs struct {
	Unit  string `json:"unit"`
	Query string `json:"query"`
	Mode  string `json:"mode"`
	TopK  int    `json:"top_k"`
}

// callTool dispatches one tool invocation. Expected failures become tool
// results with isError set; transport-level problems become JSON-RPC errors.
func (s *Server) callTool(ctx context.Context, v *view.View, name string, args json.RawMessage) (*MCPCallToolResult, *JSONRPCError) {
	var (
		payload any
		err     error
	)

	switch name {
	case "insert":
		var a insertArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.Insert(ctx, v, a.Unit, a.Content, a.Source, a.Tags)
	case "insert_file":
		var a insertFileArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.InsertFile(ctx, v, a.Unit, a.FilePath, a.Content)
	case "edit":
		var a editArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.Edit(ctx, v, a.Unit, a.RecordID, a.Content)
	case "delete":
		var a deleteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.Delete(ctx, v, a.Unit, a.RecordID, a.Hard)
	case "get":
		var a getArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.Get(ctx, v, a.Unit, a.RecordID)
	case "list":
		var a listArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.List(ctx, v, a.Unit, a.Limit, a.Offset)
	case "query":
		var a queryArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid arguments"}
		}
		payload, err = s.dispatch.Query(ctx, v, a.Unit, a.Query, a.Mode, a.TopK)
	case "info":
		payload, err = s.dispatch.Info(ctx, v)
	default:
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool not found"}
	}

	if err != nil {
		return s.toolError(name, err)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, &JSONRPCError{Code: JSONRPCInternalError, Message: "encoding tool result failed"}
	}
	return &MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(out)}},
	}, nil
}

// toolError maps an operation failure. Kinds from the taxonomy are expected
// outcomes and become tool-level errors the client can act on; everything
// else propagates as an internal JSON-RPC error with full detail.
func (s *Server) toolError(toolName string, err error) (*MCPCallToolResult, *JSONRPCError) {
	kind := errs.KindOf(err)
	if kind != errs.KindUnknown {
		body, _ := json.Marshal(map[string]string{
			"error":   kind.String(),
			"message": err.Error(),
		})
		return &MCPCallToolResult{
			Content: []MCPContent{{Type: "text", Text: string(body)}},
			IsError: true,
		}, nil
	}

	s.logger.Error("tool execution failed", "tool_name", toolName, "error", err)

	message := "tool execution failed: " + err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}
	return nil, &JSONRPCError{Code: JSONRPCInternalError, Message: message}
}
