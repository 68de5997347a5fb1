// Package mcp exposes the knowledge store to external agents over the
// Model Context Protocol.
//
// # Protocol
//
// The server implements the MCP Streamable HTTP transport: JSON-RPC 2.0
// over HTTP POST on a single /mcp endpoint, with in-memory sessions keyed
// by the Mcp-Session-Id header. A stdio transport is also available for
// local clients, speaking newline-delimited JSON-RPC on stdin/stdout.
//
// # Authentication
//
// A credential may arrive three ways:
//
//   - in the URL path: POST /mcp/<token>
//   - as a query parameter: POST /mcp?token=<token>
//   - as a bearer header: Authorization: Bearer <token>
//
// The credential is resolved to a configured view at initialize time and
// the view is pinned to the session. Credentials carry no permissions
// themselves; the view is the only grant.
//
// # Tools
//
// Clients discover tools with tools/list and invoke them with tools/call.
// The tool surface is insert, insert_file, edit, delete, get, list, query,
// and info. Expected failures (validation, not found, permission, engine)
// come back as tool results with isError set and a machine-readable code;
// anything else is a JSON-RPC internal error.
//
// # Integration with Claude Desktop
//
// Add to the MCP configuration:
//
//	{
//	  "mcpServers": {
//	    "kbm": {
//	      "url": "http://localhost:8420/mcp",
//	      "authorization": "Bearer <token>"
//	    }
//	  }
//	}
package mcp
