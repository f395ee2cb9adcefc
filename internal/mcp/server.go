// Package mcp exposes the POS tools over the Model Context Protocol.
//
// The server is built on the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk). Every tool call is routed through
// the same [tools.Dispatcher] the voice session uses, so the checkout guard
// and stock rules hold no matter which client drives the store.
//
// Typical usage:
//
//	srv := mcp.NewServer(dispatcher, "1.0.0")
//	mux.Handle("/mcp", mcp.Handler(srv))
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/posvoice/internal/tools"
	"github.com/MrWong99/posvoice/pkg/provider/s2s"
)

// ServerName is reported in the MCP initialize handshake.
const ServerName = "posvoice"

// Caller runs one tool call. *tools.Dispatcher satisfies it.
type Caller interface {
	Dispatch(ctx context.Context, call s2s.ToolCall) s2s.ToolResponse
}

// NewServer returns an MCP server offering every tool from
// [tools.Declarations], answered by caller.
func NewServer(caller Caller, version string) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: ServerName, Version: version}, nil)
	for _, decl := range tools.Declarations() {
		srv.AddTool(&mcpsdk.Tool{
			Name:        decl.Name,
			Description: decl.Description,
			InputSchema: decl.Parameters,
		}, handler(caller, decl.Name))
	}
	return srv
}

// Handler serves srv over the streamable HTTP transport.
func Handler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func handler(caller Caller, name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := json.RawMessage(req.Params.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		resp := caller.Dispatch(ctx, s2s.ToolCall{ID: uuid.NewString(), Name: name, Args: args})

		text, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("mcp: encode %s result: %w", name, err)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
			IsError: isErrorResult(text),
		}, nil
	}
}

// isErrorResult reports whether a dispatcher result carries status "error".
func isErrorResult(raw []byte) bool {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Status == "error"
}
