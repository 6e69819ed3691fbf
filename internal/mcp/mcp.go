// Package mcp implements the Model Context Protocol server for research
// sessions.
//
// The MCP server exposes the same commands as the HTTP API through MCP tools
// and resources. Identity comes from the JWT claims the HTTP auth middleware
// places on the request context, so an MCP client can only see and control
// its own sessions.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/angelododaro/open-deep-research/internal/ctxutil"
	"github.com/angelododaro/open-deep-research/internal/service/research"
)

// Server wraps the MCP server with the research Lifecycle Controller.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	controller *research.Controller
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(controller *research.Controller, logger *slog.Logger, version string) *Server {
	s := &Server{
		controller: controller,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"deepresearch",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `Research sessions run asynchronously against a time budget.
Start one with research_start, then poll research_status. When the budget is
nearly spent, research_extend_timeout asks the worker for more time; it is
applied on the worker's next poll. research_terminate stops a session.`

// callerID returns the authenticated user, tagging the context so audit
// entries record the MCP tool as the endpoint.
func callerID(ctx context.Context, endpoint string) (context.Context, string) {
	meta := ctxutil.AuditMetaFromContext(ctx)
	meta.HTTPMethod = "MCP"
	meta.Endpoint = endpoint
	return ctxutil.WithAuditMeta(ctx, meta), ctxutil.UserIDFromContext(ctx)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

// controllerErrorResult converts controller errors into tool errors. Absent
// and foreign sessions produce the same text.
func (s *Server) controllerErrorResult(tool string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, research.ErrUnauthenticated):
		return errorResult("authentication required")
	case errors.Is(err, research.ErrNotFoundOrForbidden):
		return errorResult("research session not found")
	case errors.Is(err, research.ErrInvalidInput), errors.Is(err, research.ErrInvalidAction):
		return errorResult(err.Error())
	default:
		s.logger.Error("mcp tool failed", "tool", tool, "error", err)
		return errorResult("internal error")
	}
}
