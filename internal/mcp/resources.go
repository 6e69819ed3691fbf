package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/angelododaro/open-deep-research/internal/ctxutil"
)

const sessionsURI = "research://sessions"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			sessionsURI,
			"Research Sessions",
			mcplib.WithResourceDescription("Your most recent research sessions with status and progress"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessions,
	)
}

func (s *Server) handleSessions(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	views, err := s.controller.List(ctx, ctxutil.UserIDFromContext(ctx), 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: list sessions: %w", err)
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      sessionsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
