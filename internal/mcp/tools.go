package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/angelododaro/open-deep-research/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("research_start",
			mcplib.WithDescription(`Start an asynchronous research session on a topic.

Returns the session id and its time budget in seconds. The session runs in
the background; poll research_status to follow its progress.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("topic",
				mcplib.Description("What to research"),
				mcplib.Required(),
			),
			mcplib.WithNumber("time_limit_seconds",
				mcplib.Description("Initial time budget. Defaults to the server's configured budget."),
				mcplib.Min(1),
			),
		),
		s.handleStart,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("research_status",
			mcplib.WithDescription("Get the status and progress of one of your research sessions."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("research_id",
				mcplib.Description("Research session id"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("research_terminate",
			mcplib.WithDescription(`Stop a research session. The worker finishes its current step and
then halts. Terminating a session that already finished changes nothing.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("research_id",
				mcplib.Description("Research session id"),
				mcplib.Required(),
			),
		),
		s.handleTerminate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("research_extend_timeout",
			mcplib.WithDescription(`Ask for more time on a running research session. The grant is
applied on the worker's next poll; several requests before then count once.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("research_id",
				mcplib.Description("Research session id"),
				mcplib.Required(),
			),
		),
		s.handleExtendTimeout,
	)
}

func (s *Server) handleStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx, caller := callerID(ctx, "mcp:research_start")
	created, err := s.controller.Submit(ctx, caller, model.CreateResearchRequest{
		Topic:            request.GetString("topic", ""),
		TimeLimitSeconds: request.GetInt("time_limit_seconds", 0),
	})
	if err != nil {
		return s.controllerErrorResult("research_start", err), nil
	}
	return jsonResult(created)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx, caller := callerID(ctx, "mcp:research_status")
	view, err := s.controller.GetStatus(ctx, request.GetString("research_id", ""), caller)
	if err != nil {
		return s.controllerErrorResult("research_status", err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleTerminate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.command(ctx, request, model.ActionTerminate)
}

func (s *Server) handleExtendTimeout(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.command(ctx, request, model.ActionExtendTimeout)
}

func (s *Server) command(ctx context.Context, request mcplib.CallToolRequest, action model.Action) (*mcplib.CallToolResult, error) {
	tool := "research_" + string(action)
	ctx, caller := callerID(ctx, "mcp:"+tool)
	res, err := s.controller.Apply(ctx, request.GetString("research_id", ""), caller, action)
	if err != nil {
		return s.controllerErrorResult(tool, err), nil
	}
	return jsonResult(model.CommandResponse{
		Success: true,
		Status:  res.Status,
		Message: res.Message,
	})
}
