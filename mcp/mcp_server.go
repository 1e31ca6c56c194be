package mcp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"databounty-backend/bridge"
	"databounty-backend/core/ledger"
	storage "databounty-backend/storage/ledger"
)

// MCPServer exposes read access to the ledger over the Model Context
// Protocol, so agent tooling can inspect tasks, settlements, and the payout
// queue without going through the HTTP surface.
type MCPServer struct {
	mcpServer *server.MCPServer
	store     storage.Store
	outbox    *bridge.Outbox
}

// NewMCPServer creates a new MCP server using the mcp-go library.
func NewMCPServer(store storage.Store, outbox *bridge.Outbox) *MCPServer {
	mcpServer := server.NewMCPServer(
		"DataBounty Ledger MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer: mcpServer,
		store:     store,
		outbox:    outbox,
	}

	s.registerTools()

	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	s.registerListTasksTool()
	s.registerGetTaskTool()
	s.registerGetRewardCalculationTool()
	s.registerListSubmissionsTool()
	s.registerGetSubmissionTool()
	s.registerListEventsTool()
	s.registerOutboxStatusTool()
}

func (s *MCPServer) registerListTasksTool() {
	tool := mcp.NewTool("list_tasks",
		mcp.WithDescription("List data-collection tasks with optional filtering"),
		mcp.WithString("creator", mcp.Description("Filter by creator address")),
		mcp.WithString("chain_id", mcp.Description("Filter by funding source chain")),
		mcp.WithString("active", mcp.Description("Filter by active flag (true/false)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		filter := ledger.TaskFilter{}
		if v, ok := args["creator"].(string); ok {
			filter.Creator = v
		}
		if v, ok := args["chain_id"].(string); ok {
			filter.ChainID = v
		}
		if v, ok := args["active"].(string); ok && v != "" {
			active, err := strconv.ParseBool(v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid active filter: %v", err)), nil
			}
			filter.Active = &active
		}

		tasks, err := s.store.ListTasks(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%+v", len(tasks), tasks)), nil
	})
}

func (s *MCPServer) registerGetTaskTool() {
	tool := mcp.NewTool("get_task",
		mcp.WithDescription("Get details of a specific task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task to retrieve")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Task details:\n\n%+v", task)), nil
	})
}

func (s *MCPServer) registerGetRewardCalculationTool() {
	tool := mcp.NewTool("get_reward_calculation",
		mcp.WithDescription("Get the funded/remaining/distributed reward view for a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		calc, err := s.store.RewardCalculation(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get reward calculation: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Reward calculation:\n\n%+v", calc)), nil
	})
}

func (s *MCPServer) registerListSubmissionsTool() {
	tool := mcp.NewTool("list_submissions",
		mcp.WithDescription("List submissions for a task or contributor"),
		mcp.WithString("task_id", mcp.Description("Task whose submissions to list")),
		mcp.WithString("contributor", mcp.Description("Contributor whose submissions to list")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		var subs []ledger.Submission
		var err error
		if taskID, ok := args["task_id"].(string); ok && taskID != "" {
			subs, err = s.store.ListTaskSubmissions(ctx, taskID)
		} else if contributor, ok := args["contributor"].(string); ok && contributor != "" {
			subs, err = s.store.ListUserSubmissions(ctx, contributor)
		} else {
			return mcp.NewToolResultError("task_id or contributor required"), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list submissions: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Found %d submissions:\n\n%+v", len(subs), subs)), nil
	})
}

func (s *MCPServer) registerGetSubmissionTool() {
	tool := mcp.NewTool("get_submission",
		mcp.WithDescription("Get details of a specific submission"),
		mcp.WithString("submission_id", mcp.Required(), mcp.Description("ID of submission to retrieve")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		submissionID, err := request.RequireString("submission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sub, err := s.store.GetSubmission(ctx, submissionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get submission: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Submission details:\n\n%+v", sub)), nil
	})
}

func (s *MCPServer) registerListEventsTool() {
	tool := mcp.NewTool("list_events",
		mcp.WithDescription("List ledger audit events in sequence order"),
		mcp.WithString("type", mcp.Description("Filter by event type")),
		mcp.WithString("task_id", mcp.Description("Filter by task")),
		mcp.WithString("after_seq", mcp.Description("Return events after this sequence number")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		filter := ledger.EventFilter{}
		if v, ok := args["type"].(string); ok {
			filter.Type = v
		}
		if v, ok := args["task_id"].(string); ok {
			filter.TaskID = v
		}
		if v, ok := args["after_seq"].(string); ok && v != "" {
			seq, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid after_seq: %v", err)), nil
			}
			filter.AfterSeq = seq
		}

		events, err := s.store.ListEvents(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Found %d events:\n\n%+v", len(events), events)), nil
	})
}

func (s *MCPServer) registerOutboxStatusTool() {
	tool := mcp.NewTool("outbox_status",
		mcp.WithDescription("Inspect the cross-chain payout queue"),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.outbox == nil {
			return mcp.NewToolResultError("outbox not configured"), nil
		}
		result := map[string]interface{}{
			"entries": s.outbox.Entries(),
			"summary": s.outbox.Summary(),
		}
		return mcp.NewToolResultText(fmt.Sprintf("Outbox status:\n\n%+v", result)), nil
	})
}
