// Package mcp exposes the workflow RPC surface as MCP tools, the transport
// the trusted AI-agent client speaks.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/application/engine"
	"github.com/smilemakc/stepflow/internal/domain"
)

func codeOf(err error) string { return domain.CodeOf(err) }

// Server wraps an mcp-go server with the workflow tool set.
type Server struct {
	engine    *engine.Engine
	mcpServer *server.MCPServer
	logger    zerolog.Logger
}

// NewServer builds the MCP server and registers the tools.
func NewServer(eng *engine.Engine, logger zerolog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		engine:    eng,
		mcpServer: mcpServer,
		logger:    logger.With().Str("component", "mcp").Logger(),
	}
	s.registerTools()
	return s
}

// ServeStdio runs the server on stdio until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// HTTPServer returns a streamable HTTP transport for the server.
func (s *Server) HTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("workflow_start",
		mcp.WithDescription("Start a workflow instance from a registered definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow definition name")),
		mcp.WithObject("inputs", mcp.Description("Input values for the workflow")),
	), s.handleStart)

	s.mcpServer.AddTool(mcp.NewTool("workflow_get_next_step",
		mcp.WithDescription("Advance a workflow and fetch the next batch of client-facing steps"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
	), s.handleGetNextStep)

	s.mcpServer.AddTool(mcp.NewTool("workflow_get_next_sub_agent_step",
		mcp.WithDescription("Advance one sub-agent task of a parallel_foreach and fetch its next step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Sub-agent task id")),
	), s.handleGetNextSubAgentStep)

	s.mcpServer.AddTool(mcp.NewTool("workflow_submit_step_result",
		mcp.WithDescription("Submit the result of a client-executed step (shell output, tool result, user input, or a reported error)"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Step id the result belongs to")),
		mcp.WithObject("result", mcp.Required(), mcp.Description("Result payload; include an 'error' member to report failure")),
	), s.handleSubmitStepResult)

	s.mcpServer.AddTool(mcp.NewTool("workflow_status",
		mcp.WithDescription("Fetch a workflow's status, state and progress"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
	), s.handleStatus)

	s.mcpServer.AddTool(mcp.NewTool("workflow_list",
		mcp.WithDescription("List all workflow instances"),
	), s.handleList)
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'name' parameter: %v", err)), nil
	}
	inputs, _ := request.GetArguments()["inputs"].(map[string]any)

	result, err := s.engine.Start(name, inputs)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetNextStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}

	batch, err := s.engine.GetNextStep(workflowID)
	if err != nil {
		return errorResult(err), nil
	}
	if batch == nil {
		return mcp.NewToolResultText("null"), nil
	}
	return jsonResult(batch)
}

func (s *Server) handleGetNextSubAgentStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'task_id' parameter: %v", err)), nil
	}

	resp, err := s.engine.GetNextSubAgentStep(workflowID, taskID)
	if err != nil {
		return errorResult(err), nil
	}
	if resp == nil {
		return mcp.NewToolResultText("null"), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSubmitStepResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	stepID, err := request.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'step_id' parameter: %v", err)), nil
	}
	result, _ := request.GetArguments()["result"].(map[string]any)

	applied, err := s.engine.SubmitStepResult(workflowID, stepID, result)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]bool{"applied": applied})
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}

	status, err := s.engine.Status(workflowID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(status)
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.List())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders the {code, message} envelope as a tool error.
func errorResult(err error) *mcp.CallToolResult {
	envelope := map[string]any{
		"code":    codeOf(err),
		"message": err.Error(),
	}
	data, merr := json.Marshal(envelope)
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}
