// Package mcp exposes the workflow operations as MCP tools, so agentic
// clients can drive the factory over the MCP protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentfactory/backend/internal/orchestrator"
	"agentfactory/backend/internal/repository"
)

type Server struct {
	mcpServer *server.MCPServer
	orch      *orchestrator.Orchestrator
	repo      repository.Repository
}

func NewServer(orch *orchestrator.Orchestrator, repo repository.Repository) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Agent Factory",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orch: orch,
		repo: repo,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_workflow",
			mcp.WithDescription("Submit a requirement and start a software factory workflow"),
			mcp.WithString("project_name", mcp.Required(), mcp.Description("Short project name")),
			mcp.WithString("requirement", mcp.Required(), mcp.Description("The requirement to build")),
			mcp.WithString("owner", mcp.Description("Owner identity, defaults to anonymous")),
			mcp.WithString("model", mcp.Description("Model name for the agents")),
			mcp.WithNumber("budget_cap", mcp.Description("Spend cap in USD")),
			mcp.WithNumber("max_loops", mcp.Description("Maximum quality-gate patch cycles")),
		),
		s.handleStartWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_status",
			mcp.WithDescription("Get the current status, phase and cost of a workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow ID")),
		),
		s.handleWorkflowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_archives",
			mcp.WithDescription("List the packaged deliverables of an owner"),
			mcp.WithString("owner", mcp.Required(), mcp.Description("Owner identity")),
		),
		s.handleListArchives,
	)
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	projectName, ok := args["project_name"].(string)
	if !ok || projectName == "" {
		return mcp.NewToolResultError("Missing required parameter: project_name"), nil
	}
	requirement, ok := args["requirement"].(string)
	if !ok || requirement == "" {
		return mcp.NewToolResultError("Missing required parameter: requirement"), nil
	}

	req := orchestrator.StartRequest{
		Owner:       "anonymous",
		ProjectName: projectName,
		Requirement: requirement,
	}
	if owner, ok := args["owner"].(string); ok && owner != "" {
		req.Owner = owner
	}
	if model, ok := args["model"].(string); ok {
		req.Model = model
	}
	if cap, ok := args["budget_cap"].(float64); ok {
		if cap < 0 {
			return mcp.NewToolResultError("budget_cap must be non-negative"), nil
		}
		req.BudgetCap = cap
	}
	if loops, ok := args["max_loops"].(float64); ok {
		if loops < 0 {
			return mcp.NewToolResultError("max_loops must be non-negative"), nil
		}
		req.MaxLoops = int(loops)
	}

	wf, err := s.orch.Start(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]string{"workflow_id": wf.ID})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["workflow_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	wf, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(wf)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListArchives(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	owner, ok := args["owner"].(string)
	if !ok || owner == "" {
		return mcp.NewToolResultError("Missing required parameter: owner"), nil
	}

	archives, err := s.repo.ListArchivesByOwner(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list archives: %v", err)), nil
	}

	type summary struct {
		ID         string `json:"id"`
		WorkflowID string `json:"workflow_id"`
		Filename   string `json:"filename"`
	}
	summaries := make([]summary, 0, len(archives))
	for _, a := range archives {
		summaries = append(summaries, summary{ID: a.ID, WorkflowID: a.WorkflowID, Filename: a.Filename})
	}

	jsonBytes, _ := json.Marshal(summaries)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// SSE server backs both the /mcp/sse stream and /mcp/message posts.
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
