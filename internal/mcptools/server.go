// Package mcptools exposes the analysis operations as MCP tools so agent
// clients can drive the service without speaking the REST contract.
package mcptools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
	"github.com/dusk-indust/testsmith/internal/task"
)

// Service mirrors the orchestration surface the tools call.
type Service interface {
	Submit(ctx context.Context, req orchestrator.Request) (string, error)
	Status(id string) (*task.Task, error)
	Results(id string) (*orchestrator.Result, error)
	EstimatedSeconds() int
}

// NewServer builds the MCP server with all tools registered.
func NewServer(service Service, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "testsmith",
		Version: version,
	}, nil)

	h := &handlers{service: service}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_analysis",
		Description: "Submit a repository for test generation analysis. Returns the task id to poll.",
	}, h.startAnalysis)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_status",
		Description: "Fetch the current state and progress of an analysis task.",
	}, h.getStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_results",
		Description: "Fetch the finalized results of a completed analysis task.",
	}, h.getResults)

	return server
}

// RunHTTP serves the MCP server over streamable HTTP until ctx is canceled.
func RunHTTP(ctx context.Context, server *mcp.Server, addr string, logger *zap.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	httpServer := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	logger.Info("mcp server listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type handlers struct {
	service Service
}

// --- start_analysis ---

type StartAnalysisInput struct {
	RepositoryURL       string `json:"repository_url" jsonschema:"address of the repository to analyze"`
	APIKey              string `json:"api_key,omitempty" jsonschema:"model credential used for generation, optional"`
	IncludeDependencies bool   `json:"include_dependencies,omitempty"`
	GenerateMocks       bool   `json:"generate_mocks,omitempty"`
	TargetCoverage      int    `json:"target_coverage,omitempty" jsonschema:"desired line coverage percentage, 0-100"`
	MaxFiles            int    `json:"max_files,omitempty" jsonschema:"cap on analyzed source files, 0 means no cap"`
}

type StartAnalysisOutput struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	EstimatedTime int    `json:"estimated_time"`
}

func (h *handlers) startAnalysis(ctx context.Context, _ *mcp.CallToolRequest, input StartAnalysisInput) (*mcp.CallToolResult, StartAnalysisOutput, error) {
	id, err := h.service.Submit(ctx, orchestrator.Request{
		RepositoryURL: input.RepositoryURL,
		APIKey:        input.APIKey,
		Options: task.Options{
			IncludeDependencies: input.IncludeDependencies,
			GenerateMocks:       input.GenerateMocks,
			TargetCoverage:      input.TargetCoverage,
			MaxFiles:            input.MaxFiles,
		},
	})
	if err != nil {
		return nil, StartAnalysisOutput{}, err
	}

	return nil, StartAnalysisOutput{
		TaskID:        id,
		Status:        string(task.StatePending),
		EstimatedTime: h.service.EstimatedSeconds(),
	}, nil
}

// --- get_status ---

type GetStatusInput struct {
	TaskID string `json:"task_id"`
}

type GetStatusOutput struct {
	Task *task.Task `json:"task"`
}

func (h *handlers) getStatus(_ context.Context, _ *mcp.CallToolRequest, input GetStatusInput) (*mcp.CallToolResult, GetStatusOutput, error) {
	t, err := h.service.Status(input.TaskID)
	if err != nil {
		return nil, GetStatusOutput{}, fmt.Errorf("task %q: %w", input.TaskID, err)
	}
	return nil, GetStatusOutput{Task: t}, nil
}

// --- get_results ---

type GetResultsInput struct {
	TaskID string `json:"task_id"`
}

type GetResultsOutput struct {
	Result *orchestrator.Result `json:"result"`
}

func (h *handlers) getResults(_ context.Context, _ *mcp.CallToolRequest, input GetResultsInput) (*mcp.CallToolResult, GetResultsOutput, error) {
	r, err := h.service.Results(input.TaskID)
	if err != nil {
		return nil, GetResultsOutput{}, err
	}
	return nil, GetResultsOutput{Result: r}, nil
}
