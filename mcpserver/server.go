package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/isdmx/testbox/config"
	"github.com/isdmx/testbox/logger"
	"github.com/isdmx/testbox/sandbox"
)

// ToolName is the name of the test execution tool.
const ToolName = "run_tests"

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   sandbox.Executor
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// runTestsArgs are the arguments of the run_tests tool.
type runTestsArgs struct {
	Files             map[string]string `mapstructure:"files"`
	WorkdirTar        string            `mapstructure:"workdir_tar"`
	Manifest          string            `mapstructure:"manifest"`
	ManifestFile      string            `mapstructure:"manifest_file"`
	Runner            string            `mapstructure:"runner"`
	Limits            map[string]any    `mapstructure:"limits"`
	TimeBudgetSeconds float64           `mapstructure:"time_budget_seconds"`
	Format            string            `mapstructure:"format"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.launcher", cfg.Sandbox.Launcher),
		zap.String("sandbox.default_runner", cfg.Sandbox.DefaultRunner),
		zap.Int("sandbox.identity.pool_size", cfg.Sandbox.Identity.PoolSize),
		zap.Float64("limits.wall_clock_seconds", cfg.Limits.WallClockSeconds),
		zap.Int64("limits.memory_bytes", cfg.Limits.MemoryBytes),
		zap.Int("limits.max_processes", cfg.Limits.MaxProcesses),
		zap.Bool("limits.network_disabled", cfg.Limits.NetworkDisabled),
		zap.Strings("runners", executor.Runners()),
	)

	s.mcpServer = server.NewMCPServer("testbox", "Sandboxed test execution")
	s.registerRunTestsTool()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

// registerRunTestsTool registers the run_tests tool
func (s *MCPServer) registerRunTestsTool() {
	tool := mcp.Tool{
		Name: ToolName,
		Description: "Run a test suite against untrusted code in a sandbox and return a structured report. " +
			"Every call yields a report; faults of the code under test show up as error results.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"files": map[string]any{
					"type":                 "object",
					"description":          "Workspace files keyed by relative path",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"workdir_tar": map[string]any{
					"type":        "string",
					"description": "Base64-encoded tar archive (plain, gzip or zstd) merged under files (optional)",
				},
				"manifest": map[string]any{
					"type":        "string",
					"description": "Dependency manifest content (optional)",
				},
				"manifest_file": map[string]any{
					"type":        "string",
					"description": "File name for the manifest, defaults to the runner's",
				},
				"runner": map[string]any{
					"type":        "string",
					"description": "Runner profile",
					"enum":        s.executor.Runners(),
				},
				"limits": map[string]any{
					"type":        "object",
					"description": "Overrides for cpu_time_seconds, wall_clock_seconds, memory_bytes, max_processes, network_disabled",
				},
				"time_budget_seconds": map[string]any{
					"type":        "number",
					"description": "Caller time budget; the run stops at the smaller of this and the wall clock limit",
				},
				"format": map[string]any{
					"type":        "string",
					"description": "Report encoding",
					"enum":        []string{sandbox.EncodingJSON, sandbox.EncodingYAML},
				},
			},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunTests)
}

// handleRunTests handles the run_tests tool
func (s *MCPServer) handleRunTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runTestsArgs
	if err := mapstructure.Decode(request.GetArguments(), &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	req, limits, err := s.buildRequest(args)
	if err != nil {
		s.logger.Warn("rejected run_tests call", zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("test execution requested",
		zap.String("runner", req.Runner),
		zap.Int("files", len(req.Files)),
		zap.Bool("has_manifest", req.Manifest != nil))

	report := s.executor.Run(logger.IntoContext(ctx, s.logger.With(zap.String("transport", "mcp"))), req, limits)

	var out bytes.Buffer
	if err := sandbox.Encode(&out, report, args.Format); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("test execution completed",
		zap.String(logger.FieldRunID, report.RunID),
		zap.String("outcome", string(report.Summary.Outcome)),
		zap.Int("passed", report.Summary.Passed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("error", report.Summary.Error))

	return mcp.NewToolResultText(out.String()), nil
}

func (s *MCPServer) buildRequest(args runTestsArgs) (sandbox.ExecutionRequest, sandbox.ExecutionLimits, error) {
	if args.Format != "" && args.Format != sandbox.EncodingJSON && args.Format != sandbox.EncodingYAML {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, fmt.Errorf("invalid format: %s, must be json or yaml", args.Format)
	}
	if args.TimeBudgetSeconds < 0 {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, fmt.Errorf("time_budget_seconds must not be negative")
	}

	files := make(map[string]string)
	if args.WorkdirTar != "" {
		data, err := base64.StdEncoding.DecodeString(args.WorkdirTar)
		if err != nil {
			return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, fmt.Errorf("failed to decode workdir_tar: %w", err)
		}
		extracted, err := sandbox.ExtractArchive(data, sandbox.MaxArchiveBytes)
		if err != nil {
			return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, fmt.Errorf("failed to extract workdir_tar: %w", err)
		}
		maps.Copy(files, extracted)
	}
	maps.Copy(files, args.Files)
	if len(files) == 0 {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, fmt.Errorf("files or workdir_tar is required")
	}

	limits, err := sandbox.DecodeLimits(s.executor.DefaultLimits(), args.Limits)
	if err != nil {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, err
	}

	req := sandbox.ExecutionRequest{
		Files:      files,
		Runner:     args.Runner,
		TimeBudget: time.Duration(args.TimeBudgetSeconds * float64(time.Second)),
	}
	if args.Manifest != "" {
		req.Manifest = &sandbox.DependencyManifest{Filename: args.ManifestFile, Content: args.Manifest}
	}
	return req, limits, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	err := s.httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
