package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/recall/internal/version"
	"github.com/jmylchreest/recall/pkg/service"
)

// MCPServer exposes a recall service as MCP tools over stdio.
type MCPServer struct {
	svc    *service.Service
	server *mcp.Server
	log    *slog.Logger

	toolCounts sync.Map // map[string]*atomic.Int64
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		Long: `Start the MCP server. It communicates over stdio using JSON-RPC and is
typically launched by an agent runtime from its plugin configuration. Logs go
to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				go svc.RunMaintenance(cmd.Context(), a.cfg.Pending.Interval)
				s := NewMCPServer(svc, a.log)
				return s.server.Run(cmd.Context(), &mcp.StdioTransport{})
			})
		},
	}
}

// NewMCPServer builds the MCP server and registers every tool.
func NewMCPServer(svc *service.Service, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		svc: svc,
		log: logger.With("component", "mcp"),
	}
	s.server = mcp.NewServer(
		&mcp.Implementation{
			Name:    "recall",
			Version: version.Short(),
		},
		nil,
	)
	s.server.AddReceivingMiddleware(s.toolCountMiddleware())

	s.registerMemoryTools()
	s.registerGraphTools()
	s.registerTaskTools()
	s.registerReflectionTools()
	s.registerSystemTools()
	return s
}

// incrementToolCount atomically increments the execution count for a tool.
func (s *MCPServer) incrementToolCount(name string) {
	v, _ := s.toolCounts.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// getToolCounts returns a snapshot of tool execution counts.
func (s *MCPServer) getToolCounts() map[string]int64 {
	counts := make(map[string]int64)
	s.toolCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return counts
}

// toolCountMiddleware returns MCP middleware that counts tool invocations.
func (s *MCPServer) toolCountMiddleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == "tools/call" {
				if params, ok := req.GetParams().(*mcp.CallToolParamsRaw); ok {
					s.incrementToolCount(params.Name)
				}
			}
			return next(ctx, method, req)
		}
	}
}

// respond logs the outcome of a tool call and renders it.
func (s *MCPServer) respond(tool string, v any, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		s.log.Warn("tool failed", "tool", tool, "error", err)
		return errorResult(err), nil, nil
	}
	s.log.Debug("tool ok", "tool", tool)
	return jsonResult(v), nil, nil
}
