// Package ops exposes the gateway's operator surface as MCP tools:
// queue depth, VKP rollback, on-demand snapshots, and health (§4.8, §4.10
// SUPPLEMENTED FEATURES). Tool registration follows the teacher's
// internal/mcp/server.go shape, narrowed from 41 memory tools to the 4
// an operator needs for this daemon.
package ops

import (
	"context"
	"fmt"
	"time"

	mcp "github.com/fredcamaral/gomcp-sdk"
	"github.com/fredcamaral/gomcp-sdk/server"
	"github.com/go-viper/mapstructure/v2"

	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/vkp"
)

// Server wraps an MCP server exposing operator tools over C5, C8, and C10.
type Server struct {
	mcpServer  *server.Server
	dispatch   *dispatcher.Dispatcher
	vkp        *vkp.Manager
	supervisor *resilience.Supervisor
}

// New builds the ops MCP server and registers its tools.
func New(name, version string, dispatch *dispatcher.Dispatcher, vkpMgr *vkp.Manager, supervisor *resilience.Supervisor) *Server {
	s := &Server{
		mcpServer:  mcp.NewServer(name, version),
		dispatch:   dispatch,
		vkp:        vkpMgr,
		supervisor: supervisor,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server for transport wiring.
func (s *Server) MCPServer() *server.Server {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"gateway_queue_stats",
		"Report the dispatcher's current queue depth, active count, and admitted/rejected/completed totals (§4.5).",
		mcp.ObjectSchema("Queue stats parameters", map[string]interface{}{}, []string{}),
	), mcp.ToolHandlerFunc(s.handleQueueStats))

	s.mcpServer.AddTool(mcp.NewTool(
		"gateway_vkp_rollback",
		"Roll a subject/grade back to a previously-installed, still-in-grace VKP version (§4.8).",
		mcp.ObjectSchema("Rollback parameters", map[string]interface{}{
			"subject": mcp.StringParam("Subject code", true),
			"grade":   map[string]interface{}{"type": "integer", "description": "Grade level"},
			"version": mcp.StringParam("Version to roll back to", true),
		}, []string{"subject", "version"}),
	), mcp.ToolHandlerFunc(s.handleRollback))

	s.mcpServer.AddTool(mcp.NewTool(
		"gateway_trigger_snapshot",
		"Trigger an out-of-band full snapshot of the metadata store (§4.10), outside the weekly schedule.",
		mcp.ObjectSchema("Trigger snapshot parameters", map[string]interface{}{}, []string{}),
	), mcp.ToolHandlerFunc(s.handleTriggerSnapshot))

	s.mcpServer.AddTool(mcp.NewTool(
		"gateway_health",
		"Run C10's probe cycle across the metadata store, vector store, inference engine, and dispatcher.",
		mcp.ObjectSchema("Health parameters", map[string]interface{}{}, []string{}),
	), mcp.ToolHandlerFunc(s.handleHealth))
}

func (s *Server) handleQueueStats(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.dispatch.Stats(), nil
}

// rollbackArgs is the decoded shape of the gateway_vkp_rollback tool's
// JSON-RPC arguments; mcp.ToolHandlerFunc hands handlers the raw
// map[string]interface{} off the wire, so this is decoded rather than typed
// on the call itself.
type rollbackArgs struct {
	Subject string `mapstructure:"subject"`
	Grade   int    `mapstructure:"grade"`
	Version string `mapstructure:"version"`
}

func (s *Server) handleRollback(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var parsed rollbackArgs
	if err := mapstructure.Decode(args, &parsed); err != nil {
		return nil, fmt.Errorf("decode rollback arguments: %w", err)
	}
	if err := s.vkp.Rollback(ctx, parsed.Subject, parsed.Grade, parsed.Version); err != nil {
		return nil, err
	}
	return map[string]string{"status": "rolled back"}, nil
}

func (s *Server) handleTriggerSnapshot(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	meta, err := s.supervisor.TriggerFullSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("trigger snapshot: %w", err)
	}
	return meta, nil
}

func (s *Server) handleHealth(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	status := s.supervisor.Probe(ctx)
	return map[string]interface{}{
		"healthy":   status.Healthy(),
		"errors":    status.Errors,
		"checked_at": time.Now().Format(time.RFC3339),
	}, nil
}
