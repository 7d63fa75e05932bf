// Package mcp exposes the engine's C1-C9 pipeline over the Model
// Context Protocol. SPEC_FULL.md §11 names this the sanctioned
// external surface for this system: there is no public REST API, only
// three tools (anamnesis_remember, anamnesis_recall, anamnesis_resolve)
// and a health resource. Structurally grounded on the teacher's
// internal/mcp/mcp.go (Server wraps an *mcpserver.MCPServer plus
// service dependencies, New() wires capabilities and calls
// registerResources/registerTools, MCPServer() exposes the raw server
// for the transport layer to mount).
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/anamnesis-ai/anamnesis/internal/engine"
	"github.com/anamnesis-ai/anamnesis/internal/health"
	"github.com/anamnesis-ai/anamnesis/internal/resolve"
)

const serverInstructions = `This server is the sole interface to a long-lived memory and
contradiction-tracking store for conversational agents.

anamnesis_remember: send an utterance from a thread. Assertions are
extracted into slot/value memories and written to the store;
contradictions against existing memories are detected and recorded on
the ledger. Control-style utterances (prompt injection, instructions
to the memory system itself) are refused and never stored.

anamnesis_recall: send a question or instruction utterance for a
thread. Returns the stable response envelope: an answer, a response
type (belief/speech/disclosure/ask_user/refusal/uncertainty/
reflection), and an x-ray of every memory that materially contributed,
each flagged if it reintroduces a claim that has an open
contradiction.

anamnesis_resolve: suggest or apply a resolution action against an
open contradiction (update_to_newer, update_to_older, keep_both,
split_by_domain, mark_past, dismiss), or roll one back within its
window. Applying or rolling back requires the resolution-operator
claim; suggest does not.

Use the anamnesis://health resource to check store, embedding, and
search reachability before relying on semantic recall.`

// Server wires the MCP tool and resource surface to the engine and the
// resolution store.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	resolver  *resolve.Store
	health    *health.Checker
	logger    *slog.Logger
	version   string
}

// New constructs a Server and registers its resources and tools.
func New(e *engine.Engine, resolver *resolve.Store, h *health.Checker, logger *slog.Logger, version string) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		"anamnesis",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s := &Server{
		mcpServer: mcpSrv,
		engine:    e,
		resolver:  resolver,
		health:    h,
		logger:    logger,
		version:   version,
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server for the transport
// layer (stdio or HTTP) to mount.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: text}},
	}
}
