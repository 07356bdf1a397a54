// Package mcpserver exposes the dispatcher's "run" operation as an MCP tool
// over stdio, in the style gopls's own internal/mcp package registers tools
// against the official Go MCP SDK: one params struct per tool, tagged with
// json/jsonschema struct tags, and a handler returning
// (*mcp.CallToolResult, any, error).
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/SecBear/nix-sandbox-mcp/internal/config"
	"github.com/SecBear/nix-sandbox-mcp/internal/dispatcher"
)

const serverName = "nix-sandbox-mcp"

// Version is the broker's own version string, reported to MCP clients.
var Version = "dev"

type runParams struct {
	Code    string `json:"code" jsonschema:"the code to run in the sandbox"`
	Env     string `json:"env" jsonschema:"execution environment (required): one of the configured environments"`
	Session string `json:"session,omitempty" jsonschema:"optional session ID; when set, interpreter state persists across calls with the same ID and the same env"`
}

type handler struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
}

func (h *handler) runHandler(ctx context.Context, _ *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	if params.Env == "" {
		return nil, nil, fmt.Errorf("env is required")
	}
	outcome := h.dispatcher.Run(ctx, params.Code, params.Env, params.Session)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: outcome.Text}},
		IsError: outcome.IsError,
	}, nil, nil
}

// New builds the MCP server, registering the single "run" tool against cfg
// and dispatcher.
func New(cfg *config.Config, dp *dispatcher.Dispatcher, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{cfg: cfg, dispatcher: dp, logger: logger}

	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: Version}, &mcp.ServerOptions{
		Instructions: instructions(cfg),
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run",
		Description: "Run code in an isolated sandbox environment",
	}, h.runHandler)

	return server
}

// instructions builds the dynamic server-info description: the configured
// environments, how to use sessions, and whether a project directory is
// mounted.
func instructions(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Environments))
	for name := range cfg.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	var envList strings.Builder
	for _, name := range names {
		fmt.Fprintf(&envList, "- %s\n", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run commands in isolated sandbox environments.\n\n")
	fmt.Fprintf(&b, "Available environments:\n%s\n", envList.String())
	fmt.Fprintf(&b, "Use the 'run' tool with:\n- code: the code to run\n- env: one of the available environments (required)\n\n")
	fmt.Fprintf(&b, "Choose the environment based on what tools your code needs.\n\n")
	fmt.Fprintf(&b, "For persistent state across calls, pass a 'session' ID. Variables, imports, and workspace files persist within a session. Each session is bound to its creation environment.")

	if dir, ok := cfg.ResolvedProjectDir(); ok {
		_ = dir
		fmt.Fprintf(&b, "\n\nProject directory mounted at %s (read-only).", cfg.ProjectMount())
	}

	return b.String()
}
