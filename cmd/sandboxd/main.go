// Command sandboxd is the broker's entry point: it resolves configuration,
// wires the ephemeral backend and session manager to the dispatcher, and
// serves a single "run" MCP tool over stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/SecBear/nix-sandbox-mcp/internal/backend"
	"github.com/SecBear/nix-sandbox-mcp/internal/config"
	"github.com/SecBear/nix-sandbox-mcp/internal/dispatcher"
	"github.com/SecBear/nix-sandbox-mcp/internal/logging"
	"github.com/SecBear/nix-sandbox-mcp/internal/mcpserver"
	"github.com/SecBear/nix-sandbox-mcp/internal/session"
	"github.com/SecBear/nix-sandbox-mcp/internal/watch"
)

func main() {
	stdio := flag.Bool("stdio", false, "serve MCP over stdin/stdout (required)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	sessionConfigPath := flag.String("session-config", "", "optional YAML file overriding session timing defaults")
	flag.Parse()

	if !*stdio {
		fmt.Fprintln(os.Stderr, "sandboxd: --stdio is required (no other transport is implemented)")
		os.Exit(2)
	}

	if err := run(*logLevel, *sessionConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxd: %v\n", err)
		os.Exit(1)
	}
}

func run(logLevel, sessionConfigPath string) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	if dir, ok := config.SandboxDirFromEnv(); ok {
		scanned := config.ScanSandboxDir(dir, logger)
		cfg.MergeEnvironments(scanned, logger)
	}

	fileOverrides, err := loadSessionFileOverrides(sessionConfigPath)
	if err != nil {
		return err
	}
	sessionCfg := session.Resolve(cfg.Session, fileOverrides)

	ephemeral := backend.NewEphemeral(logger)
	sessions := session.NewManager(sessionCfg, logger)
	dp := dispatcher.New(&cfg, ephemeral, sessions, logger)
	server := mcpserver.New(&cfg, dp, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir, ok := config.SandboxDirFromEnv(); ok {
		watch.SandboxDir(ctx, dir, logger)
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.StartReaper(reaperCtx)
		return nil
	})
	g.Go(func() error {
		defer stopReaper()
		logger.Info("serving MCP over stdio")
		err := server.Run(gCtx, &mcp.StdioTransport{})
		if err != nil && gCtx.Err() != nil {
			// Context cancellation (SIGINT/SIGTERM) is a clean shutdown, not
			// a transport failure.
			return nil
		}
		return err
	})

	err = g.Wait()
	stopReaper()
	sessions.DestroyAll(context.Background())
	return err
}

func loadSessionFileOverrides(path string) (*session.FileOverrides, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session config %s: %w", path, err)
	}
	var overrides session.FileOverrides
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse session config %s: %w", path, err)
	}
	return &overrides, nil
}
