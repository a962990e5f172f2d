// Command diffusion-mcp serves Diffusion administration tools to MCP clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/app"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/config"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/mcpserver"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/sessiontools"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "diffusion-mcp",
		Short:        "MCP server exposing Diffusion administration tools",
		SilenceUsage: true,
		Version:      app.Version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP clients over stdio or streamable HTTP",
		RunE:  runServe,
	}
	serveCmd.Flags().StringP("config", "c", "", "path to the YAML configuration file (defaults apply when empty)")
	serveCmd.Flags().String("transport", "", "override server.transport (stdio or streamable-http)")
	serveCmd.Flags().String("listen", "", "override server.listen_addr")
	root.AddCommand(serveCmd)

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog with input schemas as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printTools(cmd.OutOrStdout())
		},
	}
	root.AddCommand(toolsCmd)

	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", path)
		}
		return err
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Server.Transport = mcpserver.Transport(v)
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	// Stdout carries MCP frames in stdio mode; logs always go to stderr.
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("diffusion-mcp starting",
		"version", app.Version,
		"config", path,
		"transport", cfg.Server.Transport,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return errors.Join(runErr, err)
	}
	slog.Info("goodbye")
	return runErr
}

type toolDoc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func printTools(w io.Writer) error {
	catalog, err := app.Catalog(sessiontools.Config{})
	if err != nil {
		return err
	}
	docs := make([]toolDoc, 0, len(catalog.Names()))
	for _, t := range catalog.Tools() {
		docs = append(docs, toolDoc{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(docs)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
