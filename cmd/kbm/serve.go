// ABOUTME: The serve command, running the MCP server over HTTP or stdio
// ABOUTME: Opens every configured unit and shuts down cleanly on SIGINT/SIGTERM

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/mcp"
	"github.com/knowbase/kbm/internal/server"
	"github.com/knowbase/kbm/internal/unit"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server over the transport configured in the config file.

The http transport exposes the MCP Streamable HTTP endpoint at /mcp plus a
/health endpoint; the stdio transport speaks newline-delimited JSON-RPC on
stdin/stdout for local MCP clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// The stdio transport owns stdout, so the banner only prints for http.
	if cfg.Server.Transport == "http" {
		printStartupInfo(opts.ConfigPath, cfg)
	}

	units, err := openUnits(cfg, logger)
	if err != nil {
		return err
	}
	defer closeUnits(units, logger)

	dispatch := server.New(cfg, units, logger)

	logger.Info("starting kbm",
		"config", opts.ConfigPath,
		"transport", cfg.Server.Transport,
		"units", len(units),
	)

	if cfg.Server.Transport == "stdio" {
		stdio, err := mcp.NewStdio(dispatch, cfg, logger)
		if err != nil {
			return fmt.Errorf("creating stdio transport: %w", err)
		}
		return stdio.Run(ctx, os.Stdin, os.Stdout)
	}

	return serveHTTP(ctx, cfg, dispatch, logger)
}

func serveHTTP(ctx context.Context, cfg *config.Config, dispatch *server.Server, logger *slog.Logger) error {
	mcpServer, err := mcp.NewServer(dispatch, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	mux := http.NewServeMux()
	mcpServer.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// openUnits opens every configured unit, closing already-open ones if any
// later unit fails.
func openUnits(cfg *config.Config, logger *slog.Logger) (map[string]*unit.Unit, error) {
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	units := make(map[string]*unit.Unit, len(cfg.Units))
	for _, ucfg := range cfg.Units {
		u, err := unit.Open(ucfg, embedder, logger)
		if err != nil {
			closeUnits(units, logger)
			return nil, fmt.Errorf("opening unit %s: %w", ucfg.ID, err)
		}
		units[ucfg.ID] = u
	}
	return units, nil
}

func closeUnits(units map[string]*unit.Unit, logger *slog.Logger) {
	for id, u := range units {
		if err := u.Close(); err != nil {
			logger.Error("closing unit", "unit", id, "error", err)
		}
	}
}

func printStartupInfo(configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Units:     %d\n", len(cfg.Units))
	if !cfg.Server.RequireAuth {
		color.New(color.FgYellow).Print("    ▶ ")
		fmt.Printf("Auth:      disabled (default view %q)\n", cfg.Auth.DefaultView)
	}
	fmt.Println()
}
