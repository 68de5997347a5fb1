// ABOUTME: Entry point for the kbm knowledge-base manager CLI
// ABOUTME: Wires unit administration and the MCP server behind cobra commands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _  _ _
 | |/ / |__  _ __ ___
 | ' /| '_ \| '_ ' _ \
 | . \| |_) | | | | | |
 |_|\_\_.__/|_| |_| |_|
`

// getConfigPath returns the path to the kbm config file.
// Priority: KBM_CONFIG env var > XDG_CONFIG_HOME/kbm/config.yaml > ~/.config/kbm/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("KBM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "kbm", "config.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "kbm",
		Short: "kbm - portable knowledge base manager",
		Long: `kbm stores knowledge records in per-unit SQLite databases, keeps
derived search indexes (text, semantic, markdown) in sync with them, and
serves everything to agents over the MCP protocol.

All commands read the config file at $KBM_CONFIG, falling back to
$XDG_CONFIG_HOME/kbm/config.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", getConfigPath(), "path to config file")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newRebuildCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}
