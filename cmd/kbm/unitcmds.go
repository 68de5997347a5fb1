// ABOUTME: Unit administration commands: init, list, status, delete, rebuild, export
// ABOUTME: These manage unit data roots directly and never go through a running server

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/embedding"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/unit"
)

const starterConfig = `# kbm configuration
server:
  http_addr: ":8420"
  transport: http
  require_auth: true

logging:
  level: info
  format: text

units:
  - id: %s
    engine: text

views:
  - name: admin
    read: [%s]
    write: [%s]

auth:
  tokens:
    - token: %s
      view: admin
`

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init <unit>",
		Short: "Create a unit's on-disk layout",
		Long: `Create the data root layout for a unit: the canonical database, the
attachments directory, and one directory per configured engine.

If no config file exists yet, a starter config containing the unit and an
admin token is written first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, args[0])
		},
	}
}

func runInit(opts *rootOptions, unitID string) error {
	green := color.New(color.FgGreen)

	if _, err := os.Stat(opts.ConfigPath); os.IsNotExist(err) {
		if err := writeStarterConfig(opts.ConfigPath, unitID); err != nil {
			return err
		}
		green.Print("  ✓ ")
		fmt.Printf("Created config: %s\n", opts.ConfigPath)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ucfg, ok := cfg.Unit(unitID)
	if !ok {
		return fmt.Errorf("unit %q is not configured; add a units entry to %s and re-run", unitID, opts.ConfigPath)
	}

	if err := unit.Init(ucfg); err != nil {
		return fmt.Errorf("initializing unit: %w", err)
	}

	green.Print("  ✓ ")
	fmt.Printf("Initialized unit %s at %s\n", unitID, ucfg.DataRoot)
	return nil
}

func writeStarterConfig(path, unitID string) error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generating admin token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := fmt.Sprintf(starterConfig, unitID, unitID, unitID, token)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("  Admin token: %s\n", color.CyanString(token))
	fmt.Println("  Keep it safe; it maps to the admin view in the new config.")
	return nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tENGINE\tHISTORY\tDATA ROOT")
			for _, ucfg := range cfg.Units {
				engines := ucfg.Engine
				if len(ucfg.SecondaryEngines) > 0 {
					engines += "," + strings.Join(ucfg.SecondaryEngines, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ucfg.ID, engines, ucfg.History, ucfg.DataRoot)
			}
			return w.Flush()
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record counts and index freshness for every unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), opts)
		},
	}
}

func runStatus(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	bold := color.New(color.Bold)
	for _, ucfg := range cfg.Units {
		bold.Printf("%s\n", ucfg.ID)

		if _, err := os.Stat(ucfg.DataRoot); os.IsNotExist(err) {
			color.Yellow("  not initialized (run: kbm init %s)\n", ucfg.ID)
			continue
		}

		u, err := unit.Open(ucfg, embedder, logger)
		if err != nil {
			color.Red("  error: %v\n", err)
			continue
		}
		info, err := u.Info(ctx)
		closeErr := u.Close()
		if err != nil {
			color.Red("  error: %v\n", err)
			continue
		}
		if closeErr != nil {
			logger.Error("closing unit", "unit", ucfg.ID, "error", closeErr)
		}

		fmt.Printf("  records: %d\n", info.Records)
		for name, state := range info.Engines {
			marker := ""
			if name == info.Primary {
				marker = " (primary)"
			}
			fmt.Printf("  %s: %s%s\n", name, colorState(state), marker)
		}
	}
	return nil
}

func colorState(state engine.State) string {
	switch state {
	case engine.StateFresh:
		return color.GreenString(string(state))
	case engine.StateStale:
		return color.YellowString(string(state))
	case engine.StateRebuilding:
		return color.CyanString(string(state))
	default:
		return string(state)
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <unit>",
		Short: "Delete a unit and all its data",
		Long: `Delete a unit's data root, indexes first so a crash mid-delete never
leaves indexes without their canonical store. The unit stays in the config
file; remove its entry by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func runDelete(opts *rootOptions, unitID string, yes bool) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ucfg, ok := cfg.Unit(unitID)
	if !ok {
		return fmt.Errorf("unknown unit: %s", unitID)
	}

	if !yes {
		fmt.Printf("Delete unit %q and everything under %s? [y/N]: ", unitID, ucfg.DataRoot)
		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading confirmation: %w", err)
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := unit.Destroy(ucfg); err != nil {
		return fmt.Errorf("deleting unit: %w", err)
	}

	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Deleted unit %s\n", unitID)
	return nil
}

func newRebuildCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <unit> [engine]",
		Short: "Rebuild a unit's indexes from the canonical store",
		Long: `Rebuild one engine's index, or every engine when none is named. The
index is repopulated from the canonical store, which is always the source
of truth; rebuilding is the repair path for stale indexes.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engineName := ""
			if len(args) == 2 {
				engineName = args[1]
			}
			return runRebuild(cmd.Context(), opts, args[0], engineName)
		},
	}
}

func runRebuild(ctx context.Context, opts *rootOptions, unitID, engineName string) error {
	u, logger, err := openOneUnit(opts, unitID)
	if err != nil {
		return err
	}
	defer func() {
		if err := u.Close(); err != nil {
			logger.Error("closing unit", "unit", unitID, "error", err)
		}
	}()

	if err := u.Rebuild(ctx, engineName); err != nil {
		return fmt.Errorf("rebuilding: %w", err)
	}

	info, err := u.Info(ctx)
	if err != nil {
		return fmt.Errorf("reading unit info: %w", err)
	}
	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Rebuilt %s (%d records)\n", unitID, info.Records)
	for name, state := range info.Engines {
		fmt.Printf("  %s: %s\n", name, colorState(state))
	}
	return nil
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <unit> <dir>",
		Short: "Export a unit as JSONL plus attachment files",
		Long: `Write every record, tombstones included, to records.jsonl in the
destination directory, and copy owned attachment files alongside it. The
export is plain JSONL so another store can replay it without kbm.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, args[0], args[1])
		},
	}
}

func runExport(ctx context.Context, opts *rootOptions, unitID, destDir string) error {
	u, logger, err := openOneUnit(opts, unitID)
	if err != nil {
		return err
	}
	defer func() {
		if err := u.Close(); err != nil {
			logger.Error("closing unit", "unit", unitID, "error", err)
		}
	}()

	if err := u.Export(ctx, destDir); err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Exported %s to %s\n", unitID, destDir)
	return nil
}

// openOneUnit loads the config and opens a single named unit.
func openOneUnit(opts *rootOptions, unitID string) (*unit.Unit, *slog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	ucfg, ok := cfg.Unit(unitID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown unit: %s", unitID)
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("creating embedder: %w", err)
	}

	u, err := unit.Open(ucfg, embedder, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening unit %s: %w", unitID, err)
	}
	return u, logger, nil
}
