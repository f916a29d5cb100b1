package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/echo-ledger/cmd/api"
	"github.com/FACorreiaa/echo-ledger/pkg/config"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// app carries the state shared by every subcommand.
type app struct {
	cfgFile string
	storage string
	verbose bool
	output  string

	deps  *api.Dependencies
	owned bool
}

// Execute runs the importctl command tree.
func Execute() error {
	return newRootCmd(&app{}).Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "importctl",
		Short: "Bank statement import and staging tool",
		Long: `importctl imports bank statement CSV exports into the ledger and manages
the staged-import lifecycle from the command line.

Examples:
  importctl preview --account 123 statement.csv
  importctl import --account 123 statement.csv
  importctl sessions --account 123
  importctl undo --account 123 <session-id>
  importctl apply --account 123 --months 2024-03
  importctl expire --max-age-days 30`,
		Version:           getVersionString(),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}

	// Global flags
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (optional)")
	root.PersistentFlags().StringVar(&a.storage, "storage", "", "storage driver override (memory or postgres)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", outputText, "output format (text or json)")

	root.AddCommand(
		newImportCmd(a, false),
		newImportCmd(a, true),
		newSessionsCmd(a),
		newUndoCmd(a),
		newApplyCmd(a),
		newExpireCmd(a),
		newExportCmd(a),
		newSavingsCmd(a),
	)

	return root
}

// setup loads configuration and wires dependencies unless they were injected.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.output != outputText && a.output != outputJSON {
		return fmt.Errorf("invalid output format %q", a.output)
	}
	if a.deps != nil {
		return nil
	}

	if err := godotenv.Load(); err != nil && a.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "no .env file loaded: %v\n", err)
	}

	path := a.cfgFile
	if path == "" {
		path = os.Getenv(config.ConfigFileEnv)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if a.storage != "" {
		cfg.Storage.Driver = a.storage
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	deps, err := api.InitDependencies(cfg, logger)
	if err != nil {
		return err
	}
	a.deps = deps
	a.owned = true
	return nil
}

func (a *app) teardown() {
	if a.owned && a.deps != nil {
		a.deps.Cleanup()
		a.deps = nil
		a.owned = false
	}
}

// render writes v as indented JSON or hands it to text.
func (a *app) render(w io.Writer, v any, text func(io.Writer) error) error {
	if a.output == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
