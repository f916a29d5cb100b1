package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	importservice "github.com/FACorreiaa/echo-ledger/internal/domain/import/service"
)

func newImportCmd(a *app, preview bool) *cobra.Command {
	var (
		account string
		origin  string
	)

	use, short := "import", "Import a statement file into the ledger as a staged session"
	if preview {
		use, short = "preview", "Show what importing a statement file would do without writing"
	}

	cmd := &cobra.Command{
		Use:   use + " <file>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFileExists(args[0], "statement file"); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read statement file: %w", err)
			}

			out, err := a.deps.ImportService.Import(cmd.Context(), importservice.ImportRequest{
				AccountNumber: account,
				Data:          data,
				FileName:      filepath.Base(args[0]),
				Origin:        origin,
				Preview:       preview,
			})
			if err != nil {
				return err
			}

			return a.render(cmd.OutOrStdout(), out, func(w io.Writer) error {
				return printOutcome(w, out)
			})
		},
	}

	cmd.Flags().StringVarP(&account, "account", "a", "", "account number (required)")
	cmd.Flags().StringVar(&origin, "origin", "cli", "origin recorded with the import")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func printOutcome(w io.Writer, out *importservice.ImportOutcome) error {
	mode := "imported"
	if out.Preview {
		mode = "preview"
	}
	fmt.Fprintf(w, "%s: session %s\n", mode, out.SessionID)
	if out.Warning != nil {
		fmt.Fprintf(w, "warning: identical file already imported for %s on %s\n",
			out.Warning.AccountNumber, out.Warning.LastImportedAt.Format("2006-01-02 15:04"))
	}

	s := out.Stats
	fmt.Fprintf(w, "rows parsed:       %d\n", s.RowsParsed)
	fmt.Fprintf(w, "accepted:          %d\n", s.Accepted)
	fmt.Fprintf(w, "duplicates:        %d existing, %d in file\n", s.DupesExisting, s.DupesIntraFile)
	fmt.Fprintf(w, "savings queued:    %d\n", s.SavingsCount)
	fmt.Fprintf(w, "errors:            %d parse, %d normalize\n", s.ParseErrors, s.NormalizeErrors)
	fmt.Fprintf(w, "account size:      %d\n", out.AccountSize)
	if out.Streamed {
		fmt.Fprintln(w, "streamed:          yes")
	}

	if len(s.CategorySources) > 0 {
		sources := make([]string, 0, len(s.CategorySources))
		for src := range s.CategorySources {
			sources = append(sources, string(src))
		}
		sort.Strings(sources)
		fmt.Fprint(w, "category sources: ")
		for _, src := range sources {
			fmt.Fprintf(w, " %s=%d", src, s.CategorySources[common.CategorySource(src)])
		}
		fmt.Fprintln(w)
	}

	for _, rowErr := range out.Errors {
		fmt.Fprintf(w, "  line %d: %s\n", rowErr.Line, rowErr.Message)
	}
	return nil
}

// validateFileExists checks that path names a regular file.
func validateFileExists(path, description string) error {
	if path == "" {
		return fmt.Errorf("%s path is required", description)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s not found: %w", description, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %s", description, path)
	}
	return nil
}
