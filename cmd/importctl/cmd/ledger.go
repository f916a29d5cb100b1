package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/staging"
)

func newSessionsCmd(a *app) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List import sessions with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			views, err := a.deps.Controller.Sessions(cmd.Context(), account)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), views, func(w io.Writer) error {
				return printSessions(w, views)
			})
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "only list sessions for this account")
	return cmd
}

func printSessions(w io.Writer, views []staging.SessionView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tACCOUNT\tIMPORTED\tSTATUS\tNEW\tSTAGED\tAPPLIED\tUNDO")
	for _, v := range views {
		undo := "-"
		if v.CanUndo {
			undo = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			v.SessionID, v.AccountNumber, v.ImportedAt.Format("2006-01-02 15:04"),
			v.Status, v.NewCount, v.Staged, v.Applied, undo)
	}
	return tw.Flush()
}

func newUndoCmd(a *app) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "undo <session-id>",
		Short: "Remove the still-staged transactions of a recent import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.deps.Controller.UndoStagedImport(cmd.Context(), account, args[0])
			if err != nil {
				return err
			}
			if err := a.render(cmd.OutOrStdout(), out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %d transactions removed\n", out.Result, out.Removed)
				return err
			}); err != nil {
				return err
			}
			if out.Result == staging.UndoNotFound {
				return fmt.Errorf("session %s: %w", args[0], common.ErrNotFound)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "account number (required)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newApplyCmd(a *app) *cobra.Command {
	var (
		account string
		months  []string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Mark staged transactions of the given months as budget-applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.deps.Controller.MarkBudgetApplied(cmd.Context(), account, months)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "applied %d transactions, routed %d savings entries\n", out.Applied, out.SavingsRouted)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "account number (required)")
	cmd.Flags().StringSliceVarP(&months, "months", "m", nil, "months to apply as YYYY-MM (required)")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("months")
	return cmd
}

func newExpireCmd(a *app) *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Auto-apply staged transactions older than the staging limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("max-age-days") {
				maxAgeDays = staging.UseConfiguredMaxAge
			} else if maxAgeDays < 0 {
				return fmt.Errorf("max-age-days must not be negative, got %d", maxAgeDays)
			}
			out, err := a.deps.Controller.ExpireOldStagedTransactions(cmd.Context(), maxAgeDays)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "expired %d transactions across %d sessions, routed %d savings entries\n",
					out.Expired, len(out.Sessions), out.SavingsRouted)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "override the configured staging limit in days; 0 expires everything staged")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		account string
		ids     []string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export import sessions as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			views, err := a.deps.Controller.Sessions(cmd.Context(), account)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				views = staging.FilterSessions(views, ids)
			}

			if outPath == "" || outPath == "-" {
				return staging.ExportSessionsCSV(cmd.OutOrStdout(), views)
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			if err := staging.ExportSessionsCSV(f, views); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "only export sessions for this account")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "session ids to export")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	return cmd
}

func newSavingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "savings",
		Short: "Manage savings transfers waiting for a goal",
	}

	var (
		account string
		months  []string
	)
	process := &cobra.Command{
		Use:   "process",
		Short: "Route queued savings transfers of an account to the review list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			routed, err := a.deps.Controller.ProcessPendingSavingsForAccount(cmd.Context(), account, months)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), map[string]int{"routed": routed}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "routed %d savings entries\n", routed)
				return err
			})
		},
	}
	process.Flags().StringVarP(&account, "account", "a", "", "account number (required)")
	process.Flags().StringSliceVarP(&months, "months", "m", nil, "limit to months as YYYY-MM")
	_ = process.MarkFlagRequired("account")

	review := &cobra.Command{
		Use:   "review",
		Short: "List savings transfers waiting for review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.deps.Controller.SavingsReview(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				return printSavings(w, entries)
			})
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <entry-id>...",
		Short: "Remove reviewed savings transfers from the list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.deps.Controller.ResolveSavingsReview(cmd.Context(), id); err != nil {
					return fmt.Errorf("resolve %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", strings.Join(args, ", "))
			return nil
		},
	}

	cmd.AddCommand(process, review, resolve)
	return cmd
}

func printSavings(w io.Writer, entries []common.PendingSavingsEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACCOUNT\tMONTH\tDATE\tAMOUNT\tNAME")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.AccountNumber, e.Month, e.Date, e.Amount.StringFixed(2), e.Name)
	}
	return tw.Flush()
}
