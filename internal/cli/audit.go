package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jdziat/job-reliability/pkg/audit"
	"github.com/jdziat/job-reliability/pkg/core"
)

func newAuditCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify audit chains",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <scope-type> <scope-id>",
		Short: "Recompute every hash of a chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			scope := audit.Scope{Type: args[0], ID: args[1]}
			n, err := a.auditor.VerifyRange(cmd.Context(), scope)
			var verr *core.ChainVerificationError
			if errors.As(err, &verr) {
				return fmt.Errorf("chain %s broken at entry %d after %d valid entries: expected %s, stored %s",
					scope, verr.EntryID, n, verr.Expected, verr.Actual)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain %s valid: %d entries\n", scope, n)
			return nil
		},
	}

	var (
		after uint64
		limit int
	)
	logCmd := &cobra.Command{
		Use:   "log <scope-type> <scope-id>",
		Short: "List entries of a chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.auditor.Entries(cmd.Context(), audit.Scope{Type: args[0], ID: args[1]}, after, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tEVENT\tACTOR\tHASH")
			for _, e := range entries {
				actor := "-"
				if e.Actor != nil {
					actor = *e.Actor
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					e.ID, e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), e.EventType, actor, e.ChainHash[:12])
			}
			return tw.Flush()
		},
	}
	logCmd.Flags().Uint64Var(&after, "after", 0, "only entries with a larger ID")
	logCmd.Flags().IntVarP(&limit, "limit", "n", 50, "entries to show")

	cmd.AddCommand(verifyCmd, logCmd)
	return cmd
}
