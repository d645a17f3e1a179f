package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/job-reliability/pkg/deadletter"
)

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func newDLQCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-letter areas",
	}

	var asJSON bool
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Summarise every dead-letter area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			areas, err := a.dlq.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, areas)
			}
			if len(areas) == 0 {
				fmt.Fprintln(out, "No dead-letter areas.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AREA\tPENDING\tREPLAYED\tDISCARDED\tOLDEST\tHEALTH")
			for _, s := range areas {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
					s.Area, s.Pending, s.Replayed, s.Discarded, s.OldestPendingAge.Round(time.Second), s.Health)
			}
			return tw.Flush()
		},
	}

	var peekLimit int
	peekCmd := &cobra.Command{
		Use:   "peek <area>",
		Short: "Show the oldest pending entries of an area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.dlq.Peek(cmd.Context(), args[0], peekLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(out, "No pending entries in %s.\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTASK\tTARGET\tDEATHS\tREASON\tPREVIEW")
			for _, e := range entries {
				preview := e.Preview
				if e.Truncated {
					preview += "…"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
					e.ID, e.TaskID, e.OriginQueue, e.RoutingKey, e.DeathCount, e.LastDeathReason, preview)
			}
			return tw.Flush()
		},
	}
	peekCmd.Flags().IntVarP(&peekLimit, "limit", "n", deadletter.DefaultPeekLimit, "entries to show")

	var (
		maxMessages   int
		backoff       time.Duration
		justification string
		actor         string
	)
	replayCmd := &cobra.Command{
		Use:   "replay <area>",
		Short: "Re-publish pending entries to their original queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.dlq.Replay(cmd.Context(), deadletter.ReplayRequest{
				Area:          args[0],
				MaxMessages:   maxMessages,
				Backoff:       backoff,
				Justification: justification,
				Actor:         actor,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, result)
			}
			fmt.Fprintf(out, "batch %s: attempted %d, replayed %d, failed %d\n",
				result.BatchID, result.Attempted, result.Replayed, result.Failed)
			if result.Stopped {
				fmt.Fprintln(out, "stopped early: failure budget reached")
			}
			for _, d := range result.Details {
				if d.Error != "" {
					fmt.Fprintf(out, "  %s (%s): %s\n", d.EntryID, d.TaskID, d.Error)
				}
			}
			return nil
		},
	}
	replayCmd.Flags().IntVarP(&maxMessages, "max", "m", 100, "maximum entries to replay")
	replayCmd.Flags().DurationVar(&backoff, "backoff", 0, "pause between messages")
	replayCmd.Flags().StringVarP(&justification, "justification", "j", "", "why the replay is safe (required)")
	replayCmd.Flags().StringVar(&actor, "actor", defaultActor(), "operator recorded in the audit log")
	_ = replayCmd.MarkFlagRequired("justification")

	var discardJustification, discardActor string
	discardCmd := &cobra.Command{
		Use:   "discard <area> <entry-id>",
		Short: "Permanently discard a pending entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.dlq.Discard(cmd.Context(), args[0], args[1], discardJustification, discardActor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s from %s\n", args[1], args[0])
			return nil
		},
	}
	discardCmd.Flags().StringVarP(&discardJustification, "justification", "j", "", "why the entry can be dropped (required)")
	discardCmd.Flags().StringVar(&discardActor, "actor", defaultActor(), "operator recorded in the audit log")
	_ = discardCmd.MarkFlagRequired("justification")

	cmd.AddCommand(listCmd, peekCmd, replayCmd, discardCmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
