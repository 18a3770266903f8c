package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/queue"
)

func newStatusCmd(a *app) *cobra.Command {
	var logLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and recent delivery outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			byPriority, err := store.CountByPriority(ctx)
			if err != nil {
				return err
			}
			deferred, err := store.CountDeferred(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Queue\tCount")
			fmt.Fprintln(w, "------\t------")
			total := 0
			for _, p := range []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow} {
				fmt.Fprintf(w, "%s\t%d\n", p, byPriority[p])
				total += byPriority[p]
			}
			fmt.Fprintf(w, "deferred\t%d\n", deferred)
			fmt.Fprintf(w, "------\t------\n")
			fmt.Fprintf(w, "Total\t%d\n", total+deferred)
			if err := w.Flush(); err != nil {
				return err
			}

			if logLimit > 0 {
				entries, err := store.Log().Recent(ctx, logLimit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "Time\tResult\tTo\tSubject\tDetail")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.Result, e.To, e.Subject, e.Detail)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if stats := a.statsStore(); stats != nil {
				defer stats.Close()
				totals, err := stats.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nAll workers: %d sent, %d deferred, %d skipped, %d requeued.\n",
					totals.Sent, totals.Deferred, totals.Skipped, totals.Requeued)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&logLimit, "log", 10, "Number of recent log entries to show")
	return cmd
}
