package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/queue"
)

func newRetryCmd(a *app) *cobra.Command {
	var (
		maxRetries int
		priority   string
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Place deferred messages back in the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			newPriority := queue.PriorityNow
			if priority != "" {
				p, err := queue.ParsePriority(priority)
				if err != nil {
					return err
				}
				newPriority = p
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats := a.statsStore()
			if stats != nil {
				defer stats.Close()
			}
			e, err := a.newEngine(store, stats)
			if err != nil {
				return err
			}

			n, err := e.RetryDeferred(cmd.Context(), maxRetries, newPriority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d deferred message%s placed back in the queue\n", n, plural(n))
			return nil
		},
	}

	cmd.Flags().IntVarP(&maxRetries, "max-retries", "m", -1,
		"Don't reset deferred messages with more than this many retries (negative for no limit)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "",
		"Give requeued messages this priority (high, normal, low)")
	return cmd
}
