package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/mailer"
	"github.com/busybox42/mailq/internal/queue"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "enqueue [file|-]",
		Short: "Queue an RFC 5322 message for delivery",
		Long: `Read a message from a file, or standard input when the file is "-" or
omitted, and hand it to the configured sender. The priority comes from
--priority, then the X-Mail-Queue-Priority header, then the configured default.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(cmd, args)
			if err != nil {
				return err
			}

			parsed, err := mailer.ParseMessage(raw)
			if err != nil {
				return err
			}

			prio := a.cfg.DefaultPriority()
			if parsed.HasPriority {
				prio = parsed.Priority
			}
			if priority != "" {
				if prio, err = queue.ParsePriority(priority); err != nil {
					return err
				}
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sender, err := mailer.New(a.cfg.Sender.Mode, store, a.transport())
			if err != nil {
				return err
			}

			n, err := sender.Send(cmd.Context(), parsed.Envelope, parsed.Recipients, prio)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d message%s accepted with %s priority.\n", n, plural(n), prio)
			return nil
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority (now, high, normal, low)")
	return cmd
}

func readMessage(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}
