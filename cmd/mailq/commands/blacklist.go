package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBlacklistCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage suppressed recipient addresses",
	}

	addCmd := &cobra.Command{
		Use:   "add [address...]",
		Short: "Stop delivering to addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, addr := range args {
				if err := store.Blacklist().Add(cmd.Context(), addr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Blacklisted %s\n", addr)
			}
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove [address...]",
		Short: "Resume delivering to addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, addr := range args {
				if err := store.Blacklist().Remove(cmd.Context(), addr); err != nil {
					return fmt.Errorf("failed to remove %s: %w", addr, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", addr)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List blacklisted addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Blacklist().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No blacklisted addresses")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Address\tAdded")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.Address, e.AddedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(addCmd, removeCmd, listCmd)
	return cmd
}
