package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailq/internal/api"
	"github.com/busybox42/mailq/internal/engine"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		blockSize int
		count     bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Iterate the mail queue, attempting to send all mail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			if count {
				queued, err := store.CountNonDeferred(ctx)
				if err != nil {
					return err
				}
				deferred, err := store.CountDeferred(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d queued message%s (and %d deferred message%s).\n",
					queued, plural(queued), deferred, plural(deferred))
				return nil
			}

			stats := a.statsStore()
			if stats != nil {
				defer stats.Close()
			}
			e, err := a.newEngine(store, stats)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("block-size") {
				blockSize = a.cfg.Delivery.BlockSize
			}
			summary, err := e.SendAll(ctx, blockSize)
			if err != nil {
				return err
			}
			printSummary(cmd, summary)
			return nil
		},
	}

	cmd.Flags().IntVarP(&blockSize, "block-size", "b", 500,
		"Messages to send before checking the queue again for new arrivals")
	cmd.Flags().BoolVarP(&count, "count", "c", false,
		"Print the number of messages in the queue without sending any")
	return cmd
}

func printSummary(cmd *cobra.Command, s engine.Summary) {
	out := cmd.OutOrStdout()
	switch {
	case s.Locked:
		fmt.Fprintln(out, "Lock already in place, nothing sent.")
	case s.Paused:
		fmt.Fprintln(out, "Sending is paused, nothing sent.")
	default:
		fmt.Fprintln(out, s.String())
		fmt.Fprintf(out, "Completed in %.2f seconds.\n", s.Elapsed.Seconds())
	}
}

func newLoopCmd(a *app) *cobra.Command {
	var (
		sleep         int
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Keep sending queued mail until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if !cmd.Flags().Changed("sleep") {
				sleep = a.cfg.Delivery.EmptyQueueSleep
			}
			if !cmd.Flags().Changed("metrics-listen") {
				metricsListen = a.cfg.Metrics.Listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return e.SendLoop(ctx, seconds(sleep))
			})

			if interval := a.cfg.Delivery.RetryInterval; interval > 0 {
				g.Go(func() error {
					return e.RetryLoop(ctx, seconds(interval), a.cfg.Delivery.MaxRetries, a.cfg.RetryPriority())
				})
			}

			if metricsListen != "" {
				var opts []api.Option
				if stats != nil {
					opts = append(opts, api.WithStats(stats))
				}
				rl := a.cfg.Metrics.RateLimit
				srv := api.NewServer(api.Config{
					ListenAddr: metricsListen,
					RateLimit: api.RateLimitConfig{
						Enabled:           rl.Enabled,
						RequestsPerSecond: rl.RequestsPerSecond,
						Burst:             rl.Burst,
					},
				}, store, opts...)
				if err := srv.Start(); err != nil {
					stop()
					g.Wait()
					return err
				}
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Stop(shutdownCtx)
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVar(&sleep, "sleep", 30, "Seconds to wait before checking an empty queue again")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve /metrics and /healthz on this address")
	return cmd
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
