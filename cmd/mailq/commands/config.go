package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputPath := "mailq.toml"
			if len(args) > 0 {
				outputPath = args[0]
			}

			if err := config.CreateDefaultConfig(outputPath); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := a.configPath
			if len(args) > 0 {
				configFile = args[0]
			}
			return validateConfig(cmd, configFile)
		},
	})

	return cmd
}

func validateConfig(cmd *cobra.Command, configFile string) error {
	out := cmd.OutOrStdout()

	path, err := config.FindConfigFile(configFile)
	if err != nil {
		return err
	}
	// LoadConfig rejects invalid files, so validate the parsed values
	// directly to report every problem.
	cfg, err := config.ParseFile(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	result := cfg.Validate()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, err.Error())
		}
		fmt.Fprintln(out)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if result.Valid {
		fmt.Fprintf(out, "Configuration Summary:\n")
		fmt.Fprintf(out, "  Store: %s\n", cfg.Store.Type)
		fmt.Fprintf(out, "  Relay: %s:%d (tls: %s)\n", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.TLS)
		fmt.Fprintf(out, "  Lock: %s (%s)\n", cfg.Lock.Backend, cfg.Lock.Name)
		fmt.Fprintf(out, "  Sender: %s, default priority %s\n", cfg.Sender.Mode, cfg.Sender.DefaultPriority)
		if cfg.Delivery.PauseSend {
			fmt.Fprintf(out, "  Sending: PAUSED\n")
		}
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mailq %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", date)
		},
	}
}
