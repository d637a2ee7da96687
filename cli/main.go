package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/usagepulse/usagepulse/cli/internal/collector"
	"github.com/usagepulse/usagepulse/cli/internal/config"
	"github.com/usagepulse/usagepulse/cli/internal/output"
	"github.com/usagepulse/usagepulse/internal/model"
)

const version = "0.3.0"

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "usagepulse",
		Short:         "Collect AI-assistant usage from local logs and upload aggregates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newCollectCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newServiceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the run-scoped logger handed to every component.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newCollectCmd() *cobra.Command {
	var (
		granularity string
		dryRun      bool
		roots       []string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the scan, aggregate and upload pipeline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := model.ParseGranularity(granularity)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !dryRun {
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("%w (run 'usagepulse config' first)", err)
				}
			}

			log := newLogger()
			report, err := collector.New(cfg, log).Run(cmd.Context(), collector.Options{
				Granularity: g,
				DryRun:      dryRun,
				Roots:       roots,
			})
			if report != nil {
				output.PrintReport(cmd.OutOrStdout(), report, dryRun)
			}
			if err != nil {
				return err
			}
			if failed := report.FailedTotal(); failed > 0 {
				log.Warn("some records were not acknowledged; the next run retries them", "failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&granularity, "granularity", "g", "all", "aggregation view to upload: daily, session, blocks or all")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "aggregate and report without uploading")
	cmd.Flags().StringArrayVar(&roots, "root", nil, "log root directory (repeatable, overrides config)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var (
		server  string
		apiKey  string
		userID  string
		machine string
		show    bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configure server URL, credentials and identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if show {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if cfg.Server == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "No configuration found. Run 'usagepulse config --server <url> --api-key <key> --user <id>' to configure.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Server:     %s\n", cfg.Server)
				fmt.Fprintf(cmd.OutOrStdout(), "API Key:    %s\n", maskKey(cfg.APIKey))
				fmt.Fprintf(cmd.OutOrStdout(), "User ID:    %s\n", cfg.UserID)
				fmt.Fprintf(cmd.OutOrStdout(), "Machine ID: %s\n", cfg.MachineID)
				return nil
			}

			if server == "" && apiKey == "" && userID == "" && machine == "" {
				return cmd.Usage()
			}

			cfg, err := config.Load()
			if err != nil {
				cfg = &config.Config{}
			}
			if server != "" {
				cfg.Server = server
			}
			if apiKey != "" {
				cfg.APIKey = apiKey
			}
			if userID != "" {
				cfg.UserID = userID
			}
			if machine != "" {
				cfg.MachineID = machine
			}

			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration saved.")
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "ingestion server URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	cmd.Flags().StringVar(&userID, "user", "", "user identifier")
	cmd.Flags().StringVar(&machine, "machine", "", "machine identifier override")
	cmd.Flags().BoolVar(&show, "show", false, "show current configuration")
	return cmd
}

func maskKey(key string) string {
	if len(key) < 12 {
		return "(set)"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
