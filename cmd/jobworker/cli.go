package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "jobworker",
		Short:        "Cooperative job scheduler demo",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	root.AddCommand(newRunCommand(&configFile))
	root.AddCommand(newConfigCommand(&configFile))

	return root
}

func newRunCommand(configFile *string) *cobra.Command {
	var (
		once    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker and post the demo workload",
		Long: `Start a worker, post the demo workload, and serve metrics.

Without --once the command keeps serving until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return run(ctx, cfg, cmd.ErrOrStderr(), once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "exit after the demo workload finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 for no limit)")

	return cmd
}

func newConfigCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
