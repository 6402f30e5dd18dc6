package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/config"
)

// rootOptions carries what every subcommand needs after flag parsing.
type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "collab",
		Short: "Realtime document sync and persistence server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(opts.configPath, os.Getenv, cmd.Flags())
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(opts.logger)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	config.BindFlags(cmd.PersistentFlags(), config.Default())

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newPurgeCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
