package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/parisxmas/oxiwarehouse/internal/config"
	"github.com/parisxmas/oxiwarehouse/internal/logging"
)

type commandContext struct {
	configFlag *string

	once      sync.Once
	config    *config.Config
	logger    *slog.Logger
	closeLogs func() error
	err       error
}

func (c *commandContext) ensure() (*config.Config, *slog.Logger, error) {
	c.once.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.err = err
			return
		}
		if err := cfg.Validate(); err != nil {
			c.err = err
			return
		}
		logger, closeLogs, err := logging.New(logging.Options{
			Level:    cfg.Log.Level,
			Format:   cfg.Log.Format,
			GelfAddr: cfg.Log.GelfAddr,
		})
		if err != nil {
			c.err = err
			return
		}
		slog.SetDefault(logger)
		c.config, c.logger, c.closeLogs = cfg, logger, closeLogs
	})
	return c.config, c.logger, c.err
}

func (c *commandContext) close() {
	if c.closeLogs != nil {
		c.closeLogs()
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "oxiwarehouse",
		Short:         "Submission warehouse server and tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := ctx.ensure()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newSubmissionsCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	return rootCmd
}
