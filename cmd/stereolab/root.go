package main

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stereolab/internal/config"
)

type commandContext struct {
	configFlag *string
	debugFlag  *bool

	once   sync.Once
	config *config.Config
	logger *logrus.Logger
	err    error
}

func newCommandContext(configFlag *string, debugFlag *bool) *commandContext {
	return &commandContext{configFlag: configFlag, debugFlag: debugFlag}
}

// ensure loads configuration and builds the logger once per process.
func (c *commandContext) ensure() (*config.Config, *logrus.Logger, error) {
	c.once.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.err = err
			return
		}
		c.config = cfg
		c.logger = initLogger(*c.debugFlag, cfg.Logging.Level, cfg.Logging.Format)
		c.logger.WithFields(logrus.Fields{
			"version":    AppVersion,
			"debug_mode": *c.debugFlag,
		}).Debug("Starting stereolab")
	})
	return c.config, c.logger, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var debugFlag bool

	ctx := newCommandContext(&configFlag, &debugFlag)

	rootCmd := &cobra.Command{
		Use:           "stereolab",
		Short:         "Stereo calibration and disparity toolkit",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := ctx.ensure()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug mode with verbose logging")

	rootCmd.AddCommand(newCalibrateCommand(ctx))
	rootCmd.AddCommand(newRectifyCommand(ctx))
	rootCmd.AddCommand(newDisparityCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newMethodsCommand())

	return rootCmd
}
