package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/excport/internal/config"
	"github.com/danmuck/excport/internal/logging"
	"github.com/danmuck/excport/internal/observability"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "excwatch: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "excwatch",
		Short: "Intercept Mach exceptions for a thread or task",
		Long: `excwatch installs a private exception port on a thread or task, serves
mach_exception_raise requests one at a time and restores the previous
exception configuration on exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if logLevel != "" {
				os.Setenv(logging.EnvLogLevel, logLevel)
			}
			observability.InitLogger("excwatch")
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newWatchCmd(),
		newCatchCmd(),
		newStatusCmd(),
		newConfigCmd(),
		newDemoCmd(),
	)
	return root
}

// loadConfig reads --config when set, defaults otherwise.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
