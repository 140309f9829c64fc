package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/excport/internal/excinfo"
	"github.com/danmuck/excport/internal/trap"
)

func newCatchCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "catch",
		Short: "Install, wait for one exception, restore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				cfg.ListenTimeout = timeout
			}
			k, err := openKernel()
			if err != nil {
				return err
			}
			target, err := resolveTarget(k, cfg.Target)
			if err != nil {
				return err
			}
			outcome, err := trap.Catch(k, target, cfg.Trap(nil), nil)
			printOutcome(cmd, outcome)
			if err != nil {
				return err
			}
			if outcome.Kind == trap.KindFailed {
				return outcome.Err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", trap.DefaultTimeout, "how long to wait for an exception")
	return cmd
}

func printOutcome(cmd *cobra.Command, o trap.Outcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, o.Kind)
	if o.Exception != nil {
		fmt.Fprintf(out, "  %s\n", excinfo.Describe(*o.Exception))
	}
}
