package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/registrar"
)

func newStatusCmd() *cobra.Command {
	var maskNames []string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current exception ports of the target",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mask := mach.MaskAll
			if len(maskNames) > 0 {
				if mask, err = mach.ParseMask(maskNames); err != nil {
					return err
				}
			}
			k, err := openKernel()
			if err != nil {
				return err
			}
			target, err := resolveTarget(k, cfg.Target)
			if err != nil {
				return err
			}
			saved, err := registrar.Snapshot(k, target, mask)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d entries\n", target, saved.Count)
			for _, e := range saved.Entries() {
				fmt.Fprintf(out, "  port=%d behavior=%#x flavor=%d mask=%s\n", e.Port, uint32(e.Behavior), e.Flavor, e.Mask)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&maskNames, "mask", nil, "exception categories to query (default all)")
	return cmd
}
