package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/excport/internal/config"
	"github.com/danmuck/excport/internal/excinfo"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/simkern"
	"github.com/danmuck/excport/internal/trap"
)

// demoFaults is what the synthetic victim raises, in order.
var demoFaults = []mach.Exception{
	{Type: mach.ExcArithmetic, Code: 1, Subcode: 0},
	{Type: mach.ExcBadAccess, Code: int64(mach.KernInvalidAddress), Subcode: 0x10},
	{Type: mach.ExcBreakpoint, Code: 1, Subcode: 0x4000},
}

func newDemoCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a watcher against a simulated kernel and a faulting thread",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.AdminAddr = adminAddr
			return runDemo(cmd.Context(), cfg, func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			})
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "", "also serve the admin API on this address")
	return cmd
}

// runDemo watches a simulated thread while it raises demoFaults. The victim
// starts once the handler is installed; each raise blocks until the watcher
// replied. emit is called from one goroutine at a time.
func runDemo(ctx context.Context, cfg config.Config, emit func(string)) error {
	var mu sync.Mutex
	say := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		emit(line)
	}
	cfg.Mask = mach.MaskOf(mach.ExcArithmetic, mach.ExcBadAccess, mach.ExcBreakpoint)
	cfg.StopAfter = len(demoFaults)
	cfg.Reply = config.ReplySuccess

	k := simkern.New()
	victim := k.NewThread()
	s := newSession(k, mach.ThreadTarget(victim), cfg, func(o trap.Outcome) {
		if o.Kind == trap.KindDelivered {
			say("caught " + excinfo.Describe(*o.Exception))
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.run(ctx)
	})
	g.Go(func() error {
		if err := waitInstalled(ctx, s.w.Listener()); err != nil {
			return err
		}
		for _, f := range demoFaults {
			res, err := k.Raise(ctx, victim, f.Type, f.Code, f.Subcode)
			if err != nil {
				return err
			}
			if !res.Handled() {
				return fmt.Errorf("demo: %s was not handled (%s)", f.Type, res.RetCode)
			}
			say(fmt.Sprintf("victim resumed after %s, resolved at %s", f.Type, res.Level))
		}
		return nil
	})
	return g.Wait()
}

func waitInstalled(ctx context.Context, l *trap.Listener) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for l.Phase() == trap.PhaseIdle {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
