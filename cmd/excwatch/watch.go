package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/excport/internal/admin"
	"github.com/danmuck/excport/internal/config"
	"github.com/danmuck/excport/internal/journal"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/trap"
)

func newWatchCmd() *cobra.Command {
	var (
		stopAfter int
		adminAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve exceptions until interrupted and expose an admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("stop-after") {
				cfg.StopAfter = stopAfter
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminAddr = adminAddr
			}
			k, err := openKernel()
			if err != nil {
				return err
			}
			target, err := resolveTarget(k, cfg.Target)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, k, target, cfg, func(o trap.Outcome) {
				if o.Kind != trap.KindTimedOut {
					fmt.Fprintln(cmd.OutOrStdout(), o)
				}
			})
		},
	}
	cmd.Flags().IntVar(&stopAfter, "stop-after", 0, "stop after this many delivered exceptions (0 = never)")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "admin listen address; empty disables the admin API")
	return cmd
}

// session ties one watcher to its journal and optional admin server.
type session struct {
	cfg    config.Config
	target mach.Target
	j      *journal.Journal
	w      *trap.Watcher
}

func newSession(k trap.Kernel, target mach.Target, cfg config.Config, onOutcome func(trap.Outcome)) *session {
	j := journal.New(cfg.JournalLimit)
	w := trap.NewWatcher(k, target, cfg.Trap(j))
	w.StopAfter = cfg.StopAfter
	w.OnOutcome = onOutcome
	return &session{cfg: cfg, target: target, j: j, w: w}
}

func runWatch(ctx context.Context, k trap.Kernel, target mach.Target, cfg config.Config, onOutcome func(trap.Outcome)) error {
	return newSession(k, target, cfg, onOutcome).run(ctx)
}

// run serves the watcher and, when an address is configured, the admin
// server. Either one ending stops the other.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.w.Run(ctx)
	})
	if s.cfg.AdminAddr != "" {
		srv := admin.New(s.cfg.Name, s.cfg.AdminAddr, s.cfg.CorsOrigins, s.w.Listener(), s.j)
		g.Go(func() error {
			return srv.Serve(ctx)
		})
	}
	err := g.Wait()
	c := s.w.Listener().Context()
	log.Info().
		Str("node", s.cfg.Name).
		Str("target", s.target.String()).
		Int("delivered", c.Delivered).
		Int("iterations", c.Iterations).
		Msg("excwatch.session.run")
	return err
}
