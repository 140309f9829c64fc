package trap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/dispatch"
	"github.com/danmuck/excport/internal/mach"
)

// Watcher is a perpetual listener. It installs once, serves one request at
// a time until its context ends, and restores on the way out. Cancellation
// is observed between listens; an in-flight receive runs to its timeout.
type Watcher struct {
	l *Listener
	// StopAfter ends the watch after that many delivered exceptions. Zero
	// watches until cancelled.
	StopAfter int
	// OnOutcome, if set, sees every listen outcome.
	OnOutcome func(Outcome)
}

func NewWatcher(k Kernel, target mach.Target, cfg Config) *Watcher {
	return &Watcher{l: NewListener(k, target, cfg)}
}

// Listener exposes the underlying listener for status reads.
func (w *Watcher) Listener() *Listener {
	return w.l
}

// Run blocks until ctx is cancelled, StopAfter is reached or a listen fails
// with a kernel or messaging error. The configuration is restored in every
// case once installed. Cancellation alone returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.l.Install(); err != nil {
		return err
	}
	var runErr error
	delivered := 0
	for ctx.Err() == nil {
		listenID, err := w.l.begin(true)
		if err != nil {
			runErr = err
			break
		}
		outcome := w.l.serve(listenID)
		if w.OnOutcome != nil {
			w.OnOutcome(outcome)
		}
		if outcome.Kind == KindDelivered {
			delivered++
			if w.StopAfter > 0 && delivered >= w.StopAfter {
				break
			}
		}
		if outcome.Kind == KindFailed && !recoverable(outcome.Err) {
			runErr = fmt.Errorf("trap: watch stopped: %w", outcome.Err)
			break
		}
	}
	restoreErr := w.l.Restore()
	log.Info().
		Str("node", w.l.cfg.Name).
		Int("delivered", delivered).
		Int("iterations", w.l.Context().Iterations).
		Msg("trap.Watcher.Run")
	return errors.Join(runErr, restoreErr)
}

// recoverable failures concern one request, not the endpoint.
func recoverable(err error) bool {
	return errors.Is(err, dispatch.ErrMalformedRequest) || errors.Is(err, ErrUnexpectedMessage)
}
