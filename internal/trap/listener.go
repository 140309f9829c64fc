// Package trap runs the exception listen lifecycle: install a private
// exception port on a target, serve at most one request with a bounded
// receive, and restore the displaced configuration.
package trap

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/dispatch"
	"github.com/danmuck/excport/internal/excinfo"
	"github.com/danmuck/excport/internal/journal"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/msgserver"
	"github.com/danmuck/excport/internal/observability"
	"github.com/danmuck/excport/internal/registrar"
)

const DefaultTimeout = 5 * time.Second

// Kernel is everything one listen cycle touches.
type Kernel interface {
	mach.PortSpace
	mach.ExceptionPorts
	mach.Messenger
}

type Config struct {
	// Name labels metrics and log lines.
	Name    string
	Mask    mach.Mask
	Timeout time.Duration
	// ReplyCode is returned to the kernel after the handler ran. Anything
	// other than KERN_SUCCESS lets the exception fall through.
	ReplyCode mach.KernReturn
	Handler   dispatch.Handler
	Registrar registrar.Options
	// Server.Timeout is replaced by Timeout.
	Server  msgserver.Options
	Journal *journal.Journal
}

func DefaultConfig() Config {
	return Config{
		Name:      "excport",
		Timeout:   DefaultTimeout,
		ReplyCode: mach.KernSuccess,
		Registrar: registrar.DefaultOptions(),
		Server:    msgserver.DefaultOptions(),
	}
}

// Context is the per-listen working state. It is returned by value.
type Context struct {
	ListenID   string
	Phase      Phase
	Target     mach.Target
	Mask       mach.Mask
	Endpoint   mach.Name
	Saved      mach.SavedPorts
	Serve      msgserver.Result
	Last       *Outcome
	Iterations int
	Delivered  int

	InstallErr error
	ServeErr   error
	RestoreErr error

	StartedAt time.Time
	UpdatedAt time.Time
}

// Listener drives one install, listen, restore cycle. A Watcher reuses the
// installed endpoint across listens.
type Listener struct {
	mu     sync.Mutex
	kernel Kernel
	cfg    Config
	ctx    Context
	reg    *registrar.Registration
}

func NewListener(k Kernel, target mach.Target, cfg Config) *Listener {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Registrar.Behavior == 0 {
		cfg.Registrar = registrar.DefaultOptions()
	}
	if cfg.Server.MaxSize == 0 {
		cfg.Server = msgserver.DefaultOptions()
	}
	now := time.Now().UTC()
	return &Listener{
		kernel: k,
		cfg:    cfg,
		ctx: Context{
			Phase:     PhaseIdle,
			Target:    target,
			Mask:      cfg.Mask,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
}

// Context returns a snapshot of the listener state.
func (l *Listener) Context() Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx := l.ctx
	if l.ctx.Last != nil {
		last := *l.ctx.Last
		ctx.Last = &last
	}
	return ctx
}

func (l *Listener) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.Phase
}

// Install redirects the configured mask on the target to a fresh endpoint.
// On failure the listener stays idle and may be installed again.
func (l *Listener) Install() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Phase != PhaseIdle {
		return l.orderErr("install")
	}
	reg, err := registrar.Install(l.kernel, l.ctx.Target, l.cfg.Mask, l.cfg.Registrar)
	l.ctx.InstallErr = err
	l.touch()
	if err != nil {
		log.Error().Err(err).Str("node", l.cfg.Name).Str("target", l.ctx.Target.String()).Msg("trap.Listener.Install")
		return err
	}
	l.reg = reg
	l.ctx.Phase = PhaseInstalled
	l.ctx.Endpoint = reg.Endpoint().Name()
	l.ctx.Saved = reg.Saved()
	return nil
}

// Listen serves at most one exception request within the timeout. Calling
// it outside the installed phase yields Failed(ErrLifecycleOrder).
func (l *Listener) Listen() Outcome {
	listenID, err := l.begin(false)
	if err != nil {
		return Failed(err)
	}
	return l.serve(listenID)
}

// ListenAsync runs Listen on a goroutine locked to its own OS thread. The
// channel yields one outcome and is closed.
func (l *Listener) ListenAsync() <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(out)
		out <- l.Listen()
	}()
	return out
}

// Restore puts the displaced configuration back and releases the endpoint.
// It is valid after any terminal phase, or straight after Install to
// abandon a listen. Restoring twice is a no-op.
func (l *Listener) Restore() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.ctx.Phase == PhaseRestored:
		return nil
	case l.ctx.Phase == PhaseInstalled, l.ctx.Phase.Terminal():
	default:
		return l.orderErr("restore")
	}
	err := l.reg.Restore()
	l.ctx.RestoreErr = err
	l.ctx.Phase = PhaseRestored
	l.ctx.Endpoint = mach.PortNull
	l.touch()
	if err != nil {
		observability.RecordRestoreFailure(l.cfg.Name)
		return err
	}
	return nil
}

// begin moves the listener into the listening phase. Repeat allows a new
// listen after a terminal phase on the same installation.
func (l *Listener) begin(repeat bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.ctx.Phase == PhaseInstalled || (repeat && l.ctx.Phase.Terminal())
	if !ok {
		return "", l.orderErr("listen")
	}
	l.ctx.ListenID = uuid.NewString()
	l.ctx.Phase = PhaseListening
	l.ctx.ServeErr = nil
	l.touch()
	return l.ctx.ListenID, nil
}

func (l *Listener) serve(listenID string) Outcome {
	var got *mach.Exception
	capture := dispatch.HandlerFunc(func(e mach.Exception) {
		got = &e
		if l.cfg.Handler != nil {
			l.cfg.Handler.HandleException(e)
		}
	})
	d := dispatch.New(l.kernel, capture, dispatch.WithReplyCode(l.cfg.ReplyCode))
	opts := l.cfg.Server
	opts.Timeout = l.cfg.Timeout

	start := time.Now()
	res, err := msgserver.ServeOnce(l.kernel, l.reg.Endpoint().Name(), d.Demux, opts)
	elapsed := time.Since(start)

	var outcome Outcome
	switch {
	case errors.Is(err, msgserver.ErrTimedOut):
		outcome = TimedOut()
	case err != nil:
		outcome = Failed(err)
		outcome.Exception = got
	case d.LastError() != nil:
		outcome = Failed(d.LastError())
	case got == nil:
		outcome = Failed(ErrUnexpectedMessage)
	default:
		outcome = Delivered(*got)
	}
	outcome.ListenID = listenID
	l.finish(outcome, res, err, elapsed)
	return outcome
}

func (l *Listener) finish(outcome Outcome, res msgserver.Result, err error, elapsed time.Duration) {
	name := l.cfg.Name
	observability.RecordListen(name, outcome.Kind.String(), elapsed)
	if res.Grew {
		observability.RecordServerEvent(name, observability.ServerEventGrow)
	}
	if res.Recovered {
		observability.RecordServerEvent(name, observability.ServerEventRecover)
	}

	event := log.Info()
	if outcome.Kind == KindFailed {
		event = log.Error().Err(outcome.Err)
	}
	event = event.Str("node", name).Str("listen_id", outcome.ListenID).Str("outcome", outcome.Kind.String()).Dur("elapsed", elapsed)

	if j := l.cfg.Journal; j != nil {
		j.Tally(outcome.Kind.String())
	}
	if outcome.Kind == KindDelivered {
		exc := *outcome.Exception
		desc := excinfo.Describe(exc)
		observability.RecordException(name, exc.Type.String())
		if j := l.cfg.Journal; j != nil {
			j.Record(outcome.ListenID, exc, desc, time.Now())
		}
		event = event.Str("exception", desc)
	}
	event.Msg("trap.Listener.Listen")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx.Phase = outcome.Kind.phase()
	l.ctx.Serve = res
	l.ctx.ServeErr = err
	l.ctx.Iterations++
	if outcome.Kind == KindDelivered {
		l.ctx.Delivered++
	}
	last := outcome
	l.ctx.Last = &last
	l.touch()
}

func (l *Listener) touch() {
	l.ctx.UpdatedAt = time.Now().UTC()
}

func (l *Listener) orderErr(op string) error {
	return &OrderError{Op: op, Phase: l.ctx.Phase}
}

// OrderError names the call and the phase it was rejected in.
type OrderError struct {
	Op    string
	Phase Phase
}

func (e *OrderError) Error() string {
	return "trap: " + e.Op + " not allowed in phase " + e.Phase.String()
}

func (e *OrderError) Unwrap() error {
	return ErrLifecycleOrder
}

// Catch runs one complete cycle: install, one listen, restore. The error is
// the install or restore failure; listen failures are in the outcome.
func Catch(k Kernel, target mach.Target, cfg Config, handler dispatch.Handler) (Outcome, error) {
	if handler != nil {
		cfg.Handler = handler
	}
	l := NewListener(k, target, cfg)
	if err := l.Install(); err != nil {
		return Failed(err), err
	}
	outcome := l.Listen()
	if err := l.Restore(); err != nil {
		return outcome, err
	}
	return outcome, nil
}
