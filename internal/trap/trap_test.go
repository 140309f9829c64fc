package trap

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/danmuck/excport/internal/dispatch"
	"github.com/danmuck/excport/internal/journal"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/simkern"
	"github.com/danmuck/excport/internal/mach/wire"
	"github.com/danmuck/excport/internal/registrar"
	"github.com/danmuck/excport/internal/testutil/testlog"
)

func testConfig(mask mach.Mask, timeout time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Name = "trap-test"
	cfg.Mask = mask
	cfg.Timeout = timeout
	return cfg
}

func snapshot(t *testing.T, k *simkern.Kernel, target mach.Target, mask mach.Mask) []mach.SavedEntry {
	t.Helper()
	s, err := registrar.Snapshot(k, target, mask)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s.Entries()
}

// fault raises exc on victim in the background and reports the resolution.
func fault(k *simkern.Kernel, victim mach.Name, exc mach.ExceptionType, codes ...int64) <-chan simkern.Resolution {
	out := make(chan simkern.Resolution, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, _ := k.Raise(ctx, victim, exc, codes...)
		out <- res
	}()
	return out
}

func awaitResolution(t *testing.T, ch <-chan simkern.Resolution) simkern.Resolution {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("victim never resolved")
		return simkern.Resolution{}
	}
}

func TestListenDeliversArithmetic(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	victim := k.NewThread()
	target := mach.ThreadTarget(victim)
	mask := mach.ExcArithmetic.Mask()
	before := snapshot(t, k, target, mask)
	names := k.Names()

	var handled []mach.Exception
	cfg := testConfig(mask, 5*time.Second)
	cfg.Handler = dispatch.HandlerFunc(func(e mach.Exception) { handled = append(handled, e) })
	cfg.Journal = journal.New(8)
	l := NewListener(k, target, cfg)
	if err := l.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	if l.Phase() != PhaseInstalled || l.Context().Endpoint == mach.PortNull {
		t.Fatalf("unexpected context after install: %+v", l.Context())
	}

	resolved := fault(k, victim, mach.ExcArithmetic, 1, 0)
	outcome := l.Listen()
	if !outcome.Delivered() {
		t.Fatalf("expected delivery, got %s", outcome)
	}
	want := mach.Exception{Type: mach.ExcArithmetic, Code: 1, Subcode: 0}
	if *outcome.Exception != want || len(handled) != 1 || handled[0] != want {
		t.Fatalf("unexpected exception: outcome=%+v handled=%+v", outcome.Exception, handled)
	}
	if outcome.ListenID == "" || outcome.ListenID != l.Context().ListenID {
		t.Fatalf("listen id not recorded: %q vs %q", outcome.ListenID, l.Context().ListenID)
	}
	if r := awaitResolution(t, resolved); r.Level != simkern.LevelThread {
		t.Fatalf("victim should resume at thread level: %+v", r)
	}
	if l.Phase() != PhaseDelivered {
		t.Fatalf("expected delivered phase, got %s", l.Phase())
	}

	if err := l.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if after := snapshot(t, k, target, mask); !slices.Equal(before, after) {
		t.Fatalf("configuration not restored: before=%+v after=%+v", before, after)
	}
	if after := k.Names(); !slices.Equal(names, after) {
		t.Fatalf("rights leaked:\nbefore=%+v\nafter=%+v", names, after)
	}
	entries := cfg.Journal.List(0)
	if len(entries) != 1 || entries[0].ListenID != outcome.ListenID || entries[0].Exception() != want {
		t.Fatalf("journal not updated: %+v", entries)
	}
	if cfg.Journal.Count("delivered") != 1 {
		t.Fatalf("delivered tally missing: %+v", cfg.Journal.Tallies())
	}
}

func TestListenTimesOutThenRestores(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	target := mach.ThreadTarget(k.NewThread())
	mask := mach.ExcBadAccess.Mask()
	before := snapshot(t, k, target, mask)

	called := false
	cfg := testConfig(mask, 50*time.Millisecond)
	cfg.Handler = dispatch.HandlerFunc(func(mach.Exception) { called = true })
	l := NewListener(k, target, cfg)
	if err := l.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	start := time.Now()
	outcome := l.Listen()
	if outcome.Kind != KindTimedOut {
		t.Fatalf("expected timeout, got %s", outcome)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timeout bound not honored: %s", elapsed)
	}
	if called {
		t.Fatalf("handler must not run on timeout")
	}
	if err := l.Restore(); err != nil {
		t.Fatalf("restore after timeout: %v", err)
	}
	if after := snapshot(t, k, target, mask); !slices.Equal(before, after) {
		t.Fatalf("configuration not restored: before=%+v after=%+v", before, after)
	}
	if ctx := l.Context(); ctx.Phase != PhaseRestored || ctx.Endpoint != mach.PortNull || ctx.RestoreErr != nil {
		t.Fatalf("unexpected final context: %+v", ctx)
	}
}

func TestLifecycleOrder(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	l := NewListener(k, mach.TaskTarget(k.TaskSelf()), testConfig(mach.ExcBreakpoint.Mask(), 20*time.Millisecond))

	if outcome := l.Listen(); outcome.Kind != KindFailed || !errors.Is(outcome.Err, ErrLifecycleOrder) {
		t.Fatalf("listen before install: %s", outcome)
	}
	if err := l.Restore(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("restore before install: %v", err)
	}
	if err := l.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	var order *OrderError
	if err := l.Install(); !errors.As(err, &order) || order.Phase != PhaseInstalled {
		t.Fatalf("second install: %v", err)
	}
	if outcome := l.Listen(); outcome.Kind != KindTimedOut {
		t.Fatalf("listen: %s", outcome)
	}
	if outcome := l.Listen(); !errors.Is(outcome.Err, ErrLifecycleOrder) {
		t.Fatalf("listener is single use: %s", outcome)
	}
	if err := l.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := l.Restore(); err != nil {
		t.Fatalf("second restore should be a no-op: %v", err)
	}
	if err := l.Install(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("install after restore: %v", err)
	}
}

func TestInstallFailureKeepsIdle(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	target := mach.TaskTarget(k.TaskSelf())
	mask := mach.ExcArithmetic.Mask()
	before := snapshot(t, k, target, mask)
	k.Inject(simkern.OpAllocate, mach.KernResourceShortage)

	outcome, err := Catch(k, target, testConfig(mask, time.Second), nil)
	if !errors.Is(err, registrar.ErrResourceExhaustion) || outcome.Kind != KindFailed {
		t.Fatalf("expected resource exhaustion, got outcome=%s err=%v", outcome, err)
	}
	if after := snapshot(t, k, target, mask); !slices.Equal(before, after) {
		t.Fatalf("failed install changed configuration")
	}
}

func TestListenAsyncAndCatch(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	victim := k.NewThread()
	l := NewListener(k, mach.ThreadTarget(victim), testConfig(mach.ExcBadInstruction.Mask(), 5*time.Second))
	if err := l.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	ch := l.ListenAsync()
	resolved := fault(k, victim, mach.ExcBadInstruction, 1, 0xd4200000)
	outcome, ok := <-ch
	if !ok || !outcome.Delivered() || outcome.Exception.Subcode != 0xd4200000 {
		t.Fatalf("unexpected async outcome: %s", outcome)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("outcome channel should close")
	}
	awaitResolution(t, resolved)
	if err := l.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	victim2 := k.NewThread()
	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := Catch(k, mach.ThreadTarget(victim2), testConfig(mach.ExcBreakpoint.Mask(), 5*time.Second), nil)
		done <- outcome
	}()
	// the fault has nowhere to go until Catch installed, so retry until handled
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, _ := k.Raise(context.Background(), victim2, mach.ExcBreakpoint, 1, 0x1000)
		if r.Handled() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if outcome := <-done; !outcome.Delivered() || outcome.Exception.Type != mach.ExcBreakpoint {
		t.Fatalf("catch: %s", outcome)
	}
}

func TestReplyCodeLetsExceptionFallThrough(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	victim := k.NewThread()
	cfg := testConfig(mach.ExcCrash.Mask(), 5*time.Second)
	cfg.ReplyCode = mach.KernFailure
	l := NewListener(k, mach.ThreadTarget(victim), cfg)
	if err := l.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	defer l.Restore()
	resolved := fault(k, victim, mach.ExcCrash, 11<<24, 0)
	if outcome := l.Listen(); !outcome.Delivered() {
		t.Fatalf("observer should still see the exception: %s", outcome)
	}
	r := awaitResolution(t, resolved)
	if r.Level != simkern.LevelUnhandled || r.RetCode != mach.KernFailure {
		t.Fatalf("exception should fall through: %+v", r)
	}
}

func TestListenMalformedRequestFails(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	l := NewListener(k, mach.TaskTarget(k.TaskSelf()), testConfig(mach.ExcBadAccess.Mask(), time.Second))
	if err := l.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	defer l.Restore()
	ep := l.Context().Endpoint
	msg := wire.Message(wire.Header{Bits: mach.MakeBits(mach.DispCopySend, 0), Remote: ep, ID: wire.IDRaise}, make([]byte, 48))
	if code := k.Send(msg, mach.SendMsg, 0); code != mach.MsgSuccess {
		t.Fatalf("send: %s", code)
	}
	outcome := l.Listen()
	if outcome.Kind != KindFailed || !errors.Is(outcome.Err, dispatch.ErrMalformedRequest) {
		t.Fatalf("expected malformed failure, got %s", outcome)
	}
	if l.Phase() != PhaseFailed {
		t.Fatalf("expected failed phase, got %s", l.Phase())
	}
}

func TestWatcherStopsAfterDeliveries(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	victim := k.NewThread()
	target := mach.ThreadTarget(victim)
	mask := mach.MaskOf(mach.ExcBadAccess, mach.ExcArithmetic)
	before := snapshot(t, k, target, mask)

	cfg := testConfig(mask, 100*time.Millisecond)
	cfg.Journal = journal.New(8)
	w := NewWatcher(k, target, cfg)
	w.StopAfter = 2
	var outcomes []Outcome
	w.OnOutcome = func(o Outcome) { outcomes = append(outcomes, o) }

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()

	for _, exc := range []mach.ExceptionType{mach.ExcBadAccess, mach.ExcArithmetic} {
		deadline := time.Now().Add(5 * time.Second)
		for {
			r, _ := k.Raise(context.Background(), victim, exc, 1, 2)
			if r.Handled() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never handled", exc)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop after deliveries")
	}
	ctx := w.Listener().Context()
	if ctx.Delivered != 2 || ctx.Phase != PhaseRestored || ctx.Iterations < 2 {
		t.Fatalf("unexpected watcher context: %+v", ctx)
	}
	if len(outcomes) != ctx.Iterations {
		t.Fatalf("every listen should reach OnOutcome: %d vs %d", len(outcomes), ctx.Iterations)
	}
	if got := cfg.Journal.List(0); len(got) != 2 || got[0].Type != "arithmetic" {
		t.Fatalf("journal should hold both, newest first: %+v", got)
	}
	if after := snapshot(t, k, target, mask); !slices.Equal(before, after) {
		t.Fatalf("configuration not restored after watch")
	}
}

func TestWatcherHonorsCancellation(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(k, mach.TaskTarget(k.TaskSelf()), testConfig(mach.ExcGuard.Mask(), 20*time.Millisecond))
	w.OnOutcome = func(o Outcome) {
		if o.Kind == KindTimedOut {
			cancel()
		}
	}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("cancelled watch should return nil, got %v", err)
	}
	if c := w.Listener().Context(); c.Iterations != 1 || c.Phase != PhaseRestored {
		t.Fatalf("cancellation should stop after the current listen: %+v", c)
	}
}

func TestWatcherStopsOnReceiveFailure(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	k.InjectMsg(simkern.OpReceive, mach.RcvPortDied)
	w := NewWatcher(k, mach.TaskTarget(k.TaskSelf()), testConfig(mach.ExcSoftware.Mask(), time.Second))
	err := w.Run(context.Background())
	if err == nil || w.Listener().Phase() != PhaseRestored {
		t.Fatalf("expected failure with restore, err=%v phase=%s", err, w.Listener().Phase())
	}
}
