package port

import (
	"errors"
	"testing"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/simkern"
	"github.com/danmuck/excport/internal/testutil/testlog"
)

func TestEndpointLifecycleReleasesExactlyOnce(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	before := len(k.Names())

	ep, err := Allocate(k)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := ep.InsertSendRight(); err != nil {
		t.Fatalf("insert send right: %v", err)
	}
	info, ok := k.Rights(ep.Name())
	if !ok || !info.Receive || info.SendRefs != 1 {
		t.Fatalf("unexpected rights: %+v", info)
	}
	if err := ep.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ep.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if got := len(k.Names()); got != before {
		t.Fatalf("rights leaked: before=%d after=%d", before, got)
	}
	if ep.Name() != mach.PortNull {
		t.Fatalf("released endpoint should report PortNull")
	}
	if err := ep.InsertSendRight(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
}

func TestAllocateFailureReturnsKernelStatus(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	k.Inject(simkern.OpAllocate, mach.KernResourceShortage)
	_, err := Allocate(k)
	if !errors.Is(err, mach.KernResourceShortage) {
		t.Fatalf("expected KERN_RESOURCE_SHORTAGE, got %v", err)
	}
}

func TestInsertSendRightFailureKeepsReceiveRight(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep, err := Allocate(k)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	k.Inject(simkern.OpInsertRight, mach.KernUrefsOverflow)
	if err := ep.InsertSendRight(); !errors.Is(err, mach.KernUrefsOverflow) {
		t.Fatalf("expected KERN_UREFS_OVERFLOW, got %v", err)
	}
	if ep.HasSendRight() {
		t.Fatalf("send right should not be recorded after failure")
	}
	if err := ep.Release(); err != nil {
		t.Fatalf("release receive-only endpoint: %v", err)
	}
}

func TestTakeTransfersOwnership(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep, err := Allocate(k)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	name := ep.Name()
	moved, err := ep.Take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if !ep.Released() || moved.Name() != name {
		t.Fatalf("ownership not transferred")
	}
	if _, err := ep.Take(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased on second take, got %v", err)
	}
	if _, ok := k.Rights(name); !ok {
		t.Fatalf("take must not touch the kernel")
	}
	if err := moved.Release(); err != nil {
		t.Fatalf("release moved endpoint: %v", err)
	}
}

func TestReleaseReportsKernelFailure(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep, _ := Allocate(k)
	k.Inject(simkern.OpModRefs, mach.KernInvalidRight)
	if err := ep.Release(); !errors.Is(err, mach.KernInvalidRight) {
		t.Fatalf("expected KERN_INVALID_RIGHT, got %v", err)
	}
	if err := ep.Release(); err != nil {
		t.Fatalf("release stays idempotent after failure: %v", err)
	}
}
