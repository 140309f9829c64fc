package main

import (
	"fmt"
	"runtime"

	"github.com/danmuck/excport/internal/config"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/native"
)

// openKernel is replaced in tests.
var openKernel = native.Open

var taskForPID = native.TaskForPID

// resolveTarget names the thread or task a TargetSpec points at. A thread
// target is the calling OS thread, so the caller must stay locked to it.
func resolveTarget(k mach.Kernel, spec config.TargetSpec) (mach.Target, error) {
	switch spec.Kind {
	case config.TargetSelf:
		return mach.TaskTarget(k.TaskSelf()), nil
	case config.TargetThread:
		runtime.LockOSThread()
		return mach.ThreadTarget(k.ThreadSelf()), nil
	case config.TargetPID:
		task, err := taskForPID(spec.PID)
		if err != nil {
			return mach.Target{}, fmt.Errorf("resolve %s: %w", spec, err)
		}
		return mach.TaskTarget(task), nil
	default:
		return mach.Target{}, fmt.Errorf("%w: target %q", config.ErrInvalid, spec)
	}
}
