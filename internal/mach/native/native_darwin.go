//go:build darwin && cgo

package native

/*
#include <mach/mach.h>
#include <pthread.h>

static mach_port_t excport_task_self(void) { return mach_task_self(); }
static mach_port_t excport_thread_self(void) { return pthread_mach_thread_np(pthread_self()); }
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/danmuck/excport/internal/mach"
)

// Kernel issues Mach calls against the calling task's IPC space.
type Kernel struct {
	task C.mach_port_t
}

var _ mach.Kernel = (*Kernel)(nil)

func Open() (mach.Kernel, error) {
	return &Kernel{task: C.excport_task_self()}, nil
}

func (k *Kernel) space() C.ipc_space_t {
	return C.ipc_space_t(k.task)
}

func (k *Kernel) TaskSelf() mach.Name {
	return mach.Name(k.task)
}

// ThreadSelf names the calling OS thread without taking a reference. Callers
// that need a stable thread must hold runtime.LockOSThread.
func (k *Kernel) ThreadSelf() mach.Name {
	return mach.Name(C.excport_thread_self())
}

// TaskForPID returns a send right to pid's task port. It needs the
// task_for_pid entitlement or root.
func TaskForPID(pid int) (mach.Name, error) {
	var task C.mach_port_name_t
	code := mach.KernReturn(C.task_for_pid(C.mach_port_name_t(C.excport_task_self()), C.int(pid), &task))
	if err := mach.CheckKern("task_for_pid", code); err != nil {
		return mach.PortNull, err
	}
	return mach.Name(task), nil
}

func (k *Kernel) AllocateReceive() (mach.Name, mach.KernReturn) {
	var name C.mach_port_name_t
	code := C.mach_port_allocate(k.space(), C.mach_port_right_t(mach.RightReceive), &name)
	return mach.Name(name), mach.KernReturn(code)
}

func (k *Kernel) InsertRight(name mach.Name, poly mach.Name, disp mach.Disposition) mach.KernReturn {
	return mach.KernReturn(C.mach_port_insert_right(k.space(), C.mach_port_name_t(name), C.mach_port_t(poly), C.mach_msg_type_name_t(disp)))
}

func (k *Kernel) ModRefs(name mach.Name, right mach.Right, delta int) mach.KernReturn {
	return mach.KernReturn(C.mach_port_mod_refs(k.space(), C.mach_port_name_t(name), C.mach_port_right_t(right), C.mach_port_delta_t(delta)))
}

func (k *Kernel) Deallocate(name mach.Name) mach.KernReturn {
	return mach.KernReturn(C.mach_port_deallocate(k.space(), C.mach_port_name_t(name)))
}

type savedArrays struct {
	masks     [mach.ExcTypesCount]C.exception_mask_t
	ports     [mach.ExcTypesCount]C.mach_port_t
	behaviors [mach.ExcTypesCount]C.exception_behavior_t
	flavors   [mach.ExcTypesCount]C.thread_state_flavor_t
	count     C.mach_msg_type_number_t
}

func newSavedArrays(saved *mach.SavedPorts) *savedArrays {
	a := &savedArrays{count: C.mach_msg_type_number_t(mach.ExcTypesCount)}
	if saved != nil && saved.Count >= 0 && saved.Count <= mach.ExcTypesCount {
		a.count = C.mach_msg_type_number_t(saved.Count)
	}
	return a
}

func (a *savedArrays) copyTo(saved *mach.SavedPorts) {
	if saved == nil {
		return
	}
	saved.Count = int(a.count)
	n := min(int(a.count), mach.ExcTypesCount)
	for i := 0; i < n; i++ {
		saved.Masks[i] = mach.Mask(a.masks[i])
		saved.Ports[i] = mach.Name(a.ports[i])
		saved.Behaviors[i] = mach.Behavior(a.behaviors[i])
		saved.Flavors[i] = mach.Flavor(a.flavors[i])
	}
}

func (k *Kernel) SwapExceptionPorts(target mach.Target, mask mach.Mask, port mach.Name, behavior mach.Behavior, flavor mach.Flavor, saved *mach.SavedPorts) mach.KernReturn {
	a := newSavedArrays(saved)
	var code C.kern_return_t
	switch target.Kind {
	case mach.TargetThread:
		code = C.thread_swap_exception_ports(C.thread_act_t(target.Port), C.exception_mask_t(mask), C.mach_port_t(port),
			C.exception_behavior_t(behavior), C.thread_state_flavor_t(flavor),
			&a.masks[0], &a.count, &a.ports[0], &a.behaviors[0], &a.flavors[0])
	case mach.TargetTask:
		code = C.task_swap_exception_ports(C.task_t(target.Port), C.exception_mask_t(mask), C.mach_port_t(port),
			C.exception_behavior_t(behavior), C.thread_state_flavor_t(flavor),
			&a.masks[0], &a.count, &a.ports[0], &a.behaviors[0], &a.flavors[0])
	default:
		return mach.KernInvalidArgument
	}
	if code == C.KERN_SUCCESS {
		a.copyTo(saved)
	}
	return mach.KernReturn(code)
}

func (k *Kernel) GetExceptionPorts(target mach.Target, mask mach.Mask, saved *mach.SavedPorts) mach.KernReturn {
	a := newSavedArrays(saved)
	var code C.kern_return_t
	switch target.Kind {
	case mach.TargetThread:
		code = C.thread_get_exception_ports(C.thread_act_t(target.Port), C.exception_mask_t(mask),
			&a.masks[0], &a.count, &a.ports[0], &a.behaviors[0], &a.flavors[0])
	case mach.TargetTask:
		code = C.task_get_exception_ports(C.task_t(target.Port), C.exception_mask_t(mask),
			&a.masks[0], &a.count, &a.ports[0], &a.behaviors[0], &a.flavors[0])
	default:
		return mach.KernInvalidArgument
	}
	if code == C.KERN_SUCCESS {
		a.copyTo(saved)
	}
	return mach.KernReturn(code)
}

func header(buf []byte) *C.mach_msg_header_t {
	return (*C.mach_msg_header_t)(unsafe.Pointer(&buf[0]))
}

func millis(d time.Duration) C.mach_msg_timeout_t {
	if d <= 0 {
		return 0
	}
	return C.mach_msg_timeout_t((d + time.Millisecond - 1) / time.Millisecond)
}

func (k *Kernel) Receive(buf []byte, opts mach.MsgOption, rcv mach.Name, timeout time.Duration) mach.MsgReturn {
	if len(buf) < int(unsafe.Sizeof(C.mach_msg_header_t{})) {
		return mach.RcvTooLarge
	}
	code := C.mach_msg(header(buf), C.mach_msg_option_t(opts), 0, C.mach_msg_size_t(len(buf)),
		C.mach_port_name_t(rcv), millis(timeout), 0)
	return mach.MsgReturn(code)
}

func (k *Kernel) Send(msg []byte, opts mach.MsgOption, timeout time.Duration) mach.MsgReturn {
	if len(msg) < int(unsafe.Sizeof(C.mach_msg_header_t{})) {
		return mach.SendMsgTooSmall
	}
	h := header(msg)
	if int(h.msgh_size) > len(msg) {
		return mach.SendInvalidData
	}
	code := C.mach_msg(h, C.mach_msg_option_t(opts), h.msgh_size, 0, 0, millis(timeout), 0)
	return mach.MsgReturn(code)
}

func (k *Kernel) DestroyMessage(msg []byte) {
	if len(msg) < int(unsafe.Sizeof(C.mach_msg_header_t{})) {
		return
	}
	C.mach_msg_destroy(header(msg))
}
