// Package simkern is an in-memory mach.Kernel.
//
// It models one task's IPC space (receive, send and send-once rights),
// bounded port queues, thread and task exception actions, and the mach_msg
// receive/send rules the exception server depends on. Raise plays the
// faulting thread: it sends mach_exception_raise to the registered handler
// and blocks until a reply, escalating thread -> task like the kernel.
//
// Failed sends leave every right with the sender.
package simkern

import (
	"context"
	"slices"
	"sync"

	"github.com/danmuck/excport/internal/mach"
)

// DefaultQueueLimit is MACH_PORT_QLIMIT_DEFAULT.
const DefaultQueueLimit = 5

// Op names an injectable kernel call.
type Op string

const (
	OpAllocate    Op = "mach_port_allocate"
	OpInsertRight Op = "mach_port_insert_right"
	OpModRefs     Op = "mach_port_mod_refs"
	OpDeallocate  Op = "mach_port_deallocate"
	OpSwap        Op = "swap_exception_ports"
	OpGet         Op = "get_exception_ports"
	OpReceive     Op = "mach_msg_receive"
	OpSend        Op = "mach_msg_send"
)

// NameInfo describes the rights held under one name.
type NameInfo struct {
	Name     mach.Name
	Receive  bool
	SendRefs int
	SendOnce bool
	Dead     bool
	Label    string
}

type entry struct {
	port     *port
	recv     bool
	sendRefs int
	sendOnce bool
}

func (e *entry) empty() bool {
	return !e.recv && e.sendRefs == 0 && !e.sendOnce
}

type port struct {
	dead     bool
	queue    []*kmsg
	qlimit   int
	sendOnce int
	changed  chan struct{}
	object   *actor
	label    string
}

func newPort(label string) *port {
	return &port{qlimit: DefaultQueueLimit, changed: make(chan struct{}), label: label}
}

// signal wakes every goroutine waiting on p.
func (p *port) signal() {
	close(p.changed)
	p.changed = make(chan struct{})
}

type action struct {
	port     *port
	behavior mach.Behavior
	flavor   mach.Flavor
}

type actor struct {
	kind    mach.TargetKind
	port    *port
	task    *actor
	actions [mach.ExcTypesCount]action
}

// Kernel implements mach.Kernel in memory. Safe for concurrent use.
type Kernel struct {
	mu         sync.Mutex
	names      map[mach.Name]*entry
	nextIndex  uint32
	task       *actor
	taskName   mach.Name
	mainThread mach.Name
	faults     map[Op][]int32
	swapCount  []int
}

var _ mach.Kernel = (*Kernel)(nil)

// New returns a kernel with one task and one main thread.
func New() *Kernel {
	k := &Kernel{
		names:  make(map[mach.Name]*entry),
		faults: make(map[Op][]int32),
	}
	k.task = &actor{kind: mach.TargetTask, port: newPort("task")}
	k.task.port.object = k.task
	k.taskName = k.insertSend(k.task.port)
	k.mainThread = k.NewThread()
	return k
}

// NewThread creates a thread in the task and returns a send right name for it.
func (k *Kernel) NewThread() mach.Name {
	k.mu.Lock()
	defer k.mu.Unlock()
	th := &actor{kind: mach.TargetThread, port: newPort("thread"), task: k.task}
	th.port.object = th
	return k.insertSendLocked(th.port)
}

func (k *Kernel) TaskSelf() mach.Name {
	return k.taskName
}

// ThreadSelf returns the main thread. No reference is added.
func (k *Kernel) ThreadSelf() mach.Name {
	return k.mainThread
}

// Inject makes the next call of op fail with code. Injections queue per op.
func (k *Kernel) Inject(op Op, code mach.KernReturn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.faults[op] = append(k.faults[op], int32(code))
}

// InjectMsg is Inject for mach_msg operations.
func (k *Kernel) InjectMsg(op Op, code mach.MsgReturn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.faults[op] = append(k.faults[op], int32(code))
}

// InjectSwapCount makes the next successful swap report count entries.
func (k *Kernel) InjectSwapCount(count int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.swapCount = append(k.swapCount, count)
}

func (k *Kernel) fault(op Op) (int32, bool) {
	queued := k.faults[op]
	if len(queued) == 0 {
		return 0, false
	}
	k.faults[op] = queued[1:]
	return queued[0], true
}

// Names lists the space sorted by name.
func (k *Kernel) Names() []NameInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]NameInfo, 0, len(k.names))
	for name, e := range k.names {
		out = append(out, NameInfo{
			Name:     name,
			Receive:  e.recv,
			SendRefs: e.sendRefs,
			SendOnce: e.sendOnce,
			Dead:     e.port.dead,
			Label:    e.port.label,
		})
	}
	slices.SortFunc(out, func(a, b NameInfo) int {
		return int(a.Name) - int(b.Name)
	})
	return out
}

// Rights reports the rights under name.
func (k *Kernel) Rights(name mach.Name) (NameInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.names[name]
	if !ok {
		return NameInfo{}, false
	}
	return NameInfo{Name: name, Receive: e.recv, SendRefs: e.sendRefs, SendOnce: e.sendOnce, Dead: e.port.dead, Label: e.port.label}, true
}

// QueueLen reports the number of messages queued on the receive right name.
func (k *Kernel) QueueLen(name mach.Name) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.names[name]
	if !ok || !e.recv {
		return 0
	}
	return len(e.port.queue)
}

// WaitQueued blocks until the receive right name has at least n queued
// messages or ctx ends.
func (k *Kernel) WaitQueued(ctx context.Context, name mach.Name, n int) error {
	for {
		k.mu.Lock()
		e, ok := k.names[name]
		if !ok || !e.recv {
			k.mu.Unlock()
			return mach.CheckKern("wait_queued", mach.KernInvalidName)
		}
		if len(e.port.queue) >= n {
			k.mu.Unlock()
			return nil
		}
		ch := e.port.changed
		k.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *Kernel) newName() mach.Name {
	k.nextIndex++
	return mach.Name(k.nextIndex<<8 | 3)
}

func (k *Kernel) insertSend(p *port) mach.Name {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.insertSendLocked(p)
}

// insertSendLocked copies a send right for p into the space, reusing the
// name that already denotes p.
func (k *Kernel) insertSendLocked(p *port) mach.Name {
	for name, e := range k.names {
		if e.port == p && !e.sendOnce {
			e.sendRefs++
			return name
		}
	}
	name := k.newName()
	k.names[name] = &entry{port: p, sendRefs: 1}
	return name
}

func (k *Kernel) insertSendOnceLocked(p *port) mach.Name {
	name := k.newName()
	k.names[name] = &entry{port: p, sendOnce: true}
	return name
}

func (k *Kernel) dropIfEmpty(name mach.Name, e *entry) {
	if e.empty() {
		delete(k.names, name)
	}
}
