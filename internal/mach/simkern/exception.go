package simkern

import (
	"context"
	"fmt"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/wire"
)

// Level is the exception-action level that resolved a raise.
type Level string

const (
	LevelThread    Level = "thread"
	LevelTask      Level = "task"
	LevelUnhandled Level = "unhandled"
)

// Resolution reports how a raised exception ended.
type Resolution struct {
	Level    Level
	RetCode  mach.KernReturn
	Attempts int
}

// Handled reports whether some handler replied KERN_SUCCESS.
func (r Resolution) Handled() bool {
	return r.Level != LevelUnhandled
}

func (k *Kernel) resolveTargetLocked(t mach.Target) (*actor, mach.KernReturn) {
	e, ok := k.names[t.Port]
	if !ok || e.sendRefs == 0 {
		return nil, mach.KernInvalidArgument
	}
	obj := e.port.object
	if obj == nil || obj.kind != t.Kind {
		return nil, mach.KernInvalidArgument
	}
	return obj, mach.KernSuccess
}

func validBehavior(b mach.Behavior) bool {
	switch b.Base() {
	case mach.BehaviorDefault, mach.BehaviorState, mach.BehaviorStateIdentity:
		return true
	default:
		return false
	}
}

type savedRow struct {
	mask     mach.Mask
	port     *port
	behavior mach.Behavior
	flavor   mach.Flavor
}

// collectLocked gathers the actions selected by mask, coalescing identical
// (port, behavior, flavor) rows, capped at capacity.
func collectLocked(obj *actor, mask mach.Mask, capacity int) []savedRow {
	if capacity > mach.ExcTypesCount {
		capacity = mach.ExcTypesCount
	}
	rows := make([]savedRow, 0, capacity)
	for _, t := range mask.Types() {
		a := obj.actions[t]
		merged := false
		for i := range rows {
			if rows[i].port == a.port && rows[i].behavior == a.behavior && rows[i].flavor == a.flavor {
				rows[i].mask |= t.Mask()
				merged = true
				break
			}
		}
		if !merged && len(rows) < capacity {
			rows = append(rows, savedRow{mask: t.Mask(), port: a.port, behavior: a.behavior, flavor: a.flavor})
		}
	}
	return rows
}

// fillLocked copies rows into saved, moving a send right for each non-null
// port into the space.
func (k *Kernel) fillLocked(rows []savedRow, saved *mach.SavedPorts) {
	*saved = mach.SavedPorts{}
	for i, row := range rows {
		saved.Masks[i] = row.mask
		saved.Behaviors[i] = row.behavior
		saved.Flavors[i] = row.flavor
		if row.port != nil {
			saved.Ports[i] = k.insertSendLocked(row.port)
		}
	}
	saved.Count = len(rows)
}

func (k *Kernel) SwapExceptionPorts(target mach.Target, mask mach.Mask, handlerName mach.Name, behavior mach.Behavior, flavor mach.Flavor, saved *mach.SavedPorts) mach.KernReturn {
	k.mu.Lock()
	defer k.mu.Unlock()
	if code, ok := k.fault(OpSwap); ok {
		return mach.KernReturn(code)
	}
	obj, code := k.resolveTargetLocked(target)
	if code != mach.KernSuccess {
		return code
	}
	if mask&^mach.MaskAll != 0 {
		return mach.KernInvalidArgument
	}
	// behavior is only checked when a handler is installed
	var handler *port
	if handlerName != mach.PortNull {
		e, ok := k.names[handlerName]
		if !ok || e.sendRefs == 0 {
			return mach.KernInvalidRight
		}
		if !validBehavior(behavior) {
			return mach.KernInvalidArgument
		}
		handler = e.port
	}
	rows := collectLocked(obj, mask, saved.Count)
	for _, t := range mask.Types() {
		obj.actions[t] = action{port: handler, behavior: behavior, flavor: flavor}
	}
	k.fillLocked(rows, saved)
	if len(k.swapCount) > 0 {
		saved.Count = k.swapCount[0]
		k.swapCount = k.swapCount[1:]
	}
	return mach.KernSuccess
}

func (k *Kernel) GetExceptionPorts(target mach.Target, mask mach.Mask, saved *mach.SavedPorts) mach.KernReturn {
	k.mu.Lock()
	defer k.mu.Unlock()
	if code, ok := k.fault(OpGet); ok {
		return mach.KernReturn(code)
	}
	obj, code := k.resolveTargetLocked(target)
	if code != mach.KernSuccess {
		return code
	}
	if mask&^mach.MaskAll != 0 {
		return mach.KernInvalidArgument
	}
	k.fillLocked(collectLocked(obj, mask, saved.Count), saved)
	return mach.KernSuccess
}

// Raise plays a thread faulting with exc. It delivers mach_exception_raise to
// the thread's handler, then the task's, until one replies KERN_SUCCESS.
// A destroyed request or reply port counts as no reply. Raise blocks until
// the exception is resolved or ctx ends.
func (k *Kernel) Raise(ctx context.Context, thread mach.Name, exc mach.ExceptionType, codes ...int64) (Resolution, error) {
	if !exc.Valid() {
		return Resolution{}, fmt.Errorf("%w: %d", mach.ErrUnknownType, int32(exc))
	}
	if len(codes) > wire.MaxCodes {
		return Resolution{}, fmt.Errorf("simkern: raise carries at most %d codes, got %d", wire.MaxCodes, len(codes))
	}
	k.mu.Lock()
	th, code := k.resolveTargetLocked(mach.ThreadTarget(thread))
	k.mu.Unlock()
	if code != mach.KernSuccess {
		return Resolution{}, mach.CheckKern("raise", code)
	}

	res := Resolution{Level: LevelUnhandled}
	levels := []struct {
		level Level
		obj   *actor
	}{
		{LevelThread, th},
		{LevelTask, th.task},
	}
	for _, lv := range levels {
		k.mu.Lock()
		a := lv.obj.actions[exc]
		if a.port == nil || a.port.dead {
			k.mu.Unlock()
			continue
		}
		reply := k.enqueueRaiseLocked(th, a, exc, codes)
		k.mu.Unlock()
		res.Attempts++

		ret, replied, err := k.awaitReply(ctx, reply)
		if err != nil {
			return res, err
		}
		if replied {
			res.RetCode = ret
			if ret == mach.KernSuccess {
				res.Level = lv.level
				return res, nil
			}
		}
	}
	return res, nil
}

func (k *Kernel) enqueueRaiseLocked(th *actor, a action, exc mach.ExceptionType, codes []int64) *port {
	req := wire.RaiseRequest{
		Header:    wire.Header{ID: wire.IDRaise + int32(a.behavior.Base()-mach.BehaviorDefault)},
		Exception: exc,
		CodeCount: len(codes),
	}
	copy(req.Codes[:], codes)
	raw := wire.EncodeRaiseRequest(req)

	reply := newPort("reply")
	reply.sendOnce = 1
	m := &kmsg{
		complex:   true,
		size:      uint32(len(raw)),
		id:        req.Header.ID,
		reply:     reply,
		replyDisp: mach.DispMoveSendOnce,
		ports: []carried{
			{port: th.port, disp: mach.DispMoveSend},
			{port: th.task.port, disp: mach.DispMoveSend},
		},
		body: raw[wire.HeaderSize:],
	}
	a.port.queue = append(a.port.queue, m)
	a.port.signal()
	return reply
}

// awaitReply waits for a reply on p or for its last send-once right to die.
func (k *Kernel) awaitReply(ctx context.Context, p *port) (mach.KernReturn, bool, error) {
	for {
		k.mu.Lock()
		if len(p.queue) > 0 {
			m := p.queue[0]
			p.queue = nil
			k.mu.Unlock()
			if m.size < wire.ReplySize {
				return mach.MigTypeError, true, nil
			}
			full := make([]byte, m.size)
			copy(full[wire.HeaderSize:], m.body)
			return wire.RetCode(full), true, nil
		}
		if p.sendOnce == 0 {
			k.mu.Unlock()
			return 0, false, nil
		}
		ch := p.changed
		k.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
}
