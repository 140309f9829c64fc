package simkern

import "github.com/danmuck/excport/internal/mach"

func (k *Kernel) AllocateReceive() (mach.Name, mach.KernReturn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if code, ok := k.fault(OpAllocate); ok {
		return mach.PortNull, mach.KernReturn(code)
	}
	name := k.newName()
	k.names[name] = &entry{port: newPort("receive"), recv: true}
	return name, mach.KernSuccess
}

// InsertRight supports MAKE_SEND and COPY_SEND onto the same name.
func (k *Kernel) InsertRight(name mach.Name, poly mach.Name, disp mach.Disposition) mach.KernReturn {
	k.mu.Lock()
	defer k.mu.Unlock()
	if code, ok := k.fault(OpInsertRight); ok {
		return mach.KernReturn(code)
	}
	e, ok := k.names[poly]
	if !ok {
		return mach.KernInvalidName
	}
	if name != poly {
		return mach.KernInvalidValue
	}
	switch disp {
	case mach.DispMakeSend:
		if !e.recv {
			return mach.KernInvalidRight
		}
	case mach.DispCopySend:
		if e.sendRefs == 0 {
			return mach.KernInvalidRight
		}
	default:
		return mach.KernInvalidValue
	}
	e.sendRefs++
	return mach.KernSuccess
}

func (k *Kernel) ModRefs(name mach.Name, right mach.Right, delta int) mach.KernReturn {
	k.mu.Lock()
	defer k.mu.Unlock()
	if code, ok := k.fault(OpModRefs); ok {
		return mach.KernReturn(code)
	}
	e, ok := k.names[name]
	if !ok {
		return mach.KernInvalidName
	}
	switch right {
	case mach.RightReceive:
		if !e.recv {
			return mach.KernInvalidRight
		}
		switch delta {
		case 0:
			return mach.KernSuccess
		case -1:
			k.destroyReceiveLocked(e.port)
			e.recv = false
		default:
			return mach.KernInvalidValue
		}
	case mach.RightSend:
		if e.sendRefs == 0 && delta != 0 {
			return mach.KernInvalidRight
		}
		if e.sendRefs+delta < 0 {
			return mach.KernInvalidValue
		}
		e.sendRefs += delta
	case mach.RightSendOnce:
		if !e.sendOnce {
			return mach.KernInvalidRight
		}
		if delta != -1 {
			return mach.KernInvalidValue
		}
		e.sendOnce = false
		k.releaseSendOnceLocked(e.port)
	default:
		return mach.KernInvalidValue
	}
	k.dropIfEmpty(name, e)
	return mach.KernSuccess
}

// Deallocate drops one user reference of a send, send-once or dead-name right.
func (k *Kernel) Deallocate(name mach.Name) mach.KernReturn {
	k.mu.Lock()
	defer k.mu.Unlock()
	if code, ok := k.fault(OpDeallocate); ok {
		return mach.KernReturn(code)
	}
	return k.deallocateLocked(name)
}

func (k *Kernel) deallocateLocked(name mach.Name) mach.KernReturn {
	e, ok := k.names[name]
	if !ok {
		return mach.KernInvalidName
	}
	switch {
	case e.sendOnce:
		e.sendOnce = false
		k.releaseSendOnceLocked(e.port)
	case e.sendRefs > 0:
		e.sendRefs--
	default:
		return mach.KernInvalidRight
	}
	k.dropIfEmpty(name, e)
	return mach.KernSuccess
}

// destroyReceiveLocked kills p and every message queued on it.
func (k *Kernel) destroyReceiveLocked(p *port) {
	p.dead = true
	queued := p.queue
	p.queue = nil
	for _, m := range queued {
		k.destroyKmsgLocked(m)
	}
	p.signal()
}

func (k *Kernel) releaseSendOnceLocked(p *port) {
	if p.sendOnce > 0 {
		p.sendOnce--
	}
	p.signal()
}

// destroyKmsgLocked releases the rights an undelivered message carries.
func (k *Kernel) destroyKmsgLocked(m *kmsg) {
	if m.reply != nil && m.replyDisp == mach.DispMoveSendOnce {
		k.releaseSendOnceLocked(m.reply)
	}
	for _, c := range m.ports {
		if c.disp == mach.DispMoveSendOnce {
			k.releaseSendOnceLocked(c.port)
		}
	}
}
