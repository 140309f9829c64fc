package simkern

import (
	"bytes"
	"time"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/wire"
)

// kmsg is a message in transit: rights are held as port references.
type kmsg struct {
	complex   bool
	size      uint32
	id        int32
	reply     *port
	replyDisp mach.Disposition
	ports     []carried
	body      []byte
}

type carried struct {
	port *port
	disp mach.Disposition
}

// transitDisposition maps a send-side disposition to the received one.
func transitDisposition(disp mach.Disposition) mach.Disposition {
	switch disp {
	case mach.DispMoveSend, mach.DispCopySend, mach.DispMakeSend:
		return mach.DispMoveSend
	case mach.DispMoveSendOnce, mach.DispMakeSendOnce:
		return mach.DispMoveSendOnce
	default:
		return mach.DispNone
	}
}

// checkRight validates that name can be copied in with disp.
func (k *Kernel) checkRight(name mach.Name, disp mach.Disposition) (*entry, bool) {
	e, ok := k.names[name]
	if !ok {
		return nil, false
	}
	switch disp {
	case mach.DispMoveSend, mach.DispCopySend:
		return e, e.sendRefs > 0
	case mach.DispMakeSend, mach.DispMakeSendOnce:
		return e, e.recv
	case mach.DispMoveSendOnce:
		return e, e.sendOnce
	default:
		return e, false
	}
}

// copyinLocked applies the effect of moving a checked right into a message.
func (k *Kernel) copyinLocked(name mach.Name, e *entry, disp mach.Disposition) carried {
	switch disp {
	case mach.DispMoveSend:
		e.sendRefs--
	case mach.DispMoveSendOnce:
		e.sendOnce = false
	case mach.DispMakeSendOnce:
		e.port.sendOnce++
	}
	k.dropIfEmpty(name, e)
	return carried{port: e.port, disp: transitDisposition(disp)}
}

func (k *Kernel) copyoutLocked(c carried) mach.Name {
	if c.disp == mach.DispMoveSendOnce {
		return k.insertSendOnceLocked(c.port)
	}
	return k.insertSendLocked(c.port)
}

// Send queues msg. Send-once destinations ignore the queue limit; a full
// queue blocks, bounded by timeout when SEND_TIMEOUT is set.
func (k *Kernel) Send(msg []byte, opts mach.MsgOption, timeout time.Duration) mach.MsgReturn {
	var deadline <-chan time.Time
	if opts&mach.SendTimeout != 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		k.mu.Lock()
		code, wait := k.trySendLocked(msg)
		k.mu.Unlock()
		if wait == nil {
			return code
		}
		select {
		case <-wait:
		case <-deadline:
			return mach.SendTimedOut
		}
	}
}

// trySendLocked either delivers msg, fails, or returns a channel to wait on
// for queue space.
func (k *Kernel) trySendLocked(msg []byte) (mach.MsgReturn, <-chan struct{}) {
	if code, ok := k.fault(OpSend); ok {
		return mach.MsgReturn(code), nil
	}
	h, err := wire.DecodeHeader(msg)
	if err != nil {
		return mach.SendMsgTooSmall, nil
	}
	if h.Size < wire.HeaderSize {
		return mach.SendMsgTooSmall, nil
	}
	if int(h.Size) > len(msg) {
		return mach.SendInvalidData, nil
	}
	msg = msg[:h.Size]

	destDisp := h.Bits.Remote()
	dest, ok := k.checkRight(h.Remote, destDisp)
	if !ok || dest.port.dead {
		return mach.SendInvalidDest, nil
	}
	var reply *entry
	replyDisp := h.Bits.Local()
	if h.Local != mach.PortNull {
		reply, ok = k.checkRight(h.Local, replyDisp)
		if !ok {
			return mach.SendInvalidReply, nil
		}
	}
	descs, err := wire.Descriptors(msg)
	if err != nil {
		return mach.SendInvalidData, nil
	}
	descEntries := make([]*entry, len(descs))
	for i, d := range descs {
		e, ok := k.checkRight(d.Name, d.Disposition)
		if !ok {
			return mach.SendInvalidRight, nil
		}
		descEntries[i] = e
	}

	target := dest.port
	sendOnce := transitDisposition(destDisp) == mach.DispMoveSendOnce
	if !sendOnce && len(target.queue) >= target.qlimit {
		return mach.SendTimedOut, target.changed
	}

	m := &kmsg{
		complex: h.Bits.Complex(),
		size:    h.Size,
		id:      h.ID,
		body:    bytes.Clone(msg[wire.HeaderSize:]),
	}
	if reply != nil {
		c := k.copyinLocked(h.Local, reply, replyDisp)
		m.reply, m.replyDisp = c.port, c.disp
	}
	for i, d := range descs {
		m.ports = append(m.ports, k.copyinLocked(d.Name, descEntries[i], d.Disposition))
	}
	k.copyinLocked(h.Remote, dest, destDisp)
	target.queue = append(target.queue, m)
	if sendOnce {
		// delivery consumes the send-once right
		target.sendOnce--
	}
	target.signal()
	return mach.MsgSuccess, nil
}

// Receive dequeues one message from rcv into buf, appending the requested
// trailer. Without RCV_LARGE an oversized message is destroyed.
func (k *Kernel) Receive(buf []byte, opts mach.MsgOption, rcv mach.Name, timeout time.Duration) mach.MsgReturn {
	var deadline <-chan time.Time
	if opts&mach.RcvTimeout != 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	trailer := mach.RequestedTrailerSize(opts)
	k.mu.Lock()
	if code, ok := k.fault(OpReceive); ok {
		k.mu.Unlock()
		return mach.MsgReturn(code)
	}
	e, ok := k.names[rcv]
	if !ok || !e.recv {
		k.mu.Unlock()
		return mach.RcvInvalidName
	}
	p := e.port
	for {
		if p.dead {
			k.mu.Unlock()
			return mach.RcvPortDied
		}
		if len(p.queue) > 0 {
			code := k.copyoutMessageLocked(p, rcv, buf, opts, trailer)
			k.mu.Unlock()
			return code
		}
		ch := p.changed
		k.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return mach.RcvTimedOut
		}
		k.mu.Lock()
	}
}

func (k *Kernel) copyoutMessageLocked(p *port, rcv mach.Name, buf []byte, opts mach.MsgOption, trailer uint32) mach.MsgReturn {
	m := p.queue[0]
	if int(m.size+trailer) > len(buf) {
		if len(buf) >= wire.HeaderSize {
			wire.PutHeader(buf, wire.Header{Size: m.size, ID: m.id})
		}
		if opts&mach.RcvLarge == 0 {
			p.queue = p.queue[1:]
			k.destroyKmsgLocked(m)
			p.signal()
		}
		return mach.RcvTooLarge
	}
	p.queue = p.queue[1:]

	h := wire.Header{
		Size:  m.size,
		Local: rcv,
		ID:    m.id,
	}
	replyDisp := mach.DispNone
	if m.reply != nil {
		h.Remote = k.copyoutLocked(carried{port: m.reply, disp: m.replyDisp})
		replyDisp = m.replyDisp
	}
	h.Bits = mach.MakeBits(replyDisp, mach.DispMoveSend)
	if m.complex {
		h.Bits |= mach.MsgBitsComplex
	}
	wire.PutHeader(buf, h)
	copy(buf[wire.HeaderSize:m.size], m.body)
	for i, c := range m.ports {
		wire.SetDescriptor(buf, i, wire.PortDescriptor{Name: k.copyoutLocked(c), Disposition: c.disp})
	}
	wire.PutTrailer(buf[m.size:m.size+trailer], trailer)
	p.signal()
	return mach.MsgSuccess
}

// DestroyMessage releases the rights named by a received or unsent message,
// like mach_msg_destroy. The local port carries no right and is ignored.
func (k *Kernel) DestroyMessage(msg []byte) {
	h, err := wire.DecodeHeader(msg)
	if err != nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.destroyRightLocked(h.Remote, h.Bits.Remote())
	descs, err := wire.Descriptors(msg)
	if err != nil {
		return
	}
	for _, d := range descs {
		k.destroyRightLocked(d.Name, d.Disposition)
	}
}

func (k *Kernel) destroyRightLocked(name mach.Name, disp mach.Disposition) {
	if name == mach.PortNull {
		return
	}
	switch disp {
	case mach.DispMoveSend, mach.DispMoveSendOnce:
		k.deallocateLocked(name)
	case mach.DispMoveReceive:
		if e, ok := k.names[name]; ok && e.recv {
			k.destroyReceiveLocked(e.port)
			e.recv = false
			k.dropIfEmpty(name, e)
		}
	}
}
