package msgserver

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/simkern"
	"github.com/danmuck/excport/internal/mach/wire"
	"github.com/danmuck/excport/internal/testutil/testlog"
)

type countingKernel struct {
	*simkern.Kernel
	receives int
}

func (c *countingKernel) Receive(buf []byte, opts mach.MsgOption, rcv mach.Name, timeout time.Duration) mach.MsgReturn {
	c.receives++
	return c.Kernel.Receive(buf, opts, rcv, timeout)
}

func receivePort(t *testing.T, k *simkern.Kernel) mach.Name {
	t.Helper()
	name, code := k.AllocateReceive()
	if code != mach.KernSuccess {
		t.Fatalf("allocate: %s", code)
	}
	if code := k.InsertRight(name, name, mach.DispMakeSend); code != mach.KernSuccess {
		t.Fatalf("insert: %s", code)
	}
	return name
}

// sendRequest queues a simple request on dest asking for a reply on replyTo.
func sendRequest(t *testing.T, k *simkern.Kernel, dest, replyTo mach.Name, body []byte) {
	t.Helper()
	msg := wire.Message(wire.Header{
		Bits:   mach.MakeBits(mach.DispCopySend, mach.DispMakeSendOnce),
		Remote: dest,
		Local:  replyTo,
		ID:     500,
	}, body)
	if code := k.Send(msg, mach.SendMsg, 0); code != mach.MsgSuccess {
		t.Fatalf("send request: %s", code)
	}
}

func replyWith(code mach.KernReturn) Demux {
	return func(request, reply []byte) bool {
		h, err := wire.DecodeHeader(request)
		if err != nil {
			return false
		}
		wire.PutReply(reply, h, code)
		return true
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxSize = 1024
	opts.Timeout = time.Second
	return opts
}

func TestServeOnceTimesOutWithoutCallingDemux(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	called := false
	start := time.Now()
	res, err := ServeOnce(k, ep, func(_, _ []byte) bool {
		called = true
		return true
	}, opts)
	if !errors.Is(err, ErrTimedOut) || !errors.Is(err, mach.RcvTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if called || res.Received {
		t.Fatalf("demux must not run on timeout")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timeout not honored: %s", elapsed)
	}
}

func TestServeOnceRepliesOnReplyPort(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	replyTo := receivePort(t, k)
	sendRequest(t, k, ep, replyTo, []byte("hello"))

	res, err := ServeOnce(k, ep, replyWith(mach.KernSuccess), testOptions())
	if err != nil {
		t.Fatalf("serve once: %v", err)
	}
	if !res.Received || !res.Replied || res.Grew || res.ReplyCode != mach.KernSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
	buf := make([]byte, 256)
	if code := k.Receive(buf, mach.RcvMsg|mach.RcvTimeout, replyTo, time.Second); code != mach.MsgSuccess {
		t.Fatalf("receive reply: %s", code)
	}
	reply, err := wire.DecodeReply(buf)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Header.ID != 600 || reply.RetCode != mach.KernSuccess {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestServeOnceGrowsOnceForOversizedMessage(t *testing.T) {
	testlog.Start(t)
	sk := simkern.New()
	k := &countingKernel{Kernel: sk}
	ep := receivePort(t, sk)
	replyTo := receivePort(t, sk)
	body := bytes.Repeat([]byte("0123456789abcdef"), 3*PageSize()/16)
	sendRequest(t, sk, ep, replyTo, body)

	var got []byte
	demux := func(request, reply []byte) bool {
		h, _ := wire.DecodeHeader(request)
		got = bytes.Clone(request[wire.HeaderSize:h.Size])
		wire.PutReply(reply, h, mach.KernSuccess)
		return true
	}
	res, err := ServeOnce(k, ep, demux, testOptions())
	if err != nil {
		t.Fatalf("serve once: %v", err)
	}
	if !res.Grew || k.receives != 2 {
		t.Fatalf("expected exactly one growth retry, grew=%v receives=%d", res.Grew, k.receives)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("oversized body truncated or corrupted: got %d bytes want %d", len(got), len(body))
	}
	if !res.Replied {
		t.Fatalf("expected reply after growth")
	}
}

func TestServeOnceWithoutLargeRejectsOversizedMessage(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	replyTo := receivePort(t, k)
	sendRequest(t, k, ep, replyTo, make([]byte, 2*PageSize()))
	opts := testOptions()
	opts.Large = false
	_, err := ServeOnce(k, ep, replyWith(mach.KernSuccess), opts)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if k.QueueLen(ep) != 0 {
		t.Fatalf("oversized message should be destroyed without RCV_LARGE")
	}
}

func TestServeOnceErrorCodeDestroysRequestButReplies(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	replyTo := receivePort(t, k)
	carried := receivePort(t, k)
	msg := wire.ComplexMessage(wire.Header{
		Bits:   mach.MakeBits(mach.DispCopySend, mach.DispMakeSendOnce),
		Remote: ep,
		Local:  replyTo,
		ID:     500,
	}, []wire.PortDescriptor{{Name: carried, Disposition: mach.DispCopySend}}, nil)
	if code := k.Send(msg, mach.SendMsg, 0); code != mach.MsgSuccess {
		t.Fatalf("send: %s", code)
	}

	res, err := ServeOnce(k, ep, replyWith(mach.KernFailure), testOptions())
	if err != nil {
		t.Fatalf("serve once: %v", err)
	}
	if !res.Replied || res.ReplyCode != mach.KernFailure {
		t.Fatalf("unexpected result: %+v", res)
	}
	if info, _ := k.Rights(carried); info.SendRefs != 1 {
		t.Fatalf("carried right should be destroyed with the request: %+v", info)
	}
	buf := make([]byte, 256)
	if code := k.Receive(buf, mach.RcvMsg|mach.RcvTimeout, replyTo, time.Second); code != mach.MsgSuccess {
		t.Fatalf("error reply not delivered: %s", code)
	}
	if wire.RetCode(buf) != mach.KernFailure {
		t.Fatalf("unexpected reply code: %s", wire.RetCode(buf))
	}
}

func TestServeOnceNoReplySuppressesSend(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	replyTo := receivePort(t, k)
	sendRequest(t, k, ep, replyTo, nil)

	var kept mach.Name
	demux := func(request, reply []byte) bool {
		h, _ := wire.DecodeHeader(request)
		kept = h.Remote
		wire.PutReply(reply, h, mach.MigNoReply)
		return true
	}
	res, err := ServeOnce(k, ep, demux, testOptions())
	if err != nil {
		t.Fatalf("serve once: %v", err)
	}
	if res.Replied || res.ReplyCode != mach.MigNoReply {
		t.Fatalf("reply should be suppressed: %+v", res)
	}
	if info, ok := k.Rights(kept); !ok || !info.SendOnce {
		t.Fatalf("request reply right should stay with the demux: %+v", info)
	}
	if k.QueueLen(replyTo) != 0 {
		t.Fatalf("no reply should be queued")
	}
}

func TestServeOnceAbsorbsRecoverableSendFailure(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	replyTo := receivePort(t, k)
	sendRequest(t, k, ep, replyTo, nil)
	names := len(k.Names())
	k.InjectMsg(simkern.OpSend, mach.SendInvalidDest)

	res, err := ServeOnce(k, ep, replyWith(mach.KernSuccess), testOptions())
	if err != nil {
		t.Fatalf("recoverable send failure should report success: %v", err)
	}
	if !res.Recovered || res.Replied || res.SendCode != mach.SendInvalidDest {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := len(k.Names()); got != names {
		t.Fatalf("unsent reply not consumed: names before=%d after=%d", names, got)
	}
}

func TestServeOnceReportsOtherSendFailures(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	ep := receivePort(t, k)
	replyTo := receivePort(t, k)
	sendRequest(t, k, ep, replyTo, nil)
	k.InjectMsg(simkern.OpSend, mach.SendInvalidRight)
	_, err := ServeOnce(k, ep, replyWith(mach.KernSuccess), testOptions())
	if !errors.Is(err, ErrSend) || !errors.Is(err, mach.SendInvalidRight) {
		t.Fatalf("expected ErrSend, got %v", err)
	}
}

func TestServeOnceReceiveFailure(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	_, err := ServeOnce(k, 0xbad03, replyWith(mach.KernSuccess), testOptions())
	if !errors.Is(err, ErrReceive) || !errors.Is(err, mach.RcvInvalidName) {
		t.Fatalf("expected ErrReceive, got %v", err)
	}
}

func TestServeOnceRejectsInvalidOptions(t *testing.T) {
	testlog.Start(t)
	k := simkern.New()
	opts := testOptions()
	opts.MaxSize = 8
	if _, err := ServeOnce(k, 0x103, replyWith(mach.KernSuccess), opts); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}

func TestAllocatorsAndRoundPage(t *testing.T) {
	page := PageSize()
	if RoundPage(1) != page || RoundPage(page) != page || RoundPage(page+1) != 2*page {
		t.Fatalf("unexpected page rounding for page=%d", page)
	}
	for _, alloc := range []Allocator{HeapAllocator{}, defaultAllocator()} {
		buf, err := alloc.Alloc(page)
		if err != nil {
			t.Fatalf("%T alloc: %v", alloc, err)
		}
		if len(buf) != page {
			t.Fatalf("%T returned %d bytes", alloc, len(buf))
		}
		buf[page-1] = 1
		if err := alloc.Free(buf); err != nil {
			t.Fatalf("%T free: %v", alloc, err)
		}
	}
}
