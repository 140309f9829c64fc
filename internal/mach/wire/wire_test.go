package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/excport/internal/mach"
)

func sampleRequest() RaiseRequest {
	return RaiseRequest{
		Header: Header{
			Bits:   mach.MakeBits(mach.DispMoveSendOnce, mach.DispMoveSend),
			Remote: 0x1103,
			Local:  0x2207,
			ID:     IDRaise,
		},
		Thread:    PortDescriptor{Name: 0x3303, Disposition: mach.DispMoveSend},
		Task:      PortDescriptor{Name: 0x4403, Disposition: mach.DispMoveSend},
		Exception: mach.ExcArithmetic,
		CodeCount: 2,
		Codes:     [MaxCodes]int64{1, -7},
	}
}

func TestRaiseRequestLayout(t *testing.T) {
	b := EncodeRaiseRequest(sampleRequest())
	if len(b) != RaiseRequestMax {
		t.Fatalf("expected %d bytes, got %d", RaiseRequestMax, len(b))
	}
	if got := order.Uint32(b[4:8]); got != 84 {
		t.Fatalf("unexpected msgh_size: %d", got)
	}
	if got := order.Uint32(b[24:28]); got != 2 {
		t.Fatalf("unexpected descriptor count: %d", got)
	}
	if b[38] != uint8(mach.DispMoveSend) || b[39] != DescriptorPort {
		t.Fatalf("unexpected thread descriptor tail: %x", b[36:40])
	}
	if !bytes.Equal(b[52:60], NDRRecord[:]) {
		t.Fatalf("unexpected NDR: %x", b[52:60])
	}
	if got := order.Uint32(b[60:64]); got != uint32(mach.ExcArithmetic) {
		t.Fatalf("unexpected exception: %d", got)
	}
	if got := int64(order.Uint64(b[76:84])); got != -7 {
		t.Fatalf("unexpected subcode: %d", got)
	}
}

func TestRaiseRequestRoundTrip(t *testing.T) {
	in := sampleRequest()
	out, err := DecodeRaiseRequest(EncodeRaiseRequest(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Exception != in.Exception || out.CodeCount != 2 || out.Code(0) != 1 || out.Code(1) != -7 {
		t.Fatalf("payload mismatch: %+v", out)
	}
	if out.Thread.Name != in.Thread.Name || out.Task.Name != in.Task.Name {
		t.Fatalf("descriptor mismatch: %+v", out)
	}
	if out.Header.Remote != in.Header.Remote || out.Header.ID != IDRaise {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if out.Code(5) != 0 {
		t.Fatalf("absent code must read as zero")
	}
}

func TestDecodeRaiseRequestRejectsMalformed(t *testing.T) {
	good := EncodeRaiseRequest(sampleRequest())

	notComplex := bytes.Clone(good)
	order.PutUint32(notComplex[0:4], uint32(mach.MakeBits(mach.DispMoveSendOnce, 0)))
	if _, err := DecodeRaiseRequest(notComplex); !errors.Is(err, ErrNotComplex) {
		t.Fatalf("expected ErrNotComplex, got %v", err)
	}

	badCount := bytes.Clone(good)
	order.PutUint32(badCount[64:68], 3)
	if _, err := DecodeRaiseRequest(badCount); !errors.Is(err, ErrCodeCount) {
		t.Fatalf("expected ErrCodeCount, got %v", err)
	}

	mismatch := bytes.Clone(good)
	order.PutUint32(mismatch[64:68], 1)
	if _, err := DecodeRaiseRequest(mismatch); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}

	descriptors := bytes.Clone(good)
	order.PutUint32(descriptors[24:28], 1)
	if _, err := DecodeRaiseRequest(descriptors); !errors.Is(err, ErrDescriptorCount) {
		t.Fatalf("expected ErrDescriptorCount, got %v", err)
	}

	if _, err := DecodeRaiseRequest(good[:40]); !errors.Is(err, ErrShortMessage) {
		t.Fatalf("expected ErrShortMessage, got %v", err)
	}
}

func TestPutReply(t *testing.T) {
	req := sampleRequest().Header
	b := make([]byte, ReplySize)
	PutReply(b, req, mach.KernSuccess)
	reply, err := DecodeReply(b)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Header.ID != IDRaise+ReplyIDOffset {
		t.Fatalf("unexpected reply id: %d", reply.Header.ID)
	}
	if reply.Header.Remote != req.Remote || reply.Header.Local != mach.PortNull {
		t.Fatalf("unexpected reply ports: %+v", reply.Header)
	}
	if reply.Header.Bits.Remote() != mach.DispMoveSendOnce || reply.Header.Bits.Complex() {
		t.Fatalf("unexpected reply bits: %#x", uint32(reply.Header.Bits))
	}
	if reply.Header.Size != ReplySize || reply.NDR != NDRRecord || reply.RetCode != mach.KernSuccess {
		t.Fatalf("unexpected reply body: %+v", reply)
	}
	PutReply(b, req, mach.MigBadArguments)
	if RetCode(b) != mach.MigBadArguments {
		t.Fatalf("negative RetCode did not survive: %s", RetCode(b))
	}
}

func TestDescriptorsAndComplexMessage(t *testing.T) {
	msg := ComplexMessage(Header{ID: 9}, []PortDescriptor{{Name: 5, Disposition: mach.DispMoveSend}}, []byte("body"))
	ds, err := Descriptors(msg)
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(ds) != 1 || ds[0].Name != 5 || ds[0].Disposition != mach.DispMoveSend {
		t.Fatalf("unexpected descriptors: %+v", ds)
	}
	simple := Message(Header{ID: 9}, []byte("x"))
	if ds, err := Descriptors(simple); err != nil || ds != nil {
		t.Fatalf("simple message should carry no descriptors: %v %v", ds, err)
	}
}
