package wire

import (
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

// RaiseRequest is a decoded mach_exception_raise request.
type RaiseRequest struct {
	Header    Header
	Thread    PortDescriptor
	Task      PortDescriptor
	NDR       [NDRSize]byte
	Exception mach.ExceptionType
	CodeCount int
	Codes     [MaxCodes]int64
}

// RaiseSize is the msgh_size of a request carrying count codes.
func RaiseSize(count int) uint32 {
	return uint32(RaiseRequestBase + 8*count)
}

// EncodeRaiseRequest lays out r as the kernel would send it. Header size,
// complex bit and descriptor types are filled in.
func EncodeRaiseRequest(r RaiseRequest) []byte {
	count := r.CodeCount
	if count < 0 {
		count = 0
	}
	if count > MaxCodes {
		count = MaxCodes
	}
	out := make([]byte, RaiseSize(count))
	h := r.Header
	h.Bits |= mach.MsgBitsComplex
	h.Size = uint32(len(out))
	if h.ID == 0 {
		h.ID = IDRaise
	}
	PutHeader(out, h)
	order.PutUint32(out[offDescriptorCount:offDescriptorCount+4], 2)
	r.Thread.Type = DescriptorPort
	r.Task.Type = DescriptorPort
	putPortDescriptor(out[offThread:offThread+PortDescriptorSize], r.Thread)
	putPortDescriptor(out[offTask:offTask+PortDescriptorSize], r.Task)
	copy(out[offNDR:offNDR+NDRSize], NDRRecord[:])
	order.PutUint32(out[offException:offException+4], uint32(r.Exception))
	order.PutUint32(out[offCodeCount:offCodeCount+4], uint32(count))
	for i := 0; i < count; i++ {
		at := offCodes + 8*i
		order.PutUint64(out[at:at+8], uint64(r.Codes[i]))
	}
	return out
}

// DecodeRaiseRequest applies the MIG request checks and decodes the fixed layout.
func DecodeRaiseRequest(b []byte) (RaiseRequest, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return RaiseRequest{}, err
	}
	if !h.Bits.Complex() {
		return RaiseRequest{}, ErrNotComplex
	}
	if h.Size < RaiseRequestBase || h.Size > RaiseRequestMax {
		return RaiseRequest{}, fmt.Errorf("%w: msgh_size=%d", ErrSizeMismatch, h.Size)
	}
	if uint32(len(b)) < h.Size {
		return RaiseRequest{}, fmt.Errorf("%w: msgh_size=%d have=%d", ErrShortMessage, h.Size, len(b))
	}
	if n := order.Uint32(b[offDescriptorCount : offDescriptorCount+4]); n != 2 {
		return RaiseRequest{}, fmt.Errorf("%w: %d", ErrDescriptorCount, n)
	}
	r := RaiseRequest{
		Header: h,
		Thread: decodePortDescriptor(b[offThread : offThread+PortDescriptorSize]),
		Task:   decodePortDescriptor(b[offTask : offTask+PortDescriptorSize]),
	}
	if r.Thread.Type != DescriptorPort || r.Task.Type != DescriptorPort {
		return RaiseRequest{}, ErrDescriptorType
	}
	copy(r.NDR[:], b[offNDR:offNDR+NDRSize])
	r.Exception = mach.ExceptionType(int32(order.Uint32(b[offException : offException+4])))
	count := order.Uint32(b[offCodeCount : offCodeCount+4])
	if count > MaxCodes {
		return RaiseRequest{}, fmt.Errorf("%w: %d", ErrCodeCount, count)
	}
	if h.Size != RaiseSize(int(count)) {
		return RaiseRequest{}, fmt.Errorf("%w: msgh_size=%d codeCnt=%d", ErrSizeMismatch, h.Size, count)
	}
	r.CodeCount = int(count)
	for i := 0; i < r.CodeCount; i++ {
		at := offCodes + 8*i
		r.Codes[i] = int64(order.Uint64(b[at : at+8]))
	}
	return r, nil
}

// Code returns code word i, zero when absent.
func (r RaiseRequest) Code(i int) int64 {
	if i < 0 || i >= r.CodeCount {
		return 0
	}
	return r.Codes[i]
}

// Reply mirrors mig_reply_error_t.
type Reply struct {
	Header  Header
	NDR     [NDRSize]byte
	RetCode mach.KernReturn
}

// PutReply writes the 36-byte reply to req into b. The reply travels on the
// request's reply port with the disposition the request carried.
func PutReply(b []byte, req Header, code mach.KernReturn) {
	PutHeader(b, Header{
		Bits:   mach.MakeBits(req.Bits.Remote(), mach.DispNone),
		Size:   ReplySize,
		Remote: req.Remote,
		Local:  mach.PortNull,
		ID:     req.ID + ReplyIDOffset,
	})
	copy(b[HeaderSize:HeaderSize+NDRSize], NDRRecord[:])
	order.PutUint32(b[offRetCode:offRetCode+4], uint32(code))
}

func DecodeReply(b []byte) (Reply, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Reply{}, err
	}
	if len(b) < ReplySize || h.Size < ReplySize {
		return Reply{}, fmt.Errorf("%w: reply needs %d bytes", ErrShortMessage, ReplySize)
	}
	r := Reply{Header: h, RetCode: RetCode(b)}
	copy(r.NDR[:], b[HeaderSize:HeaderSize+NDRSize])
	return r, nil
}

// RetCode reads the RetCode field of a simple reply.
func RetCode(b []byte) mach.KernReturn {
	if len(b) < ReplySize {
		return mach.MigTypeError
	}
	return mach.KernReturn(int32(order.Uint32(b[offRetCode : offRetCode+4])))
}
