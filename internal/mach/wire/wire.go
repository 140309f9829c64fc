package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

// Layout of mach_exception_raise (MACH_EXCEPTION_CODES, 64-bit codes) and its reply.
const (
	HeaderSize         = 24
	NDRSize            = 8
	PortDescriptorSize = 12
	MaxCodes           = 2
	RaiseRequestBase   = 68
	RaiseRequestMax    = RaiseRequestBase + 8*MaxCodes
	ReplySize          = 36
	ReplyIDOffset      = 100
	TrailerHeaderSize  = 8

	offDescriptorCount = 24
	offThread          = 28
	offTask            = 40
	offNDR             = 52
	offException       = 60
	offCodeCount       = 64
	offCodes           = 68
	offRetCode         = 32
)

// Message ids of the mach_exc subsystem.
const (
	IDRaise              int32 = 2405
	IDRaiseState         int32 = 2406
	IDRaiseStateIdentity int32 = 2407
)

// DescriptorPort is MACH_MSG_PORT_DESCRIPTOR.
const DescriptorPort uint8 = 0

// NDRRecord is NDR_record for little-endian hosts with IEEE floats.
var NDRRecord = [NDRSize]byte{0, 0, 0, 0, 1, 0, 0, 0}

var order = binary.NativeEndian

var (
	ErrShortMessage    = errors.New("wire: message shorter than its layout")
	ErrNotComplex      = errors.New("wire: request is not complex")
	ErrDescriptorCount = errors.New("wire: unexpected descriptor count")
	ErrDescriptorType  = errors.New("wire: descriptor is not a port descriptor")
	ErrCodeCount       = errors.New("wire: code count out of range")
	ErrSizeMismatch    = errors.New("wire: message size inconsistent with code count")
)

// Header mirrors mach_msg_header_t.
type Header struct {
	Bits    mach.MsgBits
	Size    uint32
	Remote  mach.Name
	Local   mach.Name
	Voucher mach.Name
	ID      int32
}

func PutHeader(b []byte, h Header) {
	order.PutUint32(b[0:4], uint32(h.Bits))
	order.PutUint32(b[4:8], h.Size)
	order.PutUint32(b[8:12], uint32(h.Remote))
	order.PutUint32(b[12:16], uint32(h.Local))
	order.PutUint32(b[16:20], uint32(h.Voucher))
	order.PutUint32(b[20:24], uint32(h.ID))
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortMessage, HeaderSize, len(b))
	}
	return Header{
		Bits:    mach.MsgBits(order.Uint32(b[0:4])),
		Size:    order.Uint32(b[4:8]),
		Remote:  mach.Name(order.Uint32(b[8:12])),
		Local:   mach.Name(order.Uint32(b[12:16])),
		Voucher: mach.Name(order.Uint32(b[16:20])),
		ID:      int32(order.Uint32(b[20:24])),
	}, nil
}

// SetRemote rewrites msgh_remote_port in place.
func SetRemote(b []byte, name mach.Name) {
	order.PutUint32(b[8:12], uint32(name))
}

// SetLocal rewrites msgh_local_port in place.
func SetLocal(b []byte, name mach.Name) {
	order.PutUint32(b[12:16], uint32(name))
}

// SetSize rewrites msgh_size in place.
func SetSize(b []byte, size uint32) {
	order.PutUint32(b[4:8], size)
}

// PortDescriptor mirrors mach_msg_port_descriptor_t.
type PortDescriptor struct {
	Name        mach.Name
	Disposition mach.Disposition
	Type        uint8
}

func putPortDescriptor(b []byte, d PortDescriptor) {
	order.PutUint32(b[0:4], uint32(d.Name))
	order.PutUint32(b[4:8], 0)
	order.PutUint16(b[8:10], 0)
	b[10] = uint8(d.Disposition)
	b[11] = d.Type
}

func decodePortDescriptor(b []byte) PortDescriptor {
	return PortDescriptor{
		Name:        mach.Name(order.Uint32(b[0:4])),
		Disposition: mach.Disposition(b[10]),
		Type:        b[11],
	}
}

// PutTrailer writes a mach_msg_trailer_t header of the given size; the
// remaining trailer bytes are zeroed.
func PutTrailer(b []byte, size uint32) {
	order.PutUint32(b[0:4], 0)
	order.PutUint32(b[4:8], size)
	clear(b[TrailerHeaderSize:size])
}

// Message builds a simple (non-complex) message from a header and body.
// The header size field is set to the total length.
func Message(h Header, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	h.Size = uint32(len(out))
	h.Bits &^= mach.MsgBitsComplex
	PutHeader(out, h)
	copy(out[HeaderSize:], body)
	return out
}

// Descriptors decodes the port descriptors of a complex message. Only port
// descriptors are understood.
func Descriptors(b []byte) ([]PortDescriptor, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if !h.Bits.Complex() {
		return nil, nil
	}
	if len(b) < offThread {
		return nil, fmt.Errorf("%w: descriptor count", ErrShortMessage)
	}
	count := int(order.Uint32(b[offDescriptorCount : offDescriptorCount+4]))
	end := offThread + count*PortDescriptorSize
	if count < 0 || end > len(b) || uint32(end) > h.Size {
		return nil, fmt.Errorf("%w: %d descriptors", ErrDescriptorCount, count)
	}
	out := make([]PortDescriptor, 0, count)
	for i := 0; i < count; i++ {
		at := offThread + i*PortDescriptorSize
		d := decodePortDescriptor(b[at : at+PortDescriptorSize])
		if d.Type != DescriptorPort {
			return nil, ErrDescriptorType
		}
		out = append(out, d)
	}
	return out, nil
}

// ComplexMessage builds a complex message carrying port descriptors followed by body.
func ComplexMessage(h Header, ports []PortDescriptor, body []byte) []byte {
	size := offThread + len(ports)*PortDescriptorSize + len(body)
	out := make([]byte, size)
	h.Size = uint32(size)
	h.Bits |= mach.MsgBitsComplex
	PutHeader(out, h)
	order.PutUint32(out[offDescriptorCount:offDescriptorCount+4], uint32(len(ports)))
	for i, d := range ports {
		at := offThread + i*PortDescriptorSize
		d.Type = DescriptorPort
		putPortDescriptor(out[at:at+PortDescriptorSize], d)
	}
	copy(out[offThread+len(ports)*PortDescriptorSize:], body)
	return out
}

// SetDescriptor rewrites descriptor i in place; used when a kernel copies rights out.
func SetDescriptor(b []byte, i int, d PortDescriptor) {
	at := offThread + i*PortDescriptorSize
	putPortDescriptor(b[at:at+PortDescriptorSize], d)
}
