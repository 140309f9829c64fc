package mach

import "fmt"

// MsgReturn mirrors mach_msg_return_t.
type MsgReturn int32

const (
	MsgSuccess MsgReturn = 0

	SendInvalidData  MsgReturn = 0x10000002
	SendInvalidDest  MsgReturn = 0x10000003
	SendTimedOut     MsgReturn = 0x10000004
	SendInterrupted  MsgReturn = 0x10000007
	SendMsgTooSmall  MsgReturn = 0x10000008
	SendInvalidReply MsgReturn = 0x10000009
	SendInvalidRight MsgReturn = 0x1000000a
	SendNoBuffer     MsgReturn = 0x1000000d

	RcvInvalidName MsgReturn = 0x10004002
	RcvTimedOut    MsgReturn = 0x10004003
	RcvTooLarge    MsgReturn = 0x10004004
	RcvInterrupted MsgReturn = 0x10004005
	RcvPortChanged MsgReturn = 0x10004006
	RcvPortDied    MsgReturn = 0x10004009
)

var msgNames = map[MsgReturn]string{
	MsgSuccess:       "MACH_MSG_SUCCESS",
	SendInvalidData:  "MACH_SEND_INVALID_DATA",
	SendInvalidDest:  "MACH_SEND_INVALID_DEST",
	SendTimedOut:     "MACH_SEND_TIMED_OUT",
	SendInterrupted:  "MACH_SEND_INTERRUPTED",
	SendMsgTooSmall:  "MACH_SEND_MSG_TOO_SMALL",
	SendInvalidReply: "MACH_SEND_INVALID_REPLY",
	SendInvalidRight: "MACH_SEND_INVALID_RIGHT",
	SendNoBuffer:     "MACH_SEND_NO_BUFFER",
	RcvInvalidName:   "MACH_RCV_INVALID_NAME",
	RcvTimedOut:      "MACH_RCV_TIMED_OUT",
	RcvTooLarge:      "MACH_RCV_TOO_LARGE",
	RcvInterrupted:   "MACH_RCV_INTERRUPTED",
	RcvPortChanged:   "MACH_RCV_PORT_CHANGED",
	RcvPortDied:      "MACH_RCV_PORT_DIED",
}

func (m MsgReturn) String() string {
	if name, ok := msgNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mach_msg_return(%#x)", uint32(m))
}

func (m MsgReturn) Error() string {
	return m.String()
}

// RecoverableSend reports whether a failed reply send can be absorbed after
// destroying the unsent message. Other send failures may have partially
// destroyed the message in the kernel.
func (m MsgReturn) RecoverableSend() bool {
	switch m {
	case SendInvalidDest, SendTimedOut, SendInterrupted:
		return true
	default:
		return false
	}
}

// MsgOption mirrors mach_msg_option_t.
type MsgOption uint32

const (
	SendMsg       MsgOption = 0x00000001
	RcvMsg        MsgOption = 0x00000002
	RcvLarge      MsgOption = 0x00000004
	SendTimeout   MsgOption = 0x00000010
	SendInterrupt MsgOption = 0x00000040
	RcvTimeout    MsgOption = 0x00000100
	RcvInterrupt  MsgOption = 0x00000400
	RcvVoucher    MsgOption = 0x00000800
	SendTrailer   MsgOption = 0x00020000
)

// Trailer element selectors (MACH_RCV_TRAILER_ELEMENTS).
const (
	TrailerNull   = 0
	TrailerSeqno  = 1
	TrailerSender = 2
	TrailerAudit  = 3
	TrailerCtx    = 4
	TrailerAV     = 7
	TrailerLabels = 8
)

// MaxTrailerSize is sizeof(mach_msg_max_trailer_t).
const MaxTrailerSize = 68

// RcvTrailerElements encodes a trailer element request into receive options.
func RcvTrailerElements(elements int) MsgOption {
	return MsgOption(elements&0xf) << 24
}

// RequestedTrailerSize mirrors REQUESTED_TRAILER_SIZE(options).
func RequestedTrailerSize(opts MsgOption) uint32 {
	switch (opts >> 24) & 0xf {
	case TrailerNull:
		return 8
	case TrailerSeqno:
		return 12
	case TrailerSender:
		return 20
	case TrailerAudit:
		return 52
	case TrailerCtx:
		return 60
	case TrailerAV:
		return 68
	default:
		return MaxTrailerSize
	}
}

// MsgBits mirrors mach_msg_bits_t.
type MsgBits uint32

const (
	MsgBitsComplex  MsgBits = 0x80000000
	msgBitsPortMask MsgBits = 0x1f
)

// Port dispositions (mach_msg_type_name_t).
type Disposition uint32

const (
	DispNone         Disposition = 0
	DispMoveReceive  Disposition = 16
	DispMoveSend     Disposition = 17
	DispMoveSendOnce Disposition = 18
	DispCopySend     Disposition = 19
	DispMakeSend     Disposition = 20
	DispMakeSendOnce Disposition = 21
)

// MakeBits mirrors MACH_MSGH_BITS(remote, local).
func MakeBits(remote, local Disposition) MsgBits {
	return MsgBits(remote)&msgBitsPortMask | (MsgBits(local)&msgBitsPortMask)<<8
}

func (b MsgBits) Remote() Disposition {
	return Disposition(b & msgBitsPortMask)
}

func (b MsgBits) Local() Disposition {
	return Disposition((b >> 8) & msgBitsPortMask)
}

func (b MsgBits) Complex() bool {
	return b&MsgBitsComplex != 0
}
