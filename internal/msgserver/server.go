package msgserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/wire"
)

// DefaultMaxSize covers every mach_exc request, state variants included.
const DefaultMaxSize = 8192

var (
	ErrTimedOut        = errors.New("msgserver: receive timed out")
	ErrReceive         = errors.New("msgserver: receive failed")
	ErrMessageTooLarge = errors.New("msgserver: request larger than receive buffer")
	ErrSend            = errors.New("msgserver: reply send failed")
	ErrInvalidOptions  = errors.New("msgserver: invalid options")
)

// Demux decodes a request into a reply. The reply buffer is owned by the
// server; a return of false means the id was not recognized.
type Demux func(request, reply []byte) bool

// Kernel is what one serve cycle needs: messaging plus deallocation of a
// reply's local right on a failed send.
type Kernel interface {
	mach.Messenger
	Deallocate(name mach.Name) mach.KernReturn
}

type Options struct {
	// MaxSize is the largest request expected, excluding the trailer.
	MaxSize int
	// Timeout bounds the receive. Zero polls.
	Timeout time.Duration
	// SendTimeout bounds the reply send unless it goes to a send-once right.
	SendTimeout     time.Duration
	Large           bool
	TrailerElements int
	SendTrailer     bool
	Allocator       Allocator
}

func DefaultOptions() Options {
	return Options{
		MaxSize:     DefaultMaxSize,
		Timeout:     time.Second,
		SendTimeout: 0,
		Large:       true,
		Allocator:   defaultAllocator(),
	}
}

func (o Options) validate() error {
	if o.MaxSize < wire.HeaderSize {
		return fmt.Errorf("%w: max size %d below header size", ErrInvalidOptions, o.MaxSize)
	}
	if o.Timeout < 0 || o.SendTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	if o.TrailerElements < 0 || o.TrailerElements > mach.TrailerLabels {
		return fmt.Errorf("%w: trailer elements %d", ErrInvalidOptions, o.TrailerElements)
	}
	return nil
}

// Result describes what one ServeOnce call did.
type Result struct {
	Received  bool
	Replied   bool
	Grew      bool
	Recovered bool
	ReplyCode mach.KernReturn
	SendCode  mach.MsgReturn
}

// ServeOnce receives at most one message on rcv, hands it to demux, and
// sends the reply. A RCV_TOO_LARGE with Large set is retried once with a
// grown buffer inside the original deadline. Buffers are released on every
// return path.
func ServeOnce(k Kernel, rcv mach.Name, demux Demux, opts Options) (res Result, err error) {
	if opts.Allocator == nil {
		opts.Allocator = defaultAllocator()
	}
	if err := opts.validate(); err != nil {
		return res, err
	}
	alloc := opts.Allocator

	rcvOpts := mach.RcvMsg | mach.RcvTimeout | mach.RcvTrailerElements(opts.TrailerElements)
	if opts.Large {
		rcvOpts |= mach.RcvLarge
	}
	trailer := int(mach.RequestedTrailerSize(rcvOpts))
	requestAlloc := RoundPage(opts.MaxSize + trailer)
	requestSize := opts.MaxSize + trailer
	if opts.Large {
		requestSize = requestAlloc
	}
	replyAlloc := RoundPage(opts.MaxSize)
	if opts.SendTrailer {
		replyAlloc = RoundPage(opts.MaxSize + mach.MaxTrailerSize)
	}

	reply, err := alloc.Alloc(replyAlloc)
	if err != nil {
		return res, err
	}
	defer freeBuffer(alloc, reply)
	request, err := alloc.Alloc(requestAlloc)
	if err != nil {
		return res, err
	}
	defer func() { freeBuffer(alloc, request) }()

	deadline := time.Now().Add(opts.Timeout)
	code := k.Receive(request[:requestSize], rcvOpts, rcv, opts.Timeout)
	if code == mach.RcvTooLarge && opts.Large {
		h, derr := wire.DecodeHeader(request)
		if derr != nil {
			return res, fmt.Errorf("%w: %w", ErrReceive, derr)
		}
		grown := RoundPage(int(h.Size) + trailer)
		freeBuffer(alloc, request)
		request = nil
		if request, err = alloc.Alloc(grown); err != nil {
			return res, err
		}
		res.Grew = true
		log.Debug().Uint32("size", h.Size).Int("buffer", grown).Msg("msgserver.ServeOnce grow")
		code = k.Receive(request, rcvOpts, rcv, max(time.Until(deadline), 0))
	}
	switch code {
	case mach.MsgSuccess:
	case mach.RcvTimedOut:
		return res, fmt.Errorf("%w: %w", ErrTimedOut, mach.CheckMsg("mach_msg_receive", code))
	case mach.RcvTooLarge:
		return res, fmt.Errorf("%w: %w", ErrMessageTooLarge, mach.CheckMsg("mach_msg_receive", code))
	default:
		return res, fmt.Errorf("%w: %w", ErrReceive, mach.CheckMsg("mach_msg_receive", code))
	}
	res.Received = true

	demux(request, reply)

	replyHdr, err := wire.DecodeHeader(reply)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrSend, err)
	}
	if !replyHdr.Bits.Complex() {
		res.ReplyCode = wire.RetCode(reply)
		switch res.ReplyCode {
		case mach.KernSuccess:
		case mach.MigNoReply:
			// the demux kept the request and its reply right
			wire.SetRemote(reply, mach.PortNull)
		default:
			// keep the reply right for the error reply, destroy the rest
			wire.SetRemote(request, mach.PortNull)
			k.DestroyMessage(request)
		}
	}

	replyHdr, _ = wire.DecodeHeader(reply)
	if replyHdr.Remote == mach.PortNull {
		return res, nil
	}
	sendOpts := mach.SendMsg
	if replyHdr.Bits.Remote() != mach.DispMoveSendOnce {
		sendOpts |= mach.SendTimeout
	}
	res.SendCode = k.Send(reply, sendOpts, opts.SendTimeout)
	switch {
	case res.SendCode == mach.MsgSuccess:
		res.Replied = true
		return res, nil
	case res.SendCode.RecoverableSend():
		local := replyHdr.Bits.Local()
		if replyHdr.Local != mach.PortNull && (local == mach.DispMoveSend || local == mach.DispMoveSendOnce) {
			k.Deallocate(replyHdr.Local)
		}
		k.DestroyMessage(reply)
		res.Recovered = true
		log.Warn().Str("code", res.SendCode.String()).Msg("msgserver.ServeOnce reply dropped")
		return res, nil
	default:
		return res, fmt.Errorf("%w: %w", ErrSend, mach.CheckMsg("mach_msg_send", res.SendCode))
	}
}

func freeBuffer(alloc Allocator, buf []byte) {
	if buf == nil {
		return
	}
	if err := alloc.Free(buf); err != nil {
		log.Warn().Err(err).Msg("msgserver.freeBuffer")
	}
}
