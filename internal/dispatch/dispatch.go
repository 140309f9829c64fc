package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/mach/wire"
)

var ErrMalformedRequest = errors.New("dispatch: malformed exception request")

type Exception = mach.Exception

// Handler receives decoded exceptions. It runs on the listener thread while
// the faulting thread is suspended.
type Handler interface {
	HandleException(Exception)
}

type HandlerFunc func(Exception)

func (f HandlerFunc) HandleException(e Exception) {
	f(e)
}

type Option func(*Dispatcher)

// WithReplyCode replies code instead of KERN_SUCCESS. A failure code lets
// the kernel fall through to the next handler level.
func WithReplyCode(code mach.KernReturn) Option {
	return func(d *Dispatcher) {
		d.replyCode = code
	}
}

// Dispatcher is the mach_exc demux used by the message server.
type Dispatcher struct {
	space     mach.PortSpace
	handler   Handler
	replyCode mach.KernReturn

	mu      sync.Mutex
	lastErr error
	handled int
}

func New(space mach.PortSpace, handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{space: space, handler: handler, replyCode: mach.KernSuccess}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Demux decodes request, invokes the handler for mach_exception_raise and
// writes the MIG reply. It returns false for ids outside the subsystem.
func (d *Dispatcher) Demux(request, reply []byte) bool {
	d.setErr(nil)
	h, err := wire.DecodeHeader(request)
	if err != nil {
		d.setErr(fmt.Errorf("%w: %w", ErrMalformedRequest, err))
		return false
	}

	switch h.ID {
	case wire.IDRaise:
		req, err := wire.DecodeRaiseRequest(request)
		if err != nil {
			d.setErr(fmt.Errorf("%w: %w", ErrMalformedRequest, err))
			log.Warn().Err(err).Int32("id", h.ID).Msg("dispatch.Dispatcher.Demux malformed")
			wire.PutReply(reply, h, mach.MigBadArguments)
			return true
		}
		exc := Exception{Type: req.Exception, Code: req.Code(0), Subcode: req.Code(1)}
		if d.handler != nil {
			d.handler.HandleException(exc)
		}
		d.mu.Lock()
		d.handled++
		d.mu.Unlock()
		if d.replyCode == mach.KernSuccess {
			// on success the request's thread and task rights are ours
			d.space.Deallocate(req.Thread.Name)
			d.space.Deallocate(req.Task.Name)
		}
		log.Debug().Str("exception", exc.String()).Str("reply", d.replyCode.String()).Msg("dispatch.Dispatcher.Demux")
		wire.PutReply(reply, h, d.replyCode)
		return true
	case wire.IDRaiseState, wire.IDRaiseStateIdentity:
		wire.PutReply(reply, h, mach.KernNotSupported)
		return true
	default:
		wire.PutReply(reply, h, mach.MigBadID)
		return false
	}
}

// LastError reports the decode failure of the most recent Demux call.
func (d *Dispatcher) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Handled counts exceptions passed to the handler.
func (d *Dispatcher) Handled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handled
}

func (d *Dispatcher) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}
