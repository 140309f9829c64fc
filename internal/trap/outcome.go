package trap

import (
	"errors"
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

var (
	ErrLifecycleOrder = errors.New("trap: call out of lifecycle order")
	// ErrUnexpectedMessage reports a message outside the mach_exc subsystem
	// arriving on the endpoint.
	ErrUnexpectedMessage = errors.New("trap: unexpected message on exception port")
)

// Phase is the listener state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInstalled
	PhaseListening
	PhaseDelivered
	PhaseTimedOut
	PhaseFailed
	PhaseRestored
)

var phaseNames = map[Phase]string{
	PhaseIdle:      "idle",
	PhaseInstalled: "installed",
	PhaseListening: "listening",
	PhaseDelivered: "delivered",
	PhaseTimedOut:  "timed_out",
	PhaseFailed:    "failed",
	PhaseRestored:  "restored",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether p ends a listen.
func (p Phase) Terminal() bool {
	return p == PhaseDelivered || p == PhaseTimedOut || p == PhaseFailed
}

type Kind int

const (
	KindDelivered Kind = iota + 1
	KindTimedOut
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindDelivered:
		return "delivered"
	case KindTimedOut:
		return "timed_out"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) phase() Phase {
	switch k {
	case KindDelivered:
		return PhaseDelivered
	case KindTimedOut:
		return PhaseTimedOut
	default:
		return PhaseFailed
	}
}

// Outcome is the result of one listen. Exception is set for Delivered and,
// when the handler already ran, for a Failed reply send.
type Outcome struct {
	Kind      Kind
	ListenID  string
	Exception *mach.Exception
	Err       error
}

func Delivered(e mach.Exception) Outcome {
	return Outcome{Kind: KindDelivered, Exception: &e}
}

func TimedOut() Outcome {
	return Outcome{Kind: KindTimedOut}
}

func Failed(err error) Outcome {
	return Outcome{Kind: KindFailed, Err: err}
}

func (o Outcome) Delivered() bool {
	return o.Kind == KindDelivered
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindDelivered:
		return "delivered " + o.Exception.String()
	case KindFailed:
		return fmt.Sprintf("failed: %v", o.Err)
	default:
		return o.Kind.String()
	}
}
