package excinfo

import (
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

// ReasonNamespace is an OS_REASON_* namespace from sys/reason.h.
type ReasonNamespace uint32

var namespaceNames = []string{
	"invalid", "jetsam", "signal", "codesigning", "hangtracer", "test", "dyld",
	"libxpc", "objc", "exec", "springboard", "tcc", "reportcrash", "coreanimation",
	"aggregated", "runningboard", "assertiond", "skywalk", "settings", "libsystem",
	"foundation", "watchdog", "metal", "watchkit", "guard", "analytics", "sandbox",
	"security", "endpointsecurity", "pac-exception", "bluetooth-chip",
}

func (n ReasonNamespace) Valid() bool {
	return int(n) < len(namespaceNames)
}

func (n ReasonNamespace) String() string {
	if n.Valid() {
		return namespaceNames[n]
	}
	return fmt.Sprintf("namespace(%d)", uint32(n))
}

// CorpseNotify is EXC_CORPSE_NOTIFY. The code carries the exception that
// produced the corpse; the subcode is decoded according to it. Exactly one
// of the reason fields, Resource or Guard is meaningful.
type CorpseNotify struct {
	Original  mach.ExceptionType
	Namespace ReasonNamespace
	Reason    int64
	Resource  *Resource
	Guard     *Guard
}

func DecodeCorpseNotify(e mach.Exception) (CorpseNotify, bool) {
	if e.Type != mach.ExcCorpseNotify {
		return CorpseNotify{}, false
	}
	c := CorpseNotify{Original: mach.ExceptionType(e.Code)}
	sub := uint64(e.Subcode)
	switch c.Original {
	case mach.ExcCrash:
		c.Namespace = ReasonNamespace(Field(sub, 32, 63))
		if !c.Namespace.Valid() {
			return CorpseNotify{}, false
		}
		c.Reason = int64(Field(sub, 0, 31))
	case mach.ExcResource:
		r, ok := decodeResource(sub, 0)
		if !ok {
			return CorpseNotify{}, false
		}
		c.Resource = &r
	case mach.ExcGuard:
		g, ok := decodeGuard(sub, 0)
		if !ok {
			return CorpseNotify{}, false
		}
		c.Guard = &g
	default:
		return CorpseNotify{}, false
	}
	return c, true
}
