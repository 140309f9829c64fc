package excinfo

import (
	"fmt"
	"strings"

	"github.com/danmuck/excport/internal/mach"
)

type GuardType uint8

const (
	GuardNone          GuardType = 0
	GuardMachPort      GuardType = 1
	GuardFD            GuardType = 2
	GuardUser          GuardType = 3
	GuardVNode         GuardType = 4
	GuardVirtualMemory GuardType = 5
)

var guardNames = map[GuardType]string{
	GuardNone:          "none",
	GuardMachPort:      "mach-port",
	GuardFD:            "fd",
	GuardUser:          "user",
	GuardVNode:         "vnode",
	GuardVirtualMemory: "virtual-memory",
}

func (t GuardType) String() string {
	if name, ok := guardNames[t]; ok {
		return name
	}
	return fmt.Sprintf("guard(%d)", uint8(t))
}

var fdFlavorNames = []string{"close", "dup", "no-cloexec", "socket-ipc", "fileport", "mismatch", "write"}

var vnodeGuardNames = []string{"rename-to", "rename-from", "unlink", "write-other", "truncate-other", "link", "exchange-data"}

// Guard is an EXC_GUARD violation. Target holds the port name, descriptor,
// reason namespace or pid depending on Type. Flavor holds the port guard
// reason or the fd flavor bits. ID is the guard identifier, user reason,
// vnode guard bits or virtual memory offset.
type Guard struct {
	Type   GuardType
	Flavor uint32
	Target uint32
	ID     int64
}

func DecodeGuard(e mach.Exception) (Guard, bool) {
	if e.Type != mach.ExcGuard {
		return Guard{}, false
	}
	return decodeGuard(uint64(e.Code), e.Subcode)
}

func decodeGuard(code uint64, subcode int64) (Guard, bool) {
	g := Guard{
		Type:   GuardType(Field(code, 61, 63)),
		Flavor: uint32(Field(code, 32, 60)),
		Target: uint32(Field(code, 0, 31)),
		ID:     subcode,
	}
	switch g.Type {
	case GuardNone, GuardMachPort, GuardFD, GuardVNode, GuardVirtualMemory:
		return g, true
	case GuardUser:
		if !ReasonNamespace(g.Target).Valid() {
			return Guard{}, false
		}
		return g, true
	default:
		return Guard{}, false
	}
}

// Namespace is the reason namespace of a user guard.
func (g Guard) Namespace() ReasonNamespace {
	return ReasonNamespace(g.Target)
}

func (g Guard) FDFlavors() []string {
	return bitNames(uint64(g.Flavor), fdFlavorNames)
}

func (g Guard) VNodeGuards() []string {
	return bitNames(uint64(g.ID), vnodeGuardNames)
}

func (g Guard) String() string {
	switch g.Type {
	case GuardNone:
		return "none"
	case GuardMachPort:
		return fmt.Sprintf("mach-port port=%#x reason=%#x guard=%#x", g.Target, g.Flavor, uint64(g.ID))
	case GuardFD:
		return fmt.Sprintf("fd fd=%d flavor=%s guard=%#x", int32(g.Target), strings.Join(g.FDFlavors(), "|"), uint64(g.ID))
	case GuardUser:
		return fmt.Sprintf("user namespace=%s reason=%#x", g.Namespace(), uint64(g.ID))
	case GuardVNode:
		return fmt.Sprintf("vnode pid=%d guard=%s", int32(g.Target), strings.Join(g.VNodeGuards(), "|"))
	case GuardVirtualMemory:
		return fmt.Sprintf("virtual-memory offset=%#x", uint64(g.ID))
	default:
		return g.Type.String()
	}
}

func bitNames(v uint64, names []string) []string {
	var out []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}
