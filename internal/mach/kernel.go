package mach

import (
	"fmt"
	"time"
)

// Name is a port name in the calling task's IPC space.
type Name uint32

// PortNull is MACH_PORT_NULL, also the "no prior handler" sentinel in saved configuration.
const PortNull Name = 0

// Right selects a port right kind for mod-refs.
type Right uint32

const (
	RightSend     Right = 0
	RightReceive  Right = 1
	RightSendOnce Right = 2
	RightPortSet  Right = 3
	RightDeadName Right = 4
)

type TargetKind uint8

const (
	TargetThread TargetKind = iota + 1
	TargetTask
)

// Target is the thread or task whose exception ports are swapped.
type Target struct {
	Kind TargetKind
	Port Name
}

func ThreadTarget(port Name) Target {
	return Target{Kind: TargetThread, Port: port}
}

func TaskTarget(port Name) Target {
	return Target{Kind: TargetTask, Port: port}
}

func (t Target) Valid() bool {
	return (t.Kind == TargetThread || t.Kind == TargetTask) && t.Port != PortNull
}

func (t Target) String() string {
	switch t.Kind {
	case TargetThread:
		return fmt.Sprintf("thread:%d", t.Port)
	case TargetTask:
		return fmt.Sprintf("task:%d", t.Port)
	default:
		return "invalid"
	}
}

// SavedPorts is the prior exception configuration captured by a swap.
// Count is preset to capacity before the call and overwritten by the kernel
// with the number of populated entries. Entries with identical
// (port, behavior, flavor) are coalesced into one mask.
type SavedPorts struct {
	Count     int
	Masks     [ExcTypesCount]Mask
	Ports     [ExcTypesCount]Name
	Behaviors [ExcTypesCount]Behavior
	Flavors   [ExcTypesCount]Flavor
}

// SavedEntry is one coalesced row of SavedPorts.
type SavedEntry struct {
	Mask     Mask
	Port     Name
	Behavior Behavior
	Flavor   Flavor
}

// Reset presets Count to capacity.
func (s *SavedPorts) Reset() {
	*s = SavedPorts{Count: ExcTypesCount}
}

// CountValid reports whether the kernel-written count is usable.
func (s *SavedPorts) CountValid() bool {
	return s.Count >= 0 && s.Count <= ExcTypesCount
}

// Entries returns the populated rows. Invalid counts yield nil.
func (s *SavedPorts) Entries() []SavedEntry {
	if !s.CountValid() {
		return nil
	}
	out := make([]SavedEntry, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		out = append(out, SavedEntry{
			Mask:     s.Masks[i],
			Port:     s.Ports[i],
			Behavior: s.Behaviors[i],
			Flavor:   s.Flavors[i],
		})
	}
	return out
}

// Lookup returns the entry covering t.
func (s *SavedPorts) Lookup(t ExceptionType) (SavedEntry, bool) {
	for _, entry := range s.Entries() {
		if entry.Mask.Has(t) {
			return entry, true
		}
	}
	return SavedEntry{}, false
}

// Add appends or coalesces an entry the way the kernel fills swap output.
// It reports false when the arrays are full.
func (s *SavedPorts) Add(entry SavedEntry) bool {
	for i := 0; i < s.Count; i++ {
		if s.Ports[i] == entry.Port && s.Behaviors[i] == entry.Behavior && s.Flavors[i] == entry.Flavor {
			s.Masks[i] |= entry.Mask
			return true
		}
	}
	if s.Count >= ExcTypesCount {
		return false
	}
	s.Masks[s.Count] = entry.Mask
	s.Ports[s.Count] = entry.Port
	s.Behaviors[s.Count] = entry.Behavior
	s.Flavors[s.Count] = entry.Flavor
	s.Count++
	return true
}

// PortSpace covers the IPC space calls of the calling task.
// Methods return raw kernel status; callers wrap with CheckKern.
type PortSpace interface {
	AllocateReceive() (Name, KernReturn)
	InsertRight(name Name, poly Name, disp Disposition) KernReturn
	ModRefs(name Name, right Right, delta int) KernReturn
	Deallocate(name Name) KernReturn
}

// ExceptionPorts covers thread_/task_ swap and get exception ports.
// saved.Count must be preset to capacity (SavedPorts.Reset).
type ExceptionPorts interface {
	SwapExceptionPorts(target Target, mask Mask, port Name, behavior Behavior, flavor Flavor, saved *SavedPorts) KernReturn
	GetExceptionPorts(target Target, mask Mask, saved *SavedPorts) KernReturn
}

// Messenger covers mach_msg and mach_msg_destroy on caller-owned buffers.
//
// Receive fills buf (receive limit = len(buf)) from the port named rcv.
// Send transmits the message at the start of msg; its size is the header's msgh_size.
// A zero timeout with the matching timeout option polls.
type Messenger interface {
	Receive(buf []byte, opts MsgOption, rcv Name, timeout time.Duration) MsgReturn
	Send(msg []byte, opts MsgOption, timeout time.Duration) MsgReturn
	DestroyMessage(msg []byte)
}

// Kernel is the full capability set consumed by the exception components.
type Kernel interface {
	PortSpace
	ExceptionPorts
	Messenger
	TaskSelf() Name
	ThreadSelf() Name
}
