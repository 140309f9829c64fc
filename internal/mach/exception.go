package mach

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var (
	ErrEmptyMask   = errors.New("mach: empty exception mask")
	ErrInvalidMask = errors.New("mach: invalid exception mask")
	ErrUnknownType = errors.New("mach: unknown exception type")
)

// ExceptionType mirrors exception_type_t.
type ExceptionType int32

const (
	ExcBadAccess      ExceptionType = 1
	ExcBadInstruction ExceptionType = 2
	ExcArithmetic     ExceptionType = 3
	ExcEmulation      ExceptionType = 4
	ExcSoftware       ExceptionType = 5
	ExcBreakpoint     ExceptionType = 6
	ExcSyscall        ExceptionType = 7
	ExcMachSyscall    ExceptionType = 8
	ExcRPCAlert       ExceptionType = 9
	ExcCrash          ExceptionType = 10
	ExcResource       ExceptionType = 11
	ExcGuard          ExceptionType = 12
	ExcCorpseNotify   ExceptionType = 13

	// ExcTypesCount is EXC_TYPES_COUNT, the capacity of saved configuration arrays.
	ExcTypesCount = 14
)

var exceptionNames = [ExcTypesCount]string{
	ExcBadAccess:      "bad-access",
	ExcBadInstruction: "bad-instruction",
	ExcArithmetic:     "arithmetic",
	ExcEmulation:      "emulation",
	ExcSoftware:       "software",
	ExcBreakpoint:     "breakpoint",
	ExcSyscall:        "syscall",
	ExcMachSyscall:    "mach-syscall",
	ExcRPCAlert:       "rpc-alert",
	ExcCrash:          "crash",
	ExcResource:       "resource",
	ExcGuard:          "guard",
	ExcCorpseNotify:   "corpse-notify",
}

func (t ExceptionType) Valid() bool {
	return t >= ExcBadAccess && t < ExcTypesCount
}

func (t ExceptionType) String() string {
	if t.Valid() {
		return exceptionNames[t]
	}
	return fmt.Sprintf("exception(%d)", int32(t))
}

// Mask returns the single-category mask for t.
func (t ExceptionType) Mask() Mask {
	if !t.Valid() {
		return 0
	}
	return Mask(1) << uint(t)
}

// ParseExceptionType accepts the names produced by ExceptionType.String.
func ParseExceptionType(raw string) (ExceptionType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.ReplaceAll(name, "_", "-")
	for t := ExcBadAccess; t < ExcTypesCount; t++ {
		if exceptionNames[t] == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, raw)
}

// Mask mirrors exception_mask_t.
type Mask uint32

// MaskAll is EXC_MASK_ALL for the categories above.
const MaskAll Mask = (1<<ExcTypesCount - 1) &^ 1

// MaskOf builds a mask from categories.
func MaskOf(types ...ExceptionType) Mask {
	var m Mask
	for _, t := range types {
		m |= t.Mask()
	}
	return m
}

// ParseMask builds a mask from category names.
func ParseMask(names []string) (Mask, error) {
	var m Mask
	for _, name := range names {
		t, err := ParseExceptionType(name)
		if err != nil {
			return 0, err
		}
		m |= t.Mask()
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}
	return m, nil
}

// Validate enforces a non-empty mask over known categories.
func (m Mask) Validate() error {
	if m == 0 {
		return ErrEmptyMask
	}
	if m&^MaskAll != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidMask, uint32(m))
	}
	return nil
}

func (m Mask) Has(t ExceptionType) bool {
	return t.Valid() && m&t.Mask() != 0
}

// Types lists the categories in m in ascending order.
func (m Mask) Types() []ExceptionType {
	out := make([]ExceptionType, 0, bits.OnesCount32(uint32(m)))
	for t := ExcBadAccess; t < ExcTypesCount; t++ {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m Mask) String() string {
	types := m.Types()
	if len(types) == 0 {
		return "none"
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.String())
	}
	return strings.Join(names, "|")
}

// Behavior mirrors exception_behavior_t.
type Behavior int32

const (
	BehaviorDefault       Behavior = 1
	BehaviorState         Behavior = 2
	BehaviorStateIdentity Behavior = 3

	// BehaviorMachCodes is MACH_EXCEPTION_CODES: 64-bit code words.
	BehaviorMachCodes Behavior = -0x80000000
)

// Base strips MACH_EXCEPTION_CODES.
func (b Behavior) Base() Behavior {
	return b &^ BehaviorMachCodes
}

func (b Behavior) MachCodes() bool {
	return b&BehaviorMachCodes != 0
}

// Flavor mirrors thread_state_flavor_t.
type Flavor int32

// Exception is what a handler sees of a delivered exception: the category and
// the first two code words. Thread and task identities are not exposed.
type Exception struct {
	Type    ExceptionType
	Code    int64
	Subcode int64
}

func (e Exception) String() string {
	return fmt.Sprintf("%s code=%#x subcode=%#x", e.Type, uint64(e.Code), uint64(e.Subcode))
}
