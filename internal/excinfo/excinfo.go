// Package excinfo decodes the code and subcode of a Mach exception into a
// typed view per category. Machine dependent categories (bad access, bad
// instruction, arithmetic, breakpoint) are decoded against an architecture
// table; Native selects the table of the running binary.
package excinfo

import (
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

type Arch uint8

const (
	ArchAMD64 Arch = iota + 1
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// Cause names the machine dependent reason for a fault.
type Cause string

const (
	CauseVMFault           Cause = "vm-fault"
	CauseDataAlignment     Cause = "data-alignment"
	CauseDataDebug         Cause = "data-debug"
	CauseStackAlignment    Cause = "stack-alignment"
	CauseSwpInstruction    Cause = "swp-instruction"
	CausePACFailure        Cause = "pac-failure"
	CauseFPUSegmentFault   Cause = "fpu-segment-fault"
	CauseGeneralProtection Cause = "general-protection"

	CauseUndefined         Cause = "undefined"
	CauseInvalidTSS        Cause = "invalid-tss"
	CauseSegmentNotPresent Cause = "segment-not-present"
	CauseStackFault        Cause = "stack-fault"
	CauseInvalidOpcode     Cause = "invalid-opcode"
	CausePageFault         Cause = "page-fault"

	CauseUnderflow        Cause = "underflow"
	CauseOverflow         Cause = "overflow"
	CauseInvalidOperation Cause = "invalid-operation"
	CauseDivideError      Cause = "divide-error"
	CauseDenormalInput    Cause = "denormal-input"
	CauseInexactResult    Cause = "inexact-result"
	CauseNoFPU            Cause = "no-fpu"
	CauseFloatingPoint    Cause = "floating-point-error"
	CauseSIMD             Cause = "simd-error"

	CauseBreakpoint Cause = "breakpoint"
	CauseSingleStep Cause = "single-step"
)

// Field extracts bits lsb through msb inclusive.
func Field(v uint64, lsb, msb int) uint64 {
	if lsb < 0 || msb < lsb || lsb > 63 {
		return 0
	}
	if msb > 63 {
		msb = 63
	}
	width := msb - lsb + 1
	if width == 64 {
		return v
	}
	return v >> lsb & (1<<width - 1)
}

// Decoder decodes exceptions raised on one architecture.
type Decoder struct {
	arch  Arch
	table *table
}

func For(arch Arch) (Decoder, error) {
	switch arch {
	case ArchAMD64:
		return Decoder{arch: arch, table: &x86Table}, nil
	case ArchARM64:
		return Decoder{arch: arch, table: &armTable}, nil
	default:
		return Decoder{}, fmt.Errorf("excinfo: unsupported arch %s", arch)
	}
}

// NativeDecoder decodes exceptions raised by the running binary.
func NativeDecoder() Decoder {
	d, _ := For(Native)
	return d
}

func (d Decoder) Arch() Arch {
	return d.arch
}

type BadAccess struct {
	Cause Cause
	// KernResult is set for CauseVMFault.
	KernResult mach.KernReturn
	Address    uint64
}

// BadAccess decodes EXC_BAD_ACCESS. The subcode is the faulting address, or
// on amd64 the segment selector of a general protection fault.
func (d Decoder) BadAccess(e mach.Exception) (BadAccess, bool) {
	if e.Type != mach.ExcBadAccess || d.table == nil {
		return BadAccess{}, false
	}
	cause, kr, ok := d.table.badAccess.lookup(e.Code)
	if !ok {
		return BadAccess{}, false
	}
	return BadAccess{Cause: cause, KernResult: kr, Address: uint64(e.Subcode)}, true
}

type BadInstruction struct {
	Cause Cause
	// KernResult is set for CausePageFault.
	KernResult mach.KernReturn
	// Subcode is the faulting instruction on arm64 and the fault address on amd64.
	Subcode uint64
}

func (d Decoder) BadInstruction(e mach.Exception) (BadInstruction, bool) {
	if e.Type != mach.ExcBadInstruction || d.table == nil {
		return BadInstruction{}, false
	}
	cause, kr, ok := d.table.badInstruction.lookup(e.Code)
	if !ok {
		return BadInstruction{}, false
	}
	return BadInstruction{Cause: cause, KernResult: kr, Subcode: uint64(e.Subcode)}, true
}

type Arithmetic struct {
	Cause Cause
	// Subcode is the faulting instruction on arm64 and the FPU or MXCSR
	// status register on amd64.
	Subcode uint64
}

func (d Decoder) Arithmetic(e mach.Exception) (Arithmetic, bool) {
	if e.Type != mach.ExcArithmetic || d.table == nil {
		return Arithmetic{}, false
	}
	cause, _, ok := d.table.arithmetic.lookup(e.Code)
	if !ok {
		return Arithmetic{}, false
	}
	return Arithmetic{Cause: cause, Subcode: uint64(e.Subcode)}, true
}

type Breakpoint struct {
	Cause   Cause
	Address uint64
}

func (d Decoder) Breakpoint(e mach.Exception) (Breakpoint, bool) {
	if e.Type != mach.ExcBreakpoint || d.table == nil {
		return Breakpoint{}, false
	}
	cause, _, ok := d.table.breakpoint.lookup(e.Code)
	if !ok {
		return Breakpoint{}, false
	}
	return Breakpoint{Cause: cause, Address: uint64(e.Subcode)}, true
}

// Syscall returns the system call number of an EXC_SYSCALL.
func Syscall(e mach.Exception) (uint64, bool) {
	if e.Type != mach.ExcSyscall {
		return 0, false
	}
	return uint64(e.Code), true
}

// MachSyscall returns the trap number of an EXC_MACH_SYSCALL.
func MachSyscall(e mach.Exception) (uint64, bool) {
	if e.Type != mach.ExcMachSyscall {
		return 0, false
	}
	return uint64(e.Code), true
}

// RPCAlertCode is the only code the kernel raises EXC_RPC_ALERT with.
const RPCAlertCode = 0xff000001

type RPCAlert struct {
	PID int64
}

func DecodeRPCAlert(e mach.Exception) (RPCAlert, bool) {
	if e.Type != mach.ExcRPCAlert || e.Code != RPCAlertCode {
		return RPCAlert{}, false
	}
	return RPCAlert{PID: e.Subcode}, true
}

// Crash is EXC_CRASH as built by proc_prepareexit.
type Crash struct {
	Signal       int
	Original     mach.ExceptionType
	OriginalCode int64
}

func DecodeCrash(e mach.Exception) (Crash, bool) {
	if e.Type != mach.ExcCrash {
		return Crash{}, false
	}
	v := uint64(e.Code)
	return Crash{
		Signal:       int(Field(v, 24, 31)),
		Original:     mach.ExceptionType(Field(v, 20, 23)),
		OriginalCode: int64(Field(v, 0, 19)),
	}, true
}
