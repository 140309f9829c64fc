package excinfo

import (
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

// Describe renders e using the native decoder.
func Describe(e mach.Exception) string {
	return NativeDecoder().Describe(e)
}

// Describe renders a one line summary of e for logs and the admin API.
// Codes that do not decode fall back to the raw code and subcode.
func (d Decoder) Describe(e mach.Exception) string {
	if detail, ok := d.detail(e); ok {
		return e.Type.String() + ": " + detail
	}
	return e.String()
}

func (d Decoder) detail(e mach.Exception) (string, bool) {
	switch e.Type {
	case mach.ExcBadAccess:
		v, ok := d.BadAccess(e)
		if !ok {
			return "", false
		}
		if v.Cause == CauseVMFault {
			return fmt.Sprintf("%s %s address=%#x", v.Cause, v.KernResult, v.Address), true
		}
		return fmt.Sprintf("%s address=%#x", v.Cause, v.Address), true
	case mach.ExcBadInstruction:
		v, ok := d.BadInstruction(e)
		if !ok {
			return "", false
		}
		if v.Cause == CausePageFault {
			return fmt.Sprintf("%s %s address=%#x", v.Cause, v.KernResult, v.Subcode), true
		}
		return fmt.Sprintf("%s %s=%#x", v.Cause, d.subcodeLabel(), v.Subcode), true
	case mach.ExcArithmetic:
		v, ok := d.Arithmetic(e)
		if !ok {
			return "", false
		}
		label := "csr"
		if d.arch == ArchARM64 {
			label = "instruction"
		}
		return fmt.Sprintf("%s %s=%#x", v.Cause, label, v.Subcode), true
	case mach.ExcBreakpoint:
		v, ok := d.Breakpoint(e)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%s address=%#x", v.Cause, v.Address), true
	case mach.ExcSyscall, mach.ExcMachSyscall:
		return fmt.Sprintf("number=%d", e.Code), true
	case mach.ExcRPCAlert:
		v, ok := DecodeRPCAlert(e)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("pid=%d", v.PID), true
	case mach.ExcCrash:
		v, _ := DecodeCrash(e)
		return fmt.Sprintf("signal=%d original=%s code=%#x", v.Signal, v.Original, v.OriginalCode), true
	case mach.ExcResource:
		v, ok := DecodeResource(e)
		if !ok {
			return "", false
		}
		return describeResource(v), true
	case mach.ExcGuard:
		v, ok := DecodeGuard(e)
		if !ok {
			return "", false
		}
		return v.String(), true
	case mach.ExcCorpseNotify:
		v, ok := DecodeCorpseNotify(e)
		if !ok {
			return "", false
		}
		switch {
		case v.Resource != nil:
			return "resource " + describeResource(*v.Resource), true
		case v.Guard != nil:
			return "guard " + v.Guard.String(), true
		default:
			return fmt.Sprintf("crash namespace=%s reason=%#x", v.Namespace, v.Reason), true
		}
	}
	return "", false
}

func (d Decoder) subcodeLabel() string {
	if d.arch == ArchARM64 {
		return "instruction"
	}
	return "address"
}

func describeResource(r Resource) string {
	switch r.Type {
	case ResourceMemory:
		return fmt.Sprintf("%s %s limit=%dMB", r.Type, r.FlavorName, r.Limit)
	case ResourceThreads:
		return fmt.Sprintf("%s %s count=%d", r.Type, r.FlavorName, r.Observed)
	default:
		return fmt.Sprintf("%s %s interval=%ds limit=%d observed=%d", r.Type, r.FlavorName, r.Interval, r.Limit, r.Observed)
	}
}
