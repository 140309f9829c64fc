package excinfo

import "github.com/danmuck/excport/internal/mach"

type codeTable struct {
	codes map[int64]Cause
	// fault, when set, maps codes 0..KERN_RETURN_MAX not in codes to a
	// kern_return_t carrying cause.
	fault Cause
}

func (c codeTable) lookup(code int64) (Cause, mach.KernReturn, bool) {
	if cause, ok := c.codes[code]; ok {
		return cause, 0, true
	}
	if c.fault != "" && code >= int64(mach.KernSuccess) && code <= int64(mach.KernReturnMax) {
		return c.fault, mach.KernReturn(code), true
	}
	return "", 0, false
}

type table struct {
	badAccess      codeTable
	badInstruction codeTable
	arithmetic     codeTable
	breakpoint     codeTable
}
