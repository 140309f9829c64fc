package mach

import "fmt"

// KernError carries a failing kern_return_t and the call that produced it.
type KernError struct {
	Op   string
	Code KernReturn
}

func (e *KernError) Error() string {
	return fmt.Sprintf("mach: %s: %s (%d)", e.Op, e.Code, int32(e.Code))
}

// Is matches a bare KernReturn, so errors.Is(err, KernResourceShortage) works.
func (e *KernError) Is(target error) bool {
	code, ok := target.(KernReturn)
	return ok && code == e.Code
}

// MsgError carries a failing mach_msg_return_t.
type MsgError struct {
	Op   string
	Code MsgReturn
}

func (e *MsgError) Error() string {
	return fmt.Sprintf("mach: %s: %s (%#x)", e.Op, e.Code, uint32(e.Code))
}

func (e *MsgError) Is(target error) bool {
	code, ok := target.(MsgReturn)
	return ok && code == e.Code
}

// CheckKern returns nil for KERN_SUCCESS, otherwise a *KernError.
func CheckKern(op string, code KernReturn) error {
	if code == KernSuccess {
		return nil
	}
	return &KernError{Op: op, Code: code}
}

// CheckMsg returns nil for MACH_MSG_SUCCESS, otherwise a *MsgError.
func CheckMsg(op string, code MsgReturn) error {
	if code == MsgSuccess {
		return nil
	}
	return &MsgError{Op: op, Code: code}
}
