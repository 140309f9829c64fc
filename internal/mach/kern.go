package mach

import "fmt"

// KernReturn mirrors kern_return_t, including the negative MIG reply codes.
type KernReturn int32

const (
	KernSuccess           KernReturn = 0
	KernInvalidAddress    KernReturn = 1
	KernProtectionFail    KernReturn = 2
	KernNoSpace           KernReturn = 3
	KernInvalidArgument   KernReturn = 4
	KernFailure           KernReturn = 5
	KernResourceShortage  KernReturn = 6
	KernNotReceiver       KernReturn = 7
	KernNoAccess          KernReturn = 8
	KernInvalidName       KernReturn = 15
	KernInvalidTask       KernReturn = 16
	KernInvalidRight      KernReturn = 17
	KernInvalidValue      KernReturn = 18
	KernUrefsOverflow     KernReturn = 19
	KernInvalidCapability KernReturn = 20
	KernNameExists        KernReturn = 24
	KernNotSupported      KernReturn = 46

	// KernReturnMax bounds the codes a VM fault can report as a bad-access code.
	KernReturnMax KernReturn = 0x100
)

// MIG server reply codes carried in RetCode.
const (
	MigTypeError     KernReturn = -300
	MigReplyMismatch KernReturn = -301
	MigRemoteError   KernReturn = -302
	MigBadID         KernReturn = -303
	MigBadArguments  KernReturn = -304
	MigNoReply       KernReturn = -305
)

var kernNames = map[KernReturn]string{
	KernSuccess:           "KERN_SUCCESS",
	KernInvalidAddress:    "KERN_INVALID_ADDRESS",
	KernProtectionFail:    "KERN_PROTECTION_FAILURE",
	KernNoSpace:           "KERN_NO_SPACE",
	KernInvalidArgument:   "KERN_INVALID_ARGUMENT",
	KernFailure:           "KERN_FAILURE",
	KernResourceShortage:  "KERN_RESOURCE_SHORTAGE",
	KernNotReceiver:       "KERN_NOT_RECEIVER",
	KernNoAccess:          "KERN_NO_ACCESS",
	KernInvalidName:       "KERN_INVALID_NAME",
	KernInvalidTask:       "KERN_INVALID_TASK",
	KernInvalidRight:      "KERN_INVALID_RIGHT",
	KernInvalidValue:      "KERN_INVALID_VALUE",
	KernUrefsOverflow:     "KERN_UREFS_OVERFLOW",
	KernInvalidCapability: "KERN_INVALID_CAPABILITY",
	KernNameExists:        "KERN_NAME_EXISTS",
	KernNotSupported:      "KERN_NOT_SUPPORTED",
	MigTypeError:          "MIG_TYPE_ERROR",
	MigReplyMismatch:      "MIG_REPLY_MISMATCH",
	MigRemoteError:        "MIG_REMOTE_ERROR",
	MigBadID:              "MIG_BAD_ID",
	MigBadArguments:       "MIG_BAD_ARGUMENTS",
	MigNoReply:            "MIG_NO_REPLY",
}

func (k KernReturn) String() string {
	if name, ok := kernNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kern_return(%d)", int32(k))
}

// Error lets a bare status be matched with errors.Is against KernError values.
func (k KernReturn) Error() string {
	return k.String()
}

// OK reports whether k is KERN_SUCCESS.
func (k KernReturn) OK() bool {
	return k == KernSuccess
}
