package excinfo

// arm/arm64 codes from mach/arm/exception.h.
const (
	excARMUndefined = 1

	excARMFPUndefined = 0
	excARMFPIO        = 1
	excARMFPDZ        = 2
	excARMFPOF        = 3
	excARMFPUF        = 4
	excARMFPIX        = 5
	excARMFPID        = 6

	excARMDAAlign = 0x101
	excARMDADebug = 0x102
	excARMSPAlign = 0x103
	excARMSwp     = 0x104
	excARMPACFail = 0x105

	excARMBreakpoint = 1
)

var armTable = table{
	badAccess: codeTable{
		codes: map[int64]Cause{
			excARMDAAlign: CauseDataAlignment,
			excARMDADebug: CauseDataDebug,
			excARMSPAlign: CauseStackAlignment,
			excARMSwp:     CauseSwpInstruction,
			excARMPACFail: CausePACFailure,
		},
		fault: CauseVMFault,
	},
	badInstruction: codeTable{codes: map[int64]Cause{
		excARMUndefined: CauseUndefined,
	}},
	arithmetic: codeTable{codes: map[int64]Cause{
		excARMFPUF:        CauseUnderflow,
		excARMFPOF:        CauseOverflow,
		excARMFPIO:        CauseInvalidOperation,
		excARMFPDZ:        CauseDivideError,
		excARMFPID:        CauseDenormalInput,
		excARMFPIX:        CauseInexactResult,
		excARMFPUndefined: CauseUndefined,
	}},
	breakpoint: codeTable{codes: map[int64]Cause{
		excARMBreakpoint: CauseBreakpoint,
	}},
}
