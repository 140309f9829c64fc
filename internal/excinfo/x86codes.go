package excinfo

// i386/x86_64 codes from mach/i386/exception.h.
const (
	excI386InvOp     = 1
	excI386Div       = 1
	excI386Into      = 2
	excI386NoExt     = 3
	excI386ExtErr    = 5
	excI386SSEExtErr = 8
	excI386Sgl       = 1
	excI386Bpt       = 2
	excI386InvTSSFlt = 10
	excI386SegNPFlt  = 11
	excI386StkFlt    = 12
	excI386GPFlt     = 13

	vmProtReadExecute = 0x1 | 0x4
)

var x86Table = table{
	badAccess: codeTable{codes: map[int64]Cause{
		vmProtReadExecute: CauseFPUSegmentFault,
		excI386GPFlt:      CauseGeneralProtection,
	}},
	badInstruction: codeTable{
		codes: map[int64]Cause{
			excI386InvTSSFlt: CauseInvalidTSS,
			excI386SegNPFlt:  CauseSegmentNotPresent,
			excI386StkFlt:    CauseStackFault,
			excI386InvOp:     CauseInvalidOpcode,
		},
		fault: CausePageFault,
	},
	arithmetic: codeTable{codes: map[int64]Cause{
		excI386Div:       CauseDivideError,
		excI386Into:      CauseOverflow,
		excI386NoExt:     CauseNoFPU,
		excI386ExtErr:    CauseFloatingPoint,
		excI386SSEExtErr: CauseSIMD,
	}},
	breakpoint: codeTable{codes: map[int64]Cause{
		excI386Sgl: CauseSingleStep,
		excI386Bpt: CauseBreakpoint,
	}},
}
