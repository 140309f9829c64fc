//go:build !darwin || !cgo

package native

import "github.com/danmuck/excport/internal/mach"

func Open() (mach.Kernel, error) {
	return nil, ErrUnsupported
}

func TaskForPID(pid int) (mach.Name, error) {
	return mach.PortNull, ErrUnsupported
}
