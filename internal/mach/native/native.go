// Package native binds the mach.Kernel capabilities to the real Mach calls
// through cgo. It is only functional on darwin with cgo enabled; elsewhere
// Open reports ErrUnsupported.
package native

import "errors"

var ErrUnsupported = errors.New("native: mach kernel calls require darwin with cgo")
