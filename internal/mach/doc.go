// Package mach owns the kernel vocabulary shared by every exception-port component.
//
// Ownership boundary:
// - kern_return_t / mach_msg_return_t status codes
// - message options, header bits and port dispositions
// - exception types, masks, behaviors and thread-state flavors
// - capability interfaces over the kernel calls (port space, exception ports, messaging)
//
// Nothing in this package talks to a kernel. Backends live in mach/native (cgo, darwin)
// and mach/simkern (in-memory, every platform).
package mach
