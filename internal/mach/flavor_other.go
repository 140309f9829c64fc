//go:build !arm64

package mach

// ThreadStateNone is THREAD_STATE_NONE for x86_64.
const ThreadStateNone Flavor = 13
