//go:build arm64

package mach

// ThreadStateNone is THREAD_STATE_NONE for arm64.
const ThreadStateNone Flavor = 5
