//go:build !unix

package msgserver

import "os"

func PageSize() int {
	return os.Getpagesize()
}

func defaultAllocator() Allocator {
	return HeapAllocator{}
}
