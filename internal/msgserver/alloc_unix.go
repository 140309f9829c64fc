//go:build unix

package msgserver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageAllocator maps anonymous private pages, like vm_allocate.
type PageAllocator struct{}

func (PageAllocator) Alloc(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("msgserver: mmap %d bytes: %w", size, err)
	}
	return buf, nil
}

func (PageAllocator) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}

func PageSize() int {
	return unix.Getpagesize()
}

func defaultAllocator() Allocator {
	return PageAllocator{}
}
