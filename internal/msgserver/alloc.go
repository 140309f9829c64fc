package msgserver

// Allocator supplies the page-rounded request and reply buffers.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
}

// RoundPage rounds n up to a multiple of the VM page size.
func RoundPage(n int) int {
	page := PageSize()
	return (n + page - 1) &^ (page - 1)
}

// HeapAllocator backs buffers with the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (HeapAllocator) Free([]byte) error {
	return nil
}
