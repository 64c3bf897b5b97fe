package bitmap

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedMap is a GlobalMap backed by a file mapped MAP_SHARED, so every worker
// process that opens the same path sees the same bits.
type SharedMap struct {
	file  *os.File
	data  []byte
	words []uint32
	size  int
}

// OpenSharedMap maps path as a global map of size bytes, creating it when
// missing. An existing file of a different size is rejected.
func OpenSharedMap(path string, size int) (*SharedMap, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid bitmap size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared bitmap: %w", err)
	}
	mapped := int64(wordCount(size) * 4)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat shared bitmap: %w", err)
	}
	switch info.Size() {
	case 0:
		if err := f.Truncate(mapped); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size shared bitmap: %w", err)
		}
	case mapped:
	default:
		f.Close()
		return nil, fmt.Errorf("%w: file %s has %d bytes, want %d", ErrSizeMismatch, path, info.Size(), mapped)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(mapped), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap shared bitmap: %w", err)
	}

	return &SharedMap{
		file:  f,
		data:  data,
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4),
		size:  size,
	}, nil
}

func (m *SharedMap) Size() int { return m.size }

func (m *SharedMap) Load(word int) uint32 {
	return atomic.LoadUint32(&m.words[word])
}

func (m *SharedMap) Or(word int, v uint32) uint32 {
	return atomic.OrUint32(&m.words[word], v)
}

func (m *SharedMap) Close() error {
	m.words = nil
	if err := unix.Munmap(m.data); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to unmap shared bitmap: %w", err)
	}
	return m.file.Close()
}

// MemoryMap is an in-process GlobalMap with the same merge semantics as SharedMap.
type MemoryMap struct {
	words []uint32
	size  int
}

func NewMemoryMap(size int) *MemoryMap {
	return &MemoryMap{make([]uint32, wordCount(size)), size}
}

func (m *MemoryMap) Size() int { return m.size }

func (m *MemoryMap) Load(word int) uint32 {
	return atomic.LoadUint32(&m.words[word])
}

func (m *MemoryMap) Or(word int, v uint32) uint32 {
	return atomic.OrUint32(&m.words[word], v)
}
