//go:build linux || darwin

package kegdb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a read-only memory-mapped view of a file. It covers the
// file's length at the time it was mapped; segmentCache remaps the
// still-active segment when a read needs bytes appended after that.
type mmapRegion struct {
	data []byte
}

// mmapFile maps the first size bytes of f for reading. size must match (or
// be less than) the file's length. The kernel rejects a zero-length
// mapping, so size 0 returns an empty region without calling mmap.
func mmapFile(f *os.File, size int64) (*mmapRegion, error) {
	if size == 0 {
		return &mmapRegion{data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", f.Name(), err)
	}
	return &mmapRegion{data: data}, nil
}

// ReadAt implements io.ReaderAt over the mapped region without copying on
// the mapping side; the caller's buffer still gets a copy via copy().
func (m *mmapRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("mmap read at %d: out of range (size %d)", off, len(m.data))
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("mmap read at %d: short read (wanted %d, got %d)", off, len(p), n)
	}
	return n, nil
}

func (m *mmapRegion) unmap() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	m.data = nil
	return nil
}
