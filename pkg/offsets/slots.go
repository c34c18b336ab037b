package offsets

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"replog/pkg/logerrors"
)

const slotSize = 8

// Slots is a fixed-size array of big-endian uint64 values backed by a
// memory-mapped file. Slot i occupies bytes [8i, 8i+8).
type Slots struct {
	path  string
	file  *os.File
	data  []byte
	locks []sync.Mutex
	page  int

	closeOnce sync.Once
}

// OpenSlots maps the file at path, creating it with n slots set to fill when
// it does not exist yet.
func OpenSlots(path string, n int, fill uint64) (*Slots, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: slot count %d", logerrors.ErrInvalidArgument, n)
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create slot directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open slot file: %w", err)
	}

	size := int64(n) * slotSize
	if err := prepare(file, size, fill); err != nil {
		closeQuietly(file)
		return nil, err
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		closeQuietly(file)
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}

	return &Slots{
		path:  path,
		file:  file,
		data:  data,
		locks: make([]sync.Mutex, n),
		page:  os.Getpagesize(),
	}, nil
}

// prepare preallocates a fresh file or checks the size of an existing one.
func prepare(file *os.File, size int64, fill uint64) error {
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat slot file: %w", err)
	}

	switch info.Size() {
	case size:
		return nil
	case 0:
	default:
		return fmt.Errorf("%w: %s is %d bytes, want %d", logerrors.ErrLayoutMismatch, file.Name(), info.Size(), size)
	}

	buf := make([]byte, size)
	if fill != 0 {
		for off := int64(0); off < size; off += slotSize {
			binary.BigEndian.PutUint64(buf[off:], fill)
		}
	}
	if _, err := file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("failed to preallocate slot file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync slot file: %w", err)
	}
	return nil
}

// Len returns the number of slots.
func (s *Slots) Len() int {
	return len(s.locks)
}

// Get returns the value stored in slot i.
func (s *Slots) Get(i int) (uint64, error) {
	if err := s.check(i); err != nil {
		return 0, err
	}
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	if s.data == nil {
		return 0, logerrors.ErrClosed
	}

	return binary.BigEndian.Uint64(s.data[i*slotSize:]), nil
}

// Set overwrites slot i and flushes the page holding it to disk.
func (s *Slots) Set(i int, v uint64) error {
	if err := s.check(i); err != nil {
		return err
	}
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	if s.data == nil {
		return logerrors.ErrClosed
	}

	off := i * slotSize
	binary.BigEndian.PutUint64(s.data[off:], v)

	// msync wants a page-aligned address.
	start := off - off%s.page
	end := min(start+s.page, len(s.data))
	if err := unix.Msync(s.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to msync slot %d: %w", i, err)
	}
	return nil
}

func (s *Slots) check(i int) error {
	if i < 0 || i >= len(s.locks) {
		return fmt.Errorf("%w: slot %d out of range [0,%d)", logerrors.ErrInvalidArgument, i, len(s.locks))
	}
	return nil
}

// Close unmaps the region and closes the file.
func (s *Slots) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// wait for in-flight Get/Set
		for i := range s.locks {
			s.locks[i].Lock()
		}
		data := s.data
		s.data = nil
		for i := range s.locks {
			s.locks[i].Unlock()
		}

		if uerr := unix.Munmap(data); uerr != nil {
			err = fmt.Errorf("failed to munmap %s: %w", s.path, uerr)
		}
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", s.path, cerr)
		}
	})
	return err
}

func closeQuietly(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("failed to close slot file", "path", f.Name(), "error", err)
	}
}
