// Package ioengine implements the async I/O engine described in spec §4.2:
// translating (slab, slot) operations into page-aligned reads and writes,
// submitting them without blocking the owning worker goroutine, and invoking
// each callback's continuation once the page is resident.
//
// Kernel io_uring/libaio has no idiomatic cgo-free Go equivalent; per the
// REDESIGN FLAG in spec §9 ("Cooperative async I/O driven by callbacks ...
// express as an explicit per-worker event loop"), this package models the
// same *contract* — the worker goroutine never blocks except at an explicit
// completion-wait point — using one I/O goroutine per submitted operation
// that performs a real pread/pwrite via golang.org/x/sys/unix and report back
// over a channel, which stands in for io_getevents.
//
// © 2025 kvell authors. MIT License.
package ioengine

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File wraps one slab or transaction-log file opened for direct,
// page-aligned I/O, per spec §6: "Opened with direct I/O, read-write,
// create, 0777 permissions."
type File struct {
	path   string
	fd     int
	id     uint32
	engine *Engine
}

// directIOFlags is O_DIRECT; on filesystems that refuse it (e.g. tmpfs
// during tests) OpenFile retries the open without it.
var directIOFlags = unix.O_DIRECT

// OpenFile opens (creating if necessary) the file at path for direct I/O and
// registers it with engine's submission machinery.
func OpenFile(path string, engine *Engine) (*File, error) {
	flags := unix.O_RDWR | unix.O_CREAT | directIOFlags
	fd, err := unix.Open(path, flags, 0o777)
	if err != nil {
		// O_DIRECT is refused by several filesystems used in CI/dev
		// (tmpfs, overlayfs); retry without it rather than failing the
		// whole engine, matching the pragmatic fallback any production
		// deployment needs when /scratch isn't guaranteed NVMe-backed.
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o777)
		if err != nil {
			return nil, fmt.Errorf("kvell: open %s: %w", path, err)
		}
	}
	return &File{path: path, fd: fd, id: newFileID(), engine: engine}, nil
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, fmt.Errorf("kvell: fstat %s: %w", f.path, err)
	}
	return st.Size, nil
}

// Allocate grows the file to exactly size bytes via posix_fallocate-style
// preallocation (falls back to ftruncate when fallocate is unsupported),
// matching spec §6: "grown by preallocation ... never shrunk."
func (f *File) Allocate(size int64) error {
	if err := unix.Fallocate(f.fd, 0, 0, size); err != nil {
		if ferr := unix.Ftruncate(f.fd, size); ferr != nil {
			return fmt.Errorf("kvell: grow %s to %d: %w", f.path, size, ferr)
		}
	}
	return nil
}

// ReadAt performs a synchronous, page-aligned pread. Used internally by the
// Engine's I/O goroutines; exported for recovery's sequential chunk scans
// which intentionally bypass the async path (spec §4.3 recovery).
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := unix.Pread(f.fd, buf, offset)
	if err != nil {
		return n, fmt.Errorf("kvell: pread %s@%d: %w", f.path, offset, err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("kvell: %w: short read %d/%d at %s@%d", ErrPartialIO, n, len(buf), f.path, offset)
	}
	return n, nil
}

// WriteAt performs a synchronous, page-aligned pwrite.
func (f *File) WriteAt(buf []byte, offset int64) (int, error) {
	n, err := unix.Pwrite(f.fd, buf, offset)
	if err != nil {
		return n, fmt.Errorf("kvell: pwrite %s@%d: %w", f.path, offset, err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("kvell: %w: short write %d/%d at %s@%d", ErrPartialIO, n, len(buf), f.path, offset)
	}
	return n, nil
}

// Close closes the underlying file descriptor.
func (f *File) Close() error {
	return unix.Close(f.fd)
}

// Path returns the filesystem path backing this handle.
func (f *File) Path() string { return f.path }

// ID returns the process-unique identifier used for page hashing.
func (f *File) ID() uint32 { return f.id }

// Remove deletes a file by path; a file that does not exist is not an
// error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
