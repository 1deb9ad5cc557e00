// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharedmem manages anonymous shared memory regions backed by
// memfd. A region's descriptor can be duplicated and sent to another
// process, which maps the same pages. Data pipes keep their ring buffer
// in a region, and shared buffer handles wrap one directly.
package sharedmem

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrInvalidRange is returned by Map when the requested range does not
// lie within the region.
var ErrInvalidRange = errors.New("sharedmem: range outside region")

// Region is a memfd-backed shared memory object.
type Region struct {
	file *os.File
	size int
}

// Create allocates a zero-filled region of size bytes. name appears in
// /proc/<pid>/fd links and is for debugging only.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("sharedmem: size must be positive, got %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sharedmem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sharedmem: ftruncate to %d: %w", size, err)
	}
	return &Region{file: os.NewFile(uintptr(fd), "memfd:"+name), size: size}, nil
}

// Open adopts a descriptor received from another process. The region
// takes ownership of file. The size is read from the descriptor.
func Open(file *os.File) (*Region, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		file.Close()
		return nil, fmt.Errorf("sharedmem: fstat: %w", err)
	}
	if stat.Size <= 0 {
		file.Close()
		return nil, fmt.Errorf("sharedmem: descriptor has size %d", stat.Size)
	}
	return &Region{file: file, size: int(stat.Size)}, nil
}

// Size returns the region size in bytes.
func (r *Region) Size() int { return r.size }

// Duplicate returns a new descriptor for the same region. The caller
// owns it.
func (r *Region) Duplicate() (*os.File, error) {
	fd, err := unix.FcntlInt(r.file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("sharedmem: dup: %w", err)
	}
	return os.NewFile(uintptr(fd), r.file.Name()), nil
}

// Map maps length bytes starting at offset, read-write and shared.
func (r *Region) Map(offset, length int) (*Mapping, error) {
	if offset < 0 || length <= 0 || offset > r.size || length > r.size-offset {
		return nil, ErrInvalidRange
	}
	pageSize := os.Getpagesize()
	aligned := offset &^ (pageSize - 1)
	skew := offset - aligned

	raw, err := unix.Mmap(int(r.file.Fd()), int64(aligned), length+skew,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sharedmem: mmap: %w", err)
	}
	return &Mapping{raw: raw, data: raw[skew : skew+length]}, nil
}

// Close releases this process's descriptor. Existing mappings stay
// valid until unmapped.
func (r *Region) Close() error {
	return r.file.Close()
}

// Mapping is a mapped view of a Region.
type Mapping struct {
	raw  []byte
	data []byte
}

// Bytes returns the mapped memory. The slice is invalid after Unmap.
func (m *Mapping) Bytes() []byte { return m.data }

// Unmap releases the mapping. Calling it twice is a no-op.
func (m *Mapping) Unmap() error {
	if m.raw == nil {
		return nil
	}
	raw := m.raw
	m.raw, m.data = nil, nil
	return unix.Munmap(raw)
}
