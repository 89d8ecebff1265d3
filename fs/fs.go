// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fs provides file descriptor based access to device nodes and sysfs
// pseudo-files.
//
// A File owns its descriptor exclusively. It is not safe for concurrent use;
// the owning driver serializes access.
package fs

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// File is an open file descriptor.
type File struct {
	name string
	fd   int
}

// Open opens path with the given flags.
//
// The descriptor is opened close-on-exec so it does not leak into child
// processes.
func Open(path string, flag int) (*File, error) {
	fd, err := ignoringEINTR(func() (int, error) {
		return unix.Open(path, flag|unix.O_CLOEXEC, 0)
	})
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &File{name: path, fd: fd}, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Fd returns the underlying file descriptor.
func (f *File) Fd() uintptr {
	return uintptr(f.fd)
}

// Close closes the file descriptor.
func (f *File) Close() error {
	err := unix.Close(f.fd)
	f.fd = -1
	if err != nil {
		return &os.PathError{Op: "close", Path: f.name, Err: err}
	}
	return nil
}

func (f *File) Read(b []byte) (int, error) {
	n, err := ignoringEINTR(func() (int, error) {
		return unix.Read(f.fd, b)
	})
	if err != nil {
		return n, &os.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, nil
}

func (f *File) Write(b []byte) (int, error) {
	n, err := ignoringEINTR(func() (int, error) {
		return unix.Write(f.fd, b)
	})
	if err != nil {
		return n, &os.PathError{Op: "write", Path: f.name, Err: err}
	}
	return n, nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	off, err := unix.Seek(f.fd, offset, whence)
	if err != nil {
		return off, &os.PathError{Op: "seek", Path: f.name, Err: err}
	}
	return off, nil
}

// Ioctl issues an ioctl whose argument is a pointer to a kernel defined
// structure or scalar.
//
// The object arg points to is borrowed for the duration of the call only; it
// is the caller's job to make sure nothing else mutates it while the kernel
// uses it.
func (f *File) Ioctl(op uint32, arg unsafe.Pointer) error {
	return f.ioctl(op, uintptr(arg))
}

// IoctlInt issues an ioctl whose argument is an immediate value instead of a
// pointer.
func (f *File) IoctlInt(op uint32, arg uintptr) error {
	return f.ioctl(op, arg)
}

// ioctl is the single point converting the 32 bit request code into the
// platform sized word handed to the kernel.
func (f *File) ioctl(op uint32, arg uintptr) error {
	if errno := sysIoctl(uintptr(f.fd), uintptr(op), arg); errno != 0 {
		return fmt.Errorf("ioctl(%s, %#08x) failed: %v", f.name, op, errno)
	}
	return nil
}

// ignoringEINTR retries fn when it is interrupted by a signal.
func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}
