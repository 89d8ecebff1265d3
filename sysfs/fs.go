// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"periph.io/x/linuxhost/fs"
)

// fileIO is the subset of fs.File the drivers in this package rely on.
type fileIO interface {
	Close() error
	Fd() uintptr
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Seek(int64, int) (int64, error)
}

func fileIOOpen(path string, flag int) (fileIO, error) {
	f, err := fs.Open(path, flag)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// seekRead rewinds the attribute file and reads its current content.
func seekRead(f fileIO, b []byte) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return f.Read(b)
}

// seekWrite rewinds the attribute file and writes the exact literal token.
func seekWrite(f fileIO, b []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

func isErrBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}

// readAttr reads a whole sysfs attribute file and trims surrounding
// whitespace; sysfs content may or may not carry a trailing newline.
func readAttr(path string) (string, error) {
	f, err := fileIOOpen(path, os.O_RDONLY)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var b [256]byte
	n, err := f.Read(b[:])
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(string(b[:n])), nil
}

// writeAttr writes the exact literal token to a sysfs attribute file. There
// is no read-back verification; the kernel accepts or rejects the value
// through the returned error.
func writeAttr(path, value string) error {
	f, err := fileIOOpen(path, os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(value))
	return err
}
