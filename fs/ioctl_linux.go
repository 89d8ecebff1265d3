//go:build linux

// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fs

import "golang.org/x/sys/unix"

func sysIoctl(fd, op, arg uintptr) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	return errno
}
