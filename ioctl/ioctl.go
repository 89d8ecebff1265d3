// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ioctl constructs Linux ioctl request codes.
//
// A request code packs four fields at fixed bit offsets, as defined in the
// kernel's asm-generic/ioctl.h: the operation number in bits 0-7, the type
// magic identifying the device class in bits 8-15, the payload size in bits
// 16-29 and the transfer direction in bits 30-31. The layout is part of the
// kernel ABI; a code that deviates from it addresses a different handler or
// is rejected with an unrelated error, so this package is the only place in
// the module where codes are assembled.
//
// The size field must be the exact in-memory size of the value transferred
// through the argument pointer. Call sites pass unsafe.Sizeof directly.
package ioctl

// Dir is the data transfer direction of an ioctl, seen from user space.
type Dir uint32

const (
	// DirNone is an ioctl with no payload.
	DirNone Dir = 0
	// DirWrite passes data from user space to the kernel.
	DirWrite Dir = 1
	// DirRead passes data from the kernel to user space.
	DirRead Dir = 2
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14
	dirBits  = 2

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	nrMask   = 1<<nrBits - 1
	typeMask = 1<<typeBits - 1
	sizeMask = 1<<sizeBits - 1
	dirMask  = 1<<dirBits - 1
)

// IOC packs an arbitrary direction, type magic, operation number and payload
// size into a request code.
//
// Each field is masked to its width before shifting so an out-of-range value
// cannot spill into a neighboring field.
func IOC(dir Dir, typ, nr uint8, size uintptr) uint32 {
	return (uint32(dir)&dirMask)<<dirShift |
		(uint32(typ)&typeMask)<<typeShift |
		(uint32(nr)&nrMask)<<nrShift |
		(uint32(size)&sizeMask)<<sizeShift
}

// IO returns the request code for an ioctl with no payload.
func IO(typ, nr uint8) uint32 {
	return IOC(DirNone, typ, nr, 0)
}

// IOR returns the request code for an ioctl reading size bytes from the
// kernel.
func IOR(typ, nr uint8, size uintptr) uint32 {
	return IOC(DirRead, typ, nr, size)
}

// IOW returns the request code for an ioctl writing size bytes to the
// kernel.
func IOW(typ, nr uint8, size uintptr) uint32 {
	return IOC(DirWrite, typ, nr, size)
}

// IOWR returns the request code for an ioctl transferring size bytes in both
// directions.
func IOWR(typ, nr uint8, size uintptr) uint32 {
	return IOC(DirRead|DirWrite, typ, nr, size)
}
