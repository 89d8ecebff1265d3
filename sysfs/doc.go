// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysfs implements the peripheral drivers backed by the Linux
// kernel: GPIO pins and PWM channels through the sysfs class trees, I²C
// buses through i2c-dev device nodes and SPI ports through spidev device
// nodes.
//
// Every operation is one blocking system call; there is no internal
// scheduling and no automatic retry. Handles are not safe for concurrent
// mutation beyond the per-handle serialization they perform themselves.
//
// GPIO pins and I²C/SPI buses found at driver initialization are registered
// in the periph.io/x/conn/v3 registries; call linuxhost.Init() to load them.
package sysfs
