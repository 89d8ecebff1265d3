// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package linuxhost loads the Linux kernel backed peripheral drivers: GPIO
// and PWM over sysfs, I²C over i2c-dev and SPI over spidev.
package linuxhost

import (
	"periph.io/x/conn/v3/driver/driverreg"

	// Make sure the sysfs drivers are registered.
	_ "periph.io/x/linuxhost/sysfs"
)

// Init calls driverreg.Init() and returns it as-is.
//
// The only difference is that by calling linuxhost.Init(), you are guaranteed
// to have all the drivers implemented in this library to be implicitly
// loaded.
func Init() (*driverreg.State, error) {
	return driverreg.Init()
}
