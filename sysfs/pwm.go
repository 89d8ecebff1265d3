// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// pwmRoot is the sysfs PWM class directory. It is a variable to permit
// testing over a fake tree.
var pwmRoot = "/sys/class/pwm"

// PWMChip is one PWM controller as exposed by the sysfs PWM class.
type PWMChip struct {
	number int
	root   string // Something like /sys/class/pwm/pwmchip%d/
}

// NewPWMChip returns the chip after probing that its sysfs directory exists.
func NewPWMChip(number int) (*PWMChip, error) {
	c := &PWMChip{
		number: number,
		root:   fmt.Sprintf("%s/pwmchip%d/", pwmRoot, number),
	}
	if _, err := os.Stat(c.root); err != nil {
		return nil, c.wrap(err)
	}
	return c, nil
}

func (c *PWMChip) String() string {
	return fmt.Sprintf("pwmchip%d", c.number)
}

// Number returns the chip number in the sysfs tree.
func (c *PWMChip) Number() int {
	return c.number
}

// Count returns how many channels the controller provides.
func (c *PWMChip) Count() (int, error) {
	s, err := readAttr(c.root + "npwm")
	if err != nil {
		return 0, c.wrap(err)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, c.wrap(fmt.Errorf("unexpected npwm file contents %q", s))
	}
	return n, nil
}

// Export creates the kernel side attribute directory for a channel.
//
// The directory existence is probed first; exporting an already exported
// channel is not assumed to be harmless at the kernel level, so the write is
// skipped when the directory is already there.
func (c *PWMChip) Export(channel int) error {
	if c.exported(channel) {
		return nil
	}
	if err := writeAttr(c.root+"export", strconv.Itoa(channel)); err != nil {
		return c.wrap(err)
	}
	return nil
}

// Unexport removes the kernel side attribute directory for a channel if it
// exists.
func (c *PWMChip) Unexport(channel int) error {
	if !c.exported(channel) {
		return nil
	}
	if err := writeAttr(c.root+"unexport", strconv.Itoa(channel)); err != nil {
		return c.wrap(err)
	}
	return nil
}

// PWM returns the handle for one channel of the chip.
//
// It does not export the channel; see Export.
func (c *PWMChip) PWM(channel int) *PWM {
	return &PWM{
		chip:   c,
		number: channel,
		root:   fmt.Sprintf("%spwm%d/", c.root, channel),
	}
}

func (c *PWMChip) exported(channel int) bool {
	_, err := os.Stat(fmt.Sprintf("%spwm%d", c.root, channel))
	return err == nil
}

func (c *PWMChip) wrap(err error) error {
	return fmt.Errorf("sysfs-pwm (%s): %v", c, err)
}

// PWM is one PWM output channel.
//
// All state lives in the kernel; the handle holds only the chip and channel
// numbers. The signal keeps running after the process exits until the
// channel is disabled or unexported.
type PWM struct {
	chip   *PWMChip
	number int
	root   string
}

func (p *PWM) String() string {
	return fmt.Sprintf("%s/pwm%d", p.chip, p.number)
}

// Enable starts or stops the output signal.
func (p *PWM) Enable(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if err := writeAttr(p.root+"enable", v); err != nil {
		return p.wrap(err)
	}
	return nil
}

// Enabled returns whether the output signal is running.
//
// The kernel only ever reports 0 or 1; anything else means the attribute
// was not a PWM enable file and is reported as a hard error naming the
// content.
func (p *PWM) Enabled() (bool, error) {
	s, err := readAttr(p.root + "enable")
	if err != nil {
		return false, p.wrap(err)
	}
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, p.wrap(fmt.Errorf("unexpected enable file contents %q", s))
	}
}

// Period returns the configured signal period.
func (p *PWM) Period() (time.Duration, error) {
	return p.readDuration("period")
}

// SetPeriod sets the signal period.
//
// The kernel validates the value against the controller's range; it is not
// checked here.
func (p *PWM) SetPeriod(d time.Duration) error {
	if err := writeAttr(p.root+"period", strconv.FormatInt(d.Nanoseconds(), 10)); err != nil {
		return p.wrap(err)
	}
	return nil
}

// DutyCycle returns the active time within each period.
func (p *PWM) DutyCycle() (time.Duration, error) {
	return p.readDuration("duty_cycle")
}

// SetDutyCycle sets the active time within each period. It must not exceed
// the period; the kernel rejects it otherwise.
func (p *PWM) SetDutyCycle(d time.Duration) error {
	if err := writeAttr(p.root+"duty_cycle", strconv.FormatInt(d.Nanoseconds(), 10)); err != nil {
		return p.wrap(err)
	}
	return nil
}

// SetPWMSignal configures period and duty cycle from a duty fraction and a
// frequency.
//
// The duty cycle is written before the period when shrinking to keep the
// intermediate state legal for the kernel, which rejects duty_cycle >
// period.
func (p *PWM) SetPWMSignal(duty gpio.Duty, f physic.Frequency) error {
	if duty < 0 || duty > gpio.DutyMax {
		return p.wrap(fmt.Errorf("invalid duty %d", duty))
	}
	if f <= 0 {
		return p.wrap(fmt.Errorf("invalid frequency %s", f))
	}
	period := f.Period()
	active := time.Duration(int64(period) * int64(duty) / int64(gpio.DutyMax))
	cur, err := p.Period()
	if err != nil {
		return err
	}
	if period >= cur {
		if err := p.SetPeriod(period); err != nil {
			return err
		}
		return p.SetDutyCycle(active)
	}
	if err := p.SetDutyCycle(active); err != nil {
		return err
	}
	return p.SetPeriod(period)
}

func (p *PWM) readDuration(name string) (time.Duration, error) {
	s, err := readAttr(p.root + name)
	if err != nil {
		return 0, p.wrap(err)
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, p.wrap(fmt.Errorf("unexpected %s file contents %q", name, s))
	}
	return time.Duration(ns) * time.Nanosecond, nil
}

func (p *PWM) wrap(err error) error {
	return fmt.Errorf("sysfs-pwm (%s): %v", p, err)
}
