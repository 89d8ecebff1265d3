// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/pin"
)

// setupGPIORoot points the driver at a fake sysfs tree with working export
// and unexport attributes and restores the real one when the test ends.
func setupGPIORoot(t *testing.T) string {
	root := t.TempDir()
	for _, name := range []string{"export", "unexport"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	oldRoot := gpioRoot
	oldHandle := drvGPIO.exportHandle
	gpioRoot = root
	h, err := fileIOOpen(root+"/export", os.O_WRONLY)
	if err != nil {
		t.Fatal(err)
	}
	drvGPIO.exportHandle = h
	t.Cleanup(func() {
		gpioRoot = oldRoot
		drvGPIO.exportHandle = oldHandle
		h.Close()
	})
	return root
}

// makeFakePin creates the gpioN attribute directory with the given content
// and returns the matching Pin.
func makeFakePin(t *testing.T, number int, attrs map[string]string) *Pin {
	dir := fmt.Sprintf("%s/gpio%d", gpioRoot, number)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	for name, content := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return NewPin(number)
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s := string(b); s != want {
		t.Errorf("%s: expected %q received %q", path, want, s)
	}
}

func TestPin_OutReadFunc(t *testing.T) {
	root := setupGPIORoot(t)
	p := makeFakePin(t, 42, map[string]string{
		"value":      "0\n",
		"direction":  "in\n",
		"edge":       "none\n",
		"active_low": "0\n",
	})
	if s := p.String(); s != "GPIO42" {
		t.Errorf("expected GPIO42 received %q", s)
	}
	if n := p.Number(); n != 42 {
		t.Errorf("expected 42 received %d", n)
	}
	if err := p.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	// The initial level rides along with the direction change.
	assertFile(t, root+"/gpio42/direction", "high")

	// Simulate the kernel reporting the new state.
	if err := os.WriteFile(root+"/gpio42/direction", []byte("out\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root+"/gpio42/value", []byte("1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if f := p.Func(); f != gpio.OUT_HIGH {
		t.Errorf("expected %s received %s", gpio.OUT_HIGH, f)
	}
	if l := p.Read(); l != gpio.High {
		t.Errorf("expected High received %s", l)
	}
	if d, err := p.Direction(); err != nil {
		t.Fatal(err)
	} else if d != "out" {
		t.Errorf("expected out received %q", d)
	}

	// The direction is already out; only the value attribute is written.
	if err := p.Out(gpio.Low); err != nil {
		t.Fatal(err)
	}
	if l := p.Read(); l != gpio.Low {
		t.Errorf("expected Low received %s", l)
	}
}

func TestPin_InEdge(t *testing.T) {
	root := setupGPIORoot(t)
	p := makeFakePin(t, 7, map[string]string{
		"value":     "0\n",
		"direction": "in\n",
		"edge":      "none\n",
	})
	if err := p.In(gpio.PullNoChange, gpio.RisingEdge); err != nil {
		t.Fatal(err)
	}
	assertFile(t, root+"/gpio7/edge", "rising")
	if e, err := p.Edge(); err != nil {
		t.Fatal(err)
	} else if e != gpio.RisingEdge {
		t.Errorf("expected RisingEdge received %s", e)
	}
	// sysfs cannot configure pull resistors.
	if err := p.In(gpio.PullDown, gpio.NoEdge); err == nil {
		t.Fatal("expected an error for pull-down")
	}
	if pull := p.Pull(); pull != gpio.PullNoChange {
		t.Errorf("expected PullNoChange received %s", pull)
	}
	if p.WaitForEdge(0) {
		t.Error("WaitForEdge is not implemented and must return false")
	}
}

func TestPin_ExportWrites(t *testing.T) {
	root := setupGPIORoot(t)
	// The gpio9 directory never appears, so opening value fails after the
	// export write went through.
	p := NewPin(9)
	if err := p.Out(gpio.High); err == nil {
		t.Fatal("expected an error for a pin the kernel did not export")
	}
	assertFile(t, root+"/export", "9")
}

func TestPin_Unexport(t *testing.T) {
	root := setupGPIORoot(t)
	p := makeFakePin(t, 5, map[string]string{
		"value":     "0\n",
		"direction": "in\n",
	})
	if !p.IsExported() {
		t.Fatal("the attribute directory exists, IsExported must see it")
	}
	if err := p.Unexport(); err != nil {
		t.Fatal(err)
	}
	assertFile(t, root+"/unexport", "5")

	// A pin without an attribute directory is a no-op.
	if err := os.WriteFile(root+"/unexport", nil, 0o600); err != nil {
		t.Fatal(err)
	}
	p2 := NewPin(6)
	if p2.IsExported() {
		t.Fatal("pin 6 was never exported")
	}
	if err := p2.Unexport(); err != nil {
		t.Fatal(err)
	}
	assertFile(t, root+"/unexport", "")
}

func TestPin_ActiveLow(t *testing.T) {
	setupGPIORoot(t)
	p := makeFakePin(t, 4, map[string]string{"active_low": "0\n"})
	if on, err := p.ActiveLow(); err != nil {
		t.Fatal(err)
	} else if on {
		t.Error("expected active high")
	}
	if err := p.SetActiveLow(true); err != nil {
		t.Fatal(err)
	}
	if on, err := p.ActiveLow(); err != nil {
		t.Fatal(err)
	} else if !on {
		t.Error("expected active low")
	}
}

func TestPin_AttrContentErrors(t *testing.T) {
	setupGPIORoot(t)
	p := makeFakePin(t, 3, map[string]string{
		"direction":  "sideways\n",
		"edge":       "wibble\n",
		"active_low": "2\n",
	})
	if _, err := p.Direction(); err == nil || !strings.Contains(err.Error(), "sideways") {
		t.Errorf("expected an error naming the direction content, received %v", err)
	}
	if _, err := p.Edge(); err == nil || !strings.Contains(err.Error(), "wibble") {
		t.Errorf("expected an error naming the edge content, received %v", err)
	}
	if _, err := p.ActiveLow(); err == nil || !strings.Contains(err.Error(), "2") {
		t.Errorf("expected an error naming the active_low content, received %v", err)
	}
}

func TestPin_SetFunc(t *testing.T) {
	setupGPIORoot(t)
	p := makeFakePin(t, 8, map[string]string{
		"value":     "0\n",
		"direction": "in\n",
	})
	if err := p.SetFunc(gpio.OUT_HIGH); err != nil {
		t.Fatal(err)
	}
	if err := p.SetFunc(pin.Func("UART1_RX")); err == nil {
		t.Fatal("expected an error for an unsupported function")
	}
}

func TestDriverGPIO_Init(t *testing.T) {
	root := setupGPIORoot(t)
	if err := os.MkdirAll(root+"/gpiochip0", 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root+"/gpiochip0/base", []byte("10\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root+"/gpiochip0/ngpio", []byte("2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := drvGPIO.Init()
	if err != nil {
		t.Fatal(err)
	}
	if !loaded {
		t.Fatal("a tree with a gpiochip must load the driver")
	}
	if len(Pins) != 2 {
		t.Fatalf("expected 2 pins received %d", len(Pins))
	}
	for _, n := range []int{10, 11} {
		p := Pins[n]
		if p == nil {
			t.Fatalf("missing pin %d", n)
		}
		if want := fmt.Sprintf("GPIO%d", n); p.Name() != want {
			t.Errorf("expected %s received %s", want, p.Name())
		}
	}
}
