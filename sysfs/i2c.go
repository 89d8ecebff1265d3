// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"

	"periph.io/x/linuxhost/fs"
)

// devRoot is where device nodes live. It is a variable to permit testing.
var devRoot = "/dev"

// NewI2C opens an I²C bus via its i2c-dev device node.
//
// busNumber is the bus number as exported by i2c-dev, e.g. 1 for /dev/i2c-1.
//
// The adapter's supported feature bitmask is queried once here and never
// again; if the adapter is hot swapped, reopen the bus. If the adapter
// supports 10 bit addressing, it is reset to 7 bit mode.
func NewI2C(busNumber int) (*I2C, error) {
	f, err := fs.Open(fmt.Sprintf("%s/i2c-%d", devRoot, busNumber), os.O_RDWR)
	if err != nil {
		return nil, fmt.Errorf("sysfs-i2c: %v", err)
	}
	i := &I2C{f: f, busNumber: busNumber}
	// The kernel writes a C unsigned long; querying into an 8 byte zeroed
	// variable is correct on both 32 and 64 bit hosts (little endian).
	var fn uint64
	if err := f.Ioctl(ioctlFuncs, unsafe.Pointer(&fn)); err != nil {
		_ = f.Close()
		return nil, i.wrap(fmt.Errorf("functionality query failed: %v", err))
	}
	i.fn = functionality(fn)
	if i.fn.tenBit() {
		if err := f.IoctlInt(ioctlTenBit, 0); err != nil {
			_ = f.Close()
			return nil, i.wrap(err)
		}
	}
	return i, nil
}

// I2C is an open I²C bus via i2c-dev.
//
// It can be used to communicate with multiple devices from multiple
// goroutines, but a single transaction at a time; the mutex serializes
// same-handle operations.
type I2C struct {
	f         *fs.File
	busNumber int

	mu       sync.Mutex
	fn       functionality // Queried once at open
	tenBit   bool
	addr     uint16 // Slave address set via SetSlaveAddress
	addrSet  bool
	scl, sda gpio.PinIO
}

// Close closes the device node. It does not affect kernel side adapter
// state.
func (i *I2C) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.f.Close(); err != nil {
		return i.wrap(err)
	}
	return nil
}

func (i *I2C) String() string {
	return fmt.Sprintf("I2C%d", i.busNumber)
}

// Tx implements i2c.Bus.
//
// It executes one atomic transaction: a write segment for w followed by a
// read segment for r, both addressed to addr, without releasing the bus in
// between. This is the mechanism for register indexed reads. With only one
// of w or r supplied the transaction has a single segment.
//
// The segments reference w and r in place; the buffers are borrowed by the
// kernel for the duration of the single blocking ioctl.
func (i *I2C) Tx(addr uint16, w, r []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkAddr(addr); err != nil {
		return i.wrap(err)
	}
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	// The segment length field is 16 bits wide; a longer buffer would yield
	// a descriptor disagreeing with the memory it references.
	if len(w) > 0xffff || len(r) > 0xffff {
		return i.wrap(fmt.Errorf("segment too long; maximum is 65535 bytes, got w=%d r=%d", len(w), len(r)))
	}
	var flags uint16
	if i.tenBit {
		flags = flagTEN
	}
	var msgs [2]i2cMsg
	n := 0
	if len(w) != 0 {
		msgs[n] = i2cMsg{addr: addr, flags: flags, length: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))}
		n++
	}
	if len(r) != 0 {
		msgs[n] = i2cMsg{addr: addr, flags: flags | flagRD, length: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))}
		n++
	}
	d := rdwrIoctlData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(n)}
	err := i.f.Ioctl(ioctlRdwr, unsafe.Pointer(&d))
	// The descriptors hold raw addresses; keep the backing memory reachable
	// until the kernel is done with it.
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	runtime.KeepAlive(&msgs)
	if err != nil {
		return i.wrap(fmt.Errorf("transaction with device 0x%02x failed: %v", addr, err))
	}
	return nil
}

// SetSpeed implements i2c.Bus.
//
// i2c-dev has no runtime clock control; the rate is fixed by the device tree.
// See ClockSpeed to read it.
func (i *I2C) SetSpeed(f physic.Frequency) error {
	return i.wrap(errors.New("bus speed is fixed by the adapter, cannot be changed at runtime"))
}

// ClockSpeed returns the bus clock as declared in the adapter's device tree
// node.
func (i *I2C) ClockSpeed() (physic.Frequency, error) {
	p := fmt.Sprintf("/sys/class/i2c-adapter/i2c-%d/of_node/clock-frequency", i.busNumber)
	f, err := fileIOOpen(p, os.O_RDONLY)
	if err != nil {
		return 0, i.wrap(err)
	}
	defer f.Close()
	// Device tree properties are stored big endian.
	var b [4]byte
	if _, err := f.Read(b[:]); err != nil {
		return 0, i.wrap(err)
	}
	return physic.Frequency(binary.BigEndian.Uint32(b[:])) * physic.Hertz, nil
}

// SetSlaveAddress selects the device that subsequent Read and Write calls
// talk to.
//
// The address is validated against the current addressing width before any
// kernel call: in 7 bit mode the reserved 0b1111xxx block and addresses
// above 0x7F are rejected, in 10 bit mode addresses above 0x3FF.
func (i *I2C) SetSlaveAddress(addr uint16) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkAddr(addr); err != nil {
		return i.wrap(err)
	}
	if err := i.f.IoctlInt(ioctlSlave, uintptr(addr)); err != nil {
		return i.wrap(err)
	}
	i.addr = addr
	i.addrSet = true
	return nil
}

// Read reads from the device selected with SetSlaveAddress.
func (i *I2C) Read(b []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.addrSet {
		return 0, i.wrap(errors.New("no slave address set; call SetSlaveAddress first"))
	}
	n, err := i.f.Read(b)
	if err != nil {
		return n, i.wrap(err)
	}
	return n, nil
}

// Write writes to the device selected with SetSlaveAddress.
func (i *I2C) Write(b []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.addrSet {
		return 0, i.wrap(errors.New("no slave address set; call SetSlaveAddress first"))
	}
	n, err := i.f.Write(b)
	if err != nil {
		return n, i.wrap(err)
	}
	return n, nil
}

// SetAddr10Bit enables or disables 10 bit addressing.
//
// It fails without issuing any kernel call when the capability query at open
// time did not report 10 bit support.
func (i *I2C) SetAddr10Bit(on bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.fn.tenBit() {
		return i.wrap(errors.New("unsupported feature: 10 bit addressing"))
	}
	var v uintptr
	if on {
		v = 1
	}
	if err := i.f.IoctlInt(ioctlTenBit, v); err != nil {
		return i.wrap(err)
	}
	i.tenBit = on
	return nil
}

// SetTimeout sets the adapter's hardware transaction timeout.
//
// This is a bus property applied by the kernel during transactions, not a
// software cancellation mechanism; a call already blocked is unaffected.
func (i *I2C) SetTimeout(d time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.f.IoctlInt(ioctlTimeout, timeoutUnits(d)); err != nil {
		return i.wrap(err)
	}
	return nil
}

// timeoutUnits converts a timeout to the 10ms units used by I2C_TIMEOUT. The
// kernel rounds down, so a short non-zero timeout is bumped to one unit
// instead of silently becoming "no timeout".
func timeoutUnits(d time.Duration) uintptr {
	ms := d.Milliseconds()
	units := ms / 10
	if ms > 0 && ms < 10 {
		units = 1
	}
	return uintptr(units)
}

// setRetries sets how often the kernel retries a transfer on arbitration
// loss. Kept unexported: i2c-dev accepts the value but the common bus
// drivers never look at it.
func (i *I2C) setRetries(n int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.f.IoctlInt(ioctlRetries, uintptr(n)); err != nil {
		return i.wrap(err)
	}
	return nil
}

// SetPEC enables SMBus packet error checking.
func (i *I2C) SetPEC(on bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var v uintptr
	if on {
		v = 1
	}
	if err := i.f.IoctlInt(ioctlPEC, v); err != nil {
		return i.wrap(err)
	}
	return nil
}

// SCL implements i2c.Pins.
func (i *I2C) SCL() gpio.PinIO {
	i.initPins()
	return i.scl
}

// SDA implements i2c.Pins.
func (i *I2C) SDA() gpio.PinIO {
	i.initPins()
	return i.sda
}

func (i *I2C) initPins() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.scl == nil {
		if i.scl = gpioreg.ByName(fmt.Sprintf("I2C%d_SCL", i.busNumber)); i.scl == nil {
			i.scl = gpio.INVALID
		}
		if i.sda = gpioreg.ByName(fmt.Sprintf("I2C%d_SDA", i.busNumber)); i.sda == nil {
			i.sda = gpio.INVALID
		}
	}
}

// checkAddr validates a slave address for the current addressing width.
//
// mu must be held.
func (i *I2C) checkAddr(addr uint16) error {
	return checkAddr(addr, i.tenBit)
}

func checkAddr(addr uint16, tenBit bool) error {
	if tenBit {
		if addr > 0x3ff {
			return fmt.Errorf("invalid 10 bit slave address %#x", addr)
		}
		return nil
	}
	// 0b1111xxx is reserved for 10 bit addressing and future use.
	if addr > 0x7f || addr>>3 == 0xf {
		return fmt.Errorf("invalid 7 bit slave address %#x", addr)
	}
	return nil
}

func (i *I2C) wrap(err error) error {
	return fmt.Errorf("sysfs-i2c (%s): %v", i, err)
}

//

// i2c-dev ioctl request codes, from include/uapi/linux/i2c-dev.h. These are
// fixed numbers predating the packed encoding scheme.
const (
	ioctlRetries    = 0x701 // number of times a device address should be polled
	ioctlTimeout    = 0x702 // in units of 10ms
	ioctlSlave      = 0x703 // slave address for read/write
	ioctlTenBit     = 0x704 // 0 for 7 bit, != 0 for 10 bit
	ioctlFuncs      = 0x705 // functionality bitmask
	ioctlSlaveForce = 0x706 // like ioctlSlave even if claimed by a driver
	ioctlRdwr       = 0x707 // combined transaction, no stop in between
	ioctlPEC        = 0x708 // != 0 to use SMBus PEC
	ioctlSMBus      = 0x720 // SMBus transfer
)

// functionality is the adapter feature bitmask returned by the ioctlFuncs
// capability query, from include/uapi/linux/i2c.h.
type functionality uint64

const (
	funcI2C              functionality = 0x01
	funcTenBitAddr       functionality = 0x02
	funcProtocolMangling functionality = 0x04 // I2C_M_IGNORE_NAK etc.
	funcSMBusPEC         functionality = 0x08
	funcNoStart          functionality = 0x10 // I2C_M_NOSTART
	funcSlave            functionality = 0x20
)

func (f functionality) i2c() bool {
	return f&funcI2C != 0
}

func (f functionality) tenBit() bool {
	return f&funcTenBitAddr != 0
}

func (f functionality) protocolMangling() bool {
	return f&funcProtocolMangling != 0
}

func (f functionality) smbusPEC() bool {
	return f&funcSMBusPEC != 0
}

func (f functionality) noStart() bool {
	return f&funcNoStart != 0
}

func (f functionality) slave() bool {
	return f&funcSlave != 0
}

func (f functionality) String() string {
	var out []string
	for _, b := range []struct {
		bit  functionality
		name string
	}{
		{funcI2C, "I2C"},
		{funcTenBitAddr, "10BIT_ADDR"},
		{funcProtocolMangling, "PROTOCOL_MANGLING"},
		{funcSMBusPEC, "SMBUS_PEC"},
		{funcNoStart, "NOSTART"},
		{funcSlave, "SLAVE"},
	} {
		if f&b.bit != 0 {
			out = append(out, b.name)
		}
	}
	return strings.Join(out, "|")
}

// i2cMsg is the kernel's struct i2c_msg: one atomic segment of a combined
// transaction. buf is the raw address of a caller owned buffer; the segment
// must not outlive the ioctl it is passed to.
type i2cMsg struct {
	addr   uint16 // Slave address
	flags  uint16
	length uint16
	buf    uintptr
}

// Segment flags, from include/uapi/linux/i2c.h.
const (
	flagRD  = 0x0001 // read data, from slave to master
	flagTEN = 0x0010 // addr is a 10 bit address
)

// rdwrIoctlData is the kernel's struct i2c_rdwr_ioctl_data: an ordered
// segment list forming one bus transaction.
type rdwrIoctlData struct {
	msgs  uintptr // Pointer to an array of i2cMsg
	nmsgs uint32
}

//

// driverI2C implements driver.Impl.
type driverI2C struct {
	buses []string
}

func (d *driverI2C) String() string {
	return "sysfs-i2c"
}

func (d *driverI2C) Prerequisites() []string {
	return nil
}

func (d *driverI2C) After() []string {
	return nil
}

func (d *driverI2C) Init() (bool, error) {
	// Do not use "/sys/bus/i2c/devices/i2c-" as Raspbian's provided udev rules
	// only modify the ACL of /dev/i2c-* nodes.
	prefix := devRoot + "/i2c-"
	items, err := filepath.Glob(prefix + "*")
	if err != nil {
		return true, err
	}
	if len(items) == 0 {
		return false, errors.New("no I²C bus found")
	}
	for _, item := range items {
		bus, err := strconv.Atoi(item[len(prefix):])
		if err != nil {
			continue
		}
		name := fmt.Sprintf("I2C%d", bus)
		d.buses = append(d.buses, name)
		aliases := []string{fmt.Sprintf("i2c-%d", bus)}
		if err := i2creg.Register(name, aliases, bus, openerI2C(bus).Open); err != nil {
			return true, err
		}
	}
	return true, nil
}

type openerI2C int

func (o openerI2C) Open() (i2c.BusCloser, error) {
	return NewI2C(int(o))
}

func init() {
	if isLinux {
		driverreg.MustRegister(&drvI2C)
	}
}

var drvI2C driverI2C

var _ i2c.Bus = &I2C{}
var _ i2c.BusCloser = &I2C{}
var _ i2c.Pins = &I2C{}
