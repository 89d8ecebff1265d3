// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"periph.io/x/linuxhost/fs"
	"periph.io/x/linuxhost/ioctl"
)

// NewSPI opens a SPI port via its spidev device node.
//
// busNumber is the bus number as exported by spidev, e.g. 0 for
// /dev/spidev0.0. chipSelect is the chip select line, e.g. 0 for
// /dev/spidev0.0.
func NewSPI(busNumber, chipSelect int) (*SPI, error) {
	if busNumber < 0 || busNumber > 255 {
		return nil, fmt.Errorf("sysfs-spi: invalid bus %d", busNumber)
	}
	if chipSelect < 0 || chipSelect > 255 {
		return nil, fmt.Errorf("sysfs-spi: invalid chip select %d", chipSelect)
	}
	name := fmt.Sprintf("SPI%d.%d", busNumber, chipSelect)
	f, err := fs.Open(fmt.Sprintf("%s/spidev%d.%d", devRoot, busNumber, chipSelect), os.O_RDWR)
	if err != nil {
		return nil, fmt.Errorf("sysfs-spi (%s): %v", name, err)
	}
	s := &SPI{}
	s.conn = spiConn{name: name, f: f, busNumber: busNumber, chipSelect: chipSelect}
	return s, nil
}

// SPI is an open SPI port via spidev.
//
// A port starts out merely open; Connect() applies mode, word size and clock
// speed and returns the conn to transfer on. Reconnecting reconfigures the
// port. The handle and its configuration are shared mutable state; the mutex
// serializes same-handle operations but callers own cross-operation
// ordering.
type SPI struct {
	conn spiConn

	// Mutable. Cap set by LimitSpeed, 0 for none.
	limit physic.Frequency
}

// Close implements spi.PortCloser.
func (s *SPI) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.conn.f.Close(); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *SPI) String() string {
	return s.conn.name
}

// LimitSpeed implements spi.PortCloser.
//
// It caps the clock applied by later Connect calls. It does not reconfigure
// an already connected port.
func (s *SPI) LimitSpeed(f physic.Frequency) error {
	if err := checkFrequency(f); err != nil {
		return s.wrap(err)
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.limit = f
	return nil
}

// Connect implements spi.Port.
//
// Each configuration attribute is applied with one encoder+ioctl round trip:
// the mode byte is read, only the bits owned by Connect are replaced and the
// merged byte written back, so chip select polarity and other unrelated
// flags survive.
func (s *SPI) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if err := checkFrequency(f); err != nil {
		return nil, s.wrap(err)
	}
	if bits < 1 || bits > 32 {
		return nil, s.wrap(fmt.Errorf("invalid bits per word %d", bits))
	}
	halfDuplex := mode&spi.HalfDuplex != 0
	noCS := mode&spi.NoCS != 0
	lsbFirst := mode&spi.LSBFirst != 0
	mode &^= spi.HalfDuplex | spi.NoCS | spi.LSBFirst
	if mode < 0 || mode > 3 {
		return nil, s.wrap(fmt.Errorf("invalid mode %d", mode))
	}

	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	m := spiMode(mode) & (spiCPHA | spiCPOL)
	if halfDuplex {
		m |= spi3Wire
	}
	if noCS {
		m |= spiNoCS
	}
	if lsbFirst {
		m |= spiLSBFirst
	}
	if err := s.conn.updateMode(m, spiCPHA|spiCPOL|spi3Wire|spiNoCS|spiLSBFirst); err != nil {
		return nil, s.wrap(err)
	}
	if err := s.conn.setBitsPerWord(uint8(bits)); err != nil {
		return nil, s.wrap(err)
	}
	if s.limit != 0 && f > s.limit {
		f = s.limit
	}
	if err := s.conn.setMaxSpeed(f); err != nil {
		return nil, s.wrap(err)
	}
	s.conn.freq = f
	s.conn.bitsPerWord = uint8(bits)
	s.conn.halfDuplex = halfDuplex
	return &s.conn, nil
}

// Mode returns the clock phase and polarity currently configured, the low
// two bits of the mode byte.
func (s *SPI) Mode() (spi.Mode, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	m, err := s.conn.getMode()
	if err != nil {
		return 0, s.wrap(err)
	}
	return spi.Mode(m & (spiCPHA | spiCPOL)), nil
}

// SetMode sets the clock phase and polarity.
//
// Only the two mode bits are replaced; chip select polarity and wire count
// flags in the same byte are preserved.
func (s *SPI) SetMode(mode spi.Mode) error {
	if mode < 0 || mode > 3 {
		return s.wrap(fmt.Errorf("invalid mode %d", mode))
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.wrapErr(s.conn.updateMode(spiMode(mode), spiCPHA|spiCPOL))
}

// CSHigh returns whether the chip select line is active high.
func (s *SPI) CSHigh() (bool, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	m, err := s.conn.getMode()
	if err != nil {
		return false, s.wrap(err)
	}
	return m&spiCSHigh != 0, nil
}

// SetCSHigh sets the chip select polarity, preserving the unrelated bits of
// the mode byte.
func (s *SPI) SetCSHigh(on bool) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	var m spiMode
	if on {
		m = spiCSHigh
	}
	return s.wrapErr(s.conn.updateMode(m, spiCSHigh))
}

// LSBFirst returns whether words are shifted least significant bit first.
func (s *SPI) LSBFirst() (bool, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	var b uint8
	if err := s.conn.f.Ioctl(spiIOCRdLSBFirst, unsafe.Pointer(&b)); err != nil {
		return false, s.wrap(err)
	}
	return b != 0, nil
}

// SetLSBFirst sets the bit order on the wire.
func (s *SPI) SetLSBFirst(on bool) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	var b uint8
	if on {
		b = 1
	}
	return s.wrapErr(s.conn.f.Ioctl(spiIOCWrLSBFirst, unsafe.Pointer(&b)))
}

// BitsPerWord returns the configured word size.
func (s *SPI) BitsPerWord() (uint8, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	var b uint8
	if err := s.conn.f.Ioctl(spiIOCRdBitsPerWord, unsafe.Pointer(&b)); err != nil {
		return 0, s.wrap(err)
	}
	return b, nil
}

// SetBitsPerWord sets the word size.
func (s *SPI) SetBitsPerWord(bits uint8) error {
	if bits < 1 || bits > 32 {
		return s.wrap(fmt.Errorf("invalid bits per word %d", bits))
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.conn.setBitsPerWord(bits); err != nil {
		return s.wrap(err)
	}
	s.conn.bitsPerWord = bits
	return nil
}

// MaxSpeed returns the configured bus clock.
func (s *SPI) MaxSpeed() (physic.Frequency, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	var hz uint32
	if err := s.conn.f.Ioctl(spiIOCRdMaxSpeedHz, unsafe.Pointer(&hz)); err != nil {
		return 0, s.wrap(err)
	}
	return physic.Frequency(hz) * physic.Hertz, nil
}

// SetMaxSpeed sets the bus clock.
func (s *SPI) SetMaxSpeed(f physic.Frequency) error {
	if err := checkFrequency(f); err != nil {
		return s.wrap(err)
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.conn.setMaxSpeed(f); err != nil {
		return s.wrap(err)
	}
	s.conn.freq = f
	return nil
}

// CLK implements spi.Pins.
func (s *SPI) CLK() gpio.PinOut {
	s.conn.initPins()
	return s.conn.clk
}

// MOSI implements spi.Pins.
func (s *SPI) MOSI() gpio.PinOut {
	s.conn.initPins()
	return s.conn.mosi
}

// MISO implements spi.Pins.
func (s *SPI) MISO() gpio.PinIn {
	s.conn.initPins()
	return s.conn.miso
}

// CS implements spi.Pins.
func (s *SPI) CS() gpio.PinOut {
	s.conn.initPins()
	return s.conn.cs
}

func (s *SPI) wrap(err error) error {
	return fmt.Errorf("sysfs-spi (%s): %v", s, err)
}

func (s *SPI) wrapErr(err error) error {
	if err != nil {
		return s.wrap(err)
	}
	return nil
}

//

// spiConn is the Configured state of a port.
type spiConn struct {
	// Immutable.
	name       string
	f          *fs.File
	busNumber  int
	chipSelect int

	mu          sync.Mutex
	freq        physic.Frequency
	bitsPerWord uint8
	halfDuplex  bool
	clk         gpio.PinOut
	mosi        gpio.PinOut
	miso        gpio.PinIn
	cs          gpio.PinOut
}

func (s *spiConn) String() string {
	return s.name
}

// Duplex implements conn.Conn.
func (s *spiConn) Duplex() conn.Duplex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halfDuplex {
		return conn.Half
	}
	return conn.Full
}

// Tx implements conn.Conn.
//
// It builds one transfer descriptor and issues one blocking ioctl; the
// kernel shifts w out while filling r in lockstep. w and r of different
// non-zero lengths is a programming error and panics in the descriptor
// builder.
func (s *spiConn) Tx(w, r []byte) error {
	p := [1]spi.Packet{{W: w, R: r}}
	return s.TxPackets(p[:])
}

// TxPackets implements spi.Conn.
//
// All packets are submitted as one ioctl so the kernel runs them as a
// single uninterrupted transaction. The descriptors reference the packet
// buffers in place; the buffers are borrowed until the call returns.
func (s *spiConn) TxPackets(p []spi.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trs, err := s.transfers(p)
	if err != nil {
		return fmt.Errorf("sysfs-spi (%s): %v", s, err)
	}
	if len(trs) == 0 {
		return nil
	}
	err = s.f.Ioctl(spiIOCMessage(len(trs)), unsafe.Pointer(&trs[0]))
	// The descriptors hold raw addresses; keep the backing memory reachable
	// until the kernel is done with it.
	for i := range p {
		runtime.KeepAlive(p[i].W)
		runtime.KeepAlive(p[i].R)
	}
	if err != nil {
		return fmt.Errorf("sysfs-spi (%s): %v", s, err)
	}
	return nil
}

// transfers maps packets onto kernel transfer descriptors.
//
// On a half duplex port a packet with both buffers becomes a write transfer
// followed by a read transfer within the same transaction.
//
// mu must be held.
func (s *spiConn) transfers(p []spi.Packet) ([]spiIOCTransfer, error) {
	trs := make([]spiIOCTransfer, 0, len(p))
	speed := uint32(s.freq / physic.Hertz)
	// Empty packets emit no descriptor, so the message may end before the
	// last index; the final-transfer inversion below must track the last
	// packet that actually transfers.
	lastIdx := -1
	for i := range p {
		if len(p[i].W) != 0 || len(p[i].R) != 0 {
			lastIdx = i
		}
	}
	for i := range p {
		var t spiIOCTransfer
		switch {
		case len(p[i].W) == 0 && len(p[i].R) == 0:
			continue
		case len(p[i].W) == 0:
			t = txRead(p[i].R)
		case len(p[i].R) == 0:
			t = txWrite(p[i].W)
		case s.halfDuplex:
			// Two descriptors, one bus transaction.
			w := txWrite(p[i].W)
			w.speedHz = speed
			w.bitsPerWord = p[i].BitsPerWord
			trs = append(trs, w)
			t = txRead(p[i].R)
		default:
			t = txReadWrite(p[i].W, p[i].R)
		}
		t.speedHz = speed
		t.bitsPerWord = p[i].BitsPerWord
		// csChange asks the kernel to toggle chip select after this transfer;
		// on the last transfer of the message the meaning inverts: set, it
		// keeps the device selected once the message is done.
		last := i == lastIdx
		if p[i].KeepCS == last {
			t.csChange = 1
		}
		trs = append(trs, t)
	}
	return trs, nil
}

func (s *spiConn) initPins() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clk == nil {
		if s.clk = gpioreg.ByName(fmt.Sprintf("SPI%d_CLK", s.busNumber)); s.clk == nil {
			s.clk = gpio.INVALID
		}
		if s.mosi = gpioreg.ByName(fmt.Sprintf("SPI%d_MOSI", s.busNumber)); s.mosi == nil {
			s.mosi = gpio.INVALID
		}
		if s.miso = gpioreg.ByName(fmt.Sprintf("SPI%d_MISO", s.busNumber)); s.miso == nil {
			s.miso = gpio.INVALID
		}
		if s.cs = gpioreg.ByName(fmt.Sprintf("SPI%d_CS%d", s.busNumber, s.chipSelect)); s.cs == nil {
			s.cs = gpio.INVALID
		}
	}
}

// getMode reads the current mode byte.
//
// mu must be held.
func (s *spiConn) getMode() (spiMode, error) {
	var m uint8
	if err := s.f.Ioctl(spiIOCRdMode, unsafe.Pointer(&m)); err != nil {
		return 0, err
	}
	return spiMode(m), nil
}

// updateMode replaces the bits selected by mask and writes the mode byte
// back, leaving every other bit as the kernel reported it.
//
// mu must be held.
func (s *spiConn) updateMode(bits, mask spiMode) error {
	cur, err := s.getMode()
	if err != nil {
		return err
	}
	merged := mergeMode(cur, bits, mask)
	if merged == cur {
		return nil
	}
	m := uint8(merged)
	return s.f.Ioctl(spiIOCWrMode, unsafe.Pointer(&m))
}

// mu must be held.
func (s *spiConn) setBitsPerWord(bits uint8) error {
	return s.f.Ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits))
}

// mu must be held.
func (s *spiConn) setMaxSpeed(f physic.Frequency) error {
	hz := uint32(f / physic.Hertz)
	return s.f.Ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&hz))
}

func checkFrequency(f physic.Frequency) error {
	if f > physic.GigaHertz {
		return fmt.Errorf("invalid speed %s; maximum supported clock is 1GHz", f)
	}
	if f < 100*physic.Hertz {
		return fmt.Errorf("invalid speed %s; minimum supported clock is 100Hz; did you forget to multiply by physic.MegaHertz?", f)
	}
	return nil
}

//

// spiMode is the spidev mode byte: clock phase and polarity in the low two
// bits, chip select polarity and wire count flags above them. Partial
// updates must preserve the bits they do not own; see mergeMode.
type spiMode uint8

// From include/uapi/linux/spi/spidev.h.
const (
	spiCPHA     spiMode = 1 << 0 // clock phase
	spiCPOL     spiMode = 1 << 1 // clock polarity
	spiCSHigh   spiMode = 1 << 2 // chip select active high
	spiLSBFirst spiMode = 1 << 3 // per-word bits on wire
	spi3Wire    spiMode = 1 << 4 // SI/SO signals shared
	spiLoop     spiMode = 1 << 5 // loopback mode
	spiNoCS     spiMode = 1 << 6 // one dev/bus, no chip select
	spiReady    spiMode = 1 << 7 // slave pulls low to pause
)

// mergeMode returns old with only the bits selected by mask replaced by
// bits.
func mergeMode(old, bits, mask spiMode) spiMode {
	return old&^mask | bits&mask
}

const spiIOCMagic = 'k'

// Request codes from include/uapi/linux/spi/spidev.h, assembled through the
// packed encoding scheme.
var (
	spiIOCRdMode        = ioctl.IOR(spiIOCMagic, 1, 1)
	spiIOCWrMode        = ioctl.IOW(spiIOCMagic, 1, 1)
	spiIOCRdLSBFirst    = ioctl.IOR(spiIOCMagic, 2, 1)
	spiIOCWrLSBFirst    = ioctl.IOW(spiIOCMagic, 2, 1)
	spiIOCRdBitsPerWord = ioctl.IOR(spiIOCMagic, 3, 1)
	spiIOCWrBitsPerWord = ioctl.IOW(spiIOCMagic, 3, 1)
	spiIOCRdMaxSpeedHz  = ioctl.IOR(spiIOCMagic, 4, 4)
	spiIOCWrMaxSpeedHz  = ioctl.IOW(spiIOCMagic, 4, 4)
)

// spiIOCMessage is SPI_IOC_MESSAGE(n): the payload size is the byte size of
// the n descriptor array.
func spiIOCMessage(n int) uint32 {
	return ioctl.IOW(spiIOCMagic, 0, uintptr(n)*unsafe.Sizeof(spiIOCTransfer{}))
}

// spiIOCTransfer is the kernel's struct spi_ioc_transfer: one transfer
// within a message.
//
// tx and rx are raw addresses of caller owned buffers, not owned here; a
// descriptor must not outlive the buffers it references nor the ioctl it is
// passed to. speedHz, delayUsecs, bitsPerWord and csChange are per-transfer
// overrides; zero defers to the bus-wide configuration. delayUsecs is part
// of the kernel layout but always zero here: spi.Packet carries no
// inter-transfer delay to map it from.
type spiIOCTransfer struct {
	tx          uint64
	rx          uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNBits     uint8
	rxNBits     uint8
	pad         uint16
}

// txRead returns a descriptor the kernel fills rx through.
func txRead(rx []byte) spiIOCTransfer {
	return spiIOCTransfer{
		rx:     uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length: uint32(len(rx)),
	}
}

// txWrite returns a descriptor the kernel consumes tx through.
func txWrite(tx []byte) spiIOCTransfer {
	return spiIOCTransfer{
		tx:     uint64(uintptr(unsafe.Pointer(&tx[0]))),
		length: uint32(len(tx)),
	}
}

// txReadWrite returns a full duplex descriptor: the kernel shifts tx out
// while filling rx, byte for byte over the same clock cycles.
//
// tx and rx must be of identical length. A mismatch is a programming error,
// not a runtime condition, and panics before a descriptor is built; a
// silently truncated transfer would be worse.
func txReadWrite(tx, rx []byte) spiIOCTransfer {
	if len(tx) != len(rx) {
		panic(fmt.Sprintf("sysfs-spi: full duplex buffers must be the same length; got tx=%d rx=%d", len(tx), len(rx)))
	}
	return spiIOCTransfer{
		tx:     uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rx:     uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length: uint32(len(tx)),
	}
}

//

// driverSPI implements driver.Impl.
type driverSPI struct {
	ports []string
}

func (d *driverSPI) String() string {
	return "sysfs-spi"
}

func (d *driverSPI) Prerequisites() []string {
	return nil
}

func (d *driverSPI) After() []string {
	return nil
}

func (d *driverSPI) Init() (bool, error) {
	prefix := devRoot + "/spidev"
	items, err := filepath.Glob(prefix + "*")
	if err != nil {
		return true, err
	}
	if len(items) == 0 {
		return false, errors.New("no SPI port found")
	}
	for _, item := range items {
		var bus, cs int
		if _, err := fmt.Sscanf(item[len(prefix):], "%d.%d", &bus, &cs); err != nil {
			continue
		}
		name := fmt.Sprintf("SPI%d.%d", bus, cs)
		d.ports = append(d.ports, name)
		aliases := []string{fmt.Sprintf("spidev%d.%d", bus, cs)}
		// Pack bus and chip select into one registry number, so both
		// /dev/spidev1.0 and /dev/spidev1.1 stay addressable by number.
		n := bus*10 + cs
		if err := spireg.Register(name, aliases, n, openerSPI{bus, cs}.Open); err != nil {
			return true, err
		}
	}
	return true, nil
}

type openerSPI struct {
	bus int
	cs  int
}

func (o openerSPI) Open() (spi.PortCloser, error) {
	return NewSPI(o.bus, o.cs)
}

func init() {
	if isLinux {
		driverreg.MustRegister(&drvSPI)
	}
}

var drvSPI driverSPI

var _ spi.Port = &SPI{}
var _ spi.PortCloser = &SPI{}
var _ spi.Pins = &SPI{}
var _ conn.Conn = &spiConn{}
var _ spi.Conn = &spiConn{}
