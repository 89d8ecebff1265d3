// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"testing"
	"unsafe"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

func TestMergeMode(t *testing.T) {
	// Whatever the prior byte holds, only the masked bits may change.
	priors := []spiMode{0x00, 0xfc, 0xff, 0xa8, spiLoop | spiReady}
	for _, prior := range priors {
		for mode := spiMode(0); mode < 4; mode++ {
			got := mergeMode(prior, mode, spiCPHA|spiCPOL)
			if got&(spiCPHA|spiCPOL) != mode {
				t.Errorf("mergeMode(%#02x, %#02x): mode bits %#02x", prior, mode, got&3)
			}
			if got&^(spiCPHA|spiCPOL) != prior&^(spiCPHA|spiCPOL) {
				t.Errorf("mergeMode(%#02x, %#02x): clobbered unrelated bits: %#02x", prior, mode, got)
			}
		}
	}
	if got := mergeMode(0xff, 0, spiCSHigh); got != 0xff&^spiCSHigh {
		t.Errorf("expected %#02x received %#02x", 0xff&^spiCSHigh, got)
	}
	if got := mergeMode(0x00, spiCSHigh, spiCSHigh); got != spiCSHigh {
		t.Errorf("expected %#02x received %#02x", spiCSHigh, got)
	}
}

func TestSpiIOCTransferSize(t *testing.T) {
	// The kernel dictates the descriptor layout; 32 bytes on every platform.
	if s := unsafe.Sizeof(spiIOCTransfer{}); s != 32 {
		t.Fatalf("expected 32 received %d", s)
	}
}

func TestSpiIOCRequestCodes(t *testing.T) {
	data := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"SPI_IOC_RD_MODE", spiIOCRdMode, 0x80016b01},
		{"SPI_IOC_WR_MODE", spiIOCWrMode, 0x40016b01},
		{"SPI_IOC_RD_LSB_FIRST", spiIOCRdLSBFirst, 0x80016b02},
		{"SPI_IOC_WR_LSB_FIRST", spiIOCWrLSBFirst, 0x40016b02},
		{"SPI_IOC_RD_BITS_PER_WORD", spiIOCRdBitsPerWord, 0x80016b03},
		{"SPI_IOC_WR_BITS_PER_WORD", spiIOCWrBitsPerWord, 0x40016b03},
		{"SPI_IOC_RD_MAX_SPEED_HZ", spiIOCRdMaxSpeedHz, 0x80046b04},
		{"SPI_IOC_WR_MAX_SPEED_HZ", spiIOCWrMaxSpeedHz, 0x40046b04},
		{"SPI_IOC_MESSAGE(1)", spiIOCMessage(1), 0x40206b00},
		{"SPI_IOC_MESSAGE(2)", spiIOCMessage(2), 0x40406b00},
	}
	for _, line := range data {
		if line.got != line.want {
			t.Errorf("%s: expected %#08x received %#08x", line.name, line.want, line.got)
		}
	}
}

func TestTxBuilders(t *testing.T) {
	w := []byte{1, 2, 3}
	r := make([]byte, 3)
	tr := txWrite(w)
	if tr.tx == 0 || tr.rx != 0 || tr.length != 3 {
		t.Errorf("txWrite: %+v", tr)
	}
	tr = txRead(r)
	if tr.tx != 0 || tr.rx == 0 || tr.length != 3 {
		t.Errorf("txRead: %+v", tr)
	}
	tr = txReadWrite(w, r)
	if tr.tx == 0 || tr.rx == 0 || tr.length != 3 {
		t.Errorf("txReadWrite: %+v", tr)
	}
}

func TestTxReadWrite_LengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for mismatched full duplex buffers")
		}
	}()
	txReadWrite(make([]byte, 3), make([]byte, 2))
}

func TestSpiConn_Transfers(t *testing.T) {
	s := spiConn{freq: physic.MegaHertz}

	// Full duplex packet: one descriptor, both buffers, deselect at the end.
	trs, err := s.transfers([]spi.Packet{{W: []byte{1, 2}, R: make([]byte, 2)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 1 {
		t.Fatalf("expected 1 descriptor received %d", len(trs))
	}
	if trs[0].tx == 0 || trs[0].rx == 0 || trs[0].length != 2 {
		t.Errorf("descriptor: %+v", trs[0])
	}
	if trs[0].speedHz != 1000000 {
		t.Errorf("expected 1000000 received %d", trs[0].speedHz)
	}
	if trs[0].csChange != 0 {
		t.Error("the final transfer must release chip select")
	}

	// KeepCS on the final packet leaves the device selected.
	trs, err = s.transfers([]spi.Packet{{W: []byte{1}, KeepCS: true}})
	if err != nil {
		t.Fatal(err)
	}
	if trs[0].csChange != 1 {
		t.Error("KeepCS on the last packet must set csChange")
	}

	// Deselecting between two packets of the same transaction.
	trs, err = s.transfers([]spi.Packet{
		{W: []byte{1}},
		{W: []byte{2}, BitsPerWord: 12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 2 {
		t.Fatalf("expected 2 descriptors received %d", len(trs))
	}
	if trs[0].csChange != 1 {
		t.Error("a released packet boundary must set csChange")
	}
	if trs[1].csChange != 0 {
		t.Error("the final transfer must release chip select")
	}
	if trs[1].bitsPerWord != 12 {
		t.Errorf("expected 12 received %d", trs[1].bitsPerWord)
	}

	// Empty packets produce no descriptor.
	trs, err = s.transfers([]spi.Packet{{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 0 {
		t.Fatalf("expected 0 descriptors received %d", len(trs))
	}

	// A trailing empty packet does not shift which descriptor is the final
	// transfer of the message.
	trs, err = s.transfers([]spi.Packet{{W: []byte{1}}, {}})
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 1 {
		t.Fatalf("expected 1 descriptor received %d", len(trs))
	}
	if trs[0].csChange != 0 {
		t.Error("the final transfer must release chip select even when empty packets follow")
	}
	trs, err = s.transfers([]spi.Packet{{W: []byte{1}, KeepCS: true}, {}})
	if err != nil {
		t.Fatal(err)
	}
	if trs[0].csChange != 1 {
		t.Error("KeepCS on the last transferring packet must set csChange")
	}
}

func TestSpiConn_TransfersHalfDuplex(t *testing.T) {
	s := spiConn{freq: physic.MegaHertz, halfDuplex: true}
	trs, err := s.transfers([]spi.Packet{{W: []byte{1, 2}, R: make([]byte, 3)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 2 {
		t.Fatalf("expected 2 descriptors received %d", len(trs))
	}
	if trs[0].tx == 0 || trs[0].rx != 0 || trs[0].length != 2 {
		t.Errorf("write half: %+v", trs[0])
	}
	if trs[1].tx != 0 || trs[1].rx == 0 || trs[1].length != 3 {
		t.Errorf("read half: %+v", trs[1])
	}
	// Chip select stays asserted between the two halves.
	if trs[0].csChange != 0 {
		t.Error("write half must not toggle chip select")
	}
}

func TestCheckFrequency(t *testing.T) {
	if err := checkFrequency(physic.MegaHertz); err != nil {
		t.Fatal(err)
	}
	if err := checkFrequency(100 * physic.Hertz); err != nil {
		t.Fatal(err)
	}
	if err := checkFrequency(50 * physic.Hertz); err == nil {
		t.Fatal("expected an error below 100Hz")
	}
	if err := checkFrequency(2 * physic.GigaHertz); err == nil {
		t.Fatal("expected an error above 1GHz")
	}
}
