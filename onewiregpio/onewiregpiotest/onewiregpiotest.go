// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpiotest is meant to be used to test drivers over a
// simulated 1-wire line.
//
// Wire decodes the time slots produced by a bit-banging master from the
// durations the line is held low, and lets the attached Devices answer them
// the way DS18B20 and similar parts do, including the wired-AND of several
// devices transmitting at once.
package onewiregpiotest

import (
	"math"
	"time"

	"github.com/GermanBionicSystems/thermopoll/common"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Wire is a simulated open-drain 1-wire line with devices attached.
//
// Time is virtual: it only advances through Sleep, which must be used as the
// delay function of the bus master.
type Wire struct {
	Devices []*Device
	// Shorted holds the line low permanently.
	Shorted bool

	// StrongPullups counts the times the master drove the line high.
	StrongPullups int

	now      time.Duration
	driven   bool
	lowAt    time.Duration // start of the current or last low pulse
	relAt    time.Duration // end of the last low pulse
	presence bool          // a device answered the last reset pulse
	slotLow  bool          // a device transmits a 0 in the current slot
}

func (w *Wire) String() string {
	return "wire"
}

// Sleep advances the virtual clock.
func (w *Wire) Sleep(d time.Duration) {
	w.now += d
}

// Now returns the virtual time elapsed since the wire was created.
func (w *Wire) Now() time.Duration {
	return w.now
}

// DriveLow implements onewiregpio.Line.
func (w *Wire) DriveLow() error {
	if !w.driven {
		w.driven = true
		w.lowAt = w.now
	}
	w.presence = false
	w.slotLow = false
	return nil
}

// DriveHigh implements onewiregpio.PowerLine.
func (w *Wire) DriveHigh() error {
	w.driven = false
	w.StrongPullups++
	return nil
}

// Release implements onewiregpio.Line.
//
// The length of the low pulse just ended decides what the devices see.
func (w *Wire) Release() error {
	if !w.driven {
		return nil
	}
	w.driven = false
	w.relAt = w.now
	switch low := w.now - w.lowAt; {
	case low >= resetMin:
		for _, d := range w.Devices {
			if d.reset() {
				w.presence = true
			}
		}
	case low < write0Min:
		// Write-1 or read slot; transmitting devices may hold the line.
		for _, d := range w.Devices {
			if d.slot(true) {
				w.slotLow = true
			}
		}
	case low <= slotMax:
		for _, d := range w.Devices {
			d.slot(false)
		}
	default:
		// Too long for a slot, too short for a reset.
		for _, d := range w.Devices {
			d.enter(stIdle)
		}
	}
	return nil
}

// Read implements onewiregpio.Line.
func (w *Wire) Read() gpio.Level {
	if w.Shorted || w.driven {
		return gpio.Low
	}
	if w.presence {
		if since := w.now - w.relAt; since >= presenceStart && since < presenceEnd {
			return gpio.Low
		}
	}
	if w.slotLow && w.now-w.lowAt < slotHold {
		return gpio.Low
	}
	return gpio.High
}

// Device is a simulated device on the wire.
//
// Devices whose family is DS18B20 (0x28), DS1822 (0x22) or DS18S20 (0x10)
// answer the temperature function commands; all others only take part in ROM
// commands.
type Device struct {
	Addr onewire.Address
	// Celsius is the temperature reported after a conversion. Before the
	// first conversion the device reports its power-on value of 85°C.
	Celsius float64
	// Resolution in bits, 9..12. 0 is the power-on value of 12 bits.
	Resolution int
	AlarmHigh  int8
	AlarmLow   int8
	// Alarm makes the device answer alarm searches.
	Alarm bool
	// Unresponsive devices still answer ROM commands but ignore function
	// commands, like a device losing power after being discovered.
	Unresponsive bool
	// BadCRC corrupts the CRC of the scratchpad.
	BadCRC bool

	// Conversions counts the Convert T commands received.
	Conversions int
	// ScratchpadReads counts the Read Scratchpad commands received.
	ScratchpadReads int

	state     state
	n         int    // bits transferred in the current state
	acc       uint64 // bits received in the current state
	phase     int    // step within a search bit: id, complement, direction
	tx        []byte // bytes to transmit in stTx
	after     state  // state once tx is exhausted
	converted bool
}

// NewAddress returns a valid ROM code for the family and the 48-bit serial
// number.
func NewAddress(family byte, serial uint64) onewire.Address {
	var b [8]byte
	b[0] = family
	for i := 1; i < 7; i++ {
		b[i] = byte(serial >> uint(8*(i-1)))
	}
	b[7] = common.CRC8(b[:7])
	var a onewire.Address
	for i := range b {
		a |= onewire.Address(b[i]) << uint(8*i)
	}
	return a
}

// Thermometer returns a DS18B20 with the given serial number reading c
// degrees Celsius at 12 bits of resolution.
func Thermometer(serial uint64, c float64) *Device {
	return &Device{Addr: NewAddress(0x28, serial), Celsius: c, Resolution: 12}
}

//

type state int

const (
	stIdle      state = iota // not selected, waits for a reset
	stROM                    // receives a ROM command
	stMatch                  // receives the 64 bits of Match ROM
	stSearch                 // takes part in a search
	stFunc                   // receives a function command
	stWriteSpad              // receives TH, TL and configuration
	stTx                     // transmits tx
	stTxOnes                 // answers read slots with ones
)

func (d *Device) enter(s state) {
	d.state = s
	d.n = 0
	d.acc = 0
	d.phase = 0
}

func (d *Device) reset() bool {
	d.enter(stROM)
	return true
}

// slot handles one time slot. short is true for a write-1 or read slot. It
// returns true if the device holds the line low for the slot.
func (d *Device) slot(short bool) bool {
	switch d.state {
	case stIdle, stTxOnes:
		return false
	case stTx:
		bit := d.tx[d.n/8] >> uint(d.n%8) & 1
		d.n++
		if d.n == 8*len(d.tx) {
			d.enter(d.after)
		}
		return short && bit == 0
	case stSearch:
		id := byte(d.Addr>>uint(d.n)) & 1
		switch d.phase {
		case 0:
			d.phase = 1
			return short && id == 0
		case 1:
			d.phase = 2
			return short && id == 1
		}
		d.phase = 0
		if dir := b2u(short); dir != id {
			d.enter(stIdle)
			return false
		}
		d.n++
		if d.n == 64 {
			d.enter(stFunc)
		}
		return false
	}
	if short {
		d.acc |= 1 << uint(d.n)
	}
	d.n++
	d.received()
	return false
}

// received handles the bits accumulated by a receiving state.
func (d *Device) received() {
	switch d.state {
	case stROM:
		if d.n < 8 {
			return
		}
		switch byte(d.acc) {
		case 0x33: // Read ROM
			d.send(addrBytes(d.Addr), stFunc)
		case 0x55: // Match ROM
			d.enter(stMatch)
		case 0xcc: // Skip ROM
			d.enter(stFunc)
		case 0xf0: // Search ROM
			d.enter(stSearch)
		case 0xec: // Alarm Search
			if d.Alarm {
				d.enter(stSearch)
			} else {
				d.enter(stIdle)
			}
		default:
			d.enter(stIdle)
		}
	case stMatch:
		if d.n < 64 {
			return
		}
		if onewire.Address(d.acc) == d.Addr {
			d.enter(stFunc)
		} else {
			d.enter(stIdle)
		}
	case stFunc:
		if d.n < 8 {
			return
		}
		if !d.isThermometer() || d.Unresponsive {
			d.enter(stIdle)
			return
		}
		switch byte(d.acc) {
		case 0x44: // Convert T
			d.Conversions++
			d.converted = true
			d.enter(stTxOnes)
		case 0xbe: // Read Scratchpad
			d.ScratchpadReads++
			d.send(d.scratchpad(), stTxOnes)
		case 0x4e: // Write Scratchpad
			d.enter(stWriteSpad)
		case 0x48, 0xb8, 0xb4: // Copy Scratchpad, Recall E², Read Power Supply
			d.enter(stTxOnes)
		default:
			d.enter(stIdle)
		}
	case stWriteSpad:
		if d.n < 24 {
			return
		}
		d.AlarmHigh = int8(d.acc)
		d.AlarmLow = int8(d.acc >> 8)
		d.Resolution = int(d.acc>>21&3) + 9
		d.enter(stIdle)
	}
}

func (d *Device) send(b []byte, after state) {
	d.enter(stTx)
	d.tx = b
	d.after = after
}

func (d *Device) isThermometer() bool {
	switch byte(d.Addr) {
	case 0x28, 0x22, 0x10:
		return true
	}
	return false
}

func (d *Device) scratchpad() []byte {
	c := 85.
	if d.converted {
		c = d.Celsius
	}
	s := make([]byte, 9)
	if byte(d.Addr) == 0x10 {
		// DS18S20: 0.5°C per LSB, extended counts set to a whole degree.
		raw := int16(math.Round(c * 2))
		s[0], s[1] = byte(raw), byte(raw>>8)
		s[4], s[5] = 0xff, 0xff
	} else {
		res := d.Resolution
		if res == 0 {
			res = 12
		}
		raw := int16(math.Round(c*16)) &^ (int16(1)<<uint(12-res) - 1)
		s[0], s[1] = byte(raw), byte(raw>>8)
		s[4] = byte(res-9)<<5 | 0x1f
		s[5] = 0xff
	}
	s[2], s[3] = byte(d.AlarmHigh), byte(d.AlarmLow)
	s[6], s[7] = 0x0c, 0x10
	s[8] = common.CRC8(s[:8])
	if d.BadCRC {
		s[8] ^= 0xff
	}
	return s
}

func addrBytes(a onewire.Address) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(a >> uint(8*i))
	}
	return b
}

func b2u(b bool) byte {
	if b {
		return 1
	}
	return 0
}

const (
	resetMin      = 480 * time.Microsecond
	write0Min     = 15 * time.Microsecond
	slotMax       = 120 * time.Microsecond
	slotHold      = 60 * time.Microsecond
	presenceStart = 15 * time.Microsecond
	presenceEnd   = 240 * time.Microsecond
)
