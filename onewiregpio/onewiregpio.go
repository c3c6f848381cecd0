// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpio implements a 1-wire bus master by bit-banging a single
// open-drain GPIO line.
//
// All slot timings are produced by a blocking delay. The default delay spins
// on the monotonic clock since sleeping the goroutine for a few microseconds
// is far too coarse for 1-wire framing.
//
// Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
package onewiregpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/thermopoll/owsearch"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains the slot timings of the bus.
//
// The defaults are the standard speed values recommended by Maxim.
type Opts struct {
	ResetLow       time.Duration // reset pulse width, ≥480μs
	PresenceSample time.Duration // delay from the end of reset to presence sampling
	ResetRecovery  time.Duration // remainder of the presence window
	Write1Low      time.Duration // low time of a write-1 slot, 1μs..15μs
	Write1Recovery time.Duration // release time after a write-1 slot
	Write0Low      time.Duration // low time of a write-0 slot, 60μs..120μs
	Write0Recovery time.Duration // release time after a write-0 slot
	ReadLow        time.Duration // low time starting a read slot
	ReadSample     time.Duration // delay from release to sampling in a read slot
	ReadRecovery   time.Duration // remainder of the read slot

	// Delay blocks for the given duration. nil uses a busy spin.
	Delay func(time.Duration)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       480 * time.Microsecond,
	PresenceSample: 70 * time.Microsecond,
	ResetRecovery:  410 * time.Microsecond,
	Write1Low:      6 * time.Microsecond,
	Write1Recovery: 64 * time.Microsecond,
	Write0Low:      60 * time.Microsecond,
	Write0Recovery: 10 * time.Microsecond,
	ReadLow:        6 * time.Microsecond,
	ReadSample:     9 * time.Microsecond,
	ReadRecovery:   55 * time.Microsecond,
}

// New returns a 1-wire bus master driving l.
//
// The line is released and must read high, otherwise the bus is considered
// shorted.
func New(l Line, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{line: l, opts: *opts, delay: opts.Delay}
	if d.delay == nil {
		d.delay = spin
	}
	if err := l.Release(); err != nil {
		return nil, fmt.Errorf("onewiregpio: failed to release line: %w", err)
	}
	if l.Read() == gpio.Low {
		return nil, errShorted
	}
	return d, nil
}

// Dev is a bit-banged 1-wire bus master. It implements onewire.Bus and
// onewire.BusSearcher.
//
// Dev implements a persistent error model: if the line itself fails (a GPIO
// error) the error is latched and returned on all subsequent calls. Errors
// on the 1-wire bus do not cause persistent errors and implement the
// onewire.BusError interface to indicate this fact.
type Dev struct {
	sync.Mutex // lock for the bus while a transaction is in progress
	line       Line
	opts       Opts
	delay      func(time.Duration)
	err        error // persistent error, the line no longer operates
}

func (d *Dev) String() string {
	return "onewiregpio{" + d.line.String() + "}"
}

// Halt implements conn.Resource.
//
// It releases the line.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	d.release()
	return d.err
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// A strong pull-up is only applied if the line implements PowerLine. It is
// held until the next bus operation.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()

	if present, err := d.Reset(); err != nil {
		return err
	} else if !present {
		return errNoDevices
	}
	for _, b := range w {
		if err := d.WriteByte(b); err != nil {
			return err
		}
	}
	for i := range r {
		b, err := d.ReadByte()
		if err != nil {
			return err
		}
		r[i] = b
	}
	if power == onewire.StrongPullup && d.err == nil {
		if p, ok := d.line.(PowerLine); ok {
			d.setErr(p.DriveHigh())
		}
	}
	return d.err
}

// Search performs a "search" cycle on the 1-wire bus and returns the
// addresses of all devices on the bus if alarmOnly is false and of all
// devices in alarm state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	return owsearch.All(d, alarmOnly)
}

// SearchNext performs one step of a resumable search. See owsearch.Next.
func (d *Dev) SearchNext(c *owsearch.Cursor, alarmOnly bool) (onewire.Address, *owsearch.Cursor, error) {
	return owsearch.Next(d, c, alarmOnly)
}

// SearchTriplet reads the bit and its complement at the current position of
// a search and writes the direction taken, which is direction if devices
// disagree.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.Lock()
	defer d.Unlock()

	tr := onewire.TripletResult{
		GotZero: !d.ReadBit(),
		GotOne:  !d.ReadBit(),
	}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotZero:
		tr.Taken = 0
	default:
		// Either every device has a 1 or nobody answered; writing a 1 keeps
		// all remaining devices selected.
		tr.Taken = 1
	}
	d.WriteBit(tr.Taken == 1)
	return tr, d.err
}

// Reset issues a reset pulse and returns true if any device responded with
// a presence pulse.
//
// A line that stays low, before the pulse or after the presence window, is
// reported as a shorted bus.
//
// Reset, WriteBit, ReadBit, WriteByte and ReadByte are the raw primitives
// used by Tx and SearchTriplet. They do not take the lock.
func (d *Dev) Reset() (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	d.release()
	if d.err == nil && d.line.Read() == gpio.Low {
		return false, errShorted
	}
	d.low()
	d.delay(d.opts.ResetLow)
	d.release()
	d.delay(d.opts.PresenceSample)
	present := d.line.Read() == gpio.Low
	d.delay(d.opts.ResetRecovery)
	if d.err != nil {
		return false, d.err
	}
	if d.line.Read() == gpio.Low {
		return false, errShorted
	}
	return present, nil
}

// WriteBit writes a single time slot.
func (d *Dev) WriteBit(b bool) {
	if b {
		d.low()
		d.delay(d.opts.Write1Low)
		d.release()
		d.delay(d.opts.Write1Recovery)
	} else {
		d.low()
		d.delay(d.opts.Write0Low)
		d.release()
		d.delay(d.opts.Write0Recovery)
	}
}

// ReadBit issues a read time slot and returns the sampled level.
func (d *Dev) ReadBit() bool {
	d.low()
	d.delay(d.opts.ReadLow)
	d.release()
	d.delay(d.opts.ReadSample)
	v := d.line.Read() == gpio.High
	d.delay(d.opts.ReadRecovery)
	return v
}

// WriteByte writes b least significant bit first.
func (d *Dev) WriteByte(b byte) error {
	for i := 0; i < 8; i++ {
		d.WriteBit(b&(1<<uint(i)) != 0)
	}
	return d.err
}

// ReadByte reads a byte least significant bit first.
func (d *Dev) ReadByte() (byte, error) {
	var b byte
	for i := 0; i < 8; i++ {
		if d.ReadBit() {
			b |= 1 << uint(i)
		}
	}
	return b, d.err
}

//

func (d *Dev) low() {
	if d.err == nil {
		d.setErr(d.line.DriveLow())
	}
}

func (d *Dev) release() {
	if d.err == nil {
		d.setErr(d.line.Release())
	}
}

func (d *Dev) setErr(err error) {
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("onewiregpio: line failure: %w", err)
	}
}

// spin busy-waits for the duration.
func spin(t time.Duration) {
	for start := time.Now(); time.Since(start) < t; {
	}
}

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
