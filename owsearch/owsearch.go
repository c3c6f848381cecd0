// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owsearch implements the 1-wire ROM search as a resumable, one
// device per call iteration over any onewire.BusSearcher.
//
// Each call to Next performs a full search pass on the bus and returns the
// next device address along with a Cursor that records where the pass
// branched. Passing the Cursor back resumes the walk of the binary tree of
// addresses at the last unexplored branch. No state is kept on the bus or in
// the package between calls, so other transactions (e.g. reading the device
// that was just found) may be interleaved freely.
//
// At a collision, where some devices answered 0 and others 1, the 0 branch is
// always explored first. For a given set of devices the discovery order is
// thus fixed: ascending by address bits, least significant bit first.
package owsearch

import (
	"errors"
	"fmt"

	"github.com/GermanBionicSystems/thermopoll/common"
	"periph.io/x/conn/v3/onewire"
)

// Cursor is the position of a search in the tree of device addresses.
//
// The zero value is not useful; start a search with a nil *Cursor.
type Cursor struct {
	last            onewire.Address // address returned with this cursor
	lastDiscrepancy int             // 1-based bit index of the last 0 branch taken at a collision, 0: none left
}

// Address returns the address discovered by the step that returned c.
func (c *Cursor) Address() onewire.Address {
	return c.last
}

// Done returns true if no unexplored branch remains after c.
func (c *Cursor) Done() bool {
	return c.lastDiscrepancy == 0
}

func (c *Cursor) String() string {
	return fmt.Sprintf("Cursor{%#016x, %d}", uint64(c.last), c.lastDiscrepancy)
}

// Next performs one step of the search.
//
// It returns the next device found after c and the cursor to pass to the
// following call. When the search is exhausted it returns a nil cursor and a
// nil error: c was the last branch, no device answered the reset pulse or, in
// an alarm search, no device is in alarm state.
//
// An error implementing onewire.BusError is returned if a device stopped
// answering midway through its address or if the address fails its CRC. The
// caller decides whether to retry with the same cursor.
func Next(bus onewire.BusSearcher, c *Cursor, alarmOnly bool) (onewire.Address, *Cursor, error) {
	if c != nil && c.Done() {
		return 0, nil, nil
	}
	cmd := cmdSearchROM
	if alarmOnly {
		cmd = cmdSearchAlarm
	}
	if err := bus.Tx([]byte{cmd}, nil, onewire.WeakPullup); err != nil {
		if IsNoDevices(err) {
			return 0, nil, nil
		}
		return 0, nil, err
	}

	var addr onewire.Address
	lastZero := 0
	for bit := 1; bit <= 64; bit++ {
		var dir byte
		if c != nil {
			switch {
			case bit < c.lastDiscrepancy:
				dir = byte(c.last>>uint(bit-1)) & 1
			case bit == c.lastDiscrepancy:
				dir = 1
			}
		}
		tr, err := bus.SearchTriplet(dir)
		if err != nil {
			return 0, nil, err
		}
		if !tr.GotZero && !tr.GotOne {
			if bit == 1 {
				// Nobody takes part in this search.
				return 0, nil, nil
			}
			return 0, nil, busError(fmt.Sprintf("owsearch: no device answered at bit %d", bit))
		}
		if tr.GotZero && tr.GotOne && tr.Taken == 0 {
			lastZero = bit
		}
		addr |= onewire.Address(tr.Taken&1) << uint(bit-1)
	}

	if !CheckAddress(addr) {
		return 0, nil, fmt.Errorf("%w: %#016x", ErrCRC, uint64(addr))
	}
	return addr, &Cursor{last: addr, lastDiscrepancy: lastZero}, nil
}

// All searches the bus to exhaustion and returns the addresses of all
// devices if alarmOnly is false and of all devices in alarm state if
// alarmOnly is true.
//
// If an error occurs the already-discovered devices are returned with the
// error.
func All(bus onewire.BusSearcher, alarmOnly bool) ([]onewire.Address, error) {
	var devices []onewire.Address
	var c *Cursor
	for {
		addr, next, err := Next(bus, c, alarmOnly)
		if err != nil {
			return devices, err
		}
		if next == nil {
			return devices, nil
		}
		devices = append(devices, addr)
		c = next
	}
}

// CheckAddress returns true if the top byte of addr is the CRC8 of the seven
// lower bytes.
func CheckAddress(addr onewire.Address) bool {
	var b [8]byte
	for i := range b {
		b[i] = byte(addr >> uint(8*i))
	}
	return common.CheckCRC8(b[:])
}

// IsNoDevices returns true if err reports that no device answered a reset
// pulse.
func IsNoDevices(err error) bool {
	var e interface{ NoDevices() bool }
	return errors.As(err, &e) && e.NoDevices()
}

// ErrCRC is returned by Next when a discovered address fails its CRC.
var ErrCRC error = busError("owsearch: address CRC mismatch")

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

const (
	cmdSearchROM   byte = 0xf0
	cmdSearchAlarm byte = 0xec
)
