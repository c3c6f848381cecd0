// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 controls Maxim DS18B20 (and DS18S20, DS1822) digital
// thermometers on a 1-wire bus.
//
// Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS18B20.pdf
package ds18b20

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	case DS1822:
		return "DS1822"
	default:
		return fmt.Sprintf("unknown(%#02x)", byte(f))
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10
const DS1822 Family = 0x22

// FamilyOf returns the family code held in the low byte of a ROM address.
func FamilyOf(addr onewire.Address) Family {
	return Family(addr & 0xFF)
}

// Resolution is the number of bits of a conversion, 9 to 12.
type Resolution int

const (
	Bits9  Resolution = 9  // 0.5°C, 94ms
	Bits10 Resolution = 10 // 0.25°C, 188ms
	Bits11 Resolution = 11 // 0.125°C, 375ms
	Bits12 Resolution = 12 // 0.0625°C, 750ms, power-on default
)

// Valid returns true if r is in the range 9..12.
func (r Resolution) Valid() bool {
	return r >= Bits9 && r <= Bits12
}

// ConversionTime returns the worst case duration of a conversion at this
// resolution, datasheet p.6. It returns 0 for an invalid resolution.
func (r Resolution) ConversionTime() time.Duration {
	switch r {
	case Bits9:
		return 94 * time.Millisecond
	case Bits10:
		return 188 * time.Millisecond
	case Bits11:
		return 375 * time.Millisecond
	case Bits12:
		return 750 * time.Millisecond
	default:
		return 0
	}
}

func (r Resolution) String() string {
	return fmt.Sprintf("%d-bit", int(r))
}

// ConvertAll performs a conversion on all DS18B20 devices on the bus.
//
// During the conversion it places the bus in strong pull-up mode to power
// parasitic devices and returns when the conversions have completed. This time
// period is determined by the maximum resolution of all devices on the bus and
// must be provided.
//
// ConvertAll uses time.Sleep to wait for the conversion to finish, which takes
// from 94ms to 750ms.
func ConvertAll(o onewire.Bus, maxResolution Resolution) error {
	if !maxResolution.Valid() {
		return errors.New("ds18b20: invalid maxResolution")
	}
	if err := StartAll(o); err != nil {
		return err
	}
	sleep(maxResolution.ConversionTime())
	return nil
}

// StartAll starts a conversion on all DS18B20 devices on the bus.
// Similar to ConvertAll but returns without waiting for conversion to finish.
// To be used in conjunction with ReadData() or LastTemp(). Conversion timing
// must be handled by other means.
func StartAll(o onewire.Bus) error {
	return o.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.StrongPullup)
}

// Open returns an object that communicates over 1-wire to the thermometer
// with the specified 64-bit address, leaving its configuration untouched.
//
// No bus transaction takes place. An error is returned if the address does
// not belong to a supported family.
func Open(o onewire.Bus, addr onewire.Address) (*Dev, error) {
	switch FamilyOf(addr) {
	case DS18B20, DS18S20, DS1822:
	default:
		return nil, fmt.Errorf("ds18b20: family code mismatch: %s", FamilyOf(addr))
	}
	return &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: Bits12}, nil
}

// New returns an object that communicates over 1-wire to the DS18B20 sensor
// with the specified 64-bit address.
//
// resolution must be in the range 9..12 and determines how many bits of
// precision the readings have. The resolution affects the conversion time:
// 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms.
//
// A resolution of 10 bits corresponds to 0.25C and tends to be a good
// compromise between conversion time and the device's inherent accuracy of
// +/-0.5C.
func New(o onewire.Bus, addr onewire.Address, resolution Resolution) (*Dev, error) {
	if !resolution.Valid() {
		return nil, errors.New("ds18b20: invalid resolution")
	}

	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: resolution}

	// Start by reading the scratchpad memory, this will tell us whether we can
	// talk to the device correctly and also how it's configured.
	spad, err := d.readScratchpad()
	if err != nil {
		return nil, err
	}

	// Change the resolution, if necessary (datasheet p.6).
	if Resolution(spad[4]>>5&3)+Bits9 != resolution {
		// Set the value in the configuration register.
		if err := d.onewire.Tx([]byte{cmdWriteScratchpad, 0, 0, byte(resolution-Bits9)<<5 | 0x1f}, nil); err != nil {
			return nil, err
		}
		// Copy the scratchpad to EEPROM to save the values.
		if err := d.onewire.TxPower([]byte{cmdCopyScratchpad}, nil); err != nil {
			return nil, err
		}
		// Wait for the write to complete.
		sleep(10 * time.Millisecond)
	}

	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
type Dev struct {
	onewire    onewire.Dev // device on 1-wire bus
	resolution Resolution  // resolution used by Sense
}

// Data is the content of the scratchpad of a device.
type Data struct {
	Temperature physic.Temperature
	// Resolution is the resolution the device is configured with. DS18S20
	// always reports 9 bits.
	Resolution Resolution
	AlarmHigh  int8 // TH register, °C
	AlarmLow   int8 // TL register, °C
}

func (d *Dev) Family() Family {
	return FamilyOf(d.onewire.Addr)
}

// Addr returns the ROM address of the device.
func (d *Dev) Addr() onewire.Address {
	return d.onewire.Addr
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.onewire.TxPower([]byte{cmdConvert}, nil); err != nil {
		return err
	}
	sleep(d.resolution.ConversionTime())
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

// ReadData reads the scratchpad and returns the temperature resulting from
// the last conversion along with the configuration of the device.
//
// It is useful in combination with StartAll.
func (d *Dev) ReadData() (Data, error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return Data{}, err
	}
	data := Data{
		Temperature: d.parseTemperature(spad),
		Resolution:  Bits9,
		AlarmHigh:   int8(spad[2]),
		AlarmLow:    int8(spad[3]),
	}
	if d.Family() != DS18S20 {
		data.Resolution = Resolution(spad[4]>>5&3) + Bits9
	}
	return data, nil
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
//
// It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	data, err := d.ReadData()
	if err != nil {
		return 0, err
	}

	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that either no conversion was performed or that the conversion
	// failed due to lack of power. This prevents reading a temp of exactly 85°C,
	// but that seems like the right tradeoff.
	if data.Temperature == PowerOnTemperature {
		return 0, busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}

	return data.Temperature, nil
}

// Read reads the scratchpad of the thermometer at addr. It is a shorthand for
// Open followed by ReadData.
func Read(o onewire.Bus, addr onewire.Address) (Data, error) {
	d, err := Open(o, addr)
	if err != nil {
		return Data{}, err
	}
	return d.ReadData()
}

// PowerOnTemperature is the value of the temperature register until the
// first conversion completes.
const PowerOnTemperature = 85*physic.Celsius + physic.ZeroCelsius

// parseTemperature from scratchpad and handle special calculation for DS18S20
func (d *Dev) parseTemperature(spad []byte) physic.Temperature {
	// spad[1] is MSB and spad[0] is LSB of the raw temperature value
	rawTemp := int16(spad[1])<<8 | int16(spad[0])

	if d.Family() == DS18S20 && spad[7] != 0 {
		// TEMPERATURE = TEMP_READ - 0,25 + (COUNT_PER_C-COUNT_REMAIN)/COUNT_PER_C
		//  TEMP_READ = spad[1] (MSB) and spad[0] (LSB) with the 0.5°C bit truncated
		//  COUNT_PER_C = spad[7]
		//  COUNT_REMAIN = spad[6]
		// http://myarduinotoy.blogspot.com/2013/02/12bit-result-from-ds18s20.html
		mask := 0xFFFE
		rawTemp = ((rawTemp & int16(mask)) << 3) + 12 - int16(spad[6])
	}
	// rawTemp has 4 fractional bits. Need to do sign extension multiply by
	// 1000 to get Millis, divide by 16 due to 4 fractional bits. Datasheet p.4.
	v := physic.Temperature(rawTemp)
	return v*physic.Kelvin/16 + physic.ZeroCelsius
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// readScratchpad reads the 9 bytes of scratchpad and checks the CRC.
// It returns the 8 bytes of scratchpad data (excluding the CRC byte).
func (d *Dev) readScratchpad() ([]byte, error) {
	// Read the scratchpad memory.
	var spad [9]byte
	if err := d.onewire.Tx([]byte{cmdReadScratchpad}, spad[:]); err != nil {
		return nil, err
	}

	// Check the scratchpad CRC.
	if !onewire.CheckCRC(spad[:]) {
		for _, s := range spad {
			if s != 0xff {
				return nil, busError("ds18b20: incorrect scratchpad CRC")
			}
		}
		return nil, busError("ds18b20: device did not respond")
	}

	return spad[:8], nil
}

var sleep = time.Sleep

const (
	cmdSkipROM         = 0xcc
	cmdConvert         = 0x44
	cmdReadScratchpad  = 0xbe
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
)

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
