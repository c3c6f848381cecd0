// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"

	"github.com/GermanBionicSystems/thermopoll/ds248x"
	"github.com/GermanBionicSystems/thermopoll/onewiregpio"
	"github.com/GermanBionicSystems/thermopoll/poll"
	"github.com/GermanBionicSystems/thermopoll/termled"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/host/v3"
)

const (
	dataPin    = "GPIO4"
	ledPin     = "GPIO2"
	bridgeAddr = 0x18
)

// board holds the peripherals the program runs on.
type board struct {
	bus     onewire.BusSearcher
	led     poll.Indicator
	closers []func() error
}

// Close halts every peripheral, returning the first error.
func (b *board) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if e := b.closers[i](); err == nil {
			err = e
		}
	}
	return err
}

// pins looks up a pin by name. It is replaced in tests.
var pins = gpioreg.ByName

// setup initializes the host and opens the 1-wire master and the LED.
//
// The data line is bit-banged on GPIO4 when the host has it, otherwise a
// DS248x bridge is used on the default I²C bus. Without GPIO2 the LED is
// drawn on the terminal.
func setup(log logrus.FieldLogger) (*board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	b := &board{}
	if err := b.openBus(log); err != nil {
		_ = b.Close()
		return nil, err
	}
	b.openLED(log)
	return b, nil
}

func (b *board) openBus(log logrus.FieldLogger) error {
	if p := pins(dataPin); p != nil {
		d, err := onewiregpio.New(onewiregpio.PinLine(p), nil)
		if err != nil {
			return fmt.Errorf("%s: %w", dataPin, err)
		}
		b.add(d)
		b.bus = d
		log.WithField("bus", d).Info("Using bit-banged 1-wire bus")
		return nil
	}
	i, err := i2creg.Open("")
	if err != nil {
		return errors.Join(fmt.Errorf("pin %s not found", dataPin), err)
	}
	b.closers = append(b.closers, i.Close)
	d, err := ds248x.New(i, bridgeAddr, nil)
	if err != nil {
		return err
	}
	b.add(d)
	b.bus = d
	log.WithField("bus", d).Info("Using 1-wire bridge")
	return nil
}

func (b *board) openLED(log logrus.FieldLogger) {
	if p := pins(ledPin); p != nil {
		b.led = p
		b.closers = append(b.closers, func() error { return p.Out(gpio.Low) })
		return
	}
	l := termled.New(nil)
	b.add(l)
	b.led = l
	log.Infof("Pin %s not found, showing the LED on the terminal", ledPin)
}

func (b *board) add(r conn.Resource) {
	b.closers = append(b.closers, r.Halt)
}
