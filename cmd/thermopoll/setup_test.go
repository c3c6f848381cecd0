// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"testing"

	"github.com/GermanBionicSystems/thermopoll/ds248x"
	"github.com/GermanBionicSystems/thermopoll/termled"
	"github.com/sirupsen/logrus/hooks/test"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestOpenBus_bridge(t *testing.T) {
	defer stubPins(nil)()
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: bridgeAddr, W: []byte{0xf0}},
		{Addr: bridgeAddr, W: []byte{0xe1, 0xf0}, R: []byte{0x18}},
		{Addr: bridgeAddr, W: []byte{0xd2, 0xe1}, R: []byte{0x01}},
		{Addr: bridgeAddr, W: []byte{0xe1, 0xb4}},
		{Addr: bridgeAddr, W: []byte{0xc3, 0x06, 0x26, 0x46, 0x66, 0x86}},
	}}
	opener := func() (i2c.BusCloser, error) { return bus, nil }
	if err := i2creg.Register("thermopoll", nil, 9, opener); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := i2creg.Unregister("thermopoll"); err != nil {
			t.Fatal(err)
		}
	}()

	log, _ := test.NewNullLogger()
	b := &board{}
	if err := b.openBus(log); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.bus.(*ds248x.Dev); !ok {
		t.Fatalf("expected a DS248x, got %T", b.bus)
	}
	// Closing the I²C bus checks that all operations were played.
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenBus_none(t *testing.T) {
	defer stubPins(nil)()
	log, _ := test.NewNullLogger()
	b := &board{}
	if err := b.openBus(log); err == nil {
		t.Fatal("expected error without data pin and I²C bus")
	}
	if b.bus != nil {
		t.Fatalf("unexpected bus %v", b.bus)
	}
}

func TestOpenLED_pin(t *testing.T) {
	p := &gpiotest.Pin{N: ledPin, Num: 2}
	defer stubPins(map[string]gpio.PinIO{ledPin: p})()
	log, hook := test.NewNullLogger()
	b := &board{}
	b.openLED(log)
	if b.led != p {
		t.Fatalf("expected %s, got %v", p, b.led)
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatal("unexpected log")
	}
	if err := b.led.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if p.L != gpio.Low {
		t.Fatal("the LED must be turned off on close")
	}
}

func TestOpenLED_terminal(t *testing.T) {
	defer stubPins(nil)()
	log, hook := test.NewNullLogger()
	b := &board{}
	b.openLED(log)
	if _, ok := b.led.(*termled.Dev); !ok {
		t.Fatalf("expected a terminal LED, got %T", b.led)
	}
	if len(hook.AllEntries()) != 1 {
		t.Fatal("expected the fallback to be logged")
	}
}

func TestBoard_Close(t *testing.T) {
	var order []int
	errFirst := errors.New("first")
	b := &board{closers: []func() error{
		func() error { order = append(order, 0); return nil },
		func() error { order = append(order, 1); return errFirst },
		func() error { order = append(order, 2); return errors.New("second") },
	}}
	// Closers run in reverse order so the error of the last one wins.
	if err := b.Close(); err == nil || err == errFirst {
		t.Fatalf("unexpected error %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Fatalf("unexpected order %v", order)
	}
}

func stubPins(m map[string]gpio.PinIO) func() {
	old := pins
	pins = func(name string) gpio.PinIO { return m[name] }
	return func() { pins = old }
}
