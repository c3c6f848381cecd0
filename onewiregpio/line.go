// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"periph.io/x/conn/v3/gpio"
)

// Line is an open-drain data line shared by the master and all devices.
//
// The line is high only when nobody drives it low.
type Line interface {
	String() string
	// DriveLow actively pulls the line low.
	DriveLow() error
	// Release stops driving the line, letting the pull-up bring it high
	// unless a device holds it low.
	Release() error
	// Read samples the level of the line.
	Read() gpio.Level
}

// PowerLine is implemented by lines able to actively drive the line high,
// to power parasitic devices during a conversion.
type PowerLine interface {
	Line
	DriveHigh() error
}

// PinLine returns a Line backed by a GPIO pin.
//
// The pin is driven low as an output and released by switching it to an
// input with the internal pull-up enabled. An external 4.7kΩ pull-up is still
// recommended.
func PinLine(p gpio.PinIO) PowerLine {
	return &pinLine{p: p}
}

type pinLine struct {
	p gpio.PinIO
}

func (l *pinLine) String() string {
	return l.p.String()
}

func (l *pinLine) DriveLow() error {
	return l.p.Out(gpio.Low)
}

func (l *pinLine) Release() error {
	return l.p.In(gpio.PullUp, gpio.NoEdge)
}

func (l *pinLine) Read() gpio.Level {
	return l.p.Read()
}

func (l *pinLine) DriveHigh() error {
	return l.p.Out(gpio.High)
}
