// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package termled implements an indicator LED that renders to the terminal
// (stdout) using ANSI color codes.
//
// Useful on hosts where no GPIO is wired to a LED.
package termled

import (
	"bytes"
	"image/color"
	"io"
	"sync"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Opts represents the options available for the LED.
type Opts struct {
	// On and Off are the colors shown for gpio.High and gpio.Low.
	On  color.NRGBA
	Off color.NRGBA
	// Palette defaults to ansi256.Default.
	Palette *ansi256.Palette
	// W defaults to a colorable stdout.
	W io.Writer
}

// DefaultOpts shows a green LED on a dark background.
var DefaultOpts = Opts{
	On:  color.NRGBA{G: 0xff, A: 0xff},
	Off: color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff},
}

// Dev is a single LED emulator that outputs to the console.
type Dev struct {
	mu      sync.Mutex
	w       io.Writer
	on, off string
	l       gpio.Level
	buf     bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	return &Dev{
		w:   w,
		on:  p.Block(opts.On),
		off: p.Block(opts.Off),
	}
}

func (d *Dev) String() string {
	return "TermLED"
}

// Halt implements conn.Resource.
//
// It resets the terminal attributes and moves to the next line.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := io.WriteString(d.w, "\n\033[0m")
	return err
}

// Out sets the LED on for gpio.High and off for gpio.Low and redraws it.
func (d *Dev) Out(l gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.l = l
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	if l {
		_, _ = d.buf.WriteString(d.on)
	} else {
		_, _ = d.buf.WriteString(d.off)
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return err
}

// Read returns the last level set with Out.
func (d *Dev) Read() gpio.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.l
}

var _ conn.Resource = &Dev{}
