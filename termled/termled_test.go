// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package termled

import (
	"bytes"
	"testing"

	"github.com/maruel/ansi256"
	"periph.io/x/conn/v3/gpio"
)

func TestOut(t *testing.T) {
	buf := bytes.Buffer{}
	opts := DefaultOpts
	opts.W = &buf
	d := New(&opts)
	if s := d.String(); s != "TermLED" {
		t.Fatal(s)
	}
	if err := d.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	if d.Read() != gpio.High {
		t.Fatal("expected High")
	}
	want := "\r\033[0m" + ansi256.Default.Block(opts.On) + "\033[0m "
	if s := buf.String(); s != want {
		t.Fatalf("%q != %q", s, want)
	}
	buf.Reset()
	if err := d.Out(gpio.Low); err != nil {
		t.Fatal(err)
	}
	want = "\r\033[0m" + ansi256.Default.Block(opts.Off) + "\033[0m "
	if s := buf.String(); s != want {
		t.Fatalf("%q != %q", s, want)
	}
	buf.Reset()
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if s := buf.String(); s != "\n\033[0m" {
		t.Fatalf("%q", s)
	}
}

func TestNew_default(t *testing.T) {
	d := New(nil)
	if d.w == nil || d.on == d.off {
		t.Fatal("expected distinct colors on stdout")
	}
}
