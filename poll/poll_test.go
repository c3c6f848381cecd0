// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GermanBionicSystems/thermopoll/acquire"
	"github.com/GermanBionicSystems/thermopoll/ds18b20"
	"github.com/GermanBionicSystems/thermopoll/onewiregpio"
	"github.com/GermanBionicSystems/thermopoll/onewiregpio/onewiregpiotest"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/onewire"
)

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	led := &recordPin{Pin: &gpiotest.Pin{N: "GPIO2", Num: 2}}
	var l *Loop
	a := &fakeAcquirer{round: func(n int) error {
		if led.L != gpio.High {
			t.Errorf("round %d: indicator is not asserted", n)
		}
		if s := l.State(); s != Measuring {
			t.Errorf("round %d: state %s", n, s)
		}
		if n == 3 {
			cancel()
		}
		return nil
	}}
	l = newLoop(t, a, led)
	if s := l.State(); s != Idle {
		t.Fatalf("initial state %s", s)
	}
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}
	if a.n != 3 {
		t.Fatalf("expected 3 rounds, got %d", a.n)
	}
	want := []gpio.Level{gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.High, gpio.Low}
	if diff := cmp.Diff(want, led.levels); diff != "" {
		t.Fatalf("indicator (-want +got):\n%s", diff)
	}
	if s := l.State(); s != Idle {
		t.Fatalf("final state %s", s)
	}
}

func TestRun_fatal(t *testing.T) {
	errHost := errors.New("gpio: pin went away")
	led := &recordPin{Pin: &gpiotest.Pin{N: "GPIO2", Num: 2}}
	a := &fakeAcquirer{round: func(int) error { return errHost }}
	l := newLoop(t, a, led)
	if err := l.Run(context.Background()); !errors.Is(err, errHost) {
		t.Fatalf("expected %v, got %v", errHost, err)
	}
	if a.n != 1 {
		t.Fatalf("a fatal error must not be retried, got %d rounds", a.n)
	}
	if diff := cmp.Diff([]gpio.Level{gpio.High, gpio.Low}, led.levels); diff != "" {
		t.Fatalf("indicator (-want +got):\n%s", diff)
	}
}

func TestRun_busError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	led := &recordPin{Pin: &gpiotest.Pin{N: "GPIO2", Num: 2}}
	a := &fakeAcquirer{round: func(n int) error {
		if n == 2 {
			cancel()
			return nil
		}
		return busError("onewire: bus is held low")
	}}
	logger, hook := test.NewNullLogger()
	l, err := New(a, led, &Opts{Interval: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}
	if a.n != 2 {
		t.Fatalf("expected 2 rounds, got %d", a.n)
	}
	if n := len(hook.AllEntries()); n != 0 {
		t.Fatalf("the round logs its own errors, got %d entries", n)
	}
}

func TestRun_shortedBus(t *testing.T) {
	w := &onewiregpiotest.Wire{Devices: []*onewiregpiotest.Device{onewiregpiotest.Thermometer(1, 20)}}
	bopts := onewiregpio.DefaultOpts
	bopts.Delay = w.Sleep
	bus, err := onewiregpio.New(w, &bopts)
	if err != nil {
		t.Fatal(err)
	}
	w.Shorted = true
	logger, hook := test.NewNullLogger()
	seq, err := acquire.New(bus, &acquire.Opts{Resolution: ds18b20.Bits9, Family: ds18b20.DS18B20, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const rounds = 2
	a := &fakeAcquirer{round: func(n int) error {
		err := seq.Round(ctx)
		if n == rounds {
			cancel()
		}
		return err
	}}
	l, err := New(a, &recordPin{Pin: &gpiotest.Pin{N: "GPIO2", Num: 2}}, &Opts{Interval: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}
	var errs []string
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.ErrorLevel {
			errs = append(errs, e.Message)
		}
	}
	want := []string{"Error starting temperature measurement", "Error starting temperature measurement"}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Fatalf("error entries (-want +got):\n%s", diff)
	}
}

func TestRun_cancelledRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	led := &recordPin{Pin: &gpiotest.Pin{N: "GPIO2", Num: 2}}
	a := &fakeAcquirer{round: func(int) error {
		cancel()
		return ctx.Err()
	}}
	l := newLoop(t, a, led)
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}
	if diff := cmp.Diff([]gpio.Level{gpio.High, gpio.Low}, led.levels); diff != "" {
		t.Fatalf("indicator (-want +got):\n%s", diff)
	}
}

func TestRun_indicatorFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := &fakeAcquirer{round: func(int) error {
		cancel()
		return nil
	}}
	logger, hook := test.NewNullLogger()
	l, err := New(a, failingLED{}, &Opts{Interval: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}
	if a.n != 1 {
		t.Fatalf("expected 1 round, got %d", a.n)
	}
	if n := len(hook.AllEntries()); n != 2 {
		t.Fatalf("expected 2 warnings, got %d", n)
	}
}

func TestRun_bus(t *testing.T) {
	devs := []*onewiregpiotest.Device{
		onewiregpiotest.Thermometer(1, 20),
		{Addr: onewiregpiotest.NewAddress(0x10, 2), Celsius: 30},
		onewiregpiotest.Thermometer(3, 22.5),
	}
	w := &onewiregpiotest.Wire{Devices: devs}
	bopts := onewiregpio.DefaultOpts
	bopts.Delay = w.Sleep
	bus, err := onewiregpio.New(w, &bopts)
	if err != nil {
		t.Fatal(err)
	}
	logger, _ := test.NewNullLogger()
	reports := map[onewire.Address]int{}
	seq, err := acquire.New(bus, &acquire.Opts{
		Resolution: ds18b20.Bits9,
		Family:     ds18b20.DS18B20,
		Logger:     logger,
		Report:     func(s acquire.Sample) { reports[s.Addr]++ },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const rounds = 3
	a := &fakeAcquirer{round: func(n int) error {
		err := seq.Round(ctx)
		if n == rounds {
			cancel()
		}
		return err
	}}
	led := &recordPin{Pin: &gpiotest.Pin{N: "GPIO2", Num: 2}}
	l, err := New(a, led, &Opts{Interval: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}

	want := map[onewire.Address]int{devs[0].Addr: rounds, devs[2].Addr: rounds}
	if diff := cmp.Diff(want, reports); diff != "" {
		t.Fatalf("reports (-want +got):\n%s", diff)
	}
	if devs[1].ScratchpadReads != 0 {
		t.Fatal("DS18S20 must not be read")
	}
	for _, d := range devs {
		if d.Conversions != rounds {
			t.Fatalf("%#016x: %d conversions", uint64(d.Addr), d.Conversions)
		}
	}
	if len(led.levels) != 2*rounds {
		t.Fatalf("indicator toggled %d times", len(led.levels))
	}
}

func TestNew(t *testing.T) {
	led := &recordPin{Pin: &gpiotest.Pin{}}
	if _, err := New(nil, led, nil); err == nil {
		t.Fatal("expected error on nil acquirer")
	}
	if _, err := New(&fakeAcquirer{}, nil, nil); err == nil {
		t.Fatal("expected error on nil indicator")
	}
	if _, err := New(&fakeAcquirer{}, led, &Opts{}); err == nil {
		t.Fatal("expected error on zero interval")
	}
	l, err := New(&fakeAcquirer{}, led, nil)
	if err != nil {
		t.Fatal(err)
	}
	if l.opts.Interval != time.Second || l.log != logrus.StandardLogger() {
		t.Fatalf("unexpected defaults %+v", l.opts)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		Indicating: "Indicating",
		Measuring:  "Measuring",
		Idle:       "Idle",
		State(9):   "State(9)",
	} {
		if got := s.String(); got != want {
			t.Fatalf("%q != %q", got, want)
		}
	}
}

//

func newLoop(t *testing.T, a Acquirer, led Indicator) *Loop {
	t.Helper()
	logger, _ := test.NewNullLogger()
	l, err := New(a, led, &Opts{Interval: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

type fakeAcquirer struct {
	n     int
	round func(n int) error
}

func (f *fakeAcquirer) Round(ctx context.Context) error {
	f.n++
	return f.round(f.n)
}

// recordPin records the levels written to the pin.
type recordPin struct {
	*gpiotest.Pin
	levels []gpio.Level
}

func (r *recordPin) Out(l gpio.Level) error {
	r.levels = append(r.levels, l)
	return r.Pin.Out(l)
}

type failingLED struct{}

func (failingLED) Out(gpio.Level) error {
	return errors.New("led: not connected")
}

type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }
