// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package poll runs measurement rounds at a fixed interval and shows the
// activity on an indicator LED.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GermanBionicSystems/thermopoll/acquire"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

// Indicator is the output toggled once per round. Any gpio.PinOut satisfies
// it.
type Indicator interface {
	Out(l gpio.Level) error
}

// Acquirer runs one measurement round.
type Acquirer interface {
	Round(ctx context.Context) error
}

// State is the phase of the loop.
type State int32

const (
	// Indicating asserts the indicator.
	Indicating State = iota
	// Measuring runs a round.
	Measuring
	// Idle clears the indicator and waits for the next round.
	Idle
)

func (s State) String() string {
	switch s {
	case Indicating:
		return "Indicating"
	case Measuring:
		return "Measuring"
	case Idle:
		return "Idle"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Opts holds the configuration of a Loop.
type Opts struct {
	// Interval is the wait between the end of a round and the start of the
	// next one.
	Interval time.Duration
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// DefaultOpts runs a round every second.
var DefaultOpts = Opts{
	Interval: time.Second,
}

// Loop schedules rounds.
type Loop struct {
	a     Acquirer
	led   Indicator
	opts  Opts
	log   logrus.FieldLogger
	state atomic.Int32
}

// New returns a Loop running rounds of a and toggling led.
func New(a Acquirer, led Indicator, opts *Opts) (*Loop, error) {
	if a == nil || led == nil {
		return nil, errors.New("poll: nil acquirer or indicator")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("poll: invalid interval %s", opts.Interval)
	}
	l := &Loop{a: a, led: led, opts: *opts, log: opts.Logger}
	if l.log == nil {
		l.log = logrus.StandardLogger()
	}
	l.state.Store(int32(Idle))
	return l, nil
}

// State returns the current phase of the loop.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run runs rounds until ctx is done or a round fails fatally.
//
// A round logs the errors it recovers from and the loop goes on. Run returns
// the fatal error or ctx.Err(); it never returns nil.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.set(Indicating)
		l.out(gpio.High)

		l.set(Measuring)
		err := l.a.Round(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				l.out(gpio.Low)
				l.set(Idle)
				return ctxErr
			}
			if acquire.IsFatal(err) {
				l.out(gpio.Low)
				l.set(Idle)
				return fmt.Errorf("poll: %w", err)
			}
			// Round already logged it.
			l.log.WithError(err).Debug("Round failed")
		}

		l.set(Idle)
		l.out(gpio.Low)
		t := time.NewTimer(l.opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Loop) set(s State) {
	l.state.Store(int32(s))
}

// out drives the indicator. Failures only get logged.
func (l *Loop) out(v gpio.Level) {
	if err := l.led.Out(v); err != nil {
		l.log.WithError(err).Warn("Failed to drive the indicator")
	}
}
