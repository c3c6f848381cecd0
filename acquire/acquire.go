// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package acquire runs measurement rounds over every thermometer on a 1-wire
// bus.
//
// A round broadcasts a conversion to all devices, waits for the slowest
// possible conversion, then walks the bus with a resumable search and reads
// back each thermometer of the expected family. Per-device failures are
// logged and skipped; only a failed broadcast or a fatal error ends a round
// early.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/thermopoll/ds18b20"
	"github.com/GermanBionicSystems/thermopoll/owsearch"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Sample is the measurement of one device in one round.
type Sample struct {
	Addr        onewire.Address
	Family      ds18b20.Family
	Temperature physic.Temperature
	// Resolution is the resolution the device reported along with the
	// temperature.
	Resolution ds18b20.Resolution
}

func (s Sample) String() string {
	return fmt.Sprintf("%#016x: %s (%s)", uint64(s.Addr), s.Temperature, s.Resolution)
}

// Opts holds the configuration of a Sequence.
type Opts struct {
	// Resolution selects the conversion wait. It is not written to the
	// devices.
	Resolution ds18b20.Resolution
	// Family of the devices that are read. Other devices are skipped.
	Family ds18b20.Family
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
	// Report is called with each sample as soon as it is read. Samples are
	// logged either way.
	Report func(Sample)
}

// DefaultOpts reads DS18B20 devices, waiting for a 12-bit conversion.
var DefaultOpts = Opts{
	Resolution: ds18b20.Bits12,
	Family:     ds18b20.DS18B20,
}

// Sequence runs measurement rounds on a bus.
type Sequence struct {
	bus  onewire.BusSearcher
	opts Opts
	log  logrus.FieldLogger
}

// New returns a Sequence for the thermometers on bus.
func New(bus onewire.BusSearcher, opts *Opts) (*Sequence, error) {
	if bus == nil {
		return nil, errors.New("acquire: nil bus")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if !opts.Resolution.Valid() {
		return nil, fmt.Errorf("acquire: invalid resolution %d", int(opts.Resolution))
	}
	s := &Sequence{bus: bus, opts: *opts, log: opts.Logger}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s, nil
}

// Round runs one measurement round.
//
// It returns the error of the conversion broadcast, in which case nothing was
// read, a fatal error, or ctx.Err() if ctx is done during the conversion or
// between two devices. A search failure ends the enumeration and a device
// that fails to answer is skipped; neither is returned. An empty bus is not
// an error.
func (s *Sequence) Round(ctx context.Context) error {
	s.log.Info("Starting temperature measurement")
	if err := ds18b20.StartAll(s.bus); err != nil {
		if owsearch.IsNoDevices(err) {
			s.log.Info("No devices found")
			return nil
		}
		s.log.WithError(err).Error("Error starting temperature measurement")
		return fmt.Errorf("acquire: conversion broadcast: %w", err)
	}
	if err := wait(ctx, s.opts.Resolution.ConversionTime()); err != nil {
		return err
	}

	var c *owsearch.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, next, err := owsearch.Next(s.bus, c, false)
		if err != nil {
			if IsFatal(err) {
				return err
			}
			s.log.WithError(err).Error("Error searching for devices, ending round")
			return nil
		}
		if next == nil {
			s.log.Info("No more devices found")
			return nil
		}
		c = next

		if err := s.measure(addr); err != nil {
			return err
		}
	}
}

// measure reads the device at addr and reports it. Only fatal errors are
// returned.
func (s *Sequence) measure(addr onewire.Address) error {
	family := ds18b20.FamilyOf(addr)
	log := s.log.WithFields(logrus.Fields{
		"addr":   fmt.Sprintf("%#016x", uint64(addr)),
		"family": family,
	})
	if family != s.opts.Family {
		log.Infof("Skipping device at %#016x, not a %s", uint64(addr), s.opts.Family)
		return nil
	}
	log.Debug("Found device")

	data, err := ds18b20.Read(s.bus, addr)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		log.WithError(err).Errorf("Error reading device at %#016x", uint64(addr))
		return nil
	}

	sample := Sample{
		Addr:        addr,
		Family:      family,
		Temperature: data.Temperature,
		Resolution:  data.Resolution,
	}
	log.WithFields(logrus.Fields{
		"temperature": sample.Temperature,
		"resolution":  sample.Resolution,
	}).Infof("Device at %#016x is %s", uint64(addr), sample.Temperature)
	if s.opts.Report != nil {
		s.opts.Report(sample)
	}
	return nil
}

// IsFatal returns true if err is not a 1-wire bus error.
//
// Bus errors come from the devices on the wire: no presence, a short, a bad
// CRC or a device that stopped answering. Anything else comes from the
// master or its host and will not go away by retrying.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var be interface{ BusError() bool }
	return !errors.As(err, &be) || !be.BusError()
}

// wait blocks for d or until ctx is done.
var wait = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
