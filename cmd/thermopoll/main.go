// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// thermopoll reads every DS18B20 thermometer on a 1-wire bus once per second
// and logs the temperatures, blinking a LED during each round.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/GermanBionicSystems/thermopoll/acquire"
	"github.com/GermanBionicSystems/thermopoll/ds18b20"
	"github.com/GermanBionicSystems/thermopoll/poll"
	"github.com/sirupsen/logrus"
)

func mainImpl(log *logrus.Logger) error {
	b, err := setup(log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WithError(err).Warn("Failed to halt peripherals")
		}
	}()

	seq, err := acquire.New(b.bus, &acquire.Opts{
		Resolution: ds18b20.Bits12,
		Family:     ds18b20.DS18B20,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	l, err := poll.New(seq, b.led, &poll.Opts{Interval: poll.DefaultOpts.Interval, Logger: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Stopped")
	return nil
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if err := mainImpl(log); err != nil {
		log.WithError(err).Fatal("thermopoll")
	}
}
