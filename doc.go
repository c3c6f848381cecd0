// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermopoll is a container for the packages of a 1-wire temperature
// poller: a bit-banged bus master, a resumable ROM search, the DS18B20 driver,
// the acquisition round and the scheduling loop that drives it.
//
// The program lives in cmd/thermopoll.
package thermopoll
