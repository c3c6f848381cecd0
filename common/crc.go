// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC8 calculation of 1-wire ROM codes and scratchpads.
package common

// CRC8 calculates the Dallas/Maxim 8-bit CRC (x^8+x^5+x^4+1, bits processed
// LSB first, initial value 0) of the byte slice parameter and returns the
// calculated value. It is the CRC carried in the last byte of 1-wire ROM
// codes and DS18B20 scratchpads.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if (crc & 0x01) == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
	}
	return crc
}

// CheckCRC8 returns true if the last byte of bytes is the CRC8 of the
// preceding ones.
func CheckCRC8(bytes []byte) bool {
	if len(bytes) == 0 {
		return false
	}
	return CRC8(bytes) == 0
}
