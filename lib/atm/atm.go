//
// (C) Copyright 2020-2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package atm provides flags and counters shared between engine
// goroutines without a lock.
package atm

import "sync/atomic"

// Bool is an atomic flag. The zero value is false.
type Bool uint32

func boolBits(val bool) uint32 {
	if val {
		return 1
	}
	return 0
}

// Set stores val and reports whether the flag changed.
func (b *Bool) Set(val bool) bool {
	return atomic.CompareAndSwapUint32((*uint32)(b), boolBits(!val), boolBits(val))
}

// IsTrue returns the current value.
func (b *Bool) IsTrue() bool {
	return atomic.LoadUint32((*uint32)(b)) != 0
}

// Int64 is an atomic signed counter.
type Int64 int64

// Add adds delta to the counter and returns the new value.
func (c *Int64) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(c), delta)
}

// Load returns the current value.
func (c *Int64) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Store sets the current value.
func (c *Int64) Store(val int64) {
	atomic.StoreInt64((*int64)(c), val)
}
