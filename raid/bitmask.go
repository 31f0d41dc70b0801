//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxWidth is the largest number of positions in a redundant group.
const MaxWidth = 16

// Bitmask is a set of group positions.
type Bitmask uint16

// PositionBit returns the bitmask with only pos set.
func PositionBit(pos int) Bitmask {
	return Bitmask(1) << uint(pos)
}

// WidthMask returns a bitmask with the first width positions set.
func WidthMask(width int) Bitmask {
	if width >= MaxWidth {
		return Bitmask(0xffff)
	}
	return PositionBit(width) - 1
}

// Has returns true if pos is in the set.
func (b Bitmask) Has(pos int) bool {
	if pos < 0 || pos >= MaxWidth {
		return false
	}
	return b&PositionBit(pos) != 0
}

// Set returns the set with pos added.
func (b Bitmask) Set(pos int) Bitmask {
	return b | PositionBit(pos)
}

// Clear returns the set with pos removed.
func (b Bitmask) Clear(pos int) Bitmask {
	return b &^ PositionBit(pos)
}

// Count returns the number of positions in the set.
func (b Bitmask) Count() int {
	return bits.OnesCount16(uint16(b))
}

// IsEmpty returns true if no positions are set.
func (b Bitmask) IsEmpty() bool {
	return b == 0
}

// Positions returns the set members in ascending order.
func (b Bitmask) Positions() []int {
	out := make([]int, 0, b.Count())
	for v := uint16(b); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros16(v))
	}
	return out
}

// First returns the lowest position in the set, or -1.
func (b Bitmask) First() int {
	if b == 0 {
		return -1
	}
	return bits.TrailingZeros16(uint16(b))
}

func (b Bitmask) String() string {
	pos := b.Positions()
	strs := make([]string, len(pos))
	for i, p := range pos {
		strs[i] = strconv.Itoa(p)
	}
	return "[" + strings.Join(strs, ",") + "]"
}
