//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package raid provides the value types shared by the redundant group
// data path: extents, position bitmasks, per-drive I/O trackers and the
// error board used to classify their completions.
package raid

import (
	"fmt"
	"math"
)

// LBA is a logical block address.
type LBA uint64

// BlockCount is a number of blocks.
type BlockCount uint64

// InvalidLBA marks an address that is not set.
const InvalidLBA LBA = math.MaxUint64

func (l LBA) String() string {
	if l == InvalidLBA {
		return "invalid"
	}
	return fmt.Sprintf("0x%x", uint64(l))
}

// Extent is a contiguous range of blocks.
type Extent struct {
	Start  LBA        `json:"start"`
	Blocks BlockCount `json:"blocks"`
}

// NewExtent returns an extent covering [start, start+blocks).
func NewExtent(start LBA, blocks BlockCount) Extent {
	return Extent{Start: start, Blocks: blocks}
}

func (e Extent) String() string {
	return fmt.Sprintf("[0x%x,0x%x)", uint64(e.Start), uint64(e.Blocks))
}

// End returns the first block past the extent.
func (e Extent) End() LBA {
	return e.Start + LBA(e.Blocks)
}

// IsEmpty returns true if the extent has no blocks.
func (e Extent) IsEmpty() bool {
	return e.Blocks == 0
}

// Contains returns true if other lies entirely within the extent.
func (e Extent) Contains(other Extent) bool {
	return other.Start >= e.Start && other.End() <= e.End()
}

// ContainsLBA returns true if the address lies within the extent.
func (e Extent) ContainsLBA(lba LBA) bool {
	return lba >= e.Start && lba < e.End()
}

// Intersect returns the overlap of the two extents.
func (e Extent) Intersect(other Extent) (Extent, bool) {
	start := e.Start
	if other.Start > start {
		start = other.Start
	}
	end := e.End()
	if other.End() < end {
		end = other.End()
	}
	if end <= start {
		return Extent{}, false
	}
	return Extent{Start: start, Blocks: BlockCount(end - start)}, true
}

// Truncate returns the leading part of the extent ending at end.
func (e Extent) Truncate(end LBA) Extent {
	if end <= e.Start {
		return Extent{Start: e.Start}
	}
	if end >= e.End() {
		return e
	}
	return Extent{Start: e.Start, Blocks: BlockCount(end - e.Start)}
}

// Align rounds the extent outwards to the given block alignment.
func (e Extent) Align(alignment BlockCount) Extent {
	if alignment <= 1 {
		return e
	}
	a := LBA(alignment)
	start := (e.Start / a) * a
	end := ((e.End() + a - 1) / a) * a
	return Extent{Start: start, Blocks: BlockCount(end - start)}
}

// IsAligned returns true if both ends of the extent fall on the
// given block alignment.
func (e Extent) IsAligned(alignment BlockCount) bool {
	if alignment <= 1 {
		return true
	}
	a := LBA(alignment)
	return e.Start%a == 0 && e.End()%a == 0
}
