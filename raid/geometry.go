//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/pkg/errors"
)

// ChecksumBytes is the size of the per-block checksum trailer.
const ChecksumBytes = 8

const (
	// DefaultBlockSize is the logical block size in bytes, including
	// the checksum trailer.
	DefaultBlockSize = 520
	// DefaultChunkBlocks is the needs-rebuild chunk granularity.
	DefaultChunkBlocks BlockCount = 0x800
	// DefaultMaxBlocksPerDrive bounds the size of one drive I/O.
	DefaultMaxBlocksPerDrive BlockCount = 0x800
	// DefaultOptimalBlocks is the preferred unit of a drive I/O.
	DefaultOptimalBlocks BlockCount = 0x80
)

// Geometry describes the static layout of a redundant group. It is
// threaded through construction and never changes for the lifetime
// of the group.
type Geometry struct {
	Width             int        `json:"width"`
	BlockSize         int        `json:"block_size"`
	Capacity          BlockCount `json:"capacity"`
	Offset            LBA        `json:"offset"`
	AlignmentBlocks   BlockCount `hash:"ignore" json:"alignment_blocks"`
	AlignedPositions  Bitmask    `hash:"ignore" json:"aligned_positions"`
	OptimalBlocks     BlockCount `hash:"ignore" json:"optimal_blocks"`
	MaxBlocksPerDrive BlockCount `hash:"ignore" json:"max_blocks_per_drive"`
	ChunkBlocks       BlockCount `json:"chunk_blocks"`
	Sparing           bool       `hash:"ignore" json:"sparing"`
	RawMirror         bool       `hash:"ignore" json:"raw_mirror"`
}

// Validate checks the geometry for internal consistency.
func (g Geometry) Validate() error {
	switch {
	case g.Width < 2 || g.Width > MaxWidth:
		return FaultBadWidth(g.Width)
	case g.BlockSize <= ChecksumBytes:
		return FaultBadBlockSize(g.BlockSize)
	case g.Capacity == 0:
		return errors.New("invalid geometry: zero capacity")
	case g.AlignedPositions&^WidthMask(g.Width) != 0:
		return FaultBadAlignment(fmt.Sprintf("aligned positions %s beyond width %d",
			g.AlignedPositions, g.Width))
	case g.AlignmentBlocks > 1 && g.OptimalBlocks%g.AlignmentBlocks != 0:
		return FaultBadAlignment(fmt.Sprintf("optimal blocks %d not a multiple of alignment %d",
			g.OptimalBlocks, g.AlignmentBlocks))
	}
	return nil
}

// WithDefaults fills in unset tunables.
func (g Geometry) WithDefaults() Geometry {
	if g.BlockSize == 0 {
		g.BlockSize = DefaultBlockSize
	}
	if g.ChunkBlocks == 0 {
		g.ChunkBlocks = DefaultChunkBlocks
	}
	if g.MaxBlocksPerDrive == 0 {
		g.MaxBlocksPerDrive = DefaultMaxBlocksPerDrive
	}
	if g.OptimalBlocks == 0 {
		g.OptimalBlocks = DefaultOptimalBlocks
	}
	if g.AlignmentBlocks == 0 {
		g.AlignmentBlocks = 1
	}
	return g
}

// Bytes returns the byte length of the given number of blocks.
func (g Geometry) Bytes(blocks BlockCount) int {
	return int(blocks) * g.BlockSize
}

// PhysicalExtent translates a logical extent to drive addresses.
func (g Geometry) PhysicalExtent(ext Extent) Extent {
	return Extent{Start: ext.Start + g.Offset, Blocks: ext.Blocks}
}

// NeedsAlignment returns true if a write of ext to pos must be
// widened by a read-modify-write.
func (g Geometry) NeedsAlignment(pos int, ext Extent) bool {
	return g.AlignedPositions.Has(pos) && g.AlignedExtent(ext) != ext
}

// AlignedExtent returns the extent widened to the write alignment.
// The widened extent never runs past the end of the drive.
func (g Geometry) AlignedExtent(ext Extent) Extent {
	return ext.Align(g.AlignmentBlocks).Truncate(g.DriveEnd())
}

// DriveEnd returns the first physical LBA past the group's data.
func (g Geometry) DriveEnd() LBA {
	return g.Offset + LBA(g.Capacity)
}

// Contains returns true if the logical extent fits the group.
func (g Geometry) Contains(ext Extent) bool {
	return ext.Blocks > 0 && ext.End() <= LBA(g.Capacity) && ext.End() > ext.Start
}

func (g Geometry) String() string {
	return fmt.Sprintf("width %d, block %d, capacity %s", g.Width, g.BlockSize,
		humanize.IBytes(uint64(g.Capacity)*uint64(g.BlockSize)))
}

// Fingerprint returns a stable hash of the fields that determine the
// on-disk placement of group metadata.
func (g Geometry) Fingerprint() (uint64, error) {
	return hashstructure.Hash(g, hashstructure.FormatV2, nil)
}
