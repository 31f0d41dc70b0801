//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package xor provides the block checksum validator used by the
// mirror data path. Every block carries a crc64 (NVMe polynomial) of
// its payload in the trailing raid.ChecksumBytes bytes. A block of
// all zeroes is considered valid so that freshly zeroed drives read
// back cleanly.
package xor

import (
	"encoding/binary"

	"github.com/minio/crc64nvme"
	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/raid"
)

// Validator implements raid.Validator.
type Validator struct{}

var _ raid.Validator = (*Validator)(nil)

// NewValidator returns a checksum validator.
func NewValidator() *Validator {
	return &Validator{}
}

func blockChecksum(payload []byte) uint64 {
	h := crc64nvme.New()
	_, _ = h.Write(payload)
	return h.Sum64()
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Stamp writes the checksum trailer for a single block.
func Stamp(block []byte) {
	split := len(block) - raid.ChecksumBytes
	binary.LittleEndian.PutUint64(block[split:], blockChecksum(block[:split]))
}

// Invalidate overwrites the checksum trailer of a block so that it
// no longer validates.
func Invalidate(block []byte) {
	split := len(block) - raid.ChecksumBytes
	binary.LittleEndian.PutUint64(block[split:], ^blockChecksum(block[:split]))
}

// Invalidate implements raid.Validator.
func (v *Validator) Invalidate(block []byte) {
	Invalidate(block)
}

// Generate stamps every block in the list.
func (v *Validator) Generate(sg raid.SGList, blockSize int) error {
	if blockSize <= raid.ChecksumBytes {
		return errors.Errorf("block size %d too small for checksum", blockSize)
	}
	return sg.ForEachBlock(blockSize, func(_ int, block []byte) error {
		if isZero(block[:blockSize-raid.ChecksumBytes]) {
			// zeroed payloads keep a zero trailer
			for i := blockSize - raid.ChecksumBytes; i < blockSize; i++ {
				block[i] = 0
			}
			return nil
		}
		Stamp(block)
		return nil
	})
}

// ValidBlock returns true if the block checksum matches its payload.
func (v *Validator) ValidBlock(block []byte) bool {
	if len(block) <= raid.ChecksumBytes {
		return false
	}
	if isZero(block) {
		return true
	}
	split := len(block) - raid.ChecksumBytes
	return binary.LittleEndian.Uint64(block[split:]) == blockChecksum(block[:split])
}

// Validate checks the blocks carried by every active tracker.
func (v *Validator) Validate(trackers []*raid.FruTracker, blockSize int) raid.ValidateResult {
	res := raid.ValidateResult{Status: raid.XorNoError}

	for _, t := range trackers {
		if t.IsNop() {
			continue
		}
		err := t.SG.Slice(0, int(t.Extent.Blocks)*blockSize).ForEachBlock(blockSize, func(i int, block []byte) error {
			if v.ValidBlock(block) {
				return nil
			}
			if res.FirstBad == nil {
				res.FirstBad = make(map[int]raid.LBA)
			}
			res.Bad = res.Bad.Set(t.Position)
			res.FirstBad[t.Position] = t.Extent.Start + raid.LBA(i)
			return errStop
		})
		if err != nil && err != errStop {
			res.Bad = res.Bad.Set(t.Position)
		}
	}

	if !res.Bad.IsEmpty() {
		res.Status = raid.XorChecksumError
	}
	return res
}

var errStop = errors.New("stop")

// Reconstruct copies the first valid copy of a block over every
// position that must be rebuilt.
func (v *Validator) Reconstruct(blocks [][]byte, valid, rebuild raid.Bitmask) raid.XorStatus {
	src := valid.First()
	if src < 0 || src >= len(blocks) || blocks[src] == nil {
		return raid.XorUncorrectable
	}
	for _, pos := range rebuild.Positions() {
		if pos >= len(blocks) || blocks[pos] == nil {
			continue
		}
		copy(blocks[pos], blocks[src])
	}
	return raid.XorNoError
}
