//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package xor

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/raid"
)

const testBlockSize = 520

func stampedBuffer(t *testing.T, blocks int, seed byte) []byte {
	t.Helper()

	buf := test.MustPattern(blocks*testBlockSize, seed)
	if err := NewValidator().Generate(raid.SGFromBytes(buf), testBlockSize); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestXor_GenerateAndValidate(t *testing.T) {
	v := NewValidator()

	for name, tc := range map[string]struct {
		corrupt   map[int]int // position -> block index
		zeroPos   int
		expStatus raid.XorStatus
		expBad    raid.Bitmask
		expFirst  map[int]raid.LBA
	}{
		"all valid": {
			zeroPos:   -1,
			expStatus: raid.XorNoError,
		},
		"zeroed copy is valid": {
			zeroPos:   1,
			expStatus: raid.XorNoError,
		},
		"one bad block": {
			zeroPos:   -1,
			corrupt:   map[int]int{1: 2},
			expStatus: raid.XorChecksumError,
			expBad:    raid.PositionBit(1),
			expFirst:  map[int]raid.LBA{1: 0x102},
		},
		"two positions bad": {
			zeroPos:   -1,
			corrupt:   map[int]int{0: 0, 2: 3},
			expStatus: raid.XorChecksumError,
			expBad:    raid.PositionBit(0) | raid.PositionBit(2),
			expFirst:  map[int]raid.LBA{0: 0x100, 2: 0x103},
		},
	} {
		t.Run(name, func(t *testing.T) {
			var trackers []*raid.FruTracker
			for pos := 0; pos < 3; pos++ {
				buf := stampedBuffer(t, 4, byte(pos+1))
				if pos == tc.zeroPos {
					buf = make([]byte, len(buf))
				}
				if blk, ok := tc.corrupt[pos]; ok {
					buf[blk*testBlockSize+7] ^= 0xff
				}
				tr := raid.NewTracker(raid.OpcodeRead, raid.NewExtent(0x100, 4), pos)
				tr.SG = raid.SGFromBytes(buf)
				trackers = append(trackers, tr)
			}

			res := v.Validate(trackers, testBlockSize)
			if res.Status != tc.expStatus {
				t.Fatalf("expected status %s, got %s", tc.expStatus, res.Status)
			}
			if res.Bad != tc.expBad {
				t.Fatalf("expected bad %s, got %s", tc.expBad, res.Bad)
			}
			if diff := cmp.Diff(tc.expFirst, res.FirstBad); diff != "" {
				t.Fatalf("unexpected first bad blocks (-want, +got):\n%s\n", diff)
			}
		})
	}
}

func TestXor_InvalidateAndReconstruct(t *testing.T) {
	v := NewValidator()
	good := stampedBuffer(t, 1, 9)
	bad := make([]byte, len(good))
	copy(bad, good)
	Invalidate(bad)

	if v.ValidBlock(bad) {
		t.Fatal("invalidated block must not validate")
	}

	blocks := [][]byte{bad, good, nil}
	status := v.Reconstruct(blocks, raid.PositionBit(1), raid.PositionBit(0))
	if status != raid.XorNoError {
		t.Fatalf("expected no error, got %s", status)
	}
	if !bytes.Equal(blocks[0], good) {
		t.Fatal("rebuilt block does not match the valid copy")
	}

	if status := v.Reconstruct(blocks, 0, raid.PositionBit(0)); status != raid.XorUncorrectable {
		t.Fatalf("expected uncorrectable with no valid copy, got %s", status)
	}
}
