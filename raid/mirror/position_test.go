//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

type deadInsert struct {
	pos    int
	offset raid.LBA
}

func TestMirror_DeadSetInsertOrdered(t *testing.T) {
	for name, tc := range map[string]struct {
		inserts   []deadInsert
		expErr    error
		expFirst  int
		expSecond int
		expMask   raid.Bitmask
	}{
		"empty": {
			expFirst:  -1,
			expSecond: -1,
		},
		"single": {
			inserts:   []deadInsert{{2, 0x100}},
			expFirst:  2,
			expSecond: -1,
			expMask:   raid.PositionBit(2),
		},
		"lower offset goes first": {
			inserts:   []deadInsert{{1, 0x200}, {3, 0x100}},
			expFirst:  3,
			expSecond: 1,
			expMask:   raid.PositionBit(1) | raid.PositionBit(3),
		},
		"equal offsets keep insertion order": {
			inserts:   []deadInsert{{1, 0x100}, {0, 0x100}},
			expFirst:  1,
			expSecond: 0,
			expMask:   raid.PositionBit(0) | raid.PositionBit(1),
		},
		"reinsert updates offset": {
			inserts:   []deadInsert{{0, 0x100}, {1, 0x200}, {0, 0x300}},
			expFirst:  1,
			expSecond: 0,
			expMask:   raid.PositionBit(0) | raid.PositionBit(1),
		},
		"third position rejected": {
			inserts:   []deadInsert{{0, 0x100}, {1, 0x200}, {2, 0x300}},
			expErr:    errDeadSetFull,
			expFirst:  0,
			expSecond: 1,
			expMask:   raid.PositionBit(0) | raid.PositionBit(1),
		},
	} {
		t.Run(name, func(t *testing.T) {
			var ds deadSet
			var err error
			for _, in := range tc.inserts {
				if err = ds.insertOrdered(in.pos, in.offset); err != nil {
					break
				}
			}
			if errors.Cause(err) != tc.expErr {
				t.Fatalf("expected error %v, got %v", tc.expErr, err)
			}

			test.AssertEqual(t, tc.expFirst, ds.first(), "first")
			test.AssertEqual(t, tc.expSecond, ds.second(), "second")
			test.AssertEqual(t, tc.expMask, ds.bitmask(), "bitmask")
			if ds.count() == 2 {
				test.AssertTrue(t, ds.offset(ds.first()) <= ds.offset(ds.second()),
					"dead set not ordered by offset")
			}
		})
	}
}

func TestMirror_DeadSetRemove(t *testing.T) {
	var ds deadSet
	if err := ds.insertOrdered(0, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := ds.insertOrdered(1, 0x20); err != nil {
		t.Fatal(err)
	}

	test.AssertTrue(t, ds.remove(0), "remove present position")
	test.AssertFalse(t, ds.remove(0), "remove absent position")
	test.AssertEqual(t, 1, ds.first(), "first after remove")
	test.AssertEqual(t, raid.LBA(0x20), ds.offset(1), "offset after remove")
	test.AssertEqual(t, raid.InvalidLBA, ds.offset(0), "offset of removed")

	ds.reset()
	test.AssertEqual(t, 0, ds.count(), "count after reset")
}

func TestMirror_PositionMapSetPrimary(t *testing.T) {
	pm := newPositionMap(4)
	pm.setPrimary(2)
	test.AssertEqual(t, 2, pm.primary(), "primary")
	test.AssertEqual(t, 0, pm.position(2), "old primary moved")
	test.AssertEqual(t, 0, pm.index(2), "index of new primary")

	pm.setPrimary(3)
	test.AssertEqual(t, 3, pm.primary(), "primary")
	test.AssertEqual(t, 1, pm.secondary(raid.WidthMask(4)), "secondary")
	test.AssertEqual(t, -1, pm.secondary(raid.PositionBit(3)), "secondary among primary only")

	for i := 0; i < 4; i++ {
		test.AssertEqual(t, i, pm.index(pm.position(i)), "map not a bijection")
	}
}

// Whatever the degraded and media errored state, a new read position
// is never the known bad position, is fully accessible and has not
// reported a media error.
func TestMirror_FindReadPositionProperty(t *testing.T) {
	for name, tc := range map[string]struct {
		width int
	}{
		"two way":   {width: 2},
		"three way": {width: 3},
		"four way":  {width: 4},
	} {
		t.Run(name, func(t *testing.T) {
			log, buf := logging.NewTestLogger(t.Name())
			defer test.ShowBufferOnFailure(t, buf)

			tg := newTestGroup(t, log, testGeometry(tc.width), groupOpts{})
			ext := raid.NewExtent(0x10, 1)
			all := raid.WidthMask(tc.width)

			for touched := raid.Bitmask(0); touched < all; touched++ {
				for errored := raid.Bitmask(0); errored <= all; errored++ {
					for bad := -1; bad < tc.width; bad++ {
						checkFindReadPosition(t, tg, ext, touched, errored, bad)
					}
				}
			}
		})
	}
}

func checkFindReadPosition(t *testing.T, tg *testGroup, ext raid.Extent, touched, errored raid.Bitmask, bad int) {
	t.Helper()

	sr := newSubRequest(tg.g, nil, AlgRead, ext, nil, 0)
	sr.touched = touched
	sr.mediaErrored = errored
	var tr *raid.FruTracker
	if bad >= 0 {
		tr = raid.NewTracker(raid.OpcodeRead, ext, bad)
		if err := sr.read.Push(tr); err != nil {
			t.Fatal(err)
		}
	}

	pos := sr.findReadPosition(bad)
	candidates := raid.WidthMask(sr.width()) &^ touched &^ errored
	if bad >= 0 {
		candidates = candidates.Clear(bad)
	}

	if candidates.IsEmpty() {
		if pos != -1 {
			t.Fatalf("touched %s errored %s bad %d: got %d with no candidate",
				touched, errored, bad, pos)
		}
		return
	}
	if !candidates.Has(pos) {
		t.Fatalf("touched %s errored %s bad %d: %d is not a candidate",
			touched, errored, bad, pos)
	}
	test.AssertEqual(t, pos, sr.parityPosition(), "primary not updated")
	if tr != nil {
		test.AssertEqual(t, pos, tr.Position, "tracker not relabelled")
	}
}
