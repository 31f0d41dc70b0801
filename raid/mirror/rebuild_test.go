//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
	"github.com/daos-stack/raid-mirror/raid/nr"
)

func openTestStore(t *testing.T, log logging.Logger, geom raid.Geometry) *nr.Store {
	t.Helper()

	store, err := nr.Open(log, filepath.Join(t.TempDir(), "nr.db"), geom)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func marked(t *testing.T, store *nr.Store, pos int) int {
	t.Helper()

	n, err := store.Marked(pos)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestMirror_Rebuild(t *testing.T) {
	chunk := raid.NewExtent(0x800, raid.DefaultChunkBlocks)

	for name, tc := range map[string]struct {
		mark      bool
		ext       raid.Extent
		expWrites int
	}{
		"marked chunk": {
			mark:      true,
			ext:       chunk,
			expWrites: 1,
		},
		"nothing to rebuild": {
			ext: chunk,
		},
	} {
		t.Run(name, func(t *testing.T) {
			log, buf := logging.NewTestLogger(t.Name())
			defer test.ShowBufferOnFailure(t, buf)

			geom := testGeometry(2)
			store := openTestStore(t, log, geom)
			if tc.mark {
				if err := store.Mark(1, chunk); err != nil {
					t.Fatal(err)
				}
			}
			tg := newTestGroup(t, log, geom, groupOpts{store: store})
			data := stampedBlocks(chunk.Blocks, testBlockSize, 0x5a)
			tg.drives[0].WriteAt(chunk.Start, data)

			res, err := tg.g.Rebuild(context.Background(), tc.ext)
			if err != nil {
				t.Fatal(err)
			}
			test.AssertEqual(t, OutcomeSuccess, res.Outcome, "outcome")
			test.AssertEqual(t, tc.expWrites, tg.drives[1].OpCount(raid.OpcodeWrite), "rebuild writes")
			test.AssertEqual(t, 0, tg.drives[0].OpCount(raid.OpcodeWrite), "source writes")
			test.AssertEqual(t, 0, marked(t, store, 1), "chunks left to rebuild")

			if tc.mark && !bytes.Equal(data, tg.drives[1].ReadAt(chunk)) {
				t.Fatal("rebuilt position does not match the source")
			}
		})
	}
}

func TestMirror_DegradedWriteThenRebuild(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	geom := testGeometry(2)
	store := openTestStore(t, log, geom)
	tg := newTestGroup(t, log, geom, groupOpts{store: store})
	ctx := context.Background()

	tg.mon.SetRebuildLogging(1)
	ext := raid.NewExtent(0x10, 4)
	data := test.MustPattern(geom.Bytes(ext.Blocks), 0x66)
	res, err := tg.g.Execute(ctx, &Request{Algorithm: AlgWrite, Extent: ext, Buffer: data})
	if err != nil {
		t.Fatal(err)
	}
	test.AssertEqual(t, OutcomeSuccess, res.Outcome, "write outcome")
	test.AssertEqual(t, 1, res.DataDisks, "data disks")
	test.AssertEqual(t, 0, tg.drives[1].OpCount(raid.OpcodeWrite), "writes to disabled position")
	test.AssertEqual(t, 1, marked(t, store, 1), "chunks marked")

	// re-enabled but stale: reads avoid it until rebuilt
	tg.mon.ClearRebuildLogging(1)
	rec := record(tg.drives[1])
	got := make([]byte, len(data))
	if _, err := tg.g.Submit(ctx, raid.OpcodeRead, ext, got, WithMonitorInitiated()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, got) {
		t.Fatal("degraded read returned stale data")
	}
	test.AssertEqual(t, 0, len(rec.get(raid.OpcodeRead)), "reads of stale position")

	res, err = tg.g.Rebuild(ctx, raid.NewExtent(0, raid.DefaultChunkBlocks))
	if err != nil {
		t.Fatal(err)
	}
	test.AssertEqual(t, OutcomeSuccess, res.Outcome, "rebuild outcome")
	test.AssertEqual(t, 0, marked(t, store, 1), "chunks marked after rebuild")
	if !bytes.Equal(data, tg.drives[1].ReadAt(ext)) {
		t.Fatal("rebuilt position does not hold the written data")
	}
}

func TestMirror_RangeStoreSplitsRebuild(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	store := newRangeStore()
	store.Mark(1, raid.NewExtent(0x20, 0x10))
	tg := newTestGroup(t, log, testGeometry(2), groupOpts{store: store})
	data := stampedBlocks(0x40, testBlockSize, 0x2b)
	tg.drives[0].WriteAt(0, data)
	rec := record(tg.drives[1])

	res, err := tg.g.Rebuild(context.Background(), raid.NewExtent(0, 0x40))
	if err != nil {
		t.Fatal(err)
	}
	test.AssertEqual(t, OutcomeSuccess, res.Outcome, "outcome")
	test.AssertEqual(t, 3, res.SubRequests, "sub-requests")
	test.CmpAny(t, "rebuild writes", []raid.Extent{raid.NewExtent(0x20, 0x10)},
		rec.get(raid.OpcodeWrite))
	test.AssertEqual(t, 0, store.count(1), "ranges left")
}

func TestMirror_RebuildAlignedSkipsDegradedPadding(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	geom := testGeometry(3)
	geom.AlignmentBlocks = 8
	geom.AlignedPositions = raid.PositionBit(2)

	aligned := raid.NewExtent(0x20, 8)
	ext := raid.NewExtent(0x23, 4)

	store := newRangeStore()
	store.Mark(2, ext)
	// the primary is stale in the padding ahead of the rebuilt range
	store.Mark(0, raid.NewExtent(0x20, 2))
	tg := newTestGroup(t, log, geom, groupOpts{store: store})

	data := stampedBlocks(aligned.Blocks, testBlockSize, 0x3c)
	tg.seed(aligned.Start, data)
	tg.drives[0].WriteAt(aligned.Start, stampedBlocks(2, testBlockSize, 0x99))
	tg.drives[2].WriteAt(ext.Start, make([]byte, geom.Bytes(ext.Blocks)))
	rec0, rec1 := record(tg.drives[0]), record(tg.drives[1])

	res, err := tg.g.Rebuild(context.Background(), ext)
	if err != nil {
		t.Fatal(err)
	}
	test.AssertEqual(t, OutcomeSuccess, res.Outcome, "outcome")
	test.AssertEqual(t, 0, len(rec0.get(raid.OpcodeRead)), "reads of degraded padding")
	test.CmpAny(t, "source reads", []raid.Extent{aligned}, rec1.get(raid.OpcodeRead))
	test.AssertEqual(t, 0, store.count(2), "ranges left on the target")

	if !bytes.Equal(data, tg.drives[2].ReadAt(aligned)) {
		t.Fatal("rebuilt position does not hold the clean copy")
	}
}
