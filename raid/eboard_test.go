//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRaid_ClassifyTable(t *testing.T) {
	for name, tc := range map[string]struct {
		status BlockStatus
		qual   BlockQualifier
		nop    bool
		pick   func(*ErrorBoard) []Category
	}{
		"success": {
			status: StatusSuccess,
			pick:   func(eb *ErrorBoard) []Category { return []Category{eb.Success} },
		},
		"soft media": {
			status: StatusSuccess, qual: QualRemapRequired,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Success, eb.SoftMedia} },
		},
		"zeroed": {
			status: StatusSuccess, qual: QualZeroed,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Success, eb.Zeroed} },
		},
		"still congested": {
			status: StatusSuccess, qual: QualStillCongested,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Success, eb.ReduceQDepthSoft} },
		},
		"retry possible": {
			status: StatusIOFailed, qual: QualRetryPossible,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Retryable} },
		},
		"lock failed": {
			status: StatusIOFailed, qual: QualLockFailed,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Retryable} },
		},
		"dead": {
			status: StatusIOFailed, qual: QualRetryNotPossible,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Dead} },
		},
		"crc": {
			status: StatusIOFailed, qual: QualCRCError,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.BadChecksum} },
		},
		"not preferred": {
			status: StatusIOFailed, qual: QualNotPreferred,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.NotPreferred} },
		},
		"congested": {
			status: StatusIOFailed, qual: QualCongested,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.ReduceQDepthHard} },
		},
		"hard media": {
			status: StatusMediaError, qual: QualDataLost,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.HardMedia} },
		},
		"media no remap": {
			status: StatusMediaError, qual: QualNoRemap,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.HardMedia, eb.MediaNoRemap} },
		},
		"dropped": {
			status: StatusRequestAborted, qual: QualOptionalAborted,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Dropped} },
		},
		"aborted": {
			status: StatusRequestAborted, qual: QualClientAborted,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.Aborted} },
		},
		"timeout": {
			status: StatusTimeout,
			pick:   func(eb *ErrorBoard) []Category { return []Category{eb.Timeout} },
		},
		"unknown status": {
			status: StatusInvalid,
			pick:   func(eb *ErrorBoard) []Category { return []Category{eb.Unexpected} },
		},
		"no-op": {
			nop:  true,
			pick: func(eb *ErrorBoard) []Category { return []Category{eb.NoOp} },
		},
	} {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(OpcodeRead, NewExtent(0, 1), 2)
			tr.Complete(Completion{Status: tc.status, Qualifier: tc.qual, MediaErrorLBA: InvalidLBA})
			if tc.nop {
				tr.SetDegradedNop()
			}

			eb := ClassifyTrackers([]*FruTracker{tr})

			for _, cat := range tc.pick(eb) {
				if diff := cmp.Diff(Category{Count: 1, Bitmask: PositionBit(2)}, cat); diff != "" {
					t.Fatalf("unexpected category (-want, +got):\n%s\n", diff)
				}
			}
			if eb.Total() != 1 {
				t.Fatalf("tracker must land in exactly one exclusive category, total %d", eb.Total())
			}
		})
	}
}

func TestRaid_ClassifyPartitionsChain(t *testing.T) {
	statuses := []Completion{
		Succeeded(),
		Failed(StatusSuccess, QualRemapRequired),
		Failed(StatusIOFailed, QualRetryPossible),
		Failed(StatusIOFailed, QualRetryNotPossible),
		Failed(StatusIOFailed, QualCRCError),
		Failed(StatusMediaError, QualDataLost),
		Failed(StatusMediaError, QualNoRemap),
		Failed(StatusRequestAborted, QualClientAborted),
		Failed(StatusRequestAborted, QualOptionalAborted),
		Failed(StatusTimeout, QualNone),
		Failed(StatusInvalid, QualNone),
	}
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		c := NewChain(ChainRead, nil)
		n := 1 + rng.Intn(MaxWidth)
		for pos := 0; pos < n; pos++ {
			tr := NewTracker(OpcodeRead, NewExtent(0, 1), pos)
			tr.Complete(statuses[rng.Intn(len(statuses))])
			if rng.Intn(5) == 0 {
				tr.SetDegradedNop()
			}
			if err := c.Push(tr); err != nil {
				t.Fatal(err)
			}
		}

		eb := Classify(c)
		if eb.Total() != c.Len() {
			t.Fatalf("iteration %d: category sum %d != chain length %d (%s)",
				iter, eb.Total(), c.Len(), eb)
		}
	}
}

func TestRaid_ClassifyMediaErrorLBA(t *testing.T) {
	a := NewTracker(OpcodeRead, NewExtent(0x1000, 0x100), 0)
	a.Complete(Completion{Status: StatusMediaError, Qualifier: QualDataLost, MediaErrorLBA: 0x1080})
	b := NewTracker(OpcodeRead, NewExtent(0x1000, 0x100), 1)
	b.Complete(Completion{Status: StatusMediaError, Qualifier: QualDataLost, MediaErrorLBA: 0x1010})

	eb := ClassifyTrackers([]*FruTracker{a, b})
	if eb.MediaErrorLBA != 0x1010 {
		t.Fatalf("expected lowest media error lba 0x1010, got %s", eb.MediaErrorLBA)
	}
	if eb.HardMedia.Count != 2 || eb.HardMedia.Bitmask != Bitmask(0x3) {
		t.Fatalf("unexpected hard media category %+v", eb.HardMedia)
	}
}
