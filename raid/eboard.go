//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import (
	"fmt"
	"strings"
)

// Category is the count and contributing positions of one error class.
type Category struct {
	Count   int     `json:"count"`
	Bitmask Bitmask `json:"bitmask"`
}

func (c *Category) add(pos int) {
	c.Count++
	c.Bitmask = c.Bitmask.Set(pos)
}

// ErrorBoard aggregates the completions of one tracker chain.
//
// Every tracker lands in exactly one of the exclusive categories, so
// their counts sum to the chain length. SoftMedia, MediaNoRemap,
// Zeroed and ReduceQDepthSoft are tracked on top of that because they
// do not prevent the I/O from succeeding.
type ErrorBoard struct {
	// exclusive
	Success          Category `json:"success"`
	NoOp             Category `json:"noop"`
	Aborted          Category `json:"aborted"`
	Dropped          Category `json:"dropped"`
	Dead             Category `json:"dead"`
	HardMedia        Category `json:"hard_media"`
	Retryable        Category `json:"retryable"`
	Timeout          Category `json:"timeout"`
	BadChecksum      Category `json:"bad_checksum"`
	NotPreferred     Category `json:"not_preferred"`
	ReduceQDepthHard Category `json:"reduce_qdepth_hard"`
	Unexpected       Category `json:"unexpected"`

	// independent
	SoftMedia        Category `json:"soft_media"`
	MediaNoRemap     Category `json:"media_no_remap"`
	Zeroed           Category `json:"zeroed"`
	ReduceQDepthSoft Category `json:"reduce_qdepth_soft"`

	// MediaErrorLBA is the lowest media error address reported.
	MediaErrorLBA LBA `json:"media_error_lba"`
}

// Classify builds an error board from the trackers of a chain.
func Classify(c *Chain) *ErrorBoard {
	return ClassifyTrackers(c.Trackers())
}

// ClassifyTrackers builds an error board from a set of trackers.
func ClassifyTrackers(trackers []*FruTracker) *ErrorBoard {
	eb := &ErrorBoard{MediaErrorLBA: InvalidLBA}
	for _, t := range trackers {
		eb.add(t)
	}
	return eb
}

func (eb *ErrorBoard) add(t *FruTracker) {
	pos := t.Position

	if t.IsNop() {
		eb.NoOp.add(pos)
		return
	}

	switch t.Status {
	case StatusSuccess:
		eb.Success.add(pos)
		switch t.Qualifier {
		case QualRemapRequired:
			eb.SoftMedia.add(pos)
			eb.noteMediaLBA(t.MediaErrorLBA)
		case QualZeroed:
			eb.Zeroed.add(pos)
		case QualStillCongested:
			eb.ReduceQDepthSoft.add(pos)
		}
	case StatusIOFailed:
		switch t.Qualifier {
		case QualRetryNotPossible:
			eb.Dead.add(pos)
		case QualRetryPossible, QualLockFailed:
			eb.Retryable.add(pos)
		case QualCRCError:
			eb.BadChecksum.add(pos)
		case QualNotPreferred:
			eb.NotPreferred.add(pos)
		case QualCongested:
			eb.ReduceQDepthHard.add(pos)
		default:
			eb.Unexpected.add(pos)
		}
	case StatusMediaError:
		switch t.Qualifier {
		case QualDataLost:
			eb.HardMedia.add(pos)
		case QualNoRemap:
			eb.HardMedia.add(pos)
			eb.MediaNoRemap.add(pos)
		default:
			eb.Unexpected.add(pos)
			return
		}
		eb.noteMediaLBA(t.MediaErrorLBA)
	case StatusRequestAborted:
		switch t.Qualifier {
		case QualOptionalAborted:
			eb.Dropped.add(pos)
		case QualClientAborted:
			eb.Aborted.add(pos)
		default:
			eb.Unexpected.add(pos)
		}
	case StatusTimeout:
		eb.Timeout.add(pos)
	default:
		eb.Unexpected.add(pos)
	}
}

func (eb *ErrorBoard) noteMediaLBA(lba LBA) {
	if lba < eb.MediaErrorLBA {
		eb.MediaErrorLBA = lba
	}
}

func (eb *ErrorBoard) exclusive() []*Category {
	return []*Category{
		&eb.Success, &eb.NoOp, &eb.Aborted, &eb.Dropped, &eb.Dead,
		&eb.HardMedia, &eb.Retryable, &eb.Timeout, &eb.BadChecksum,
		&eb.NotPreferred, &eb.ReduceQDepthHard, &eb.Unexpected,
	}
}

// Total returns the sum of the exclusive category counts.
func (eb *ErrorBoard) Total() int {
	var n int
	for _, c := range eb.exclusive() {
		n += c.Count
	}
	return n
}

// ErrorCount returns the number of trackers that did not succeed
// and were not no-ops.
func (eb *ErrorBoard) ErrorCount() int {
	return eb.Total() - eb.Success.Count - eb.NoOp.Count
}

// RetryBitmask returns the positions whose errors are resolved by
// reissuing the I/O.
func (eb *ErrorBoard) RetryBitmask() Bitmask {
	return eb.Retryable.Bitmask | eb.Timeout.Bitmask |
		eb.NotPreferred.Bitmask | eb.ReduceQDepthHard.Bitmask
}

func (eb *ErrorBoard) String() string {
	var parts []string
	for _, item := range []struct {
		name string
		cat  Category
	}{
		{"success", eb.Success},
		{"noop", eb.NoOp},
		{"aborted", eb.Aborted},
		{"dropped", eb.Dropped},
		{"dead", eb.Dead},
		{"hard_media", eb.HardMedia},
		{"retry", eb.Retryable},
		{"timeout", eb.Timeout},
		{"bad_crc", eb.BadChecksum},
		{"not_preferred", eb.NotPreferred},
		{"qdepth_hard", eb.ReduceQDepthHard},
		{"unexpected", eb.Unexpected},
		{"soft_media", eb.SoftMedia},
		{"menr", eb.MediaNoRemap},
		{"zeroed", eb.Zeroed},
		{"qdepth_soft", eb.ReduceQDepthSoft},
	} {
		if item.cat.Count == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d%s", item.name, item.cat.Count, item.cat.Bitmask))
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}
