//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
	"github.com/daos-stack/raid-mirror/raid"
)

func (sr *SubRequest) readSlots() int {
	if !sr.g.geom.RawMirror {
		return 1
	}
	if n := (sr.fullAccess() &^ sr.mediaErrored).Count(); n > 0 {
		return n
	}
	return 1
}

// optimizeReadPosition spreads single copy reads over the fully
// mirrored positions when nothing forces the primary.
func (sr *SubRequest) optimizeReadPosition() {
	switch {
	case sr.dead.count() > 0, sr.g.cfg.PreferredPosition >= 0:
		return
	case sr.g.geom.Sparing, sr.g.geom.RawMirror, sr.Nested():
		return
	}
	if pos := sr.g.balancer.choose(sr.fullAccess()); pos >= 0 {
		sr.pmap.setPrimary(pos)
	}
}

// pushRead carves a buffer for ext and queues a read of pos.
func (sr *SubRequest) pushRead(pos int, ext raid.Extent) error {
	sg, err := sr.carve(ext.Blocks)
	if err != nil {
		return err
	}
	t := raid.NewTracker(raid.OpcodeRead, ext, pos)
	t.SG = sg
	return sr.read.Push(t)
}

// allocateFailed handles an allocation the resource layer refused.
func (sr *SubRequest) allocateFailed(err error, retry stateFunc) stateStatus {
	if fault.IsFaultCode(err, code.ResourceInsufficient) {
		return sr.reduceRequestSize(err, retry)
	}
	return sr.unexpected("buffer allocation: %s", err)
}

// releaseChain moves every tracker of the chain to the freed chain.
func (sr *SubRequest) releaseChain(chain *raid.Chain) error {
	for _, t := range chain.Trackers() {
		if err := chain.MoveTo(t, sr.freed); err != nil {
			return err
		}
	}
	return nil
}

// mediaLimit returns the first block of t that holds no valid data.
func mediaLimit(t *raid.FruTracker) raid.LBA {
	switch t.Status {
	case raid.StatusSuccess:
		return t.Extent.End()
	case raid.StatusMediaError:
		if t.Extent.ContainsLBA(t.MediaErrorLBA) {
			return t.MediaErrorLBA
		}
		return t.Extent.Start
	default:
		return t.Extent.Start
	}
}
