//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"context"

	"github.com/daos-stack/raid-mirror/raid"
)

// rebuildTargets returns the degraded positions that can be written.
func (sr *SubRequest) rebuildTargets() raid.Bitmask {
	return sr.touched &^ sr.disabled()
}

// rebuildStart limits the request to a range where every target is
// uniformly degraded.
func (sr *SubRequest) rebuildStart(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if err := sr.setDegradedPositions(true); err != nil {
		return sr.degradedFailure(err)
	}
	if err := sr.splitUniform(); err != nil {
		return sr.degradedFailure(err)
	}
	if sr.rebuildTargets().IsEmpty() {
		sr.log.Debugf("mirror: %s nothing to rebuild", sr)
		return sr.finish(OutcomeSuccess, nil)
	}
	if !sr.isSufficientFruts() {
		return sr.finishTooManyDead()
	}

	sr.aligned = sr.phys
	for _, pos := range sr.rebuildTargets().Positions() {
		if sr.g.geom.NeedsAlignment(pos, sr.phys) {
			sr.aligned = sr.g.geom.AlignedExtent(sr.phys)
			break
		}
	}
	if err := sr.checkPadding(); err != nil {
		return sr.degradedFailure(err)
	}
	sr.state = sr.rebuildAllocate
	return stateExecuting
}

func (sr *SubRequest) rebuildAllocate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	st, err := sr.allocate(ctx, 1, sr.aligned.Blocks, sr.rebuildRead)
	if err != nil {
		return sr.allocateFailed(err, sr.rebuildStart)
	}
	return st
}

// rebuildRead reads the range from the primary.
func (sr *SubRequest) rebuildRead(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.rebuildRead); parked {
		return st
	}
	if err := sr.pushRead(sr.parityPosition(), sr.aligned); err != nil {
		return sr.unexpected("building rebuild read: %s", err)
	}
	sr.log.Debugf("mirror: %s rebuilding %s from %d", sr, sr.rebuildTargets(), sr.parityPosition())
	return sr.issue(ctx, sr.read.Active(), sr.rebuildReadEvaluate)
}

func (sr *SubRequest) rebuildReadEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.read)
	switch res {
	case resSuccess:
		sr.state = sr.rebuildValidate
		return stateExecuting
	case resRetry:
		return sr.retryFailed(sr.read, sr.rebuildReadEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.rebuildReadEvaluate)
	case resMiningRequired:
		return sr.finishResolution(resMediaError, 0)
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}
}

// rebuildValidate checks the source copy, moving to another source
// when it fails validation.
func (sr *SubRequest) rebuildValidate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	t := sr.read.Head()
	if t == nil {
		return sr.unexpected("rebuild read chain empty")
	}

	if !sr.g.geom.Sparing {
		vr := sr.g.val.Validate([]*raid.FruTracker{t}, sr.blockSize())
		if vr.Status != raid.XorNoError {
			if lba, ok := vr.FirstBad[t.Position]; ok && lba < sr.firstBadLBA {
				sr.firstBadLBA = lba
			}
			sr.mediaErrored |= vr.Bad
			sr.remapNeeded |= vr.Bad
			if sr.findReadPosition(t.Position) < 0 {
				return sr.finishResolution(resMediaError, 0)
			}
			sr.log.Noticef("mirror: %s bad source copy, reading %d", sr, t.Position)
			sg := t.SG
			t.Reinit(t.Extent)
			t.SG = sg
			return sr.issue(ctx, []*raid.FruTracker{t}, sr.rebuildReadEvaluate)
		}
	}

	sr.state = sr.rebuildWrite
	return stateExecuting
}

// rebuildWrite copies the source data to every target.
func (sr *SubRequest) rebuildWrite(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.rebuildWrite); parked {
		return st
	}

	src := sr.read.Head()
	if src == nil {
		return sr.unexpected("rebuild source missing")
	}
	sg := src.SG
	if err := sr.releaseChain(sr.read); err != nil {
		return sr.unexpected("releasing rebuild read: %s", err)
	}
	for _, pos := range sr.rebuildTargets().Positions() {
		t := raid.NewTracker(raid.OpcodeWrite, sr.aligned, pos)
		t.SG = sg
		if err := sr.write.Push(t); err != nil {
			return sr.unexpected("building rebuild write: %s", err)
		}
	}
	if err := sr.handleDegradedPositions(true); err != nil {
		return sr.degradedFailure(err)
	}
	if sr.write.CountActive() == 0 {
		sr.log.Debugf("mirror: %s rebuild targets disabled", sr)
		return sr.finish(OutcomeSuccess, nil)
	}
	return sr.issue(ctx, sr.write.Active(), sr.rebuildWriteEvaluate)
}

func (sr *SubRequest) rebuildWriteEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.write)
	switch res {
	case resSuccess:
		sr.state = sr.rebuildFinish
		return stateExecuting
	case resRetry:
		return sr.retryFailed(sr.write, sr.rebuildWriteEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.rebuildWriteEvaluate)
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}
}

// rebuildFinish clears the needs-rebuild marks of the rebuilt targets.
func (sr *SubRequest) rebuildFinish(_ context.Context) stateStatus {
	h := sr.health()
	if h == nil {
		return sr.unexpected("rebuild without a health source")
	}
	for _, t := range sr.write.Active() {
		if t.Status != raid.StatusSuccess {
			continue
		}
		if err := h.ClearNeedsRebuild(t.Position, sr.phys); err != nil {
			return sr.unexpected("clearing rebuild marks on %d: %s", t.Position, err)
		}
	}
	sr.reportRemap()
	return sr.finish(OutcomeSuccess, nil)
}
