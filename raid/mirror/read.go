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

// readStart evaluates degraded state and chooses the read position.
func (sr *SubRequest) readStart(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if err := sr.setDegradedPositions(true); err != nil {
		return sr.degradedFailure(err)
	}
	if !sr.isSufficientFruts() {
		return sr.finishTooManyDead()
	}
	sr.optimizeReadPosition()

	sr.state = sr.readAllocate
	return stateExecuting
}

// readAllocate requests one buffer, or one per readable position for
// a raw mirror.
func (sr *SubRequest) readAllocate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	st, err := sr.allocate(ctx, sr.readSlots(), sr.phys.Blocks, sr.readBuild)
	if err != nil {
		return sr.allocateFailed(err, sr.readStart)
	}
	return st
}

// readBuild puts one tracker per read position on the read chain and
// issues the reads.
func (sr *SubRequest) readBuild(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.readBuild); parked {
		return st
	}
	if err := sr.handleDegradedPositions(false); err != nil {
		return sr.degradedFailure(err)
	}

	positions := []int{sr.parityPosition()}
	if sr.g.geom.RawMirror {
		positions = (sr.fullAccess() &^ sr.mediaErrored).Positions()
	}
	if len(positions) > sr.slots {
		positions = positions[:sr.slots]
	}
	for _, pos := range positions {
		if err := sr.pushRead(pos, sr.phys); err != nil {
			return sr.unexpected("building read chain: %s", err)
		}
	}
	sr.dataDisks = sr.read.CountActive()

	return sr.issue(ctx, sr.read.Active(), sr.readEvaluate)
}

// readEvaluate resolves the read completions.
func (sr *SubRequest) readEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.read)
	switch res {
	case resSuccess:
		sr.state = sr.readValidate
		return stateExecuting
	case resRetry:
		if sr.singleReader() && sr.read.CountActive() > 1 {
			return sr.unexpected("single copy read has %d active trackers", sr.read.CountActive())
		}
		return sr.retryFailed(sr.read, sr.readEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.readEvaluate)
	case resMiningRequired:
		sr.state = sr.readRecoveryVerify
		return stateExecuting
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}
}

// readValidate checks the block checksums of the data read.
func (sr *SubRequest) readValidate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if sr.g.geom.Sparing {
		return sr.readDeliver(sr.read.Head())
	}

	active := sr.read.Active()
	vr := sr.g.val.Validate(active, sr.blockSize())
	if vr.Status == raid.XorNoError {
		return sr.readDeliver(active[0])
	}
	for _, lba := range vr.FirstBad {
		if lba < sr.firstBadLBA {
			sr.firstBadLBA = lba
		}
	}
	sr.log.Noticef("mirror: %s checksum error on %s", sr, vr.Bad)

	if sr.g.geom.RawMirror {
		for _, t := range active {
			if !vr.Bad.Has(t.Position) {
				sr.remapNeeded |= vr.Bad
				return sr.readDeliver(t)
			}
		}
	}

	sr.state = sr.readRecoveryVerify
	return stateExecuting
}

// readDeliver copies the chosen copy to the caller buffer.
func (sr *SubRequest) readDeliver(src *raid.FruTracker) stateStatus {
	if src == nil {
		return sr.unexpected("no tracker to deliver from")
	}
	n := sr.buf.CopySG(src.SG)
	if n != sr.g.geom.Bytes(sr.phys.Blocks) {
		return sr.unexpected("delivered %d bytes for %d blocks", n, sr.phys.Blocks)
	}
	sr.reportRemap()
	return sr.finish(OutcomeSuccess, nil)
}

// readRecoveryVerify hands the range to a nested verify that repairs
// what it can and delivers the result.
func (sr *SubRequest) readRecoveryVerify(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if sr.g.geom.Sparing {
		return sr.finishResolution(resMediaError, 0)
	}
	if sr.fullAccess().IsEmpty() {
		return sr.finishTooManyDead()
	}

	if err := sr.releaseChain(sr.read); err != nil {
		return sr.unexpected("releasing read chain: %s", err)
	}
	sr.releaseBuffers()

	sr.g.metrics.verifies.Inc()
	sr.log.Noticef("mirror: %s starting recovery verify", sr)
	child := newSubRequest(sr.g, sr, AlgVerifyWrite, sr.extent, sr.buf, 0)
	return sr.runNested(ctx, child, sr.readAfterVerify)
}

// readAfterVerify adopts the outcome of the recovery verify.
func (sr *SubRequest) readAfterVerify(_ context.Context) stateStatus {
	sr.adoptChild()
	c := sr.child
	sr.child = nil
	if c.outcome == OutcomeSuccess {
		sr.reportRemap()
	}
	return sr.finish(c.outcome, c.err)
}
