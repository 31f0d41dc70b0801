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

// writeStart limits the request to a range of uniform degraded state
// and works out which positions need a read-modify-write.
func (sr *SubRequest) writeStart(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if err := sr.setDegradedPositions(true); err != nil {
		return sr.degradedFailure(err)
	}
	if err := sr.splitUniform(); err != nil {
		return sr.degradedFailure(err)
	}
	if !sr.isSufficientFruts() {
		return sr.finishTooManyDead()
	}

	sr.aligned = sr.g.geom.AlignedExtent(sr.phys)
	sr.misaligned = 0
	if sr.alg != AlgZero && sr.alg != AlgCorruptData {
		for _, pos := range sr.fullAccess().Positions() {
			if sr.g.geom.NeedsAlignment(pos, sr.phys) {
				sr.misaligned = sr.misaligned.Set(pos)
			}
		}
	}
	if !sr.misaligned.IsEmpty() {
		if err := sr.checkPadding(); err != nil {
			return sr.degradedFailure(err)
		}
	}

	sr.state = sr.writeAllocate
	return stateExecuting
}

// writeAllocate requests the private buffers the write needs. A plain
// aligned write goes straight from the caller buffer.
func (sr *SubRequest) writeAllocate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	var (
		slots  int
		blocks raid.BlockCount
		next   stateFunc = sr.writeBuild
	)
	switch {
	case sr.alg == AlgZero:
	case sr.alg == AlgCorruptData:
		slots, blocks = 1, sr.phys.Blocks
	case !sr.misaligned.IsEmpty():
		slots, blocks = 1+sr.misaligned.Count(), sr.aligned.Blocks
		next = sr.writePreRead
	}
	if slots == 0 {
		sr.state = next
		return stateExecuting
	}

	st, err := sr.allocate(ctx, slots, blocks, next)
	if err != nil {
		return sr.allocateFailed(err, sr.writeStart)
	}
	return st
}

// writePreRead reads the aligned superset of the request from the
// primary so that misaligned positions can be written whole.
func (sr *SubRequest) writePreRead(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.writePreRead); parked {
		return st
	}

	sg, err := sr.carve(sr.aligned.Blocks)
	if err != nil {
		return sr.unexpected("pre-read buffer: %s", err)
	}
	t := raid.NewTracker(raid.OpcodeRead, sr.aligned, sr.parityPosition())
	t.SG = sg
	if err := sr.read.Push(t); err != nil {
		return sr.unexpected("pre-read chain: %s", err)
	}
	sr.preReadSG = sg
	sr.log.Debugf("mirror: %s pre-reading %s from %d", sr, sr.aligned, t.Position)

	return sr.issue(ctx, sr.read.Active(), sr.writePreReadEvaluate)
}

func (sr *SubRequest) writePreReadEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.read)
	switch res {
	case resSuccess:
		if err := sr.releaseChain(sr.read); err != nil {
			return sr.unexpected("releasing pre-read: %s", err)
		}
		sr.preReadDone = true
		sr.state = sr.writeBuild
		return stateExecuting
	case resRetry:
		return sr.retryFailed(sr.read, sr.writePreReadEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.writePreReadEvaluate)
	case resMiningRequired:
		sr.state = sr.writePreReadRecoveryVerify
		return stateExecuting
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}
}

// writePreReadRecoveryVerify repairs the aligned extent with a nested
// verify when no copy could be pre-read. The write restarts once the
// verify is done.
func (sr *SubRequest) writePreReadRecoveryVerify(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if sr.g.geom.Sparing || sr.preReadRecovered {
		return sr.finishResolution(resMediaError, 0)
	}
	if sr.fullAccess().IsEmpty() {
		return sr.finishTooManyDead()
	}

	if err := sr.releaseChain(sr.read); err != nil {
		return sr.unexpected("releasing pre-read: %s", err)
	}
	sr.releaseBuffers()
	sr.preReadSG, sr.private = nil, nil
	sr.preReadRecovered = true

	ext := raid.NewExtent(sr.aligned.Start-sr.g.geom.Offset, sr.aligned.Blocks)
	sr.g.metrics.verifies.Inc()
	sr.log.Noticef("mirror: %s pre-read failed on every copy, verifying %s", sr, ext)
	child := newSubRequest(sr.g, sr, AlgVerifyWrite, ext, nil, 0)
	return sr.runNested(ctx, child, sr.writeAfterPreReadVerify)
}

// writeAfterPreReadVerify restarts the write over the repaired range.
func (sr *SubRequest) writeAfterPreReadVerify(_ context.Context) stateStatus {
	sr.adoptChild()
	c := sr.child
	sr.child = nil
	if c.outcome != OutcomeSuccess {
		return sr.finish(c.outcome, c.err)
	}
	sr.state = sr.writeStart
	return stateExecuting
}

// writeBuild stamps the data and puts one write per position on the
// write chain, then issues it.
func (sr *SubRequest) writeBuild(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.writeBuild); parked {
		return st
	}

	if sr.alg != AlgZero && !sr.g.geom.Sparing {
		if err := sr.g.val.Generate(sr.buf, sr.blockSize()); err != nil {
			return sr.unexpected("generating checksums: %s", err)
		}
	}
	if err := sr.buildWriteFruts(); err != nil {
		return sr.unexpected("building write chain: %s", err)
	}
	if err := sr.handleDegradedPositions(sr.alg == AlgRebuild); err != nil {
		return sr.degradedFailure(err)
	}
	if sr.alg == AlgCorruptData {
		if st, failed := sr.corruptSingleTarget(); failed {
			return st
		}
	}
	if err := sr.validateWriteFruts(); err != nil {
		return sr.unexpected("%s", err)
	}

	sr.dataDisks = sr.write.CountActive()
	if sr.dataDisks == 0 {
		return sr.finishTooManyDead()
	}
	return sr.issue(ctx, sr.write.Active(), sr.writeEvaluate)
}

// writeEvaluate resolves the write completions. Writes are allowed to
// finish before an abort is honoured.
func (sr *SubRequest) writeEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.write)
	switch res {
	case resSuccess:
		if hm := eb.HardMedia.Bitmask &^ eb.Dead.Bitmask; !hm.IsEmpty() {
			if eb.Success.Count == 0 {
				return sr.finish(OutcomeIOFailed, FaultIOFailed(sr.extent, hm))
			}
			sr.markNeedsRebuild(hm)
		}
		sr.state = sr.writeFinish
		return stateExecuting
	case resRetry:
		return sr.retryFailed(sr.write, sr.writeEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.writeEvaluate)
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}
}

// writeFinish records the positions that missed the write.
func (sr *SubRequest) writeFinish(_ context.Context) stateStatus {
	if sr.alg != AlgCorruptData {
		sr.markNeedsRebuild(sr.nopped)
	}
	sr.reportRemap()
	return sr.finish(OutcomeSuccess, nil)
}
