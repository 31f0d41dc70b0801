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

// verifyStart sets up region processing over the whole request.
func (sr *SubRequest) verifyStart(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if err := sr.setDegradedPositions(!sr.Nested()); err != nil {
		return sr.degradedFailure(err)
	}
	if !sr.isSufficientFruts() {
		return sr.finishTooManyDead()
	}

	sr.regionBlocks = sr.phys.Blocks
	sr.region = raid.NewExtent(sr.phys.Start, 0)
	sr.state = sr.verifyNextRegion
	return stateExecuting
}

// verifyNextRegion advances to the region after the current one.
func (sr *SubRequest) verifyNextRegion(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	start := sr.region.End()
	if start >= sr.phys.End() {
		sr.state = sr.verifyFinish
		return stateExecuting
	}
	blocks := sr.regionBlocks
	if left := raid.BlockCount(sr.phys.End() - start); left < blocks {
		blocks = left
	}
	sr.region = raid.NewExtent(start, blocks)
	sr.state = sr.verifyAllocate
	return stateExecuting
}

// verifyAllocate requests one buffer per readable position.
func (sr *SubRequest) verifyAllocate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if sr.region.Blocks > sr.regionBlocks {
		sr.region.Blocks = sr.regionBlocks
	}
	sr.readers = sr.fullAccess()
	if sr.readers.IsEmpty() {
		return sr.finishTooManyDead()
	}

	st, err := sr.allocate(ctx, sr.readers.Count(), sr.region.Blocks, sr.verifyRead)
	if err != nil {
		return sr.allocateFailed(err, sr.verifyAllocate)
	}
	return st
}

// verifyRead reads the region from every readable position.
func (sr *SubRequest) verifyRead(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.verifyRead); parked {
		return st
	}
	if err := sr.determineDegradedPositions(false); err != nil {
		return sr.degradedFailure(err)
	}

	for _, pos := range (sr.readers & sr.fullAccess()).Positions() {
		if err := sr.pushRead(pos, sr.region); err != nil {
			return sr.unexpected("building verify chain: %s", err)
		}
	}
	if sr.read.Len() == 0 {
		return sr.finishTooManyDead()
	}
	sr.dataDisks = sr.read.CountActive()
	return sr.issue(ctx, sr.read.Active(), sr.verifyEvaluate)
}

func (sr *SubRequest) verifyEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.read)
	switch res {
	case resSuccess:
	case resRetry:
		return sr.retryFailed(sr.read, sr.verifyEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.verifyEvaluate)
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}

	if eb.HardMedia.Count > 0 && sr.region.Blocks > 1 {
		// retry the region a block at a time to isolate the bad blocks
		sr.log.Debugf("mirror: %s media error in %s, single block regions", sr, sr.region)
		sr.flags |= flagRegionMode
		sr.regionBlocks = 1
		if err := sr.releaseChain(sr.read); err != nil {
			return sr.unexpected("releasing verify chain: %s", err)
		}
		sr.releaseBuffers()
		sr.region = raid.NewExtent(sr.region.Start, 0)
		sr.state = sr.verifyNextRegion
		return stateExecuting
	}

	sr.state = sr.verifyCompare
	return stateExecuting
}

// verifyCompare checks every block of every copy, reconstructs bad
// copies from a good one and delivers the result.
func (sr *SubRequest) verifyCompare(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	trackers := sr.read.Active()
	bs := sr.blockSize()
	blocks := make([][]byte, sr.width())

	for i := 0; i < int(sr.region.Blocks); i++ {
		lba := sr.region.Start + raid.LBA(i)
		var valid, bad raid.Bitmask
		for pos := range blocks {
			blocks[pos] = nil
		}
		for _, t := range trackers {
			b, err := t.SG.Block(i, bs)
			if err != nil {
				return sr.unexpected("verify block: %s", err)
			}
			blocks[t.Position] = b
			if lba < mediaLimit(t) && sr.g.val.ValidBlock(b) {
				valid = valid.Set(t.Position)
			} else {
				bad = bad.Set(t.Position)
			}
		}
		sr.report.Checked++

		if !bad.IsEmpty() {
			sr.repairBlock(lba, blocks, valid, bad)
		}

		src := valid.First()
		if src < 0 {
			src = trackers[0].Position
		}
		if sr.buf != nil {
			off := sr.g.geom.Bytes(raid.BlockCount(lba - sr.phys.Start))
			sr.buf.Slice(off, bs).CopyFrom(blocks[src])
		}
	}

	if sr.alg == AlgVerifyWrite && !sr.rewrite.IsEmpty() {
		sr.state = sr.verifyRepair
		return stateExecuting
	}
	sr.state = sr.verifyRegionDone
	return stateExecuting
}

// repairBlock reconstructs one block in place. A block with no good
// copy is invalidated on every position.
func (sr *SubRequest) repairBlock(lba raid.LBA, blocks [][]byte, valid, bad raid.Bitmask) {
	uncorrectable := valid.IsEmpty()
	if !uncorrectable && sr.g.val.Reconstruct(blocks, valid, bad) != raid.XorNoError {
		uncorrectable = true
	}

	if uncorrectable {
		sr.report.Uncorrectable++
		if lba < sr.firstBadLBA {
			sr.firstBadLBA = lba
		}
		for _, pos := range bad.Positions() {
			sr.g.val.Invalidate(blocks[pos])
		}
		sr.log.Errorf("mirror: %s block %s uncorrectable on %s", sr, lba, bad)
	} else {
		sr.report.Corrected++
		sr.log.Noticef("mirror: %s block %s corrected on %s", sr, lba, bad)
	}
	sr.rewrite |= bad
	sr.addErrorRegion(raid.NewExtent(lba, 1), bad, uncorrectable)
}

// addErrorRegion records a bad block, merging it with the previous
// region when contiguous.
func (sr *SubRequest) addErrorRegion(ext raid.Extent, positions raid.Bitmask, uncorrectable bool) {
	if n := len(sr.errRegions); n > 0 {
		last := &sr.errRegions[n-1]
		if !last.Injected && last.Uncorrectable == uncorrectable &&
			last.Positions == positions && last.Extent.End() == ext.Start {
			last.Extent.Blocks += ext.Blocks
			return
		}
	}
	sr.errRegions = append(sr.errRegions, ErrorRegion{
		Extent:        ext,
		Positions:     positions,
		Uncorrectable: uncorrectable,
	})
}

// verifyRepair writes the reconstructed region back to the positions
// that held bad copies.
func (sr *SubRequest) verifyRepair(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}
	if st, parked := sr.parkIfQuiescing(sr.verifyRepair); parked {
		return st
	}

	for _, t := range sr.read.Trackers() {
		if !sr.rewrite.Has(t.Position) {
			continue
		}
		sg := t.SG
		if err := sr.read.MoveTo(t, sr.write); err != nil {
			return sr.unexpected("moving repair tracker: %s", err)
		}
		t.Init(raid.OpcodeWriteVerify, sr.region, t.Position)
		t.SG = sg
	}
	if sr.write.CountActive() == 0 {
		sr.state = sr.verifyRegionDone
		return stateExecuting
	}
	sr.log.Debugf("mirror: %s rewriting %s on %s", sr, sr.region, sr.write.Bitmask())
	return sr.issue(ctx, sr.write.Active(), sr.verifyRepairEvaluate)
}

func (sr *SubRequest) verifyRepairEvaluate(ctx context.Context) stateStatus {
	if sr.isAborted(ctx) {
		return sr.finishAborted()
	}

	res, eb := sr.getFrutsError(sr.write)
	switch res {
	case resSuccess:
		sr.state = sr.verifyRegionDone
		return stateExecuting
	case resRetry:
		return sr.retryFailed(sr.write, sr.verifyRepairEvaluate)
	case resWaiting:
		return sr.waitContinue(ctx, sr.verifyRepairEvaluate)
	default:
		return sr.finishResolution(res, eb.Dead.Bitmask)
	}
}

// verifyRegionDone releases the region's trackers and buffers.
func (sr *SubRequest) verifyRegionDone(_ context.Context) stateStatus {
	if err := sr.releaseChain(sr.read); err != nil {
		return sr.unexpected("releasing verify chain: %s", err)
	}
	if err := sr.releaseChain(sr.write); err != nil {
		return sr.unexpected("releasing repair chain: %s", err)
	}
	sr.releaseBuffers()
	sr.rewrite = 0
	sr.state = sr.verifyNextRegion
	return stateExecuting
}

// verifyFinish reports what the verify found.
func (sr *SubRequest) verifyFinish(_ context.Context) stateStatus {
	sr.markNeedsRebuild(sr.nopped)
	sr.reportRemap()
	if sr.report.Uncorrectable > 0 {
		return sr.finishResolution(resMediaError, 0)
	}
	return sr.finish(OutcomeSuccess, nil)
}
