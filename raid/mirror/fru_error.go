//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/raid"
)

// singleReader returns true when the read chain holds the one copy
// that is delivered, so a failed read moves to another position.
func (sr *SubRequest) singleReader() bool {
	switch {
	case sr.alg.IsVerify():
		return false
	case sr.alg == AlgRead:
		return !sr.g.geom.RawMirror
	default:
		return true
	}
}

// canWaitForContinue reports whether dead positions may be handed to
// the monitor. Background requests and raw mirrors fail instead.
func (sr *SubRequest) canWaitForContinue() bool {
	return sr.g.monitor != nil && !sr.monitorInitiated() && !sr.g.geom.RawMirror
}

// getFrutsError classifies the chain and resolves the pass.
//
// Resolution order: aborted, dropped, unexpected, dead, hard media,
// retryable, success. A position that is dead and hard media errored
// in the same pass is handled as dead only.
func (sr *SubRequest) getFrutsError(chain *raid.Chain) (resolution, *raid.ErrorBoard) {
	eb := raid.Classify(chain)
	sr.recordBoard(eb)
	isWrite := chain.Kind() == raid.ChainWrite

	if eb.ErrorCount() > 0 {
		sr.log.Debugf("mirror: %s %s chain: %s", sr, chain.Kind(), eb)
	}

	switch {
	case eb.Aborted.Count > 0:
		return resAborted, eb
	case eb.Dropped.Count > 0:
		return resUnsupported, eb
	case eb.Unexpected.Count > 0:
		sr.log.Errorf("mirror: %s unexpected drive status on %s", sr, eb.Unexpected.Bitmask)
		return resUnexpected, eb
	}

	dead := eb.Dead.Bitmask
	retry := eb.RetryBitmask()
	if sr.monitorInitiated() {
		dead |= eb.Timeout.Bitmask
		retry &^= eb.Timeout.Bitmask
	}
	// retryable errors on positions disabled meanwhile will not clear
	conv := retry & sr.disabled()
	dead |= conv
	retry &^= conv

	if !dead.IsEmpty() {
		if res := sr.processDead(dead, chain); res != resSuccess {
			return res, eb
		}
	}

	hard := eb.HardMedia.Bitmask
	if isWrite {
		retry |= eb.BadChecksum.Bitmask
	} else {
		hard |= eb.BadChecksum.Bitmask
	}
	hard &^= dead
	if eb.MediaErrorLBA < sr.firstBadLBA {
		sr.firstBadLBA = eb.MediaErrorLBA
	}
	if !hard.IsEmpty() {
		if res := sr.processHardMedia(hard, chain); res != resSuccess {
			return res, eb
		}
	}

	if soft := eb.SoftMedia.Bitmask | eb.MediaNoRemap.Bitmask; !soft.IsEmpty() {
		if !sr.g.geom.Sparing && sr.alg != AlgVerify {
			sr.remapNeeded |= soft
		}
	}

	retry &^= dead
	if !retry.IsEmpty() {
		if sr.monitorInitiated() && sr.g.monitor != nil && sr.g.monitor.Quiescing() {
			return resDead, eb
		}
		return resRetry, eb
	}
	return resSuccess, eb
}

// processDead handles positions that reported dead. Until a continue
// has been received for them the request waits, or fails when it
// cannot wait. After the continue the chain is adjusted to the new
// degraded state.
func (sr *SubRequest) processDead(dead raid.Bitmask, chain *raid.Chain) resolution {
	mediaModify := chain.Kind() == raid.ChainWrite

	if pending := dead &^ sr.continued; !pending.IsEmpty() {
		if !sr.canWaitForContinue() {
			sr.log.Noticef("mirror: %s positions %s dead, cannot wait for continue", sr, dead)
			if mediaModify {
				sr.incompleteWrite |= dead
				sr.markNeedsRebuild(dead)
			}
			return resDead
		}
		sr.needsContinue |= pending
		return resWaiting
	}

	if err := sr.refreshDegradedPositions(chain); err != nil {
		if errors.Cause(err) == errTooManyDead {
			return resTooManyDead
		}
		if errors.Cause(err) == errDeadSetFull {
			return resUnsupported
		}
		sr.log.Errorf("mirror: %s refreshing degraded state: %s", sr, err)
		return resUnexpected
	}

	revived := dead &^ sr.touched
	var relabeled bool
	if !mediaModify {
		if sr.singleReader() {
			if t := chain.Head(); t != nil && dead.Has(t.Position) && sr.touched.Has(t.Position) {
				if sr.findReadPosition(t.Position) < 0 {
					return resTooManyDead
				}
				relabeled = true
			}
		} else if err := sr.removeDegradedReadFruts(); err != nil {
			sr.log.Errorf("mirror: %s adjusting read chain: %s", sr, err)
			return resUnexpected
		}
	}

	if !sr.isSufficientFruts() || (mediaModify && chain.CountActive() == 0) {
		return resTooManyDead
	}
	if !revived.IsEmpty() || relabeled {
		// a position dying again needs a fresh continue
		sr.continued &^= revived
		return resRetry
	}
	return resSuccess
}

// processHardMedia handles positions that lost data.
func (sr *SubRequest) processHardMedia(hard raid.Bitmask, chain *raid.Chain) resolution {
	switch {
	case chain.Kind() == raid.ChainWrite:
		if sr.alg.writeOpcode() != raid.OpcodeWriteVerify {
			sr.log.Errorf("mirror: %s media error on %s during %s", sr, hard, sr.alg)
			return resUnexpected
		}
		sr.log.Noticef("mirror: %s write verify failed on %s", sr, hard)
		sr.remapNeeded |= hard
		return resSuccess
	case sr.singleReader():
		t := chain.Head()
		if t == nil || !hard.Has(t.Position) {
			return resSuccess
		}
		sr.mediaErrored |= hard
		sr.remapNeeded |= hard
		if sr.fullAccess().IsEmpty() {
			return resTooManyDead
		}
		if pos := sr.findReadPosition(t.Position); pos >= 0 {
			sr.log.Noticef("mirror: %s media error on %s, reading %d", sr, hard, pos)
			return resRetry
		}
		return resMiningRequired
	default:
		sr.mediaErrored |= hard
		sr.remapNeeded |= hard
		return resSuccess
	}
}
