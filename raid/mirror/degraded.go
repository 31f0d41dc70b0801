//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/raid"
)

var errTooManyDead = errors.New("no fully accessible position")

// health returns the source of degraded state, or nil for a raw
// mirror.
func (sr *SubRequest) health() raid.HealthSource {
	return sr.g.health()
}

// disabled returns the positions in rebuild logging or reported not
// alive by the last continue.
func (sr *SubRequest) disabled() raid.Bitmask {
	var out raid.Bitmask
	if h := sr.health(); h != nil {
		out = h.RebuildLogging()
	}
	return (out | sr.notAlive) & raid.WidthMask(sr.width())
}

// degradedRangeForPosition returns the part of the request that pos
// cannot serve. A disabled position is degraded for the whole request,
// otherwise the first needs-rebuild range applies.
func (sr *SubRequest) degradedRangeForPosition(pos int, disabled raid.Bitmask) (raid.Extent, bool) {
	if disabled.Has(pos) {
		return sr.phys, true
	}
	h := sr.health()
	if h == nil {
		return raid.Extent{}, false
	}
	nr, found := h.NeedsRebuild(pos, sr.phys)
	if !found {
		return raid.Extent{}, false
	}
	return nr.Intersect(sr.phys)
}

// scanDegraded records the degraded range of every position.
func (sr *SubRequest) scanDegraded() {
	disabled := sr.disabled()
	sr.touched = 0
	for pos := 0; pos < sr.width(); pos++ {
		r, found := sr.degradedRangeForPosition(pos, disabled)
		sr.ranges[pos] = r
		if found {
			sr.touched = sr.touched.Set(pos)
		}
	}
}

// determineDegradedPositions rebuilds the dead set from current health.
// The dead set is ordered by degraded offset and the request degraded
// range is the one with the lowest offset. With updateMap set a
// degraded primary is swapped for the first fully accessible position.
func (sr *SubRequest) determineDegradedPositions(updateMap bool) error {
	sr.scanDegraded()

	n := sr.touched.Count()
	if n > maxDeadPositions && n < sr.width() {
		return errors.Wrapf(errDeadSetFull, "degraded positions %s", sr.touched)
	}

	sr.dead.reset()
	sr.degradedStart, sr.degradedCount = raid.InvalidLBA, 0

	positions := sr.touched.Positions()
	sort.SliceStable(positions, func(i, j int) bool {
		return sr.ranges[positions[i]].Start < sr.ranges[positions[j]].Start
	})
	for _, pos := range positions {
		r := sr.ranges[pos]
		if sr.dead.count() < maxDeadPositions {
			if err := sr.dead.insertOrdered(pos, r.Start); err != nil {
				return err
			}
		}
		if r.Start < sr.degradedStart {
			sr.degradedStart, sr.degradedCount = r.Start, r.Blocks
		}
	}

	if updateMap && sr.touched.Has(sr.pmap.primary()) {
		if pos := sr.pmap.secondary(sr.fullAccess()); pos >= 0 {
			sr.log.Debugf("mirror: %s primary %d degraded, using %d", sr, sr.pmap.primary(), pos)
			sr.pmap.setPrimary(pos)
		}
	}
	return nil
}

// fullAccess returns the positions with no degraded range in the
// request.
func (sr *SubRequest) fullAccess() raid.Bitmask {
	return raid.WidthMask(sr.width()) &^ sr.touched
}

// parityPosition is the position that sources single copy reads.
func (sr *SubRequest) parityPosition() int {
	return sr.pmap.primary()
}

// checkDegraded ensures the request can be served by at least one
// fully accessible position, splitting it when allowed.
func (sr *SubRequest) checkDegraded(okToSplit bool) error {
	if sr.touched.Count() >= sr.width() {
		if !okToSplit {
			return errors.Wrapf(errTooManyDead, "all positions degraded in %s", sr.phys)
		}
		return sr.updateDegraded()
	}
	if !sr.touched.Has(sr.parityPosition()) {
		return nil
	}
	if sr.findReadPosition(-1) >= 0 {
		return nil
	}
	if !okToSplit {
		return errors.Wrapf(errTooManyDead, "no read position for %s", sr.phys)
	}
	return sr.updateDegraded()
}

// updateDegraded shrinks the request to the leading range where at
// least one position is clean. The split point is the highest degraded
// offset across positions; a clean position does not limit it.
func (sr *SubRequest) updateDegraded() error {
	split := raid.LBA(0)
	for pos := 0; pos < sr.width(); pos++ {
		off := raid.InvalidLBA
		if sr.touched.Has(pos) {
			off = sr.ranges[pos].Start
		}
		if off > split {
			split = off
		}
	}
	if split == raid.InvalidLBA {
		return nil
	}
	if split <= sr.phys.Start {
		return errors.Wrapf(errTooManyDead, "no clean copy at %s", sr.phys.Start)
	}

	sr.log.Noticef("mirror: %s every position degraded, splitting at %s", sr, split)
	sr.shrink(split)
	sr.g.metrics.splits.Inc()
	if err := sr.determineDegradedPositions(true); err != nil {
		return err
	}
	if sr.touched.Count() >= sr.width() {
		return errors.Wrapf(errTooManyDead, "split at %s left no clean copy", split)
	}
	return nil
}

// splitUniform shrinks the request so that every position is either
// degraded or clean for its whole length.
func (sr *SubRequest) splitUniform() error {
	end := sr.phys.End()
	for _, pos := range sr.touched.Positions() {
		r := sr.ranges[pos]
		switch {
		case r.Start > sr.phys.Start && r.Start < end:
			end = r.Start
		case r.Start == sr.phys.Start && r.End() < end:
			end = r.End()
		}
	}
	if end >= sr.phys.End() {
		return nil
	}
	sr.shrink(end)
	sr.g.metrics.splits.Inc()
	return sr.determineDegradedPositions(true)
}

// setDegradedPositions evaluates degraded state at the start of a
// request.
func (sr *SubRequest) setDegradedPositions(okToSplit bool) error {
	if sr.Nested() {
		sr.dead.reset()
	}
	if err := sr.determineDegradedPositions(true); err != nil {
		return err
	}
	return sr.checkDegraded(okToSplit)
}

// handleDegradedPositions re-evaluates degraded state before I/O is
// issued and converts trackers of degraded positions.
func (sr *SubRequest) handleDegradedPositions(writeDegraded bool) error {
	if err := sr.determineDegradedPositions(false); err != nil {
		return err
	}
	if err := sr.checkDegraded(false); err != nil {
		return err
	}
	sr.removeDegradedWriteFruts(writeDegraded)
	if err := sr.removeDegradedReadFruts(); err != nil {
		return err
	}
	sr.dataDisks = sr.write.CountActive()
	if sr.dataDisks == 0 {
		sr.dataDisks = sr.read.CountActive()
	}
	return nil
}

// refreshDegradedPositions re-evaluates degraded state after a
// continue and adjusts the given chain.
func (sr *SubRequest) refreshDegradedPositions(chain *raid.Chain) error {
	if err := sr.determineDegradedPositions(false); err != nil {
		return err
	}
	if sr.touched.Count() >= sr.width() {
		return errors.Wrapf(errTooManyDead, "all positions degraded after continue")
	}
	if chain.Kind() == raid.ChainWrite {
		sr.removeDegradedWriteFruts(sr.alg == AlgRebuild)
		sr.dataDisks = chain.CountActive()
	}
	return nil
}

// removeDegradedWriteFruts turns writes to degraded positions into
// no-ops. Disabled positions are never written; other degraded
// positions are written only when writeDegraded is set.
func (sr *SubRequest) removeDegradedWriteFruts(writeDegraded bool) {
	disabled := sr.disabled()
	for _, t := range sr.write.Active() {
		pos := t.Position
		if disabled.Has(pos) || (sr.touched.Has(pos) && !writeDegraded) {
			sr.log.Debugf("mirror: %s write to degraded position %d skipped", sr, pos)
			t.SetDegradedNop()
			sr.nopped = sr.nopped.Set(pos)
		}
	}
}

// removeDegradedReadFruts drops reads of degraded positions from a
// multi reader chain.
func (sr *SubRequest) removeDegradedReadFruts() error {
	if sr.read.Len() < 2 {
		return nil
	}
	for _, t := range sr.read.Trackers() {
		if !sr.touched.Has(t.Position) {
			continue
		}
		if err := sr.read.MoveTo(t, sr.freed); err != nil {
			return err
		}
	}
	return nil
}

// findReadPosition picks a new single copy read position that is not
// knownBad, is fully accessible and has not reported a media error.
// A read tracker at knownBad is relabelled, or dropped when the new
// position is already on the chain. Returns -1 when no position is
// left.
func (sr *SubRequest) findReadPosition(knownBad int) int {
	candidates := sr.fullAccess() &^ sr.mediaErrored &^ sr.paddingDegraded
	if knownBad >= 0 {
		candidates = candidates.Clear(knownBad)
	}

	pos := -1
	for i := 0; i < sr.width(); i++ {
		if p := sr.pmap.position(i); candidates.Has(p) {
			pos = p
			break
		}
	}
	if pos < 0 {
		return -1
	}
	sr.pmap.setPrimary(pos)

	if knownBad < 0 {
		return pos
	}
	if t := sr.read.Find(knownBad); t != nil {
		if sr.read.Find(pos) != nil {
			if err := sr.read.MoveTo(t, sr.freed); err != nil {
				sr.log.Errorf("mirror: %s dropping read of %d: %s", sr, knownBad, err)
			}
		} else {
			sr.log.Debugf("mirror: %s moving read from %d to %d", sr, knownBad, pos)
			t.Position = pos
		}
	}
	return pos
}

// checkPadding handles a request widened to the write alignment. The
// whole aligned extent is read from the primary, so positions whose
// copy of the padding is degraded cannot be the source.
func (sr *SubRequest) checkPadding() error {
	sr.paddingDegraded = 0
	h := sr.health()
	if h == nil || sr.aligned == sr.phys {
		return nil
	}

	disabled := sr.disabled()
	for pos := 0; pos < sr.width(); pos++ {
		if disabled.Has(pos) {
			sr.paddingDegraded = sr.paddingDegraded.Set(pos)
			continue
		}
		if _, found := h.NeedsRebuild(pos, sr.aligned); found {
			sr.paddingDegraded = sr.paddingDegraded.Set(pos)
		}
	}
	if !sr.paddingDegraded.Has(sr.parityPosition()) {
		return nil
	}
	if sr.findReadPosition(-1) < 0 {
		return errors.Wrapf(errTooManyDead, "no clean copy of %s", sr.aligned)
	}
	sr.log.Debugf("mirror: %s padding degraded on %s, reading %d", sr,
		sr.paddingDegraded, sr.parityPosition())
	return nil
}

// isSufficientFruts reports whether enough positions remain for the
// algorithm to make progress.
func (sr *SubRequest) isSufficientFruts() bool {
	readable := sr.fullAccess() &^ sr.mediaErrored
	switch {
	case sr.alg == AlgRebuild:
		return !readable.IsEmpty() && !(sr.touched &^ sr.disabled()).IsEmpty()
	case sr.alg.IsWrite():
		return !sr.fullAccess().IsEmpty()
	default:
		return !readable.IsEmpty()
	}
}
