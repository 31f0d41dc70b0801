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

// buildWriteFruts queues one write per position. Misaligned positions
// write the aligned extent from a spliced buffer.
func (sr *SubRequest) buildWriteFruts() error {
	op := sr.alg.writeOpcode()
	for pos := 0; pos < sr.width(); pos++ {
		ext := sr.phys
		var sg raid.SGList
		switch {
		case sr.alg == AlgZero:
		case sr.misaligned.Has(pos):
			spliced, err := sr.splice()
			if err != nil {
				return errors.Wrapf(err, "position %d", pos)
			}
			sg, ext = spliced, sr.aligned
		default:
			sg = sr.buf
		}
		t := raid.NewTracker(op, ext, pos)
		t.SG = sg
		if err := sr.write.Push(t); err != nil {
			return err
		}
	}
	return nil
}

// splice builds an aligned write buffer: the pre-read data with the
// caller data laid over it.
func (sr *SubRequest) splice() (raid.SGList, error) {
	if !sr.preReadDone {
		return nil, errors.New("splice without pre-read")
	}
	if !sr.aligned.Contains(sr.phys) {
		return nil, errors.Errorf("aligned extent %s does not contain %s", sr.aligned, sr.phys)
	}

	sg, err := sr.carve(sr.aligned.Blocks)
	if err != nil {
		return nil, err
	}
	if n := sg.CopySG(sr.preReadSG); n != sr.g.geom.Bytes(sr.aligned.Blocks) {
		return nil, errors.Errorf("pre-read copied %d bytes", n)
	}
	off := sr.g.geom.Bytes(raid.BlockCount(sr.phys.Start - sr.aligned.Start))
	size := sr.g.geom.Bytes(sr.phys.Blocks)
	if n := sg.Slice(off, size).CopySG(sr.buf); n != size {
		return nil, errors.Errorf("caller data copied %d of %d bytes", n, size)
	}
	sr.private = append(sr.private, sg...)
	return sg, nil
}

// validateWriteFruts checks every active write against the alignment
// rules and buffer sources. A write of the request extent sends the
// caller buffer, a widened or corrupted write sends a private buffer
// built by this request.
func (sr *SubRequest) validateWriteFruts() error {
	for _, t := range sr.write.Active() {
		if !t.Extent.Contains(sr.phys) {
			return errors.Errorf("write %s does not cover %s", t, sr.phys)
		}
		if t.Opcode == raid.OpcodeZero {
			if t.SG.Len() != 0 {
				return errors.Errorf("zero %s carries %d buffer bytes", t, t.SG.Len())
			}
			continue
		}
		if t.SG.Len() < sr.g.geom.Bytes(t.Extent.Blocks) {
			return errors.Errorf("write %s has %d buffer bytes", t, t.SG.Len())
		}
		if sr.g.geom.NeedsAlignment(t.Position, t.Extent) {
			return errors.Errorf("write %s not aligned to %d blocks", t, sr.g.geom.AlignmentBlocks)
		}

		src, name := sr.buf, "caller"
		if t.Extent != sr.phys || t.Flags&raid.FlagErrorInjected != 0 {
			src, name = sr.private, "private"
		}
		if !t.SG.Within(src, sr.blockSize()) {
			return errors.Errorf("write %s buffer is not from the %s buffer", t, name)
		}
	}
	return nil
}

// corruptSingleTarget keeps one write, replaces its data with blocks
// that fail validation and records the injected error region.
func (sr *SubRequest) corruptSingleTarget() (stateStatus, bool) {
	var keep *raid.FruTracker
	for _, t := range sr.write.Active() {
		if keep == nil && !sr.g.geom.NeedsAlignment(t.Position, t.Extent) {
			keep = t
			continue
		}
		t.SetDegradedNop()
	}
	if keep == nil {
		return sr.unsupported("no position can take an unaligned corrupt write"), true
	}

	sg, err := sr.carve(sr.phys.Blocks)
	if err != nil {
		return sr.unexpected("corrupt buffer: %s", err), true
	}
	sg.CopySG(sr.buf)
	if err := sg.ForEachBlock(sr.blockSize(), func(_ int, block []byte) error {
		sr.g.val.Invalidate(block)
		return nil
	}); err != nil {
		return sr.unexpected("corrupting blocks: %s", err), true
	}

	sr.private = append(sr.private, sg...)
	keep.SG = sg
	keep.Flags |= raid.FlagErrorInjected
	sr.errRegions = append(sr.errRegions, ErrorRegion{
		Extent:    sr.phys,
		Positions: raid.PositionBit(keep.Position),
		Injected:  true,
	})
	sr.log.Debugf("mirror: %s corrupting position %d", sr, keep.Position)
	return stateExecuting, false
}
