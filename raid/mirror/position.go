//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/raid"
)

// maxDeadPositions is the number of degraded positions a single
// request can track.
const maxDeadPositions = 2

var errDeadSetFull = errors.New("more than two degraded positions")

type deadEntry struct {
	pos    int
	offset raid.LBA
}

// deadSet holds up to two degraded positions ordered by the start of
// their degraded range, lowest first.
type deadSet struct {
	entries [maxDeadPositions]deadEntry
	n       int
}

func (d *deadSet) String() string {
	switch d.n {
	case 0:
		return "[]"
	case 1:
		return fmt.Sprintf("[%d@%s]", d.entries[0].pos, d.entries[0].offset)
	default:
		return fmt.Sprintf("[%d@%s,%d@%s]", d.entries[0].pos, d.entries[0].offset,
			d.entries[1].pos, d.entries[1].offset)
	}
}

func (d *deadSet) index(pos int) int {
	for i := 0; i < d.n; i++ {
		if d.entries[i].pos == pos {
			return i
		}
	}
	return -1
}

func (d *deadSet) has(pos int) bool {
	return d.index(pos) >= 0
}

func (d *deadSet) count() int {
	return d.n
}

// first returns the position with the lowest degraded offset, or -1.
func (d *deadSet) first() int {
	if d.n == 0 {
		return -1
	}
	return d.entries[0].pos
}

// second returns the other degraded position, or -1.
func (d *deadSet) second() int {
	if d.n < 2 {
		return -1
	}
	return d.entries[1].pos
}

func (d *deadSet) offset(pos int) raid.LBA {
	if i := d.index(pos); i >= 0 {
		return d.entries[i].offset
	}
	return raid.InvalidLBA
}

func (d *deadSet) bitmask() raid.Bitmask {
	var b raid.Bitmask
	for i := 0; i < d.n; i++ {
		b = b.Set(d.entries[i].pos)
	}
	return b
}

// insertOrdered adds or updates pos. A position already present has
// its offset replaced. Entries with equal offsets keep their
// insertion order.
func (d *deadSet) insertOrdered(pos int, offset raid.LBA) error {
	if i := d.index(pos); i >= 0 {
		d.removeAt(i)
	}
	if d.n == maxDeadPositions {
		return errors.Wrapf(errDeadSetFull, "adding position %d to %s", pos, d)
	}

	e := deadEntry{pos: pos, offset: offset}
	if d.n == 1 && offset < d.entries[0].offset {
		d.entries[1] = d.entries[0]
		d.entries[0] = e
	} else {
		d.entries[d.n] = e
	}
	d.n++
	return nil
}

func (d *deadSet) removeAt(i int) {
	if i == 0 && d.n == 2 {
		d.entries[0] = d.entries[1]
	}
	d.n--
	d.entries[d.n] = deadEntry{}
}

// remove drops pos and returns true if it was present.
func (d *deadSet) remove(pos int) bool {
	i := d.index(pos)
	if i < 0 {
		return false
	}
	d.removeAt(i)
	return true
}

func (d *deadSet) reset() {
	*d = deadSet{}
}

// positionMap maps mirror indexes to group positions. Index zero is
// the primary, used for single copy reads.
type positionMap struct {
	toPos   [raid.MaxWidth]int
	toIndex [raid.MaxWidth]int
	width   int
}

func newPositionMap(width int) positionMap {
	pm := positionMap{width: width}
	for i := 0; i < width; i++ {
		pm.toPos[i] = i
		pm.toIndex[i] = i
	}
	return pm
}

func (pm *positionMap) position(index int) int {
	return pm.toPos[index]
}

func (pm *positionMap) index(pos int) int {
	return pm.toIndex[pos]
}

func (pm *positionMap) primary() int {
	return pm.toPos[0]
}

// setPrimary swaps pos into index zero.
func (pm *positionMap) setPrimary(pos int) {
	old := pm.toIndex[pos]
	if old == 0 {
		return
	}
	prev := pm.toPos[0]
	pm.toPos[0], pm.toPos[old] = pos, prev
	pm.toIndex[pos], pm.toIndex[prev] = 0, old
}

// secondary returns the first position after the primary that is in
// candidates, or -1.
func (pm *positionMap) secondary(candidates raid.Bitmask) int {
	for i := 1; i < pm.width; i++ {
		if candidates.Has(pm.toPos[i]) {
			return pm.toPos[i]
		}
	}
	return -1
}
