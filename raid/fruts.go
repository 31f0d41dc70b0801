//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ChainKind identifies which chain of a request owns a tracker.
type ChainKind uint8

// Chain kinds.
const (
	ChainNone ChainKind = iota
	ChainRead
	ChainWrite
	ChainFreed
)

func (k ChainKind) String() string {
	switch k {
	case ChainRead:
		return "read"
	case ChainWrite:
		return "write"
	case ChainFreed:
		return "freed"
	default:
		return "none"
	}
}

// TrackerFlags are per-tracker state bits.
type TrackerFlags uint8

// Tracker flags.
const (
	FlagOptimize TrackerFlags = 1 << iota
	FlagErrorInjected
	FlagOutstanding
	FlagDegradedNop
	FlagRetried
)

// Owner is the request that owns a chain.
type Owner interface {
	ID() uuid.UUID
	Nested() bool
}

// ErrChainCorrupt indicates a tracker was not found where expected.
var ErrChainCorrupt = errors.New("tracker chain corrupt")

// FruTracker describes the I/O issued to one group position.
type FruTracker struct {
	Position      int
	Opcode        Opcode
	Extent        Extent
	Status        BlockStatus
	Qualifier     BlockQualifier
	MediaErrorLBA LBA
	RetryCount    int
	Timestamp     time.Time
	Flags         TrackerFlags
	SG            SGList

	chain      *Chain
	prev, next *FruTracker
}

// NewTracker returns an initialized tracker that is not yet on a chain.
func NewTracker(op Opcode, ext Extent, pos int) *FruTracker {
	t := new(FruTracker)
	t.Init(op, ext, pos)
	return t
}

func (t *FruTracker) String() string {
	return fmt.Sprintf("pos %d %s %s %s/%s", t.Position, t.Opcode, t.Extent,
		t.Status, t.Qualifier)
}

// Init prepares the tracker for a new operation.
func (t *FruTracker) Init(op Opcode, ext Extent, pos int) {
	t.Position = pos
	t.Opcode = op
	t.Extent = ext
	t.Status = StatusInvalid
	t.Qualifier = QualNone
	t.MediaErrorLBA = InvalidLBA
	t.RetryCount = 0
	t.Flags = 0
	t.SG = nil
}

// Reinit retargets the tracker at a new extent on the same position.
// The scatter-gather assignment is invalidated and must be replanted.
func (t *FruTracker) Reinit(ext Extent) {
	t.Extent = ext
	t.Status = StatusInvalid
	t.Qualifier = QualNone
	t.MediaErrorLBA = InvalidLBA
	t.Flags &^= FlagOutstanding | FlagDegradedNop
	t.SG = nil
}

// SetDegradedNop turns the tracker into a placeholder that still
// occupies its position on the chain but issues no I/O.
func (t *FruTracker) SetDegradedNop() {
	t.Opcode = OpcodeInvalid
	t.Flags |= FlagDegradedNop
	t.Status = StatusInvalid
	t.Qualifier = QualNone
}

// IsNop returns true if the tracker issues no I/O.
func (t *FruTracker) IsNop() bool {
	return t.Opcode == OpcodeInvalid
}

// Complete records the drive completion on the tracker.
func (t *FruTracker) Complete(c Completion) {
	t.Status = c.Status
	t.Qualifier = c.Qualifier
	t.MediaErrorLBA = c.MediaErrorLBA
	t.Flags &^= FlagOutstanding
}

// Owner returns the request owning the tracker's chain, or nil.
func (t *FruTracker) Owner() Owner {
	if t.chain == nil {
		return nil
	}
	return t.chain.owner
}

// ChainKind returns the kind of chain currently holding the tracker.
func (t *FruTracker) ChainKind() ChainKind {
	if t.chain == nil {
		return ChainNone
	}
	return t.chain.kind
}

// Chain is an ordered, intrusively linked collection of trackers
// owned by one request. A tracker is held by at most one chain at a
// time and moves between chains in constant time.
type Chain struct {
	kind       ChainKind
	owner      Owner
	head, tail *FruTracker
	n          int
}

// NewChain returns an empty chain of the given kind.
func NewChain(kind ChainKind, owner Owner) *Chain {
	return &Chain{kind: kind, owner: owner}
}

// Kind returns the chain kind.
func (c *Chain) Kind() ChainKind {
	return c.kind
}

// Len returns the number of trackers on the chain.
func (c *Chain) Len() int {
	return c.n
}

// Trackers returns a snapshot of the chain members in order.
func (c *Chain) Trackers() []*FruTracker {
	out := make([]*FruTracker, 0, c.n)
	for t := c.head; t != nil; t = t.next {
		out = append(out, t)
	}
	return out
}

// Head returns the first tracker, or nil.
func (c *Chain) Head() *FruTracker {
	return c.head
}

// Push appends a tracker that is not on any chain.
func (c *Chain) Push(t *FruTracker) error {
	if t == nil {
		return errors.Wrap(ErrChainCorrupt, "nil tracker")
	}
	if t.chain != nil {
		return errors.Wrapf(ErrChainCorrupt, "tracker %s already on %s chain", t, t.chain.kind)
	}
	t.chain = c
	t.prev, t.next = c.tail, nil
	if c.tail != nil {
		c.tail.next = t
	} else {
		c.head = t
	}
	c.tail = t
	c.n++
	return nil
}

// Remove detaches the tracker from the chain.
func (c *Chain) Remove(t *FruTracker) error {
	if t == nil || t.chain != c {
		return errors.Wrapf(ErrChainCorrupt, "tracker not on %s chain", c.kind)
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		c.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		c.tail = t.prev
	}
	c.n--
	t.chain, t.prev, t.next = nil, nil, nil
	t.SG = nil
	return nil
}

// MoveTo transfers ownership of the tracker to dst.
func (c *Chain) MoveTo(t *FruTracker, dst *Chain) error {
	if err := c.Remove(t); err != nil {
		return err
	}
	return dst.Push(t)
}

// Find returns the first tracker at the given position, or nil.
func (c *Chain) Find(pos int) *FruTracker {
	for t := c.head; t != nil; t = t.next {
		if t.Position == pos {
			return t
		}
	}
	return nil
}

// CountActive returns the number of trackers that issue I/O.
func (c *Chain) CountActive() int {
	var n int
	for t := c.head; t != nil; t = t.next {
		if !t.IsNop() {
			n++
		}
	}
	return n
}

// Active returns the trackers that issue I/O.
func (c *Chain) Active() []*FruTracker {
	out := make([]*FruTracker, 0, c.n)
	for t := c.head; t != nil; t = t.next {
		if !t.IsNop() {
			out = append(out, t)
		}
	}
	return out
}

// Bitmask returns the positions of active trackers.
func (c *Chain) Bitmask() Bitmask {
	var b Bitmask
	for t := c.head; t != nil; t = t.next {
		if !t.IsNop() {
			b = b.Set(t.Position)
		}
	}
	return b
}
