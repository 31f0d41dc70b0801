//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package monitor tracks position liveness for a redundant group and
// answers the continue handshake raised by in-flight requests.
package monitor

import (
	"context"
	"sync"

	"github.com/daos-stack/raid-mirror/lib/atm"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

// RebuildStore persists needs-rebuild markers.
type RebuildStore interface {
	Mark(pos int, ext raid.Extent) error
	Clear(pos int, ext raid.Extent) error
	FirstRange(pos int, ext raid.Extent) (raid.Extent, bool, error)
}

// Remap records a remap request raised by the engine.
type Remap struct {
	Extent    raid.Extent
	Positions raid.Bitmask
}

// Monitor is the reference group monitor.
type Monitor struct {
	sync.RWMutex
	log            logging.Logger
	width          int
	alive          raid.Bitmask
	rebuildLogging raid.Bitmask
	store          RebuildStore

	quiescing atm.Bool
	unquiesce chan struct{}

	hold      chan struct{}
	continues int
	remaps    []Remap
}

var _ raid.Monitor = (*Monitor)(nil)

// New returns a monitor with every position alive. A nil store
// disables needs-rebuild tracking.
func New(log logging.Logger, width int, store RebuildStore) *Monitor {
	done := make(chan struct{})
	close(done)

	return &Monitor{
		log:       log,
		width:     width,
		alive:     raid.WidthMask(width),
		store:     store,
		unquiesce: done,
	}
}

// SetAlive updates the liveness of a position. A position coming
// back does not leave rebuild logging until ClearRebuildLogging.
func (m *Monitor) SetAlive(pos int, alive bool) {
	m.Lock()
	defer m.Unlock()

	if alive {
		m.alive = m.alive.Set(pos)
	} else {
		m.alive = m.alive.Clear(pos)
	}
	m.log.Debugf("position %d alive=%t (alive %s)", pos, alive, m.alive)
}

// Alive returns the positions currently alive.
func (m *Monitor) Alive() raid.Bitmask {
	m.RLock()
	defer m.RUnlock()
	return m.alive
}

// SetRebuildLogging marks a position as disabled.
func (m *Monitor) SetRebuildLogging(pos int) {
	m.Lock()
	defer m.Unlock()
	m.rebuildLogging = m.rebuildLogging.Set(pos)
	m.log.Noticef("position %d entered rebuild logging", pos)
}

// ClearRebuildLogging re-enables a position.
func (m *Monitor) ClearRebuildLogging(pos int) {
	m.Lock()
	defer m.Unlock()
	m.rebuildLogging = m.rebuildLogging.Clear(pos)
	m.log.Noticef("position %d left rebuild logging", pos)
}

// RebuildLogging implements raid.HealthSource.
func (m *Monitor) RebuildLogging() raid.Bitmask {
	m.RLock()
	defer m.RUnlock()
	return m.rebuildLogging
}

// NeedsRebuild implements raid.HealthSource. A store failure reports
// the whole extent as stale.
func (m *Monitor) NeedsRebuild(pos int, ext raid.Extent) (raid.Extent, bool) {
	if m.store == nil {
		return raid.Extent{}, false
	}
	nr, found, err := m.store.FirstRange(pos, ext)
	if err != nil {
		m.log.Errorf("needs-rebuild lookup for position %d %s: %s", pos, ext, err)
		return ext, true
	}
	return nr, found
}

// MarkNeedsRebuild implements raid.HealthSource.
func (m *Monitor) MarkNeedsRebuild(pos int, ext raid.Extent) error {
	if m.store == nil {
		m.log.Debugf("no needs-rebuild store; dropping marker for position %d %s", pos, ext)
		return nil
	}
	return m.store.Mark(pos, ext)
}

// ClearNeedsRebuild implements raid.HealthSource.
func (m *Monitor) ClearNeedsRebuild(pos int, ext raid.Extent) error {
	if m.store == nil {
		return nil
	}
	return m.store.Clear(pos, ext)
}

// Hold delays continue notices until Release is called.
func (m *Monitor) Hold() {
	m.Lock()
	defer m.Unlock()
	if m.hold == nil {
		m.hold = make(chan struct{})
	}
}

// Release lets held continue notices through.
func (m *Monitor) Release() {
	m.Lock()
	defer m.Unlock()
	if m.hold != nil {
		close(m.hold)
		m.hold = nil
	}
}

// Continues returns the number of continue requests answered.
func (m *Monitor) Continues() int {
	m.RLock()
	defer m.RUnlock()
	return m.continues
}

// RequestContinue implements raid.Monitor. Reported positions that
// are no longer alive enter rebuild logging before the notice is
// sent.
func (m *Monitor) RequestContinue(ctx context.Context, dead raid.Bitmask) <-chan raid.ContinueNotice {
	out := make(chan raid.ContinueNotice, 1)

	m.RLock()
	hold := m.hold
	m.RUnlock()

	go func() {
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}

		m.Lock()
		for _, pos := range dead.Positions() {
			if !m.alive.Has(pos) && !m.rebuildLogging.Has(pos) {
				m.rebuildLogging = m.rebuildLogging.Set(pos)
				m.log.Noticef("position %d dead; entered rebuild logging", pos)
			}
		}
		m.continues++
		notice := raid.ContinueNotice{Alive: m.alive}
		m.Unlock()

		m.log.Debugf("continue for dead %s: alive %s", dead, notice.Alive)
		out <- notice
	}()

	return out
}

// RemapNeeded implements raid.Monitor.
func (m *Monitor) RemapNeeded(ext raid.Extent, positions raid.Bitmask) {
	m.Lock()
	defer m.Unlock()
	m.remaps = append(m.remaps, Remap{Extent: ext, Positions: positions})
	m.log.Noticef("remap needed at %s on positions %s", ext, positions)
}

// Remaps returns the remap requests received so far.
func (m *Monitor) Remaps() []Remap {
	m.RLock()
	defer m.RUnlock()
	return append([]Remap(nil), m.remaps...)
}

// Quiesce asks in-flight requests to park.
func (m *Monitor) Quiesce() {
	m.Lock()
	defer m.Unlock()
	if m.quiescing.Set(true) {
		m.unquiesce = make(chan struct{})
		m.log.Debug("quiesce requested")
	}
}

// Unquiesce releases parked requests.
func (m *Monitor) Unquiesce() {
	m.Lock()
	defer m.Unlock()
	if m.quiescing.Set(false) {
		close(m.unquiesce)
		m.log.Debug("quiesce released")
	}
}

// Quiescing implements raid.Monitor.
func (m *Monitor) Quiescing() bool {
	return m.quiescing.IsTrue()
}

// Unquiesced implements raid.Monitor.
func (m *Monitor) Unquiesced() <-chan struct{} {
	m.RLock()
	defer m.RUnlock()
	return m.unquiesce
}
