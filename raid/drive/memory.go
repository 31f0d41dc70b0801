//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package drive provides block device back ends for group positions.
package drive

import (
	"context"
	"sync"
	"time"

	"github.com/daos-stack/raid-mirror/raid"
)

type (
	// Injection describes an error returned for I/O overlapping
	// Extent. Count limits how many times it fires; zero means
	// every time.
	Injection struct {
		Opcode    raid.Opcode
		Extent    raid.Extent
		Status    raid.BlockStatus
		Qualifier raid.BlockQualifier
		// MediaLBA is the reported media error address. When unset
		// the first overlapping block is reported.
		MediaLBA raid.LBA
		Count    int
		// Delay holds the completion back.
		Delay time.Duration

		fired int
	}

	// MemoryDrive is an in-memory drive with error injection.
	MemoryDrive struct {
		sync.Mutex
		blockSize  int
		data       []byte
		injections []*Injection
		ops        map[raid.Opcode]int
		hook       func(req *raid.IORequest)
	}
)

var _ raid.Drive = (*MemoryDrive)(nil)

// NewMemoryDrive returns a zeroed drive of the given size.
func NewMemoryDrive(blocks raid.BlockCount, blockSize int) *MemoryDrive {
	return &MemoryDrive{
		blockSize: blockSize,
		data:      make([]byte, int(blocks)*blockSize),
		ops:       make(map[raid.Opcode]int),
	}
}

// Inject adds an error injection.
func (d *MemoryDrive) Inject(inj Injection) {
	d.Lock()
	defer d.Unlock()
	if inj.MediaLBA == 0 {
		inj.MediaLBA = raid.InvalidLBA
	}
	d.injections = append(d.injections, &inj)
}

// ClearInjections removes all error injections.
func (d *MemoryDrive) ClearInjections() {
	d.Lock()
	defer d.Unlock()
	d.injections = nil
}

// SetHook installs a function invoked before every request is
// serviced.
func (d *MemoryDrive) SetHook(fn func(req *raid.IORequest)) {
	d.Lock()
	defer d.Unlock()
	d.hook = fn
}

// OpCount returns the number of requests serviced for the opcode.
func (d *MemoryDrive) OpCount(op raid.Opcode) int {
	d.Lock()
	defer d.Unlock()
	return d.ops[op]
}

// Capacity returns the drive size in blocks.
func (d *MemoryDrive) Capacity() raid.BlockCount {
	return raid.BlockCount(len(d.data) / d.blockSize)
}

// ReadAt returns a copy of the stored blocks.
func (d *MemoryDrive) ReadAt(ext raid.Extent) []byte {
	d.Lock()
	defer d.Unlock()
	out := make([]byte, int(ext.Blocks)*d.blockSize)
	copy(out, d.data[int(ext.Start)*d.blockSize:])
	return out
}

// WriteAt stores blocks directly, bypassing injections.
func (d *MemoryDrive) WriteAt(start raid.LBA, buf []byte) {
	d.Lock()
	defer d.Unlock()
	copy(d.data[int(start)*d.blockSize:], buf)
}

func (d *MemoryDrive) matchInjection(req *raid.IORequest) (*Injection, raid.Extent) {
	for _, inj := range d.injections {
		if inj.Opcode != raid.OpcodeInvalid && inj.Opcode != req.Opcode {
			continue
		}
		if inj.Count > 0 && inj.fired >= inj.Count {
			continue
		}
		overlap, ok := inj.Extent.Intersect(req.Extent)
		if !ok {
			continue
		}
		inj.fired++
		return inj, overlap
	}
	return nil, raid.Extent{}
}

// Do services one request.
func (d *MemoryDrive) Do(ctx context.Context, req *raid.IORequest) raid.Completion {
	d.Lock()
	hook := d.hook
	d.Unlock()
	if hook != nil {
		hook(req)
	}

	if ctx.Err() != nil {
		return raid.Failed(raid.StatusRequestAborted, raid.QualClientAborted)
	}

	d.Lock()
	defer d.Unlock()

	d.ops[req.Opcode]++
	if req.Extent.End() > raid.LBA(len(d.data)/d.blockSize) {
		return raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)
	}

	valid := req.Extent
	inj, overlap := d.matchInjection(req)
	if inj != nil && inj.Delay > 0 {
		d.Unlock()
		select {
		case <-time.After(inj.Delay):
		case <-ctx.Done():
		}
		d.Lock()
	}
	if inj != nil && inj.Status != raid.StatusMediaError {
		return raid.Failed(inj.Status, inj.Qualifier)
	}
	if inj != nil {
		// data up to the media error is transferred
		valid = valid.Truncate(overlap.Start)
	}

	if err := d.transfer(req, valid); err != nil {
		return raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)
	}

	if inj != nil {
		lba := inj.MediaLBA
		if lba == raid.InvalidLBA || !overlap.ContainsLBA(lba) {
			lba = overlap.Start
		}
		return raid.Completion{Status: inj.Status, Qualifier: inj.Qualifier, MediaErrorLBA: lba}
	}
	return raid.Succeeded()
}

func (d *MemoryDrive) transfer(req *raid.IORequest, ext raid.Extent) error {
	off := int(ext.Start) * d.blockSize
	n := int(ext.Blocks) * d.blockSize
	if n == 0 {
		return nil
	}

	switch req.Opcode {
	case raid.OpcodeRead:
		req.SG.Slice(0, n).CopyFrom(d.data[off : off+n])
	case raid.OpcodeWrite, raid.OpcodeWriteVerify:
		req.SG.Slice(0, n).CopyTo(d.data[off : off+n])
	case raid.OpcodeZero:
		for i := off; i < off+n; i++ {
			d.data[i] = 0
		}
	}
	return nil
}
