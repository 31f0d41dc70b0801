//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import "context"

type (
	// IORequest is one operation issued to a drive.
	IORequest struct {
		Opcode    Opcode
		Extent    Extent
		SG        SGList
		BlockSize int
	}

	// Drive performs block I/O against one group position.
	Drive interface {
		Do(ctx context.Context, req *IORequest) Completion
	}

	// Handle is an ownership-tracked buffer grant that can be carved
	// into scatter-gather lists.
	Handle interface {
		Carve(bytes int) (SGList, error)
		Free()
	}

	// Grant is an outstanding or completed buffer allocation.
	Grant interface {
		// Ready is closed once the grant has been satisfied or cancelled.
		Ready() <-chan struct{}
		Handle() (Handle, error)
		Cancel()
	}

	// ResourceLayer hands out buffers for in-flight requests.
	ResourceLayer interface {
		Allocate(ctx context.Context, slots int, blocks BlockCount, blockSize int) (Grant, error)
	}
)

// XorStatus is the result of a checksum or reconstruct operation.
type XorStatus int

// Validator results.
const (
	XorNoError XorStatus = iota
	XorChecksumError
	XorUncorrectable
)

func (s XorStatus) String() string {
	switch s {
	case XorNoError:
		return "no-error"
	case XorChecksumError:
		return "checksum-error"
	case XorUncorrectable:
		return "uncorrectable"
	default:
		return "unknown"
	}
}

type (
	// ValidateResult reports which positions carried invalid blocks.
	ValidateResult struct {
		Status XorStatus
		Bad    Bitmask
		// FirstBad holds the address of the first bad block for each
		// position in Bad.
		FirstBad map[int]LBA
	}

	// Validator checks and regenerates block checksums.
	Validator interface {
		Generate(sg SGList, blockSize int) error
		ValidBlock(block []byte) bool
		// Invalidate marks a block so that it no longer validates.
		Invalidate(block []byte)
		Validate(trackers []*FruTracker, blockSize int) ValidateResult
		// Reconstruct repairs one block across the group: blocks is
		// indexed by position, valid lists the positions holding good
		// copies and rebuild the positions that must be regenerated.
		Reconstruct(blocks [][]byte, valid, rebuild Bitmask) XorStatus
	}
)

type (
	// ContinueNotice is delivered by the monitor once it has resolved
	// the liveness of the positions a request reported dead.
	ContinueNotice struct {
		Alive Bitmask
		Err   error
	}

	// HealthSource reports per-position degraded state.
	HealthSource interface {
		// RebuildLogging returns the positions that are disabled.
		RebuildLogging() Bitmask
		// NeedsRebuild returns the first marked range of pos within ext.
		NeedsRebuild(pos int, ext Extent) (Extent, bool)
		MarkNeedsRebuild(pos int, ext Extent) error
		ClearNeedsRebuild(pos int, ext Extent) error
	}

	// Monitor owns drive liveness and answers continue requests.
	Monitor interface {
		HealthSource
		// RequestContinue reports dead positions. The returned channel
		// delivers exactly one notice unless ctx is cancelled first.
		RequestContinue(ctx context.Context, dead Bitmask) <-chan ContinueNotice
		RemapNeeded(ext Extent, positions Bitmask)
		Quiescing() bool
		// Unquiesced is closed when the current quiesce is released.
		Unquiesced() <-chan struct{}
	}
)
