//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"fmt"

	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
	"github.com/daos-stack/raid-mirror/raid"
)

// Outcome is the terminal result of a submitted operation.
type Outcome int

// Caller visible outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeAborted
	OutcomeDead
	OutcomeShutdown
	OutcomeMediaError
	OutcomeIOFailed
	OutcomeUnsupported
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAborted:
		return "aborted"
	case OutcomeDead:
		return "dead"
	case OutcomeShutdown:
		return "shutdown"
	case OutcomeMediaError:
		return "media-error"
	case OutcomeIOFailed:
		return "io-failed"
	case OutcomeUnsupported:
		return "unsupported"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// resolution is the per-pass decision reached after classifying a
// tracker chain.
type resolution int

const (
	resSuccess resolution = iota
	resRetry
	resWaiting
	resDead
	resShutdown
	resAborted
	resMediaError
	resMiningRequired
	resTooManyDead
	resUnsupported
	resUnexpected
)

func (r resolution) String() string {
	return [...]string{
		"success", "retry", "waiting", "dead", "shutdown", "aborted",
		"media-error", "mining-required", "too-many-dead", "unsupported",
		"unexpected",
	}[r]
}

// Algorithm selects the state machine run by a sub-request.
type Algorithm int

// Supported algorithms.
const (
	AlgRead Algorithm = iota
	AlgWrite
	AlgWriteVerify
	AlgCorruptData
	// AlgVerify checks every readable copy without repairing.
	AlgVerify
	// AlgVerifyWrite checks every readable copy and rewrites bad ones.
	AlgVerifyWrite
	AlgZero
	AlgRebuild
)

func (a Algorithm) String() string {
	switch a {
	case AlgRead:
		return "read"
	case AlgWrite:
		return "write"
	case AlgWriteVerify:
		return "write-verify"
	case AlgCorruptData:
		return "corrupt-data"
	case AlgVerify:
		return "verify"
	case AlgVerifyWrite:
		return "verify-write"
	case AlgZero:
		return "zero"
	case AlgRebuild:
		return "rebuild"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// IsWrite returns true for algorithms that only write.
func (a Algorithm) IsWrite() bool {
	switch a {
	case AlgWrite, AlgWriteVerify, AlgCorruptData, AlgZero:
		return true
	default:
		return false
	}
}

// IsVerify returns true for the verify algorithms.
func (a Algorithm) IsVerify() bool {
	return a == AlgVerify || a == AlgVerifyWrite
}

func (a Algorithm) writeOpcode() raid.Opcode {
	switch a {
	case AlgWriteVerify, AlgVerifyWrite:
		return raid.OpcodeWriteVerify
	case AlgZero:
		return raid.OpcodeZero
	default:
		return raid.OpcodeWrite
	}
}

func mirrorFault(c code.Code, desc, res string) *fault.Fault {
	return &fault.Fault{
		Domain:      "mirror",
		Code:        c,
		Description: desc,
		Resolution:  res,
	}
}

// FaultTooManyDead indicates no copy of a range is reachable.
func FaultTooManyDead(ext raid.Extent, degraded raid.Bitmask) *fault.Fault {
	return mirrorFault(code.MirrorTooManyDead,
		fmt.Sprintf("no accessible copy of %s (degraded %s)", ext, degraded),
		"restore or replace the failed drives")
}

// FaultShutdown indicates the group has lost too many members.
func FaultShutdown(disabled raid.Bitmask) *fault.Fault {
	return mirrorFault(code.MirrorShutdown,
		fmt.Sprintf("group shut down: positions %s disabled", disabled),
		"restore at least one drive of the group")
}

// FaultDead indicates positions failed and the request could not
// wait for the monitor.
func FaultDead(ext raid.Extent, dead raid.Bitmask) *fault.Fault {
	return mirrorFault(code.MirrorDead,
		fmt.Sprintf("positions %s dead during %s", dead, ext),
		"retry the operation once the monitor has processed the failure")
}

// FaultMediaError indicates data was lost on every copy.
func FaultMediaError(ext raid.Extent, lba raid.LBA) *fault.Fault {
	return mirrorFault(code.MirrorMediaError,
		fmt.Sprintf("uncorrectable media error in %s at %s", ext, lba),
		"restore the affected blocks from backup")
}

// FaultAborted indicates the caller cancelled the request.
func FaultAborted(ext raid.Extent) *fault.Fault {
	return mirrorFault(code.MirrorAborted,
		fmt.Sprintf("request %s aborted", ext), fault.ResolutionNone)
}

// FaultUnsupportedCondition reports a failure mode the engine does
// not handle.
func FaultUnsupportedCondition(desc string) *fault.Fault {
	return mirrorFault(code.MirrorUnsupportedCondition, desc, fault.ResolutionUnknown)
}

// FaultUnexpectedCondition reports an internal invariant violation.
func FaultUnexpectedCondition(desc string) *fault.Fault {
	return mirrorFault(code.MirrorUnexpectedCondition, desc, fault.ResolutionUnknown)
}

// FaultBadRequest reports a malformed request.
func FaultBadRequest(desc string) *fault.Fault {
	return mirrorFault(code.MirrorBadRequest, desc,
		"check the request extent and buffer size")
}

// FaultIOFailed reports a drive failure that was neither dead nor
// retryable.
func FaultIOFailed(ext raid.Extent, positions raid.Bitmask) *fault.Fault {
	return mirrorFault(code.MirrorIOFailed,
		fmt.Sprintf("I/O to positions %s failed for %s", positions, ext),
		fault.ResolutionUnknown)
}
