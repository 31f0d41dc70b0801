//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import "fmt"

// Opcode is the operation a tracker performs against its drive.
type Opcode uint8

// Drive opcodes. OpcodeInvalid marks a degraded no-op tracker.
const (
	OpcodeInvalid Opcode = iota
	OpcodeRead
	OpcodeWrite
	OpcodeWriteVerify
	OpcodeZero
)

func (o Opcode) String() string {
	switch o {
	case OpcodeInvalid:
		return "nop"
	case OpcodeRead:
		return "read"
	case OpcodeWrite:
		return "write"
	case OpcodeWriteVerify:
		return "write-verify"
	case OpcodeZero:
		return "zero"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// IsMediaModify returns true if the opcode changes drive contents.
func (o Opcode) IsMediaModify() bool {
	switch o {
	case OpcodeWrite, OpcodeWriteVerify, OpcodeZero:
		return true
	default:
		return false
	}
}

// BlockStatus is the completion status reported by a drive.
type BlockStatus uint8

// Block completion statuses.
const (
	StatusInvalid BlockStatus = iota
	StatusSuccess
	StatusIOFailed
	StatusMediaError
	StatusRequestAborted
	StatusTimeout
)

func (s BlockStatus) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusSuccess:
		return "success"
	case StatusIOFailed:
		return "io-failed"
	case StatusMediaError:
		return "media-error"
	case StatusRequestAborted:
		return "aborted"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// BlockQualifier refines a BlockStatus.
type BlockQualifier uint8

// Block status qualifiers.
const (
	QualNone BlockQualifier = iota
	QualRemapRequired
	QualZeroed
	QualStillCongested
	QualRetryPossible
	QualRetryNotPossible
	QualLockFailed
	QualCRCError
	QualNotPreferred
	QualCongested
	QualDataLost
	QualNoRemap
	QualOptionalAborted
	QualClientAborted
)

var qualifierNames = map[BlockQualifier]string{
	QualNone:             "none",
	QualRemapRequired:    "remap-required",
	QualZeroed:           "zeroed",
	QualStillCongested:   "still-congested",
	QualRetryPossible:    "retry-possible",
	QualRetryNotPossible: "retry-not-possible",
	QualLockFailed:       "lock-failed",
	QualCRCError:         "crc-error",
	QualNotPreferred:     "not-preferred",
	QualCongested:        "congested",
	QualDataLost:         "data-lost",
	QualNoRemap:          "no-remap",
	QualOptionalAborted:  "optional-aborted",
	QualClientAborted:    "client-aborted",
}

func (q BlockQualifier) String() string {
	if name, ok := qualifierNames[q]; ok {
		return name
	}
	return fmt.Sprintf("qualifier(%d)", uint8(q))
}

// Completion is the result of one drive operation.
type Completion struct {
	Status        BlockStatus
	Qualifier     BlockQualifier
	MediaErrorLBA LBA
}

// Succeeded returns a successful completion.
func Succeeded() Completion {
	return Completion{Status: StatusSuccess, MediaErrorLBA: InvalidLBA}
}

// Failed returns a completion with the given status and qualifier.
func Failed(status BlockStatus, qual BlockQualifier) Completion {
	return Completion{Status: status, Qualifier: qual, MediaErrorLBA: InvalidLBA}
}

func (c Completion) String() string {
	if c.MediaErrorLBA != InvalidLBA {
		return fmt.Sprintf("%s/%s@%s", c.Status, c.Qualifier, c.MediaErrorLBA)
	}
	return fmt.Sprintf("%s/%s", c.Status, c.Qualifier)
}
