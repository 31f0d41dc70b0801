//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import (
	"fmt"

	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
)

// FaultInsufficientResources indicates a buffer request can never be
// satisfied by the resource layer.
func FaultInsufficientResources(requested, available int) *fault.Fault {
	return resourceFault(code.ResourceInsufficient,
		fmt.Sprintf("requested %d bytes but only %d bytes can ever be granted", requested, available),
		"reduce the request size or increase the buffer pool size")
}

// FaultBadWidth indicates an unsupported group width.
func FaultBadWidth(width int) *fault.Fault {
	return geometryFault(code.ConfigBadWidth,
		fmt.Sprintf("group width %d not in range [2,%d]", width, MaxWidth),
		fmt.Sprintf("configure between 2 and %d drives", MaxWidth))
}

// FaultBadBlockSize indicates a block too small to carry a checksum.
func FaultBadBlockSize(size int) *fault.Fault {
	return geometryFault(code.ConfigBadBlockSize,
		fmt.Sprintf("block size %d must be larger than the %d byte checksum", size, ChecksumBytes),
		"configure a larger block size")
}

// FaultBadAlignment indicates inconsistent alignment settings.
func FaultBadAlignment(desc string) *fault.Fault {
	return geometryFault(code.ConfigBadAlignment, desc,
		"make optimal and aligned settings multiples of the write alignment")
}

func resourceFault(c code.Code, desc, res string) *fault.Fault {
	return &fault.Fault{
		Domain:      "resource",
		Code:        c,
		Description: desc,
		Resolution:  res,
	}
}

func geometryFault(c code.Code, desc, res string) *fault.Fault {
	return &fault.Fault{
		Domain:      "geometry",
		Code:        c,
		Description: desc,
		Resolution:  res,
	}
}
