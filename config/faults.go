//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package config

import (
	"fmt"

	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
)

var (
	// FaultUnknown indicates an unclassified configuration error.
	FaultUnknown = configFault(
		code.ConfigUnknown,
		"unknown group configuration error",
		"",
	)
)

// FaultConfigDriveCountMismatch indicates the drive list does not
// match the group width.
func FaultConfigDriveCountMismatch(drives, width int) *fault.Fault {
	return configFault(
		code.ConfigDriveCountMismatch,
		fmt.Sprintf("%d drives configured for a group of width %d", drives, width),
		"list exactly one drive per group position in 'drives'",
	)
}

// FaultConfigBadReadPolicy indicates an unknown read policy.
func FaultConfigBadReadPolicy(policy string) *fault.Fault {
	return configFault(
		code.ConfigBadReadPolicy,
		fmt.Sprintf("unknown read policy %q", policy),
		"set 'read_policy' to one of primary, round-robin or least-outstanding",
	)
}

// FaultConfigBadPoolSize indicates a buffer pool size that cannot be
// parsed or cannot hold a single block.
func FaultConfigBadPoolSize(param, value string) *fault.Fault {
	return configFault(
		code.ConfigBadPoolSize,
		fmt.Sprintf("invalid %s %q", param, value),
		fmt.Sprintf("set '%s' to a size such as \"64MiB\" large enough for one block", param),
	)
}

func configFault(c code.Code, desc, res string) *fault.Fault {
	return &fault.Fault{
		Domain:      "config",
		Code:        c,
		Description: desc,
		Resolution:  res,
	}
}
