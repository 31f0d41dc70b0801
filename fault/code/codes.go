//
// (C) Copyright 2018-2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package code is a central repository for all raid fault codes.
package code

import (
	"encoding/json"
	"strconv"
)

// Code represents a stable fault code.
//
// NB: All raid errors should register their codes in the
// following block in order to avoid conflicts.
//
// Also note that new codes should always be added at the bottom of
// their respective blocks. This ensures stability of fault codes
// over time.
type Code int

// UnmarshalJSON implements a custom unmarshaler
// to convert an int or string code to a Code.
func (c *Code) UnmarshalJSON(data []byte) (err error) {
	var ic int
	if err = json.Unmarshal(data, &ic); err == nil {
		*c = Code(ic)
		return
	}

	var sc string
	if err = json.Unmarshal(data, &sc); err != nil {
		return
	}

	if ic, err = strconv.Atoi(sc); err == nil {
		*c = Code(ic)
	}
	return
}

const (
	// general fault codes
	Unknown Code = iota
)

const (
	// mirror engine fault codes
	MirrorUnknown Code = iota + 100
	MirrorTooManyDead
	MirrorShutdown
	MirrorDead
	MirrorMediaError
	MirrorAborted
	MirrorUnsupportedCondition
	MirrorUnexpectedCondition
	MirrorChainCorrupt
	MirrorBadRequest
	MirrorIOFailed
)

const (
	// resource layer fault codes
	ResourceUnknown Code = iota + 200
	ResourceInsufficient
	ResourcePoolClosed
	ResourceHandleFreed
)

const (
	// needs-rebuild store fault codes
	NRStoreUnknown Code = iota + 300
	NRStoreGeometryMismatch
	NRStoreBadPosition
)

const (
	// drive fault codes
	DriveUnknown Code = iota + 400
	DriveOutOfRange
	DriveUnaligned
)

const (
	// configuration fault codes
	ConfigUnknown Code = iota + 500
	ConfigBadWidth
	ConfigBadBlockSize
	ConfigBadAlignment
	ConfigDriveCountMismatch
	ConfigBadReadPolicy
	ConfigBadPoolSize
)
