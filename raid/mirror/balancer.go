//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/lib/atm"
	"github.com/daos-stack/raid-mirror/raid"
)

// ReadPolicy selects how single copy reads are spread across fully
// mirrored positions.
type ReadPolicy string

// Read policies.
const (
	ReadPolicyPrimary          ReadPolicy = "primary"
	ReadPolicyRoundRobin       ReadPolicy = "round-robin"
	ReadPolicyLeastOutstanding ReadPolicy = "least-outstanding"
)

// ParseReadPolicy converts a string to a ReadPolicy.
func ParseReadPolicy(in string) (ReadPolicy, error) {
	switch p := ReadPolicy(strings.ToLower(strings.TrimSpace(in))); p {
	case "":
		return ReadPolicyPrimary, nil
	case ReadPolicyPrimary, ReadPolicyRoundRobin, ReadPolicyLeastOutstanding:
		return p, nil
	default:
		return "", errors.Errorf("unknown read policy %q", in)
	}
}

// balancer tracks per-position load for read optimisation.
type balancer struct {
	policy      ReadPolicy
	next        atm.Int64
	outstanding [raid.MaxWidth]atm.Int64
}

func newBalancer(policy ReadPolicy) *balancer {
	return &balancer{policy: policy}
}

// choose returns the position to read from among candidates, or -1
// to keep the current primary.
func (b *balancer) choose(candidates raid.Bitmask) int {
	if candidates.Count() < 2 {
		return -1
	}
	pos := candidates.Positions()

	switch b.policy {
	case ReadPolicyRoundRobin:
		n := b.next.Add(1) - 1
		return pos[int(n%int64(len(pos)))]
	case ReadPolicyLeastOutstanding:
		best := pos[0]
		for _, p := range pos[1:] {
			if b.outstanding[p].Load() < b.outstanding[best].Load() {
				best = p
			}
		}
		return best
	default:
		return -1
	}
}

func (b *balancer) start(pos int) {
	b.outstanding[pos].Add(1)
}

func (b *balancer) done(pos int) {
	b.outstanding[pos].Add(-1)
}

func (b *balancer) load(pos int) int64 {
	return b.outstanding[pos].Load()
}
