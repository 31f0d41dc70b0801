//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package mirror implements the data path of a mirrored group: it
// turns logical requests into per-position drive I/O, classifies the
// completions and recovers from degraded, dead and media errored
// positions.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

const (
	defaultRetryInterval    = time.Millisecond
	defaultRetryMaxInterval = 100 * time.Millisecond
)

type (
	// GroupConfig holds the static settings of a group.
	GroupConfig struct {
		UUID     uuid.UUID
		Geometry raid.Geometry
		// ReadPolicy spreads single copy reads when no position is
		// degraded.
		ReadPolicy ReadPolicy
		// PreferredPosition pins single copy reads to one position;
		// -1 leaves the choice to the read policy.
		PreferredPosition int
		RetryInterval     time.Duration
		RetryMaxInterval  time.Duration
	}

	// Group is a mirrored group of drives.
	Group struct {
		log      logging.Logger
		cfg      GroupConfig
		geom     raid.Geometry
		drives   []raid.Drive
		res      raid.ResourceLayer
		val      raid.Validator
		monitor  raid.Monitor
		balancer *balancer
		metrics  *metrics
		registry prometheus.Registerer

		incompleteLock sync.Mutex
		incomplete     raid.Bitmask
	}

	// GroupOption configures optional group behaviour.
	GroupOption func(*Group)

	// Request is one logical operation against the group.
	Request struct {
		Algorithm Algorithm
		Extent    raid.Extent
		// Buffer holds whole blocks including their checksum
		// trailers. Zero and rebuild take no buffer; it is optional
		// for verify.
		Buffer           []byte
		MonitorInitiated bool
	}

	// Result summarises a completed request.
	Result struct {
		Outcome         Outcome
		Transferred     raid.BlockCount
		SubRequests     int
		Splits          int
		Boards          []raid.ErrorBoard
		DataDisks       int
		RemapNeeded     raid.Bitmask
		IncompleteWrite raid.Bitmask
		ErrorRegions    []ErrorRegion
		Verify          VerifyReport
	}
)

// WithMetricsRegisterer registers the group metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) GroupOption {
	return func(g *Group) {
		g.registry = reg
	}
}

// DefaultGroupConfig returns a configuration for the geometry.
func DefaultGroupConfig(geom raid.Geometry) GroupConfig {
	return GroupConfig{
		UUID:              uuid.New(),
		Geometry:          geom,
		ReadPolicy:        ReadPolicyPrimary,
		PreferredPosition: -1,
		RetryInterval:     defaultRetryInterval,
		RetryMaxInterval:  defaultRetryMaxInterval,
	}
}

// NewGroup returns a group over drives, one per position. A nil
// monitor makes the group a raw mirror without health tracking.
func NewGroup(log logging.Logger, cfg GroupConfig, drives []raid.Drive, res raid.ResourceLayer, val raid.Validator, mon raid.Monitor, opts ...GroupOption) (*Group, error) {
	geom := cfg.Geometry.WithDefaults()
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if len(drives) != geom.Width {
		return nil, errors.Errorf("%d drives supplied for a group of width %d", len(drives), geom.Width)
	}
	for i, d := range drives {
		if d == nil {
			return nil, errors.Errorf("nil drive at position %d", i)
		}
	}
	if res == nil || val == nil {
		return nil, errors.New("resource layer and validator are required")
	}
	if cfg.PreferredPosition >= geom.Width {
		return nil, errors.Errorf("preferred position %d beyond width %d", cfg.PreferredPosition, geom.Width)
	}
	if cfg.ReadPolicy == "" {
		cfg.ReadPolicy = ReadPolicyPrimary
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.RetryMaxInterval < cfg.RetryInterval {
		cfg.RetryMaxInterval = cfg.RetryInterval
	}
	if mon == nil {
		geom.RawMirror = true
	}
	cfg.Geometry = geom

	g := &Group{
		log:      log,
		cfg:      cfg,
		geom:     geom,
		drives:   drives,
		res:      res,
		val:      val,
		monitor:  mon,
		balancer: newBalancer(cfg.ReadPolicy),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.metrics.register(g.registry); err != nil {
		return nil, err
	}

	log.Debugf("mirror group %s: %s", cfg.UUID, geom)
	return g, nil
}

func (g *Group) String() string {
	return fmt.Sprintf("mirror %s", g.cfg.UUID)
}

// Geometry returns the group layout.
func (g *Group) Geometry() raid.Geometry {
	return g.geom
}

func (g *Group) health() raid.HealthSource {
	if g.monitor == nil {
		return nil
	}
	return g.monitor
}

// IncompleteWrite returns the positions that missed a write which
// could not wait for the monitor.
func (g *Group) IncompleteWrite() raid.Bitmask {
	g.incompleteLock.Lock()
	defer g.incompleteLock.Unlock()
	return g.incomplete
}

func (g *Group) addIncomplete(positions raid.Bitmask) {
	if positions.IsEmpty() {
		return
	}
	g.incompleteLock.Lock()
	defer g.incompleteLock.Unlock()
	g.incomplete |= positions
}

func (g *Group) checkRequest(req *Request) error {
	if req == nil {
		return FaultBadRequest("nil request")
	}
	if !g.geom.Contains(req.Extent) {
		return FaultBadRequest(fmt.Sprintf("extent %s outside group capacity %d",
			req.Extent, g.geom.Capacity))
	}

	want := g.geom.Bytes(req.Extent.Blocks)
	switch req.Algorithm {
	case AlgRead, AlgWrite, AlgWriteVerify, AlgCorruptData:
		if len(req.Buffer) != want {
			return FaultBadRequest(fmt.Sprintf("%s of %d blocks needs %d buffer bytes, got %d",
				req.Algorithm, req.Extent.Blocks, want, len(req.Buffer)))
		}
	case AlgVerify, AlgVerifyWrite:
		if len(req.Buffer) != 0 && len(req.Buffer) != want {
			return FaultBadRequest(fmt.Sprintf("verify buffer of %d bytes, want %d",
				len(req.Buffer), want))
		}
	case AlgZero, AlgRebuild:
		if len(req.Buffer) != 0 {
			return FaultBadRequest(fmt.Sprintf("%s takes no buffer", req.Algorithm))
		}
	default:
		return FaultBadRequest(fmt.Sprintf("unknown algorithm %s", req.Algorithm))
	}
	return nil
}

// Execute runs the request to a single terminal outcome. The range is
// processed as a sequence of sub-requests, each limited to the drive
// transfer size and to a uniform degraded state.
func (g *Group) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := g.checkRequest(req); err != nil {
		return &Result{Outcome: OutcomeUnsupported}, err
	}

	start := time.Now()
	result := &Result{Outcome: OutcomeSuccess}
	var flags requestFlags
	if req.MonitorInitiated {
		flags |= flagMonitorInitiated
	}

	var err error
	remaining := req.Extent
	for !remaining.IsEmpty() {
		ext := remaining
		if ext.Blocks > g.geom.MaxBlocksPerDrive {
			ext.Blocks = g.geom.MaxBlocksPerDrive
		}
		var buf raid.SGList
		if len(req.Buffer) > 0 {
			off := g.geom.Bytes(raid.BlockCount(ext.Start - req.Extent.Start))
			buf = raid.SGFromBytes(req.Buffer[off : off+g.geom.Bytes(ext.Blocks)])
		}

		sr := newSubRequest(g, nil, req.Algorithm, ext, buf, flags)
		sr.run(ctx)
		result.absorb(sr)
		g.addIncomplete(sr.incompleteWrite)

		if sr.outcome != OutcomeSuccess {
			result.Outcome, err = sr.outcome, sr.err
			break
		}
		done := sr.extent.Blocks
		if done == 0 || done > remaining.Blocks {
			result.Outcome = OutcomeUnexpected
			err = FaultUnexpectedCondition(fmt.Sprintf("sub-request completed %d of %d blocks",
				done, remaining.Blocks))
			break
		}
		result.Transferred += done
		remaining = raid.NewExtent(remaining.Start+raid.LBA(done), remaining.Blocks-done)
	}

	g.metrics.observe(req.Algorithm, result.Outcome, start)
	if err != nil {
		g.log.Debugf("%s: %s %s: %s", g, req.Algorithm, req.Extent, err)
	}
	return result, err
}

func (r *Result) absorb(sr *SubRequest) {
	r.SubRequests++
	if sr.flags&flagShrunk != 0 {
		r.Splits++
	}
	r.Boards = append(r.Boards, sr.boards...)
	r.ErrorRegions = append(r.ErrorRegions, sr.errRegions...)
	r.RemapNeeded |= sr.remapNeeded
	r.IncompleteWrite |= sr.incompleteWrite
	r.Verify.add(sr.report)
	if sr.dataDisks > 0 && (r.DataDisks == 0 || sr.dataDisks < r.DataDisks) {
		r.DataDisks = sr.dataDisks
	}
}

type (
	submitOptions struct {
		monitorInitiated bool
		corrupt          bool
	}

	// SubmitOption modifies a submitted operation.
	SubmitOption func(*submitOptions)
)

// WithMonitorInitiated marks the operation as a background request
// that fails instead of waiting for the monitor.
func WithMonitorInitiated() SubmitOption {
	return func(o *submitOptions) {
		o.monitorInitiated = true
	}
}

// WithCorruptData turns a write into a write of invalid blocks to a
// single position.
func WithCorruptData() SubmitOption {
	return func(o *submitOptions) {
		o.corrupt = true
	}
}

// Submit runs one drive opcode against the group.
func (g *Group) Submit(ctx context.Context, op raid.Opcode, ext raid.Extent, buf []byte, opts ...SubmitOption) (Outcome, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	var alg Algorithm
	switch op {
	case raid.OpcodeRead:
		alg = AlgRead
	case raid.OpcodeWrite:
		alg = AlgWrite
		if so.corrupt {
			alg = AlgCorruptData
		}
	case raid.OpcodeWriteVerify:
		alg = AlgWriteVerify
	case raid.OpcodeZero:
		alg = AlgZero
	default:
		return OutcomeUnsupported, FaultBadRequest(fmt.Sprintf("opcode %s not supported", op))
	}

	res, err := g.Execute(ctx, &Request{
		Algorithm:        alg,
		Extent:           ext,
		Buffer:           buf,
		MonitorInitiated: so.monitorInitiated,
	})
	return res.Outcome, err
}

// Verify checks every readable copy of ext, rewriting bad copies when
// repair is set. Good data is delivered to buf when it is not nil.
func (g *Group) Verify(ctx context.Context, ext raid.Extent, buf []byte, repair bool, opts ...SubmitOption) (*Result, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}
	alg := AlgVerify
	if repair {
		alg = AlgVerifyWrite
	}
	return g.Execute(ctx, &Request{
		Algorithm:        alg,
		Extent:           ext,
		Buffer:           buf,
		MonitorInitiated: so.monitorInitiated,
	})
}

// Rebuild copies good data over the needs-rebuild ranges of ext.
func (g *Group) Rebuild(ctx context.Context, ext raid.Extent) (*Result, error) {
	return g.Execute(ctx, &Request{
		Algorithm:        AlgRebuild,
		Extent:           ext,
		MonitorInitiated: true,
	})
}
