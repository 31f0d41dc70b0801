//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

type stateStatus int

const (
	stateExecuting stateStatus = iota
	stateWaiting
)

// stateFunc is one step of a sub-request state machine. A state
// either moves on (executing) or leaves exactly one wait pending.
type stateFunc func(ctx context.Context) stateStatus

type requestFlags uint16

const (
	flagAborted requestFlags = 1 << iota
	flagQuiesced
	flagRegionMode
	flagNested
	flagReceivedContinue
	flagWaitingContinue
	flagMonitorInitiated
	flagShrunk
)

// ErrorRegion describes a range where some copies were bad.
type ErrorRegion struct {
	Extent        raid.Extent
	Positions     raid.Bitmask
	Uncorrectable bool
	Injected      bool
}

func (er ErrorRegion) String() string {
	kind := "corrected"
	switch {
	case er.Injected:
		kind = "injected"
	case er.Uncorrectable:
		kind = "uncorrectable"
	}
	return fmt.Sprintf("%s %s on %s", kind, er.Extent, er.Positions)
}

// VerifyReport summarises the blocks examined by a verify.
type VerifyReport struct {
	Checked       raid.BlockCount
	Corrected     raid.BlockCount
	Uncorrectable raid.BlockCount
}

func (vr *VerifyReport) add(other VerifyReport) {
	vr.Checked += other.Checked
	vr.Corrected += other.Corrected
	vr.Uncorrectable += other.Uncorrectable
}

// SubRequest tracks one pass of an algorithm over a range that has a
// uniform degraded state.
type SubRequest struct {
	id     uuid.UUID
	log    logging.Logger
	g      *Group
	parent *SubRequest
	alg    Algorithm
	flags  requestFlags

	extent raid.Extent
	phys   raid.Extent
	buf    raid.SGList

	pmap          positionMap
	dead          deadSet
	touched       raid.Bitmask
	ranges        [raid.MaxWidth]raid.Extent
	degradedStart raid.LBA
	degradedCount raid.BlockCount
	needsContinue raid.Bitmask
	continued     raid.Bitmask
	notAlive      raid.Bitmask
	mediaErrored  raid.Bitmask

	read      *raid.Chain
	write     *raid.Chain
	freed     *raid.Chain
	dataDisks int

	grant      raid.Grant
	handle     raid.Handle
	slots      int
	pending    <-chan struct{}
	cancelWait func()
	waitIO     bool
	notices    chan raid.ContinueNotice
	child      *SubRequest
	retry      backoff.BackOff

	state           stateFunc
	outcome         Outcome
	err             error
	boards          []raid.ErrorBoard
	passRecorded    bool
	errRegions      []ErrorRegion
	remapNeeded     raid.Bitmask
	incompleteWrite raid.Bitmask
	nopped          raid.Bitmask

	// write
	aligned          raid.Extent
	misaligned       raid.Bitmask
	paddingDegraded  raid.Bitmask
	preReadSG        raid.SGList
	preReadDone      bool
	preReadRecovered bool
	private          raid.SGList

	// verify
	region       raid.Extent
	regionBlocks raid.BlockCount
	readers      raid.Bitmask
	rewrite      raid.Bitmask
	report       VerifyReport
	firstBadLBA  raid.LBA
}

var _ raid.Owner = (*SubRequest)(nil)

func newSubRequest(g *Group, parent *SubRequest, alg Algorithm, ext raid.Extent, buf raid.SGList, flags requestFlags) *SubRequest {
	sr := &SubRequest{
		id:            uuid.New(),
		g:             g,
		parent:        parent,
		alg:           alg,
		flags:         flags,
		extent:        ext,
		phys:          g.geom.PhysicalExtent(ext),
		buf:           buf,
		pmap:          newPositionMap(g.geom.Width),
		degradedStart: raid.InvalidLBA,
		firstBadLBA:   raid.InvalidLBA,
	}
	sr.log = g.log
	sr.read = raid.NewChain(raid.ChainRead, sr)
	sr.write = raid.NewChain(raid.ChainWrite, sr)
	sr.freed = raid.NewChain(raid.ChainFreed, sr)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.RetryInterval
	eb.MaxInterval = g.cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	sr.retry = eb

	if parent != nil {
		sr.flags |= flagNested | (parent.flags & flagMonitorInitiated)
		sr.continued = parent.continued
		sr.notAlive = parent.notAlive
		if parent.flags&flagReceivedContinue != 0 {
			sr.flags |= flagReceivedContinue
		}
	}
	if pref := g.cfg.PreferredPosition; pref >= 0 && pref < g.geom.Width {
		sr.pmap.setPrimary(pref)
	}

	switch {
	case alg == AlgRead:
		sr.state = sr.readStart
	case alg == AlgRebuild:
		sr.state = sr.rebuildStart
	case alg.IsVerify():
		sr.state = sr.verifyStart
	default:
		sr.state = sr.writeStart
	}
	return sr
}

// ID implements raid.Owner.
func (sr *SubRequest) ID() uuid.UUID {
	return sr.id
}

// Nested implements raid.Owner.
func (sr *SubRequest) Nested() bool {
	return sr.flags&flagNested != 0
}

func (sr *SubRequest) String() string {
	return fmt.Sprintf("%s %s %s", sr.id.String()[:8], sr.alg, sr.phys)
}

func (sr *SubRequest) width() int {
	return sr.g.geom.Width
}

func (sr *SubRequest) blockSize() int {
	return sr.g.geom.BlockSize
}

func (sr *SubRequest) monitorInitiated() bool {
	return sr.flags&flagMonitorInitiated != 0
}

// run drives the state machine to a terminal outcome.
func (sr *SubRequest) run(ctx context.Context) {
	sr.log.Tracef("mirror: %s start", sr)
	for sr.state != nil {
		if sr.state(ctx) == stateWaiting {
			sr.wait(ctx)
		}
	}
	sr.releaseBuffers()
	sr.log.Tracef("mirror: %s done: %s", sr, sr.outcome)
}

// wait blocks on the single pending wait. I/O waits always run to
// completion; every other wait is abandoned when ctx is cancelled.
func (sr *SubRequest) wait(ctx context.Context) {
	if sr.pending == nil {
		sr.unexpected("waiting with nothing pending")
		return
	}

	select {
	case <-sr.pending:
	case <-ctx.Done():
		sr.flags |= flagAborted
		if sr.waitIO {
			<-sr.pending
		} else if sr.cancelWait != nil {
			sr.cancelWait()
		}
	}
	sr.pending, sr.cancelWait, sr.waitIO = nil, nil, false
	sr.flags &^= flagQuiesced
}

func (sr *SubRequest) isAborted(ctx context.Context) bool {
	if ctx.Err() != nil {
		sr.flags |= flagAborted
	}
	return sr.flags&flagAborted != 0
}

func (sr *SubRequest) finish(out Outcome, err error) stateStatus {
	sr.outcome = out
	sr.err = err
	sr.state = nil
	return stateExecuting
}

func (sr *SubRequest) unexpected(format string, args ...interface{}) stateStatus {
	msg := fmt.Sprintf(format, args...)
	sr.log.Errorf("mirror: %s unexpected condition: %s", sr, msg)
	return sr.finish(OutcomeUnexpected, FaultUnexpectedCondition(msg))
}

func (sr *SubRequest) unsupported(format string, args ...interface{}) stateStatus {
	msg := fmt.Sprintf(format, args...)
	sr.log.Errorf("mirror: %s unsupported condition: %s", sr, msg)
	return sr.finish(OutcomeUnsupported, FaultUnsupportedCondition(msg))
}

// finishAborted ends the request after a cancel. Positions left
// behind by a partially applied write are marked for rebuild.
func (sr *SubRequest) finishAborted() stateStatus {
	var partial raid.Bitmask
	for _, t := range sr.write.Active() {
		if t.Opcode.IsMediaModify() && t.Status != raid.StatusSuccess {
			partial = partial.Set(t.Position)
		}
	}
	if !partial.IsEmpty() {
		sr.incompleteWrite |= partial
		sr.markNeedsRebuild(partial)
	}
	sr.log.Debugf("mirror: %s aborted", sr)
	return sr.finish(OutcomeAborted, FaultAborted(sr.extent))
}

// finishTooManyDead reports a range with no usable copy. The request
// is shut down when the whole group is disabled.
func (sr *SubRequest) finishTooManyDead() stateStatus {
	if disabled := sr.disabled(); disabled.Count() >= sr.width() {
		sr.log.Errorf("mirror: %s group shut down, disabled %s", sr, disabled)
		return sr.finish(OutcomeShutdown, FaultShutdown(disabled))
	}
	sr.log.Errorf("mirror: %s too many dead, degraded %s", sr, sr.dead.bitmask())
	return sr.finish(OutcomeDead, FaultTooManyDead(sr.extent, sr.dead.bitmask()))
}

// finishResolution maps a terminal resolution to an outcome.
func (sr *SubRequest) finishResolution(res resolution, dead raid.Bitmask) stateStatus {
	switch res {
	case resAborted:
		return sr.finishAborted()
	case resDead:
		return sr.finish(OutcomeDead, FaultDead(sr.extent, dead))
	case resShutdown, resTooManyDead:
		return sr.finishTooManyDead()
	case resMediaError:
		lba := sr.firstBadLBA
		if lba == raid.InvalidLBA {
			lba = sr.phys.Start
		}
		return sr.finish(OutcomeMediaError, FaultMediaError(sr.extent, lba))
	case resUnsupported:
		return sr.unsupported("drive reported an unsupported completion")
	default:
		return sr.unexpected("unhandled resolution %s", res)
	}
}

// degradedFailure maps an error from the degraded engine.
func (sr *SubRequest) degradedFailure(err error) stateStatus {
	switch errors.Cause(err) {
	case errTooManyDead:
		return sr.finishTooManyDead()
	case errDeadSetFull:
		return sr.unsupported("%s", err)
	default:
		return sr.unexpected("degraded evaluation: %s", err)
	}
}

// allocate requests buffers for slots copies of blocks blocks and
// continues with next once they are granted.
func (sr *SubRequest) allocate(ctx context.Context, slots int, blocks raid.BlockCount, next stateFunc) (stateStatus, error) {
	grant, err := sr.g.res.Allocate(ctx, slots, blocks, sr.blockSize())
	if err != nil {
		return stateExecuting, err
	}
	sr.grant = grant
	sr.slots = slots
	sr.state = func(ctx context.Context) stateStatus {
		if sr.isAborted(ctx) {
			return sr.finishAborted()
		}
		h, err := sr.grant.Handle()
		if err != nil {
			return sr.unexpected("buffer grant failed: %s", err)
		}
		sr.handle = h
		sr.state = next
		return stateExecuting
	}

	select {
	case <-grant.Ready():
		return stateExecuting, nil
	default:
	}
	sr.log.Debugf("mirror: %s waiting for %d x %d block buffers", sr, slots, blocks)
	sr.pending = grant.Ready()
	sr.cancelWait = grant.Cancel
	return stateWaiting, nil
}

func (sr *SubRequest) carve(blocks raid.BlockCount) (raid.SGList, error) {
	if sr.handle == nil {
		return nil, errors.New("no buffer handle")
	}
	return sr.handle.Carve(sr.g.geom.Bytes(blocks))
}

func (sr *SubRequest) releaseBuffers() {
	switch {
	case sr.handle != nil:
		sr.handle.Free()
	case sr.grant != nil:
		sr.grant.Cancel()
	}
	sr.handle, sr.grant = nil, nil
}

// issue starts I/O for the active trackers and waits for all of them.
// Media modifying I/O is not cancelled with the request.
func (sr *SubRequest) issue(ctx context.Context, trackers []*raid.FruTracker, next stateFunc) stateStatus {
	ioCtx := ctx
	for _, t := range trackers {
		if t.Opcode.IsMediaModify() {
			ioCtx = context.WithoutCancel(ctx)
			break
		}
	}

	var eg errgroup.Group
	for _, t := range trackers {
		if t.IsNop() {
			continue
		}
		t.Flags |= raid.FlagOutstanding
		t.Timestamp = time.Now()
		drive := sr.g.drives[t.Position]
		req := &raid.IORequest{
			Opcode:    t.Opcode,
			Extent:    t.Extent,
			SG:        t.SG,
			BlockSize: sr.blockSize(),
		}
		eg.Go(func() error {
			sr.g.balancer.start(t.Position)
			defer sr.g.balancer.done(t.Position)
			t.Complete(drive.Do(ioCtx, req))
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	sr.passRecorded = false
	sr.state = next
	sr.pending = done
	sr.waitIO = true
	return stateWaiting
}

// retryFailed reissues every failed active tracker of the chain after
// a backoff delay.
func (sr *SubRequest) retryFailed(chain *raid.Chain, next stateFunc) stateStatus {
	var again []*raid.FruTracker
	for _, t := range chain.Active() {
		if t.Status == raid.StatusSuccess {
			continue
		}
		sg := t.SG
		t.Reinit(t.Extent)
		t.SG = sg
		t.RetryCount++
		t.Flags |= raid.FlagRetried
		again = append(again, t)
	}
	if len(again) == 0 {
		sr.state = next
		return stateExecuting
	}
	sr.g.metrics.retries.Add(float64(len(again)))

	reissue := func(ctx context.Context) stateStatus {
		if sr.isAborted(ctx) {
			return sr.finishAborted()
		}
		if st, parked := sr.parkIfQuiescing(sr.state); parked {
			return st
		}
		return sr.issue(ctx, again, next)
	}

	delay := sr.retry.NextBackOff()
	sr.log.Debugf("mirror: %s retrying %d trackers in %s", sr, len(again), delay)
	sr.state = reissue
	if delay <= 0 {
		return stateExecuting
	}
	done := make(chan struct{})
	timer := time.AfterFunc(delay, func() { close(done) })
	sr.pending = done
	sr.cancelWait = func() { timer.Stop() }
	return stateWaiting
}

// parkIfQuiescing suspends the request while the monitor quiesces
// and resumes at resume.
func (sr *SubRequest) parkIfQuiescing(resume stateFunc) (stateStatus, bool) {
	mon := sr.g.monitor
	if mon == nil || !mon.Quiescing() {
		return stateExecuting, false
	}
	sr.log.Debugf("mirror: %s quiesced", sr)
	sr.flags |= flagQuiesced
	sr.state = resume
	sr.pending = mon.Unquiesced()
	return stateWaiting, true
}

// waitContinue reports dead positions to the monitor and resumes at
// next once the continue arrives.
func (sr *SubRequest) waitContinue(ctx context.Context, next stateFunc) stateStatus {
	report := sr.needsContinue
	wctx, cancel := context.WithCancel(ctx)
	ch := sr.g.monitor.RequestContinue(wctx, report)
	sr.g.metrics.continues.Inc()
	sr.log.Noticef("mirror: %s waiting for continue on dead positions %s", sr, report)

	notices := make(chan raid.ContinueNotice, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case n := <-ch:
			notices <- n
		case <-wctx.Done():
		}
	}()

	sr.flags |= flagWaitingContinue
	sr.notices = notices
	sr.state = func(ctx context.Context) stateStatus {
		cancel()
		sr.flags &^= flagWaitingContinue
		if sr.isAborted(ctx) {
			return sr.finishAborted()
		}

		var notice raid.ContinueNotice
		select {
		case notice = <-sr.notices:
		default:
			return sr.unexpected("continue wait completed without a notice")
		}
		if notice.Err != nil {
			return sr.finish(OutcomeDead, errors.Wrap(notice.Err, "monitor continue"))
		}

		sr.flags |= flagReceivedContinue
		sr.continued |= report
		sr.needsContinue &^= report
		sr.notAlive = raid.WidthMask(sr.width()) &^ notice.Alive
		sr.log.Debugf("mirror: %s continue received, alive %s", sr, notice.Alive)
		sr.state = next
		return stateExecuting
	}
	sr.pending = done
	sr.cancelWait = cancel
	return stateWaiting
}

// runNested starts a child request and resumes at next once it is
// done. The child shares the request context and aborts with it.
func (sr *SubRequest) runNested(ctx context.Context, child *SubRequest, next stateFunc) stateStatus {
	sr.child = child
	done := make(chan struct{})
	go func() {
		defer close(done)
		child.run(ctx)
	}()
	sr.state = next
	sr.pending = done
	sr.waitIO = true
	return stateWaiting
}

// adoptChild folds the child's results into the parent.
func (sr *SubRequest) adoptChild() {
	c := sr.child
	sr.boards = append(sr.boards, c.boards...)
	sr.errRegions = append(sr.errRegions, c.errRegions...)
	sr.remapNeeded |= c.remapNeeded
	sr.incompleteWrite |= c.incompleteWrite
	sr.report.add(c.report)
	sr.continued |= c.continued
	if c.firstBadLBA < sr.firstBadLBA {
		sr.firstBadLBA = c.firstBadLBA
	}
}

// shrink limits the request to end, leaving the remainder to the
// caller.
func (sr *SubRequest) shrink(end raid.LBA) {
	if end <= sr.phys.Start || end >= sr.phys.End() {
		return
	}
	blocks := raid.BlockCount(end - sr.phys.Start)
	sr.log.Debugf("mirror: %s shrinking to %d blocks", sr, blocks)
	sr.phys.Blocks = blocks
	sr.extent.Blocks = blocks
	if sr.buf != nil {
		sr.buf = sr.buf.Slice(0, sr.g.geom.Bytes(blocks))
	}
	sr.flags |= flagShrunk
}

// reduceRequestSize handles a buffer request the resource layer can
// never satisfy. Nested requests switch to region mode, others shrink
// to an optimal block multiple.
func (sr *SubRequest) reduceRequestSize(cause error, retry stateFunc) stateStatus {
	if sr.Nested() || sr.alg.IsVerify() {
		if sr.regionBlocks <= 1 {
			return sr.unexpected("cannot reduce region below one block: %s", cause)
		}
		sr.flags |= flagRegionMode
		sr.regionBlocks /= 2
		sr.log.Debugf("mirror: %s region mode, %d blocks per region", sr, sr.regionBlocks)
		sr.state = retry
		return stateExecuting
	}

	if sr.phys.Blocks <= 1 {
		return sr.unexpected("cannot reduce request below one block: %s", cause)
	}
	blocks := sr.phys.Blocks / 2
	if opt := sr.g.geom.OptimalBlocks; blocks > opt {
		blocks -= blocks % opt
	}
	sr.shrink(sr.phys.Start + raid.LBA(blocks))
	sr.g.metrics.splits.Inc()
	if err := sr.determineDegradedPositions(false); err != nil {
		return sr.degradedFailure(err)
	}
	sr.state = retry
	return stateExecuting
}

// recordBoard keeps one board per drive pass. An evaluate resumed
// after a continue classifies the same completions again.
func (sr *SubRequest) recordBoard(eb *raid.ErrorBoard) {
	if sr.passRecorded {
		return
	}
	sr.passRecorded = true
	sr.boards = append(sr.boards, *eb)
	sr.g.metrics.observeBoard(eb)
}

// markNeedsRebuild records that positions missed the data of this
// request.
func (sr *SubRequest) markNeedsRebuild(positions raid.Bitmask) {
	health := sr.g.health()
	if health == nil || positions.IsEmpty() {
		return
	}
	for _, pos := range positions.Positions() {
		if err := health.MarkNeedsRebuild(pos, sr.phys); err != nil {
			sr.log.Errorf("mirror: %s failed to mark position %d for rebuild: %s", sr, pos, err)
		}
	}
}

// reportRemap raises a remap request for positions with media errors.
func (sr *SubRequest) reportRemap() {
	if sr.remapNeeded.IsEmpty() || sr.g.geom.Sparing || sr.alg == AlgVerify {
		return
	}
	if sr.parent != nil {
		return
	}
	if sr.g.monitor != nil {
		sr.g.monitor.RemapNeeded(sr.phys, sr.remapNeeded)
	}
	sr.g.metrics.remaps.Inc()
}
