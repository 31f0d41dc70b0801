//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package memory provides a bounded buffer pool implementing the
// resource layer consumed by the mirror engine. Requests that cannot
// be satisfied immediately are queued and granted in FIFO order as
// buffers are returned.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

// DefaultPageSize is the allocation unit of the pool.
const DefaultPageSize = 64 * 1024

var (
	// FaultPoolClosed is returned for requests against a closed pool.
	FaultPoolClosed = &fault.Fault{
		Domain:      "resource",
		Code:        code.ResourcePoolClosed,
		Description: "buffer pool is closed",
		Resolution:  fault.ResolutionNone,
	}
	// FaultGrantCancelled is returned when a cancelled grant is used.
	FaultGrantCancelled = &fault.Fault{
		Domain:      "resource",
		Code:        code.ResourceHandleFreed,
		Description: "buffer grant was cancelled or already freed",
		Resolution:  fault.ResolutionNone,
	}
)

// Pool is a bounded pool of fixed-size pages.
type Pool struct {
	sync.Mutex
	log       logging.Logger
	pageSize  int
	total     int
	free      int
	waiters   *list.List
	closed    bool
	pageCache [][]byte
}

var _ raid.ResourceLayer = (*Pool)(nil)

// NewPool returns a pool holding totalBytes of buffers in pages of
// pageSize bytes.
func NewPool(log logging.Logger, totalBytes, pageSize int) *Pool {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pages := totalBytes / pageSize
	log.Debugf("buffer pool: %s in %d pages of %s", humanize.IBytes(uint64(pages*pageSize)),
		pages, humanize.IBytes(uint64(pageSize)))

	return &Pool{
		log:      log,
		pageSize: pageSize,
		total:    pages,
		free:     pages,
		waiters:  list.New(),
	}
}

// FreePages returns the number of pages not granted.
func (p *Pool) FreePages() int {
	p.Lock()
	defer p.Unlock()
	return p.free
}

// Capacity returns the pool size in bytes.
func (p *Pool) Capacity() int {
	return p.total * p.pageSize
}

// pagesFor returns the number of pages needed for slots buffers of
// blocks each, where no block is split across pages.
func (p *Pool) pagesFor(slots int, blocks raid.BlockCount, blockSize int) (int, error) {
	blocksPerPage := p.pageSize / blockSize
	if blocksPerPage == 0 {
		return 0, errors.Errorf("block size %d larger than page size %d", blockSize, p.pageSize)
	}
	perSlot := (int(blocks) + blocksPerPage - 1) / blocksPerPage
	return perSlot * slots, nil
}

// Allocate requests slots buffers of blocks blocks each. The returned
// grant is ready immediately when the pool has room; otherwise it is
// queued until enough pages are freed.
func (p *Pool) Allocate(ctx context.Context, slots int, blocks raid.BlockCount, blockSize int) (raid.Grant, error) {
	if slots <= 0 || blocks == 0 {
		return nil, errors.Errorf("invalid allocation of %d slots of %d blocks", slots, blocks)
	}
	need, err := p.pagesFor(slots, blocks, blockSize)
	if err != nil {
		return nil, err
	}

	p.Lock()
	defer p.Unlock()

	if p.closed {
		return nil, FaultPoolClosed
	}
	if need > p.total {
		return nil, raid.FaultInsufficientResources(need*p.pageSize, p.total*p.pageSize)
	}

	g := &grant{
		pool:      p,
		pages:     need,
		blockSize: blockSize,
		ready:     make(chan struct{}),
	}
	if p.waiters.Len() == 0 && p.free >= need {
		p.free -= need
		g.satisfy()
		return g, nil
	}

	p.log.Debugf("buffer pool: deferring grant of %d pages (%d free, %d waiting)",
		need, p.free, p.waiters.Len())
	g.elem = p.waiters.PushBack(g)
	return g, nil
}

// release returns pages to the pool and satisfies queued grants.
// Called with the pool lock held.
func (p *Pool) release(pages int) {
	p.free += pages
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		g := e.Value.(*grant)
		if g.pages > p.free {
			break
		}
		p.waiters.Remove(e)
		g.elem = nil
		p.free -= g.pages
		g.satisfy()
	}
}

func (p *Pool) page() []byte {
	if n := len(p.pageCache); n > 0 {
		pg := p.pageCache[n-1]
		p.pageCache = p.pageCache[:n-1]
		return pg
	}
	return make([]byte, p.pageSize)
}

// Close fails all queued grants.
func (p *Pool) Close() {
	p.Lock()
	defer p.Unlock()

	p.closed = true
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		g := e.Value.(*grant)
		p.waiters.Remove(e)
		g.elem = nil
		g.err = FaultPoolClosed
		close(g.ready)
	}
}

type grant struct {
	pool      *Pool
	pages     int
	blockSize int
	ready     chan struct{}
	elem      *list.Element
	handle    *handle
	err       error
}

// satisfy is called with the pool lock held.
func (g *grant) satisfy() {
	pages := make([][]byte, g.pages)
	for i := range pages {
		pages[i] = g.pool.page()
	}
	g.handle = &handle{grant: g, pages: pages}
	close(g.ready)
}

func (g *grant) Ready() <-chan struct{} {
	return g.ready
}

func (g *grant) Handle() (raid.Handle, error) {
	g.pool.Lock()
	defer g.pool.Unlock()

	select {
	case <-g.ready:
	default:
		return nil, errors.New("grant not ready")
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.handle == nil || g.handle.freed {
		return nil, FaultGrantCancelled
	}
	return g.handle, nil
}

// Cancel withdraws a queued grant or frees a satisfied one.
func (g *grant) Cancel() {
	g.pool.Lock()
	if g.elem != nil {
		g.pool.waiters.Remove(g.elem)
		g.elem = nil
		g.err = FaultGrantCancelled
		close(g.ready)
		// a withdrawn head may unblock smaller waiters behind it
		g.pool.release(0)
		g.pool.Unlock()
		return
	}
	g.pool.Unlock()

	if g.handle != nil {
		g.handle.Free()
	}
}

type handle struct {
	grant  *grant
	pages  [][]byte
	next   int
	offset int
	freed  bool
}

// Carve returns an sg list of the requested size from the handle's
// remaining pages. Each element holds whole blocks.
func (h *handle) Carve(bytes int) (raid.SGList, error) {
	p := h.grant.pool
	p.Lock()
	defer p.Unlock()

	if h.freed {
		return nil, FaultGrantCancelled
	}
	bs := h.grant.blockSize
	if bytes%bs != 0 {
		return nil, errors.Errorf("carve of %d bytes is not a multiple of block size %d", bytes, bs)
	}
	usable := (p.pageSize / bs) * bs

	var sg raid.SGList
	for remaining := bytes; remaining > 0; {
		if h.next >= len(h.pages) {
			return nil, errors.Errorf("carve of %d bytes exceeds grant of %d pages", bytes, len(h.pages))
		}
		avail := usable - h.offset
		n := remaining
		if n > avail {
			n = avail
		}
		pg := h.pages[h.next]
		sg = append(sg, pg[h.offset:h.offset+n])
		h.offset += n
		remaining -= n
		if h.offset >= usable {
			h.next++
			h.offset = 0
		}
	}
	return sg, nil
}

// Free returns the handle's pages to the pool. Freeing twice is a
// no-op.
func (h *handle) Free() {
	p := h.grant.pool
	p.Lock()
	defer p.Unlock()

	if h.freed {
		p.log.Debugf("buffer pool: ignoring double free")
		return
	}
	h.freed = true
	for _, pg := range h.pages {
		for i := range pg {
			pg[i] = 0
		}
	}
	p.pageCache = append(p.pageCache, h.pages...)
	h.pages = nil
	p.release(h.grant.pages)
}
