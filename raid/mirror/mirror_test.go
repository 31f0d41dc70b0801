//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
	"github.com/daos-stack/raid-mirror/raid/drive"
	"github.com/daos-stack/raid-mirror/raid/memory"
	"github.com/daos-stack/raid-mirror/raid/monitor"
	"github.com/daos-stack/raid-mirror/raid/xor"
)

const (
	testBlockSize = 520
	testCapacity  = raid.BlockCount(0x1400)
	testPoolBytes = 4 << 20
)

type testGroup struct {
	g      *Group
	drives []*drive.MemoryDrive
	mon    *monitor.Monitor
	pool   *memory.Pool
	reg    *prometheus.Registry
}

func testGeometry(width int) raid.Geometry {
	return raid.Geometry{
		Width:     width,
		BlockSize: testBlockSize,
		Capacity:  testCapacity,
	}.WithDefaults()
}

type groupOpts struct {
	store monitor.RebuildStore
	raw   bool
	cfg   func(*GroupConfig)
}

// newTestGroup builds a group over memory drives. A raw group has no
// monitor.
func newTestGroup(t *testing.T, log logging.Logger, geom raid.Geometry, opts groupOpts) *testGroup {
	t.Helper()

	tg := &testGroup{
		pool: newTestPool(log),
		reg:  prometheus.NewRegistry(),
	}
	drives := make([]raid.Drive, geom.Width)
	for i := range drives {
		md := drive.NewMemoryDrive(geom.Capacity+raid.BlockCount(geom.Offset), geom.BlockSize)
		tg.drives = append(tg.drives, md)
		drives[i] = md
	}

	var mon raid.Monitor
	if !opts.raw {
		tg.mon = monitor.New(log, geom.Width, opts.store)
		mon = tg.mon
	}

	cfg := DefaultGroupConfig(geom)
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	g, err := NewGroup(log, cfg, drives, tg.pool, newTestValidator(), mon,
		WithMetricsRegisterer(tg.reg))
	if err != nil {
		t.Fatal(err)
	}
	tg.g = g
	return tg
}

func newTestPool(log logging.Logger) *memory.Pool {
	return memory.NewPool(log, testPoolBytes, 0)
}

func newTestValidator() *xor.Validator {
	return xor.NewValidator()
}

// stampedBlocks returns blocks of patterned payload with valid
// checksum trailers.
func stampedBlocks(blocks raid.BlockCount, bs int, seed byte) []byte {
	buf := test.MustPattern(int(blocks)*bs, seed)
	for i := 0; i < int(blocks); i++ {
		xor.Stamp(buf[i*bs : (i+1)*bs])
	}
	return buf
}

// seed writes the same data to every drive.
func (tg *testGroup) seed(start raid.LBA, data []byte) {
	for _, d := range tg.drives {
		d.WriteAt(start, data)
	}
}

type ioRecord struct {
	Opcode raid.Opcode
	Extent raid.Extent
}

// ioRecorder captures the requests a drive services.
type ioRecorder struct {
	sync.Mutex
	ios []ioRecord
}

func (r *ioRecorder) hook(req *raid.IORequest) {
	r.Lock()
	defer r.Unlock()
	r.ios = append(r.ios, ioRecord{Opcode: req.Opcode, Extent: req.Extent})
}

func (r *ioRecorder) get(op raid.Opcode) []raid.Extent {
	r.Lock()
	defer r.Unlock()
	var out []raid.Extent
	for _, io := range r.ios {
		if io.Opcode == op {
			out = append(out, io.Extent)
		}
	}
	return out
}

func record(d *drive.MemoryDrive) *ioRecorder {
	r := &ioRecorder{}
	d.SetHook(r.hook)
	return r
}

// rangeStore keeps needs-rebuild ranges exactly as marked.
type rangeStore struct {
	sync.Mutex
	ranges map[int][]raid.Extent
}

func newRangeStore() *rangeStore {
	return &rangeStore{ranges: make(map[int][]raid.Extent)}
}

func (s *rangeStore) Mark(pos int, ext raid.Extent) error {
	s.Lock()
	defer s.Unlock()
	s.ranges[pos] = append(s.ranges[pos], ext)
	return nil
}

func (s *rangeStore) Clear(pos int, ext raid.Extent) error {
	s.Lock()
	defer s.Unlock()
	var keep []raid.Extent
	for _, r := range s.ranges[pos] {
		if !ext.Contains(r) {
			keep = append(keep, r)
		}
	}
	s.ranges[pos] = keep
	return nil
}

func (s *rangeStore) FirstRange(pos int, ext raid.Extent) (raid.Extent, bool, error) {
	s.Lock()
	defer s.Unlock()
	var (
		first raid.Extent
		found bool
	)
	for _, r := range s.ranges[pos] {
		if _, ok := r.Intersect(ext); !ok {
			continue
		}
		if !found || r.Start < first.Start {
			first, found = r, true
		}
	}
	return first, found, nil
}

func (s *rangeStore) count(pos int) int {
	s.Lock()
	defer s.Unlock()
	return len(s.ranges[pos])
}
