//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
	"github.com/daos-stack/raid-mirror/raid/drive"
	"github.com/daos-stack/raid-mirror/raid/memory"
	"github.com/daos-stack/raid-mirror/raid/mirror"
	"github.com/daos-stack/raid-mirror/raid/monitor"
	"github.com/daos-stack/raid-mirror/raid/nr"
	"github.com/daos-stack/raid-mirror/raid/xor"
)

// groupCmd is embedded by commands that operate on an assembled group.
type groupCmd struct {
	logCmd
	cfgCmd
	outCmd
	Metrics bool `short:"m" long:"metrics" description:"Dump group metrics in text exposition format on completion"`
}

// groupSession holds an assembled group and everything that must be
// released with it.
type groupSession struct {
	log     logging.Logger
	geom    raid.Geometry
	group   *mirror.Group
	mon     *monitor.Monitor
	store   *nr.Store
	reg     *prometheus.Registry
	closers []func() error
}

func (s *groupSession) addCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (s *groupSession) close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Errorf("close: %s", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.closers = nil
	return firstErr
}

// openStore opens the configured needs-rebuild store, or a scratch
// store when tempOK is set and none is configured.
func (cmd *groupCmd) openStore(s *groupSession, tempOK bool) error {
	path := cmd.config.NRStore
	if path == "" {
		if !tempOK {
			return nil
		}
		dir, err := os.MkdirTemp("", "rdgen-nr")
		if err != nil {
			return errors.Wrap(err, "create scratch needs-rebuild store")
		}
		s.addCloser(func() error { return os.RemoveAll(dir) })
		path = filepath.Join(dir, "nr.db")
	}

	store, err := nr.Open(s.log, path, s.geom)
	if err != nil {
		return err
	}
	s.addCloser(store.Close)
	s.store = store
	return nil
}

// open assembles the group described by the config. A store is always
// opened when needStore is set.
func (cmd *groupCmd) open(needStore bool) (_ *groupSession, err error) {
	cfg := cmd.config
	if cfg == nil {
		return nil, errors.New("group config not set")
	}

	gc, err := cfg.GroupConfig()
	if err != nil {
		return nil, err
	}
	s := &groupSession{
		log:  cmd.log,
		geom: gc.Geometry,
		reg:  prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	blocks := s.geom.Capacity + raid.BlockCount(s.geom.Offset)
	drives := make([]raid.Drive, len(cfg.Drives))
	for i, d := range cfg.Drives {
		if d.Path == "" {
			drives[i] = drive.NewMemoryDrive(blocks, s.geom.BlockSize)
			continue
		}
		fd, err := drive.OpenFileDrive(s.log, d.Path, blocks, s.geom.BlockSize)
		if err != nil {
			return nil, err
		}
		s.addCloser(fd.Close)
		drives[i] = fd
	}

	poolBytes, err := cfg.PoolBytes()
	if err != nil {
		return nil, err
	}
	pageBytes, err := cfg.PageBytes()
	if err != nil {
		return nil, err
	}
	pool := memory.NewPool(s.log, poolBytes, pageBytes)
	s.addCloser(func() error {
		pool.Close()
		return nil
	})

	var mon raid.Monitor
	if !s.geom.RawMirror {
		if err := cmd.openStore(s, needStore); err != nil {
			return nil, err
		}
		var rs monitor.RebuildStore
		if s.store != nil {
			rs = s.store
		}
		s.mon = monitor.New(s.log, s.geom.Width, rs)
		mon = s.mon
	}

	s.group, err = mirror.NewGroup(s.log, gc, drives, pool, xor.NewValidator(), mon,
		mirror.WithMetricsRegisterer(s.reg))
	if err != nil {
		return nil, err
	}
	s.log.Debugf("assembled %s: %s", s.group, s.geom)

	return s, nil
}

// finish dumps metrics if requested and releases the session.
func (cmd *groupCmd) finish(s *groupSession) error {
	var err error
	if cmd.Metrics {
		err = dumpMetrics(cmd.out, s.reg)
	}
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

func dumpMetrics(out io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	enc := expfmt.NewEncoder(out, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return errors.Wrapf(err, "encode %s", mf.GetName())
		}
	}
	return nil
}

// parseExtent resolves a start and block count against the group,
// treating a zero count as the rest of the group.
func parseExtent(geom raid.Geometry, start, blocks uint64) (raid.Extent, error) {
	if start >= uint64(geom.Capacity) {
		return raid.Extent{}, errors.Errorf("start %d beyond group capacity %d", start, geom.Capacity)
	}
	if blocks == 0 {
		blocks = uint64(geom.Capacity) - start
	}
	ext := raid.NewExtent(raid.LBA(start), raid.BlockCount(blocks))
	if !geom.Contains(ext) {
		return raid.Extent{}, errors.Errorf("range %s beyond group capacity %d", ext, geom.Capacity)
	}
	return ext, nil
}

func outcomeError(op string, ext raid.Extent, res *mirror.Result, err error) error {
	if err != nil {
		return errors.WithMessagef(err, "%s %s", op, ext)
	}
	if res != nil && res.Outcome != mirror.OutcomeSuccess {
		return errors.Errorf("%s %s: %s", op, ext, res.Outcome)
	}
	return nil
}
