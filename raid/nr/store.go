//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package nr persists needs-rebuild markers for group positions at
// chunk granularity.
package nr

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

const (
	metaBucket     = "meta"
	fingerprintKey = "fingerprint"

	defaultOpenTimeout = 5 * time.Second
)

// FaultGeometryMismatch indicates the store was written for a group
// with a different layout.
func FaultGeometryMismatch(path string, want, got uint64) *fault.Fault {
	return &fault.Fault{
		Domain:      "nr",
		Code:        code.NRStoreGeometryMismatch,
		Description: fmt.Sprintf("needs-rebuild store %s has geometry %x, group has %x", path, got, want),
		Resolution:  "remove the stale store or restore the original group configuration",
	}
}

// FaultBadPosition indicates a position outside the group.
func FaultBadPosition(pos, width int) *fault.Fault {
	return &fault.Fault{
		Domain:      "nr",
		Code:        code.NRStoreBadPosition,
		Description: fmt.Sprintf("position %d not in group of width %d", pos, width),
		Resolution:  fault.ResolutionNone,
	}
}

// Store records which chunks of each position hold stale data.
type Store struct {
	log   logging.Logger
	path  string
	db    *bolt.DB
	width int
	chunk raid.BlockCount
}

func bucketName(pos int) []byte {
	return []byte(fmt.Sprintf("nr-%d", pos))
}

func u64Key(idx uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, idx)
	return key
}

// Open opens or creates the store at path for the given geometry.
func Open(log logging.Logger, path string, geom raid.Geometry) (*Store, error) {
	geom = geom.WithDefaults()
	fp, err := geom.Fingerprint()
	if err != nil {
		return nil, errors.Wrap(err, "geometry fingerprint")
	}

	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open needs-rebuild store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if stored := meta.Get([]byte(fingerprintKey)); stored != nil {
			if got := binary.BigEndian.Uint64(stored); got != fp {
				return FaultGeometryMismatch(path, fp, got)
			}
		} else if err := meta.Put([]byte(fingerprintKey), u64Key(fp)); err != nil {
			return err
		}

		for pos := 0; pos < geom.Width; pos++ {
			if _, err := tx.CreateBucketIfNotExists(bucketName(pos)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("opened needs-rebuild store %s (fingerprint %x)", path, fp)
	return &Store{
		log:   log,
		path:  path,
		db:    db,
		width: geom.Width,
		chunk: geom.ChunkBlocks,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) chunkRange(ext raid.Extent) (first, last uint64) {
	first = uint64(ext.Start) / uint64(s.chunk)
	last = (uint64(ext.End()) - 1) / uint64(s.chunk)
	return
}

func (s *Store) checkPosition(pos int) error {
	if pos < 0 || pos >= s.width {
		return FaultBadPosition(pos, s.width)
	}
	return nil
}

// Mark flags every chunk of pos overlapping ext as needing rebuild.
func (s *Store) Mark(pos int, ext raid.Extent) error {
	if err := s.checkPosition(pos); err != nil {
		return err
	}
	if ext.IsEmpty() {
		return nil
	}

	first, last := s.chunkRange(ext)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(pos))
		for idx := first; idx <= last; idx++ {
			if err := b.Put(u64Key(idx), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes the marker from every chunk of pos fully covered by
// ext. Partially covered chunks stay marked.
func (s *Store) Clear(pos int, ext raid.Extent) error {
	if err := s.checkPosition(pos); err != nil {
		return err
	}
	chunk := uint64(s.chunk)
	first := (uint64(ext.Start) + chunk - 1) / chunk
	end := uint64(ext.End()) / chunk
	if first >= end {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(pos))
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(u64Key(first)); k != nil && binary.BigEndian.Uint64(k) < end; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstRange returns the first run of marked blocks of pos within ext.
func (s *Store) FirstRange(pos int, ext raid.Extent) (raid.Extent, bool, error) {
	if err := s.checkPosition(pos); err != nil {
		return raid.Extent{}, false, err
	}
	if ext.IsEmpty() {
		return raid.Extent{}, false, nil
	}

	var out raid.Extent
	var found bool
	first, last := s.chunkRange(ext)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName(pos)).Cursor()
		k, _ := c.Seek(u64Key(first))
		if k == nil || binary.BigEndian.Uint64(k) > last {
			return nil
		}
		start := binary.BigEndian.Uint64(k)
		end := start + 1
		for k, _ = c.Next(); k != nil && binary.BigEndian.Uint64(k) == end && end <= last; k, _ = c.Next() {
			end++
		}

		marked := raid.Extent{
			Start:  raid.LBA(start * uint64(s.chunk)),
			Blocks: raid.BlockCount((end - start) * uint64(s.chunk)),
		}
		out, found = marked.Intersect(ext)
		return nil
	})
	if err != nil {
		return raid.Extent{}, false, errors.Wrapf(err, "read needs-rebuild store %s", s.path)
	}
	return out, found, nil
}

// Marked returns the number of marked chunks for pos.
func (s *Store) Marked(pos int) (int, error) {
	if err := s.checkPosition(pos); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName(pos)).Stats().KeyN
		return nil
	})
	return n, err
}
