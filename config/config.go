//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package config holds the YAML description of a mirrored group: its
// geometry, drives, buffer pool and read policy.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
	"github.com/daos-stack/raid-mirror/raid/memory"
	"github.com/daos-stack/raid-mirror/raid/mirror"
)

const (
	defaultWidth    = 2
	defaultCapacity = "64MiB"
	defaultPoolSize = "16MiB"
)

type (
	// Drive describes the back end of one group position. A drive
	// without a path is held in memory.
	Drive struct {
		Path string `yaml:"path,omitempty"`
	}

	// Group describes configuration options for a mirrored group.
	Group struct {
		UUID              string        `yaml:"uuid,omitempty"`
		Width             int           `yaml:"width"`
		BlockSize         int           `yaml:"block_size"`
		Capacity          string        `yaml:"capacity"`
		Offset            uint64        `yaml:"offset,omitempty"`
		AlignmentBlocks   uint64        `yaml:"alignment_blocks,omitempty"`
		AlignedPositions  []int         `yaml:"aligned_positions,omitempty"`
		OptimalBlocks     uint64        `yaml:"optimal_blocks,omitempty"`
		MaxBlocksPerDrive uint64        `yaml:"max_blocks_per_drive,omitempty"`
		ChunkBlocks       uint64        `yaml:"chunk_blocks,omitempty"`
		Sparing           bool          `yaml:"sparing,omitempty"`
		RawMirror         bool          `yaml:"raw_mirror,omitempty"`
		ReadPolicy        string        `yaml:"read_policy,omitempty"`
		PreferredPosition *int          `yaml:"preferred_position,omitempty"`
		RetryInterval     time.Duration `yaml:"retry_interval,omitempty"`
		RetryMaxInterval  time.Duration `yaml:"retry_max_interval,omitempty"`
		PoolSize          string        `yaml:"pool_size"`
		PageSize          string        `yaml:"page_size,omitempty"`
		NRStore           string        `yaml:"nr_store,omitempty"`
		Drives            []Drive       `yaml:"drives"`

		Path string `yaml:"-"` // path to config file
	}
)

// Default returns a two way in-memory group.
func Default() *Group {
	return &Group{
		Width:     defaultWidth,
		BlockSize: raid.DefaultBlockSize,
		Capacity:  defaultCapacity,
		PoolSize:  defaultPoolSize,
		Drives:    make([]Drive, defaultWidth),
	}
}

// WithWidth sets the group width, resizing the drive list.
func (cfg *Group) WithWidth(width int) *Group {
	cfg.Width = width
	drives := make([]Drive, width)
	copy(drives, cfg.Drives)
	cfg.Drives = drives
	return cfg
}

// WithDrivePaths backs the group with files, one per position.
func (cfg *Group) WithDrivePaths(paths ...string) *Group {
	cfg.Drives = make([]Drive, len(paths))
	for i, p := range paths {
		cfg.Drives[i].Path = p
	}
	return cfg
}

// WithNRStore sets the path of the needs-rebuild store.
func (cfg *Group) WithNRStore(path string) *Group {
	cfg.NRStore = path
	return cfg
}

// Load reads the serialized configuration from disk. Fields absent
// from the file keep their current values.
func (cfg *Group) Load(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.WithMessage(err, "reading file")
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return errors.WithMessagef(err, "parse of %q failed", path)
	}
	cfg.Path = path
	return nil
}

// SaveToFile serializes the configuration and saves it to the specified filename.
func (cfg *Group) SaveToFile(filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, data, 0644)
}

func parseSize(param, value string) (uint64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil || n == 0 {
		return 0, FaultConfigBadPoolSize(param, value)
	}
	return n, nil
}

// Geometry returns the group layout described by the configuration.
func (cfg *Group) Geometry() (raid.Geometry, error) {
	capBytes, err := humanize.ParseBytes(cfg.Capacity)
	if err != nil {
		return raid.Geometry{}, errors.Wrapf(err, "parse capacity %q", cfg.Capacity)
	}

	geom := raid.Geometry{
		Width:             cfg.Width,
		BlockSize:         cfg.BlockSize,
		Offset:            raid.LBA(cfg.Offset),
		AlignmentBlocks:   raid.BlockCount(cfg.AlignmentBlocks),
		OptimalBlocks:     raid.BlockCount(cfg.OptimalBlocks),
		MaxBlocksPerDrive: raid.BlockCount(cfg.MaxBlocksPerDrive),
		ChunkBlocks:       raid.BlockCount(cfg.ChunkBlocks),
		Sparing:           cfg.Sparing,
		RawMirror:         cfg.RawMirror,
	}
	for _, pos := range cfg.AlignedPositions {
		if pos < 0 || pos >= raid.MaxWidth {
			return raid.Geometry{}, raid.FaultBadAlignment(
				fmt.Sprintf("aligned position %d out of range", pos))
		}
		geom.AlignedPositions = geom.AlignedPositions.Set(pos)
	}
	geom = geom.WithDefaults()
	geom.Capacity = raid.BlockCount(capBytes / uint64(geom.BlockSize))

	return geom, nil
}

// Validate checks the configuration and returns a fault describing the
// first problem found.
func (cfg *Group) Validate(log logging.Logger) (err error) {
	msg := "validating group config"
	if cfg.Path != "" {
		msg += fmt.Sprintf(" read from %q", cfg.Path)
	}
	log.Debug(msg)

	defer func() {
		if err != nil && !fault.HasResolution(err) {
			err = errors.WithMessage(FaultUnknown, err.Error())
		}
	}()

	geom, err := cfg.Geometry()
	if err != nil {
		return err
	}
	if err := geom.Validate(); err != nil {
		return err
	}
	if len(cfg.Drives) != cfg.Width {
		return FaultConfigDriveCountMismatch(len(cfg.Drives), cfg.Width)
	}
	if _, err := mirror.ParseReadPolicy(cfg.ReadPolicy); err != nil {
		return FaultConfigBadReadPolicy(cfg.ReadPolicy)
	}
	if p := cfg.PreferredPosition; p != nil && (*p < 0 || *p >= cfg.Width) {
		return errors.Errorf("preferred position %d outside width %d", *p, cfg.Width)
	}
	if cfg.UUID != "" {
		if _, err := uuid.Parse(cfg.UUID); err != nil {
			return errors.Wrapf(err, "invalid group uuid %q", cfg.UUID)
		}
	}

	pool, err := cfg.PoolBytes()
	if err != nil {
		return err
	}
	page, err := cfg.PageBytes()
	if err != nil {
		return err
	}
	if page < geom.BlockSize || pool < page {
		return FaultConfigBadPoolSize("pool_size", cfg.PoolSize)
	}
	return nil
}

// PoolBytes returns the size of the buffer pool.
func (cfg *Group) PoolBytes() (int, error) {
	n, err := parseSize("pool_size", cfg.PoolSize)
	return int(n), err
}

// PageBytes returns the buffer pool page size.
func (cfg *Group) PageBytes() (int, error) {
	if cfg.PageSize == "" {
		return memory.DefaultPageSize, nil
	}
	n, err := parseSize("page_size", cfg.PageSize)
	return int(n), err
}

// Fingerprint returns the hash of the geometry fields that fix the
// placement of on-disk group metadata.
func (cfg *Group) Fingerprint() (uint64, error) {
	geom, err := cfg.Geometry()
	if err != nil {
		return 0, err
	}
	return geom.Fingerprint()
}

// GroupConfig returns the engine settings described by the
// configuration. A missing UUID is generated.
func (cfg *Group) GroupConfig() (mirror.GroupConfig, error) {
	geom, err := cfg.Geometry()
	if err != nil {
		return mirror.GroupConfig{}, err
	}
	gc := mirror.DefaultGroupConfig(geom)

	if cfg.UUID != "" {
		id, err := uuid.Parse(cfg.UUID)
		if err != nil {
			return mirror.GroupConfig{}, errors.Wrapf(err, "invalid group uuid %q", cfg.UUID)
		}
		gc.UUID = id
	}
	if gc.ReadPolicy, err = mirror.ParseReadPolicy(cfg.ReadPolicy); err != nil {
		return mirror.GroupConfig{}, FaultConfigBadReadPolicy(cfg.ReadPolicy)
	}
	if cfg.PreferredPosition != nil {
		gc.PreferredPosition = *cfg.PreferredPosition
	}
	if cfg.RetryInterval > 0 {
		gc.RetryInterval = cfg.RetryInterval
	}
	if cfg.RetryMaxInterval > 0 {
		gc.RetryMaxInterval = cfg.RetryMaxInterval
	}
	return gc, nil
}
