//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package drive

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

// FileDrive services block I/O against a file or block device using
// positioned reads and writes.
type FileDrive struct {
	sync.RWMutex
	log       logging.Logger
	path      string
	file      *os.File
	blockSize int
	blocks    raid.BlockCount
}

var _ raid.Drive = (*FileDrive)(nil)

// OpenFileDrive opens (creating if necessary) a backing file sized
// for the given number of blocks.
func OpenFileDrive(log logging.Logger, path string, blocks raid.BlockCount, blockSize int) (*FileDrive, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	size := int64(blocks) * int64(blockSize)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if fi.Mode().IsRegular() && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "resize %s", path)
		}
	}
	log.Debugf("opened drive %s (%d blocks of %d bytes)", path, blocks, blockSize)

	return &FileDrive{
		log:       log,
		path:      path,
		file:      f,
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

// Close syncs and closes the backing file.
func (d *FileDrive) Close() error {
	d.Lock()
	defer d.Unlock()

	if d.file == nil {
		return nil
	}
	if err := unix.Fdatasync(int(d.file.Fd())); err != nil {
		d.log.Errorf("fdatasync %s: %s", d.path, err)
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// completionFor maps an I/O error to a drive completion.
func completionFor(err error, lba raid.LBA) raid.Completion {
	switch errors.Cause(err) {
	case nil:
		return raid.Succeeded()
	case unix.EIO, unix.EILSEQ:
		return raid.Completion{
			Status:        raid.StatusMediaError,
			Qualifier:     raid.QualDataLost,
			MediaErrorLBA: lba,
		}
	case unix.EAGAIN, unix.EINTR, unix.EBUSY:
		return raid.Failed(raid.StatusIOFailed, raid.QualRetryPossible)
	case unix.ETIMEDOUT:
		return raid.Failed(raid.StatusTimeout, raid.QualNone)
	default:
		return raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)
	}
}

// Do services one request.
func (d *FileDrive) Do(ctx context.Context, req *raid.IORequest) raid.Completion {
	if ctx.Err() != nil {
		return raid.Failed(raid.StatusRequestAborted, raid.QualClientAborted)
	}

	d.RLock()
	defer d.RUnlock()

	if d.file == nil || req.Extent.End() > raid.LBA(d.blocks) {
		return raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)
	}
	fd := int(d.file.Fd())
	off := int64(req.Extent.Start) * int64(d.blockSize)
	n := int(req.Extent.Blocks) * d.blockSize

	switch req.Opcode {
	case raid.OpcodeRead:
		return d.pread(fd, req.SG.Slice(0, n), off, req.Extent.Start)
	case raid.OpcodeWrite, raid.OpcodeWriteVerify:
		c := d.pwrite(fd, req.SG.Slice(0, n), off, req.Extent.Start)
		if c.Status != raid.StatusSuccess || req.Opcode == raid.OpcodeWrite {
			return c
		}
		if err := unix.Fdatasync(fd); err != nil {
			return completionFor(err, req.Extent.Start)
		}
		verify := make([]byte, n)
		return d.pread(fd, raid.SGFromBytes(verify), off, req.Extent.Start)
	case raid.OpcodeZero:
		zero := make([]byte, d.blockSize)
		for i := 0; i < int(req.Extent.Blocks); i++ {
			if _, err := unix.Pwrite(fd, zero, off+int64(i*d.blockSize)); err != nil {
				return completionFor(err, req.Extent.Start+raid.LBA(i))
			}
		}
		return raid.Succeeded()
	default:
		return raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)
	}
}

func (d *FileDrive) pread(fd int, sg raid.SGList, off int64, lba raid.LBA) raid.Completion {
	for _, e := range sg {
		for done := 0; done < len(e); {
			n, err := unix.Pread(fd, e[done:], off)
			if err != nil {
				return completionFor(err, lba+raid.LBA(done/d.blockSize))
			}
			if n == 0 {
				return raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)
			}
			done += n
			off += int64(n)
		}
		lba += raid.LBA(len(e) / d.blockSize)
	}
	return raid.Succeeded()
}

func (d *FileDrive) pwrite(fd int, sg raid.SGList, off int64, lba raid.LBA) raid.Completion {
	for _, e := range sg {
		for done := 0; done < len(e); {
			n, err := unix.Pwrite(fd, e[done:], off)
			if err != nil {
				return completionFor(err, lba+raid.LBA(done/d.blockSize))
			}
			done += n
			off += int64(n)
		}
		lba += raid.LBA(len(e) / d.blockSize)
	}
	return raid.Succeeded()
}
