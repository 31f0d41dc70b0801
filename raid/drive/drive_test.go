//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package drive

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

const testBlockSize = 512

func TestDrive_MemoryInjection(t *testing.T) {
	for name, tc := range map[string]struct {
		inj       *Injection
		op        raid.Opcode
		ext       raid.Extent
		expStatus raid.Completion
		expData   int // number of blocks transferred
	}{
		"clean read": {
			op:        raid.OpcodeRead,
			ext:       raid.NewExtent(0, 4),
			expStatus: raid.Succeeded(),
			expData:   4,
		},
		"media error mid-extent": {
			inj: &Injection{
				Opcode:    raid.OpcodeRead,
				Extent:    raid.NewExtent(2, 1),
				Status:    raid.StatusMediaError,
				Qualifier: raid.QualDataLost,
			},
			op:  raid.OpcodeRead,
			ext: raid.NewExtent(0, 4),
			expStatus: raid.Completion{
				Status:        raid.StatusMediaError,
				Qualifier:     raid.QualDataLost,
				MediaErrorLBA: 2,
			},
			expData: 2,
		},
		"dead drive": {
			inj: &Injection{
				Extent:    raid.NewExtent(0, 100),
				Status:    raid.StatusIOFailed,
				Qualifier: raid.QualRetryNotPossible,
			},
			op:        raid.OpcodeRead,
			ext:       raid.NewExtent(0, 4),
			expStatus: raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible),
		},
		"injection for other opcode": {
			inj: &Injection{
				Opcode:    raid.OpcodeWrite,
				Extent:    raid.NewExtent(0, 100),
				Status:    raid.StatusIOFailed,
				Qualifier: raid.QualRetryPossible,
			},
			op:        raid.OpcodeRead,
			ext:       raid.NewExtent(0, 4),
			expStatus: raid.Succeeded(),
			expData:   4,
		},
		"out of range": {
			op:        raid.OpcodeRead,
			ext:       raid.NewExtent(60, 8),
			expStatus: raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible),
		},
	} {
		t.Run(name, func(t *testing.T) {
			d := NewMemoryDrive(64, testBlockSize)
			src := test.MustPattern(64*testBlockSize, 3)
			d.WriteAt(0, src)
			if tc.inj != nil {
				d.Inject(*tc.inj)
			}

			buf := make([]byte, int(tc.ext.Blocks)*testBlockSize)
			got := d.Do(context.Background(), &raid.IORequest{
				Opcode:    tc.op,
				Extent:    tc.ext,
				SG:        raid.SGFromBytes(buf),
				BlockSize: testBlockSize,
			})
			if diff := cmp.Diff(tc.expStatus, got); diff != "" {
				t.Fatalf("unexpected completion (-want, +got):\n%s\n", diff)
			}

			n := tc.expData * testBlockSize
			start := int(tc.ext.Start) * testBlockSize
			if !bytes.Equal(buf[:n], src[start:start+n]) {
				t.Fatal("transferred data mismatch")
			}
		})
	}
}

func TestDrive_MemoryInjectionCount(t *testing.T) {
	d := NewMemoryDrive(8, testBlockSize)
	d.Inject(Injection{
		Extent:    raid.NewExtent(0, 8),
		Status:    raid.StatusIOFailed,
		Qualifier: raid.QualRetryPossible,
		Count:     1,
	})

	req := &raid.IORequest{
		Opcode: raid.OpcodeWrite,
		Extent: raid.NewExtent(0, 1),
		SG:     raid.SGFromBytes(make([]byte, testBlockSize)),
	}
	if c := d.Do(context.Background(), req); c.Status != raid.StatusIOFailed {
		t.Fatalf("expected injected failure, got %s", c)
	}
	if c := d.Do(context.Background(), req); c.Status != raid.StatusSuccess {
		t.Fatalf("expected success after injection exhausted, got %s", c)
	}
	if d.OpCount(raid.OpcodeWrite) != 2 {
		t.Fatalf("expected 2 writes, got %d", d.OpCount(raid.OpcodeWrite))
	}
}

func TestDrive_MemoryAbortedContext(t *testing.T) {
	d := NewMemoryDrive(8, testBlockSize)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := d.Do(ctx, &raid.IORequest{
		Opcode: raid.OpcodeRead,
		Extent: raid.NewExtent(0, 1),
		SG:     raid.SGFromBytes(make([]byte, testBlockSize)),
	})
	if diff := cmp.Diff(raid.Failed(raid.StatusRequestAborted, raid.QualClientAborted), c); diff != "" {
		t.Fatalf("unexpected completion (-want, +got):\n%s\n", diff)
	}
}

func TestDrive_FileRoundTrip(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	path := filepath.Join(t.TempDir(), "drive0")
	d, err := OpenFileDrive(log, path, 32, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	data := test.MustPattern(4*testBlockSize, 7)
	sg := raid.SGList{data[:2*testBlockSize], data[2*testBlockSize:]}
	for _, op := range []raid.Opcode{raid.OpcodeWrite, raid.OpcodeWriteVerify} {
		if c := d.Do(context.Background(), &raid.IORequest{
			Opcode: op,
			Extent: raid.NewExtent(8, 4),
			SG:     sg,
		}); c.Status != raid.StatusSuccess {
			t.Fatalf("%s failed: %s", op, c)
		}
	}

	out := make([]byte, len(data))
	if c := d.Do(context.Background(), &raid.IORequest{
		Opcode: raid.OpcodeRead,
		Extent: raid.NewExtent(8, 4),
		SG:     raid.SGFromBytes(out),
	}); c.Status != raid.StatusSuccess {
		t.Fatalf("read failed: %s", c)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("read data does not match written data")
	}

	if c := d.Do(context.Background(), &raid.IORequest{
		Opcode: raid.OpcodeZero,
		Extent: raid.NewExtent(8, 4),
	}); c.Status != raid.StatusSuccess {
		t.Fatalf("zero failed: %s", c)
	}
	d.Do(context.Background(), &raid.IORequest{
		Opcode: raid.OpcodeRead,
		Extent: raid.NewExtent(8, 4),
		SG:     raid.SGFromBytes(out),
	})
	if !bytes.Equal(out, make([]byte, len(out))) {
		t.Fatal("expected zeroed blocks")
	}

	if c := d.Do(context.Background(), &raid.IORequest{
		Opcode: raid.OpcodeRead,
		Extent: raid.NewExtent(30, 4),
		SG:     raid.SGFromBytes(out),
	}); c.Status != raid.StatusIOFailed {
		t.Fatalf("expected out of range failure, got %s", c)
	}
}

func TestDrive_CompletionForErrno(t *testing.T) {
	for name, tc := range map[string]struct {
		err error
		exp raid.Completion
	}{
		"nil":     {exp: raid.Succeeded()},
		"eio":     {err: unix.EIO, exp: raid.Completion{Status: raid.StatusMediaError, Qualifier: raid.QualDataLost, MediaErrorLBA: 5}},
		"eagain":  {err: unix.EAGAIN, exp: raid.Failed(raid.StatusIOFailed, raid.QualRetryPossible)},
		"timeout": {err: unix.ETIMEDOUT, exp: raid.Failed(raid.StatusTimeout, raid.QualNone)},
		"enxio":   {err: unix.ENXIO, exp: raid.Failed(raid.StatusIOFailed, raid.QualRetryNotPossible)},
	} {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tc.exp, completionFor(tc.err, 5)); diff != "" {
				t.Fatalf("unexpected completion (-want, +got):\n%s\n", diff)
			}
		})
	}
}
