//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
	"github.com/daos-stack/raid-mirror/logging"
	"github.com/daos-stack/raid-mirror/raid"
)

func runCommand(t *testing.T, log *logging.LeveledLogger, args ...string) (string, error) {
	t.Helper()

	var opts cliOptions
	var out bytes.Buffer
	err := parseOpts(args, &opts, &out, log)
	return out.String(), err
}

func TestRdgen_Commands(t *testing.T) {
	for name, tc := range map[string]struct {
		args    []string
		expOut  []string
		expErr  string
		expCode code.Code
	}{
		"no command": {
			args:   []string{},
			expErr: "command",
		},
		"unknown command": {
			args:   []string{"bogus"},
			expErr: "bogus",
		},
		"config": {
			args:   []string{"config"},
			expOut: []string{"# geometry fingerprint: ", "width: 2", "pool_size: 16MiB"},
		},
		"config with width override": {
			args:   []string{"-w", "3", "config"},
			expOut: []string{"width: 3"},
		},
		"bad width": {
			args:    []string{"-w", "1", "run", "-b", "16"},
			expCode: code.ConfigBadWidth,
		},
		"write with metrics": {
			args:   []string{"write", "-b", "16", "-m"},
			expOut: []string{"write ", "raid_mirror_requests_total"},
		},
		"zero": {
			args:   []string{"write", "-b", "16", "--zero"},
			expOut: []string{"zero "},
		},
		"read zeroed drives": {
			args:   []string{"read", "-b", "16"},
			expOut: []string{"read "},
		},
		"read zeroed drives against pattern": {
			args:   []string{"read", "-b", "16", "--check"},
			expErr: "16 blocks failed validation (first at LBA 0)",
		},
		"read beyond capacity": {
			args:   []string{"read", "-s", "200000"},
			expErr: "beyond group capacity",
		},
		"verify zeroed drives": {
			args:   []string{"verify", "-b", "8"},
			expOut: []string{"verify: 8 checked, 0 corrected, 0 uncorrectable"},
		},
		"rebuild without store": {
			args:   []string{"rebuild"},
			expErr: "needs-rebuild store",
		},
		"run": {
			args: []string{"run", "-b", "512", "--io-blocks", "64"},
			expOut: []string{
				"wrote ",
				"read ",
				"verify: 512 checked, 0 corrected, 0 uncorrectable",
			},
		},
		"run three way": {
			args:   []string{"-w", "3", "run", "-b", "300", "--workers", "1"},
			expOut: []string{"verify: 300 checked, 0 corrected, 0 uncorrectable"},
		},
		"run degraded": {
			args: []string{"run", "-b", fmt.Sprint(raid.DefaultChunkBlocks), "--degrade", "1"},
			expOut: []string{
				"position 1: 1 chunks need rebuild",
				"rebuilt ",
				fmt.Sprintf("verify: %d checked", raid.DefaultChunkBlocks),
			},
		},
		"degrade outside width": {
			args:   []string{"run", "-b", "16", "--degrade", "2"},
			expErr: "outside width",
		},
	} {
		t.Run(name, func(t *testing.T) {
			log, buf := logging.NewTestLogger(t.Name())
			defer test.ShowBufferOnFailure(t, buf)

			out, err := runCommand(t, log, tc.args...)
			switch {
			case tc.expCode != code.Unknown:
				if !fault.IsFaultCode(err, tc.expCode) {
					t.Fatalf("expected fault code %d, got %v", tc.expCode, err)
				}
				return
			case tc.expErr != "":
				if err == nil || !strings.Contains(err.Error(), tc.expErr) {
					t.Fatalf("expected error containing %q, got %v", tc.expErr, err)
				}
				return
			case err != nil:
				t.Fatal(err)
			}

			for _, exp := range tc.expOut {
				if !strings.Contains(out, exp) {
					t.Fatalf("output missing %q:\n%s", exp, out)
				}
			}
		})
	}
}

func TestRdgen_FileBackedGroup(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "group.yml")
	cfg := fmt.Sprintf(`width: 2
block_size: 520
capacity: 1MiB
pool_size: 4MiB
nr_store: %s
drives:
- path: %s
- path: %s
`, filepath.Join(dir, "nr.db"), filepath.Join(dir, "d0"), filepath.Join(dir, "d1"))
	if err := ioutil.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCommand(t, log, "-o", cfgPath, "write", "-b", "64", "--seed", "7"); err != nil {
		t.Fatal(err)
	}

	// the drives and store outlive the process that wrote them
	if _, err := runCommand(t, log, "-o", cfgPath, "read", "-b", "64", "--seed", "7", "--check"); err != nil {
		t.Fatal(err)
	}
	if _, err := runCommand(t, log, "-o", cfgPath, "read", "-b", "64", "--seed", "8", "--check"); err == nil {
		t.Fatal("expected pattern mismatch with a different seed")
	}

	out, err := runCommand(t, log, "-o", cfgPath, "rebuild", "-b", "64")
	if err != nil {
		t.Fatal(err)
	}
	for _, exp := range []string{
		"position 0: 0 chunks need rebuild before rebuild",
		"position 1: 0 chunks need rebuild after rebuild",
	} {
		if !strings.Contains(out, exp) {
			t.Fatalf("output missing %q:\n%s", exp, out)
		}
	}

	out, err = runCommand(t, log, "-o", cfgPath, "verify", "-b", "64", "--repair")
	if err != nil {
		t.Fatal(err)
	}
	test.AssertTrue(t, strings.Contains(out, "verify: 64 checked, 0 corrected"), out)
}

func TestRdgen_Pattern(t *testing.T) {
	const bs = 520

	buf := make([]byte, 4*bs)
	fillBlocks(buf, bs, 0x10, 3)
	test.AssertEqual(t, 0, len(checkBlocks(buf, bs, 0x10, 3)), "pattern mismatch")

	buf[2*bs+5] ^= 0xff
	test.CmpAny(t, "bad blocks", []raid.LBA{0x12}, checkBlocks(buf, bs, 0x10, 3))
	test.CmpAny(t, "other seed", []raid.LBA{0x10, 0x11, 0x12, 0x13}, checkBlocks(buf, bs, 0x10, 4))
}

func TestRdgen_SplitExtent(t *testing.T) {
	for name, tc := range map[string]struct {
		ext  raid.Extent
		size raid.BlockCount
		exp  []raid.Extent
	}{
		"empty": {
			ext:  raid.NewExtent(4, 0),
			size: 8,
		},
		"exact": {
			ext:  raid.NewExtent(0, 16),
			size: 8,
			exp:  []raid.Extent{raid.NewExtent(0, 8), raid.NewExtent(8, 8)},
		},
		"remainder": {
			ext:  raid.NewExtent(3, 10),
			size: 4,
			exp: []raid.Extent{
				raid.NewExtent(3, 4), raid.NewExtent(7, 4), raid.NewExtent(11, 2),
			},
		},
		"zero size takes whole range": {
			ext: raid.NewExtent(3, 10),
			exp: []raid.Extent{raid.NewExtent(3, 10)},
		},
	} {
		t.Run(name, func(t *testing.T) {
			got := splitExtent(tc.ext, tc.size)
			if diff := cmp.Diff(tc.exp, got); diff != "" {
				t.Fatalf("unexpected split (-want, +got):\n%s\n", diff)
			}
		})
	}
}
