//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/daos-stack/raid-mirror/lib/txtfmt"
	"github.com/daos-stack/raid-mirror/raid"
	"github.com/daos-stack/raid-mirror/raid/mirror"
	"github.com/daos-stack/raid-mirror/raid/xor"
)

type (
	rangeArgs struct {
		Start  uint64 `short:"s" long:"start" description:"First LBA of the range"`
		Blocks uint64 `short:"b" long:"blocks" description:"Blocks in the range (default: to the end of the group)"`
	}

	ioArgs struct {
		IOBlocks uint64 `long:"io-blocks" default:"128" description:"Blocks per request"`
		Workers  int    `long:"workers" default:"4" description:"Requests kept in flight"`
		Seed     uint8  `long:"seed" default:"1" description:"Payload pattern seed"`
	}
)

// fillBlocks writes a payload derived from seed and each block's LBA
// and stamps the checksum trailer.
func fillBlocks(buf []byte, bs int, start raid.LBA, seed uint8) {
	for i := 0; (i+1)*bs <= len(buf); i++ {
		blk := buf[i*bs : (i+1)*bs]
		lba := uint64(start) + uint64(i)
		for j := range blk[:bs-raid.ChecksumBytes] {
			blk[j] = seed ^ byte(lba>>(8*uint(j%8))) ^ byte(j)
		}
		xor.Stamp(blk)
	}
}

// checkBlocks returns the LBAs in buf that do not hold the pattern
// written by fillBlocks with the same seed.
func checkBlocks(buf []byte, bs int, start raid.LBA, seed uint8) []raid.LBA {
	want := make([]byte, bs)
	var bad []raid.LBA
	for i := 0; (i+1)*bs <= len(buf); i++ {
		lba := start + raid.LBA(i)
		fillBlocks(want, bs, lba, seed)
		if !bytes.Equal(want, buf[i*bs:(i+1)*bs]) {
			bad = append(bad, lba)
		}
	}
	return bad
}

// splitExtent cuts ext into pieces of at most size blocks.
func splitExtent(ext raid.Extent, size raid.BlockCount) []raid.Extent {
	if size == 0 {
		size = ext.Blocks
	}
	var out []raid.Extent
	for !ext.IsEmpty() {
		n := size
		if n > ext.Blocks {
			n = ext.Blocks
		}
		out = append(out, raid.NewExtent(ext.Start, n))
		ext = raid.NewExtent(ext.Start+raid.LBA(n), ext.Blocks-n)
	}
	return out
}

// runChunks applies fn to each piece of ext with at most workers
// calls in flight, stopping at the first error.
func runChunks(ctx context.Context, ext raid.Extent, args ioArgs, fn func(context.Context, raid.Extent) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	if args.Workers > 0 {
		eg.SetLimit(args.Workers)
	}
	for _, chunk := range splitExtent(ext, raid.BlockCount(args.IOBlocks)) {
		chunk := chunk
		eg.Go(func() error {
			return fn(ctx, chunk)
		})
	}
	return eg.Wait()
}

func report(out io.Writer, verb string, geom raid.Geometry, blocks raid.BlockCount, elapsed time.Duration) {
	size := uint64(geom.Bytes(blocks))
	rate := "-"
	if secs := elapsed.Seconds(); secs > 0 {
		rate = humanize.IBytes(uint64(float64(size)/secs)) + "/s"
	}
	fmt.Fprintf(out, "%s %s (%s blocks) in %s, %s\n", verb, humanize.IBytes(size),
		humanize.Comma(int64(blocks)), elapsed.Round(time.Microsecond), rate)
}

func writeRange(ctx context.Context, s *groupSession, ext raid.Extent, args ioArgs, op raid.Opcode) error {
	bs := s.geom.BlockSize
	return runChunks(ctx, ext, args, func(ctx context.Context, chunk raid.Extent) error {
		var buf []byte
		if op != raid.OpcodeZero {
			buf = make([]byte, s.geom.Bytes(chunk.Blocks))
			fillBlocks(buf, bs, chunk.Start, args.Seed)
		}
		outcome, err := s.group.Submit(ctx, op, chunk, buf)
		if err != nil {
			return errors.WithMessagef(err, "%s %s", op, chunk)
		}
		if outcome != mirror.OutcomeSuccess {
			return errors.Errorf("%s %s: %s", op, chunk, outcome)
		}
		return nil
	})
}

// readRange reads ext and returns the blocks that failed validation,
// either against the pattern when check is set or against their
// checksum trailers otherwise.
func readRange(ctx context.Context, s *groupSession, ext raid.Extent, args ioArgs, check bool) ([]raid.LBA, error) {
	var (
		mu  sync.Mutex
		bad []raid.LBA
		val = xor.NewValidator()
		bs  = s.geom.BlockSize
	)
	err := runChunks(ctx, ext, args, func(ctx context.Context, chunk raid.Extent) error {
		buf := make([]byte, s.geom.Bytes(chunk.Blocks))
		outcome, err := s.group.Submit(ctx, raid.OpcodeRead, chunk, buf)
		if err != nil {
			return errors.WithMessagef(err, "read %s", chunk)
		}
		if outcome != mirror.OutcomeSuccess {
			return errors.Errorf("read %s: %s", chunk, outcome)
		}

		var chunkBad []raid.LBA
		if check {
			chunkBad = checkBlocks(buf, bs, chunk.Start, args.Seed)
		} else {
			for i := 0; i < int(chunk.Blocks); i++ {
				if !val.ValidBlock(buf[i*bs : (i+1)*bs]) {
					chunkBad = append(chunkBad, chunk.Start+raid.LBA(i))
				}
			}
		}
		if len(chunkBad) > 0 {
			mu.Lock()
			bad = append(bad, chunkBad...)
			mu.Unlock()
		}
		return nil
	})
	return bad, err
}

func badBlocksError(bad []raid.LBA) error {
	if len(bad) == 0 {
		return nil
	}
	first := bad[0]
	for _, lba := range bad {
		if lba < first {
			first = lba
		}
	}
	return errors.Errorf("%d blocks failed validation (first at LBA %d)", len(bad), first)
}

func printVerify(out io.Writer, res *mirror.Result) {
	fmt.Fprintf(out, "verify: %d checked, %d corrected, %d uncorrectable\n",
		res.Verify.Checked, res.Verify.Corrected, res.Verify.Uncorrectable)
	if len(res.ErrorRegions) == 0 {
		return
	}

	table := txtfmt.NewTable("Range", "Positions", "Uncorrectable")
	for _, r := range res.ErrorRegions {
		table.Append(txtfmt.TableRow{
			"Range":         r.Extent.String(),
			"Positions":     r.Positions.String(),
			"Uncorrectable": fmt.Sprint(r.Uncorrectable),
		})
	}
	table.Write(out)
}

// writeCmd writes patterned blocks.
type writeCmd struct {
	groupCmd
	rangeArgs
	ioArgs
	WriteVerify bool `long:"write-verify" description:"Use write-verify for every request"`
	Zero        bool `long:"zero" description:"Zero the range instead of writing a pattern"`
}

func (cmd *writeCmd) Execute(_ []string) error {
	s, err := cmd.open(false)
	if err != nil {
		return err
	}
	ext, err := parseExtent(s.geom, cmd.Start, cmd.Blocks)
	if err != nil {
		s.close()
		return err
	}

	op := raid.OpcodeWrite
	switch {
	case cmd.Zero:
		op = raid.OpcodeZero
	case cmd.WriteVerify:
		op = raid.OpcodeWriteVerify
	}

	start := time.Now()
	if err := writeRange(context.Background(), s, ext, cmd.ioArgs, op); err != nil {
		s.close()
		return err
	}
	report(cmd.out, op.String(), s.geom, ext.Blocks, time.Since(start))
	return cmd.finish(s)
}

// readCmd reads and validates blocks.
type readCmd struct {
	groupCmd
	rangeArgs
	ioArgs
	Check bool `short:"c" long:"check" description:"Compare payloads against the pattern for --seed"`
}

func (cmd *readCmd) Execute(_ []string) error {
	s, err := cmd.open(false)
	if err != nil {
		return err
	}
	ext, err := parseExtent(s.geom, cmd.Start, cmd.Blocks)
	if err != nil {
		s.close()
		return err
	}

	start := time.Now()
	bad, err := readRange(context.Background(), s, ext, cmd.ioArgs, cmd.Check)
	if err != nil {
		s.close()
		return err
	}
	report(cmd.out, "read", s.geom, ext.Blocks, time.Since(start))
	if err := cmd.finish(s); err != nil {
		return err
	}
	return badBlocksError(bad)
}

// verifyCmd compares the copies of a range.
type verifyCmd struct {
	groupCmd
	rangeArgs
	Repair bool `short:"r" long:"repair" description:"Rewrite copies that do not match"`
}

func (cmd *verifyCmd) Execute(_ []string) error {
	s, err := cmd.open(false)
	if err != nil {
		return err
	}
	ext, err := parseExtent(s.geom, cmd.Start, cmd.Blocks)
	if err != nil {
		s.close()
		return err
	}

	res, err := s.group.Verify(context.Background(), ext, nil, cmd.Repair)
	printVerify(cmd.out, res)
	if ferr := cmd.finish(s); err == nil {
		err = ferr
	}
	return err
}

// rebuildCmd copies good data over needs-rebuild ranges.
type rebuildCmd struct {
	groupCmd
	rangeArgs
}

func (cmd *rebuildCmd) printMarked(s *groupSession, when string) error {
	for pos := 0; pos < s.geom.Width; pos++ {
		n, err := s.store.Marked(pos)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.out, "position %d: %d chunks need rebuild %s\n", pos, n, when)
	}
	return nil
}

func (cmd *rebuildCmd) Execute(_ []string) error {
	s, err := cmd.open(false)
	if err != nil {
		return err
	}
	if s.store == nil {
		s.close()
		return errors.New("rebuild requires a needs-rebuild store (set nr_store)")
	}
	ext, err := parseExtent(s.geom, cmd.Start, cmd.Blocks)
	if err != nil {
		s.close()
		return err
	}

	if err := cmd.printMarked(s, "before rebuild"); err != nil {
		s.close()
		return err
	}
	start := time.Now()
	res, err := s.group.Rebuild(context.Background(), ext)
	if err := outcomeError("rebuild", ext, res, err); err != nil {
		s.close()
		return err
	}
	report(cmd.out, "rebuilt", s.geom, res.Transferred, time.Since(start))
	if err := cmd.printMarked(s, "after rebuild"); err != nil {
		s.close()
		return err
	}
	return cmd.finish(s)
}

// runCmd runs a complete workload in one process so that memory
// drives can be exercised end to end.
type runCmd struct {
	groupCmd
	rangeArgs
	ioArgs
	Degrade int  `long:"degrade" default:"-1" description:"Disable this position during the write phase and rebuild it afterwards"`
	Repair  bool `long:"repair" description:"Repair copies that fail the final verify"`
}

func (cmd *runCmd) Execute(_ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := cmd.open(cmd.Degrade >= 0)
	if err != nil {
		return err
	}
	if err := cmd.run(ctx, s); err != nil {
		s.close()
		return err
	}
	return cmd.finish(s)
}

func (cmd *runCmd) run(ctx context.Context, s *groupSession) error {
	ext, err := parseExtent(s.geom, cmd.Start, cmd.Blocks)
	if err != nil {
		return err
	}

	if cmd.Degrade >= 0 {
		if cmd.Degrade >= s.geom.Width {
			return errors.Errorf("degraded position %d outside width %d", cmd.Degrade, s.geom.Width)
		}
		if s.mon == nil {
			return errors.New("a raw mirror has no monitor to degrade a position")
		}
		s.mon.SetRebuildLogging(cmd.Degrade)
	}

	start := time.Now()
	if err := writeRange(ctx, s, ext, cmd.ioArgs, raid.OpcodeWrite); err != nil {
		return err
	}
	report(cmd.out, "wrote", s.geom, ext.Blocks, time.Since(start))

	if cmd.Degrade >= 0 {
		s.mon.ClearRebuildLogging(cmd.Degrade)
		marked, err := s.store.Marked(cmd.Degrade)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.out, "position %d: %d chunks need rebuild\n", cmd.Degrade, marked)

		start = time.Now()
		res, err := s.group.Rebuild(ctx, ext)
		if err := outcomeError("rebuild", ext, res, err); err != nil {
			return err
		}
		report(cmd.out, "rebuilt", s.geom, res.Transferred, time.Since(start))
	}

	start = time.Now()
	bad, err := readRange(ctx, s, ext, cmd.ioArgs, true)
	if err != nil {
		return err
	}
	report(cmd.out, "read", s.geom, ext.Blocks, time.Since(start))
	if err := badBlocksError(bad); err != nil {
		return err
	}

	res, err := s.group.Verify(ctx, ext, nil, cmd.Repair)
	printVerify(cmd.out, res)
	return outcomeError("verify", ext, res, err)
}
