//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/daos-stack/raid-mirror/common/test"
	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/fault/code"
	"github.com/daos-stack/raid-mirror/logging"
)

const (
	testBlockSize = 512
	testPageSize  = 8 * testBlockSize
)

func waitReady(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for grant")
	}
}

func TestMemory_PoolImmediateGrant(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	p := NewPool(log, 4*testPageSize, testPageSize)
	g, err := p.Allocate(context.Background(), 2, 8, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, g.Ready())

	h, err := g.Handle()
	if err != nil {
		t.Fatal(err)
	}
	if p.FreePages() != 2 {
		t.Fatalf("expected 2 free pages, got %d", p.FreePages())
	}

	sg, err := h.Carve(12 * testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if sg.Len() != 12*testBlockSize {
		t.Fatalf("unexpected carve length %d", sg.Len())
	}
	for _, e := range sg {
		if len(e)%testBlockSize != 0 {
			t.Fatalf("sg element of %d bytes splits a block", len(e))
		}
	}
	if _, err := h.Carve(8 * testBlockSize); err == nil {
		t.Fatal("expected carve beyond the grant to fail")
	}

	h.Free()
	h.Free()
	if p.FreePages() != 4 {
		t.Fatalf("expected all pages returned, got %d free", p.FreePages())
	}
	if _, err := h.Carve(testBlockSize); !fault.IsFaultCode(err, code.ResourceHandleFreed) {
		t.Fatalf("expected freed handle fault, got %v", err)
	}
}

func TestMemory_PoolDeferredGrant(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	p := NewPool(log, 2*testPageSize, testPageSize)

	first, err := p.Allocate(context.Background(), 1, 16, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, first.Ready())

	second, err := p.Allocate(context.Background(), 1, 8, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-second.Ready():
		t.Fatal("second grant must wait for free pages")
	default:
	}
	if _, err := second.Handle(); err == nil {
		t.Fatal("expected error from unsatisfied grant")
	}

	first.Cancel()
	waitReady(t, second.Ready())
	if _, err := second.Handle(); err != nil {
		t.Fatal(err)
	}
}

func TestMemory_PoolCancelQueued(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	p := NewPool(log, testPageSize, testPageSize)
	held, err := p.Allocate(context.Background(), 1, 8, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	queued, err := p.Allocate(context.Background(), 1, 8, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}

	queued.Cancel()
	waitReady(t, queued.Ready())
	if _, err := queued.Handle(); !fault.IsFaultCode(err, code.ResourceHandleFreed) {
		t.Fatalf("expected cancelled grant fault, got %v", err)
	}

	held.Cancel()
	if p.FreePages() != 1 {
		t.Fatalf("expected the page to be returned, got %d free", p.FreePages())
	}
}

func TestMemory_PoolInsufficient(t *testing.T) {
	log, buf := logging.NewTestLogger(t.Name())
	defer test.ShowBufferOnFailure(t, buf)

	p := NewPool(log, 2*testPageSize, testPageSize)

	_, err := p.Allocate(context.Background(), 3, 8, testBlockSize)
	if !fault.IsFaultCode(err, code.ResourceInsufficient) {
		t.Fatalf("expected insufficient resources fault, got %v", err)
	}

	p.Close()
	_, err = p.Allocate(context.Background(), 1, 1, testBlockSize)
	test.CmpErr(t, FaultPoolClosed, err)
}
