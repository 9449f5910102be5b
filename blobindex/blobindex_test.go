// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package blobindex

import (
	"testing"

	"github.com/coldvault/coldvault/crypto"
)

func testContext() *crypto.Context {
	var root [32]byte
	for i := range root {
		root[i] = byte(i)
	}
	return crypto.NewContext(root)
}

func TestIndex_StageFinalizeFlushRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := testContext()

	idx, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hash := crypto.Hash([]byte("hello"))
	handle := idx.BeginPackfile()
	var pid PackfileID
	pid[0] = 0xAB
	if err := idx.Stage(handle, hash, pid); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := idx.Finalize(handle); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !idx.IsDuplicate(hash) {
		t.Fatal("expected hash to be a duplicate immediately after staging")
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if idx.Dirty() {
		t.Fatal("index should not be dirty after Flush")
	}

	reloaded, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reloaded.FindPackfile(hash)
	if !ok {
		t.Fatal("expected hash to be found after reload")
	}
	if got != pid {
		t.Fatalf("got packfile id %x, want %x", got, pid)
	}
}

func TestIndex_StageDuplicateWithinSession(t *testing.T) {
	dir := t.TempDir()
	ctx := testContext()
	idx, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hash := crypto.Hash([]byte("dup"))
	handle := idx.BeginPackfile()
	var pid PackfileID
	if err := idx.Stage(handle, hash, pid); err != nil {
		t.Fatalf("first Stage: %v", err)
	}
	if err := idx.Stage(handle, hash, pid); err == nil {
		t.Fatal("expected error staging the same hash twice")
	} else if !crypto.IsKind(err, crypto.KindDuplicateBlob) {
		t.Fatalf("expected KindDuplicateBlob, got %v", err)
	}
}

func TestIndex_FlushRollsOverAtCapacity(t *testing.T) {
	dir := t.TempDir()
	ctx := testContext()
	idx, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	handle := idx.BeginPackfile()
	for i := 0; i < MaxFileEntries; i++ {
		h := crypto.Hash([]byte{byte(i), byte(i >> 8)})
		if err := idx.Stage(handle, h, PackfileID{}); err != nil {
			t.Fatalf("Stage %d: %v", i, err)
		}
	}
	if err := idx.Finalize(handle); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if idx.Dirty() {
		t.Fatal("expected auto-flush at MaxFileEntries to clear dirty flag")
	}
}
