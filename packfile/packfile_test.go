// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package packfile

import (
	"bytes"
	"os"
	"testing"

	"github.com/coldvault/coldvault/blobindex"
	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/tree"
)

func readWholeFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeWholeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func testContext() *crypto.Context {
	var root [32]byte
	for i := range root {
		root[i] = byte(i * 7)
	}
	return crypto.NewContext(root)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	ctx := testContext()
	idx, err := blobindex.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("blobindex.Open: %v", err)
	}
	return NewManager(ctx, dir, idx, 0, nil)
}

func TestCheckSizeInvariant(t *testing.T) {
	if err := CheckSizeInvariant(); err != nil {
		t.Fatalf("CheckSizeInvariant: %v", err)
	}
}

func TestManager_AddBlobThenGetBlob(t *testing.T) {
	m := newTestManager(t)

	data := []byte("the quick brown fox jumps over the lazy dog")
	hash := crypto.Hash(data)
	blob := tree.Blob{Hash: hash, Kind: tree.KindFileChunk, Data: data}

	if _, _, err := m.AddBlob(blob); err != nil {
		t.Fatalf("AddBlob: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := m.GetBlob(hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if got == nil {
		t.Fatal("expected blob, got nil")
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("got %q, want %q", got.Data, data)
	}
	if got.Kind != tree.KindFileChunk {
		t.Fatalf("got kind %v, want KindFileChunk", got.Kind)
	}
}

func TestManager_DuplicateBlobIsDropped(t *testing.T) {
	m := newTestManager(t)
	data := []byte("duplicate me")
	hash := crypto.Hash(data)
	blob := tree.Blob{Hash: hash, Kind: tree.KindFileChunk, Data: data}

	if _, _, err := m.AddBlob(blob); err != nil {
		t.Fatalf("first AddBlob: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	before := m.TotalBytesWritten()

	if _, _, err := m.AddBlob(blob); err != nil {
		t.Fatalf("second AddBlob: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	after := m.TotalBytesWritten()
	if after != before {
		t.Fatalf("expected no new bytes written for duplicate blob, before=%d after=%d", before, after)
	}
}

func TestManager_BlobTooLarge(t *testing.T) {
	m := newTestManager(t)
	data := make([]byte, BlobMaxUncompressedSize+1)
	blob := tree.Blob{Hash: crypto.Hash(data), Kind: tree.KindFileChunk, Data: data}

	_, _, err := m.AddBlob(blob)
	if err == nil {
		t.Fatal("expected error for oversized blob")
	}
	if !crypto.IsKind(err, crypto.KindBlobTooLarge) {
		t.Fatalf("expected KindBlobTooLarge, got %v", err)
	}
}

func TestManager_GetBlobMissing(t *testing.T) {
	m := newTestManager(t)
	var hash [32]byte
	got, err := m.GetBlob(hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing blob")
	}
}

func TestManager_TamperDetection(t *testing.T) {
	m := newTestManager(t)
	data := []byte("tamper target")
	hash := crypto.Hash(data)
	blob := tree.Blob{Hash: hash, Kind: tree.KindFileChunk, Data: data}

	if _, _, err := m.AddBlob(blob); err != nil {
		t.Fatalf("AddBlob: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	pid, ok := m.idx.FindPackfile(hash)
	if !ok {
		t.Fatal("expected blob to be indexed")
	}
	path := packfilePath(m.dir, [12]byte(pid))
	contents, err := readWholeFile(path)
	if err != nil {
		t.Fatalf("read packfile: %v", err)
	}
	contents[8] ^= 0xFF
	if err := writeWholeFile(path, contents); err != nil {
		t.Fatalf("rewrite packfile: %v", err)
	}

	if _, err := m.GetBlob(hash); err == nil {
		t.Fatal("expected AuthFailure after tampering with header bytes")
	} else if !crypto.IsKind(err, crypto.KindAuthFailure) {
		t.Fatalf("expected KindAuthFailure, got %v", err)
	}
}
