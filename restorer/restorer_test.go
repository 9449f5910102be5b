// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package restorer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldvault/coldvault/blobindex"
	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/packfile"
	"github.com/coldvault/coldvault/walker"
)

func testContext() *crypto.Context {
	var root [32]byte
	for i := range root {
		root[i] = byte(i * 5)
	}
	return crypto.NewContext(root)
}

func newTestManager(t *testing.T) *packfile.Manager {
	t.Helper()
	ctx := testContext()
	idx, err := blobindex.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("blobindex.Open: %v", err)
	}
	return packfile.NewManager(ctx, t.TempDir(), idx, 0, nil)
}

func TestRestorer_RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "top.txt"), []byte("top level"), 0o644); err != nil {
		t.Fatalf("write top.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("nested content"), 0o644); err != nil {
		t.Fatalf("write nested.txt: %v", err)
	}

	mgr := newTestManager(t)
	w := walker.New(mgr, nil)
	rootHash, _, err := w.Pack(context.Background(), src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if err := mgr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dst := t.TempDir()
	r := New(mgr, nil)
	stats, err := r.Restore(context.Background(), dst, rootHash)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if stats.Files != 2 {
		t.Fatalf("want 2 restored files, got %d", stats.Files)
	}

	got, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	if err != nil {
		t.Fatalf("read top.txt: %v", err)
	}
	if string(got) != "top level" {
		t.Fatalf("got %q, want %q", got, "top level")
	}

	got, err = os.ReadFile(filepath.Join(dst, "sub", "nested.txt"))
	if err != nil {
		t.Fatalf("read nested.txt: %v", err)
	}
	if string(got) != "nested content" {
		t.Fatalf("got %q, want %q", got, "nested content")
	}
}

func TestRestorer_Symlink(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "real.txt"), []byte("real"), 0o644); err != nil {
		t.Fatalf("write real.txt: %v", err)
	}
	if err := os.Symlink("real.txt", filepath.Join(src, "link.txt")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	mgr := newTestManager(t)
	w := walker.New(mgr, nil)
	rootHash, stats, err := w.Pack(context.Background(), src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if stats.Symlinks != 1 {
		t.Fatalf("want 1 symlink, got %d", stats.Symlinks)
	}
	if err := mgr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dst := t.TempDir()
	r := New(mgr, nil)
	restoreStats, err := r.Restore(context.Background(), dst, rootHash)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restoreStats.Symlinks != 1 {
		t.Fatalf("want 1 restored symlink, got %d", restoreStats.Symlinks)
	}

	target, err := os.Readlink(filepath.Join(dst, "link.txt"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "real.txt" {
		t.Fatalf("got symlink target %q, want %q", target, "real.txt")
	}
}
