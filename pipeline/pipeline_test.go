// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coldvault/coldvault/crypto"
)

func testContext() *crypto.Context {
	var root [32]byte
	for i := range root {
		root[i] = byte(i * 7)
	}
	return crypto.NewContext(root)
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("pipeline round trip"), 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}

	packDir := t.TempDir()
	indexDir := t.TempDir()
	ctx := testContext()

	var reported uint64
	hooks := NewHooks(func(total uint64) { reported = total }, nil)

	rootHash, stats, err := Backup(context.Background(), ctx, src, packDir, indexDir, hooks, nil)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if stats.Files != 1 {
		t.Fatalf("want 1 file, got %d", stats.Files)
	}
	if reported == 0 {
		t.Fatal("expected OnBytesWritten to report non-zero bytes")
	}

	dst := t.TempDir()
	restoreStats, err := Restore(context.Background(), ctx, dst, packDir, indexDir, rootHash, nil, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restoreStats.Files != 1 {
		t.Fatalf("want 1 restored file, got %d", restoreStats.Files)
	}

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "pipeline round trip" {
		t.Fatalf("got %q, want %q", got, "pipeline round trip")
	}
}

func TestHooks_PauseResume(t *testing.T) {
	var mu sync.Mutex
	paused := true
	h := NewHooks(nil, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return paused
	})

	done := make(chan struct{})
	go func() {
		if err := h.Block(context.Background()); err != nil {
			t.Errorf("Block: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("goroutine returned before Resume was called")
	case <-time.After(20 * time.Millisecond):
	}

	mu.Lock()
	paused = false
	mu.Unlock()
	h.Resume()
	<-done
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:        "idle",
		StateDiscovering: "discovering",
		StatePacking:     "packing",
		StateFlushing:    "flushing",
		StateDone:        "done",
		StateAborted:     "aborted",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
