// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package walker implements coldvault's directory discovery and
// packing: a two-phase traversal that turns a directory tree into
// Tree and FileChunk blobs submitted to a packfile manager, returning
// the snapshot root hash.
//
// Phase A (discovery) is single-threaded and depth-first, allocating
// one arena-indexed node per directory with a parent back-reference.
// Phase B (packing) processes directories deepest-first, fanning file
// processing out per directory with a bounded worker pool.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/packfile"
	"github.com/coldvault/coldvault/tree"
)

// Chunking parameters (spec.md §4.4): a file at or below
// DesiredTargetSize is stored as a single blob; larger files are split
// by the content-defined chunker with these (min, target, max) bounds.
const (
	MinimumTargetSize = 256 << 10 // BLOB_MINIMUM_TARGET_SIZE
	DesiredTargetSize = 1 << 20   // BLOB_DESIRED_TARGET_SIZE
	MaxUncompressedSize = packfile.BlobMaxUncompressedSize
)

// FileConcurrency bounds how many files one directory processes
// concurrently (spec.md §5's "bounded fan-out").
const FileConcurrency = 8

// Stats accumulates the counts SPEC_FULL.md §4's RunStats surfaces:
// grounded in the teacher's fstree.SnapshotStats shape.
type Stats struct {
	Files      int
	Dirs       int
	Symlinks   int
	TotalBytes uint64
	Failed     int
}

// node is one arena-indexed directory record. Children accumulates the
// hashes of this directory's own Tree-blob entries (files, symlinks,
// and completed subdirectories) as Phase B completes them.
type node struct {
	parent   int // -1 for the root
	name     string
	absPath  string
	children [][]byte
	mu       sync.Mutex
}

// Walker holds the arena and shared state for one backup run.
type Walker struct {
	mgr    *packfile.Manager
	logger *slog.Logger

	mu    sync.Mutex
	nodes []*node
	stats Stats
}

// New constructs a Walker that submits blobs to mgr.
func New(mgr *packfile.Manager, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{mgr: mgr, logger: logger}
}

// Pack walks root and returns the snapshot root hash plus run
// statistics. root must exist and be a directory.
func (w *Walker) Pack(ctx context.Context, root string) ([32]byte, Stats, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return [32]byte{}, w.stats, fmt.Errorf("walker: resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return [32]byte{}, w.stats, fmt.Errorf("walker: stat root: %w", err)
	}
	if !info.IsDir() {
		return [32]byte{}, w.stats, fmt.Errorf("walker: root is not a directory: %s", absRoot)
	}

	rootIdx := w.newNode(-1, "", absRoot)

	// Phase A: single-threaded, depth-first discovery. Recording nodes
	// in preorder and packing them in reverse (below) is equivalent to
	// the original's push-front discovery queue: every directory is
	// packed only after all of its descendants have been.
	order, err := w.discover(rootIdx)
	if err != nil {
		return [32]byte{}, w.stats, err
	}

	// Phase B: process directories deepest-first (reverse discovery
	// order is depth-descending into each subtree as discovered, so
	// processing in reverse guarantees every child is finished before
	// its parent is packed). order[0] is always rootIdx, so the final
	// iteration packs the root and yields the snapshot root hash.
	var rootHash [32]byte
	for i := len(order) - 1; i >= 0; i-- {
		hash, err := w.packDirectory(ctx, order[i])
		if err != nil {
			return [32]byte{}, w.stats, err
		}
		if order[i] == rootIdx {
			rootHash = hash
		}
	}

	return rootHash, w.stats, nil
}

// discover performs the single-threaded depth-first walk, returning
// every directory node index in discovery order (parents before the
// children discovered under them, but each subtree discovered in full
// before moving to the next sibling — a preorder, depth-first list).
// Phase B consumes this list in reverse so that every child directory
// is fully packed before its parent.
func (w *Walker) discover(rootIdx int) ([]int, error) {
	var order []int
	var visit func(idx int) error
	visit = func(idx int) error {
		order = append(order, idx)
		n := w.nodes[idx]
		entries, err := os.ReadDir(n.absPath)
		if err != nil {
			w.logger.Error("[walker] read dir failed", "path", n.absPath, "err", err)
			w.incFailed()
			return nil
		}
		for _, de := range entries {
			if !de.IsDir() {
				continue
			}
			childIdx := w.newNode(idx, de.Name(), filepath.Join(n.absPath, de.Name()))
			if err := visit(childIdx); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(rootIdx); err != nil {
		return nil, err
	}
	return order, nil
}

func (w *Walker) newNode(parent int, name, absPath string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes = append(w.nodes, &node{parent: parent, name: name, absPath: absPath})
	return len(w.nodes) - 1
}

func (w *Walker) incFailed() {
	w.mu.Lock()
	w.stats.Failed++
	w.mu.Unlock()
}

// packDirectory processes every non-directory entry of the directory at
// idx (regular files concurrently, bounded by FileConcurrency; symlinks
// inline in the entry loop), builds this
// directory's Tree blob(s), and appends its canonical hash to the
// parent's children list. Directory entries were already folded into
// w.nodes[idx].children by their own packDirectory call, since
// discovery order guarantees children are processed first.
func (w *Walker) packDirectory(ctx context.Context, idx int) ([32]byte, error) {
	n := w.nodes[idx]

	entries, err := os.ReadDir(n.absPath)
	if err != nil {
		// Already logged during discovery; nothing further to pack.
		return [32]byte{}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(FileConcurrency)

	var mu sync.Mutex
	fileHashes := make(map[string][]byte) // name -> canonical tree-blob hash, for stable ordering

	for _, de := range entries {
		de := de

		// Checked between submitting each filesystem entry, so a paused
		// orchestrator actually stops new submissions instead of only
		// reacting once a soft limit trips (spec.md §4.7, §5).
		if err := w.mgr.Block(ctx); err != nil {
			return [32]byte{}, fmt.Errorf("walker: pack directory %s: %w", n.absPath, err)
		}

		if de.IsDir() {
			continue
		}
		childPath := filepath.Join(n.absPath, de.Name())
		info, err := de.Info()
		if err != nil {
			w.logger.Error("[walker] stat entry failed", "path", childPath, "err", err)
			w.incFailed()
			continue
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			hash, err := w.processSymlink(ctx, childPath, de.Name(), info)
			if err != nil {
				w.logger.Error("[walker] symlink failed", "path", childPath, "err", err)
				w.incFailed()
				continue
			}
			mu.Lock()
			fileHashes[de.Name()] = hash
			mu.Unlock()
			continue
		}

		if !info.Mode().IsRegular() {
			w.logger.Warn("[walker] skipping unsupported entry type", "path", childPath)
			w.incFailed()
			continue
		}

		name := de.Name()
		g.Go(func() error {
			hash, err := w.processFile(gctx, childPath, name, info)
			if err != nil {
				w.logger.Error("[walker] process file failed", "path", childPath, "err", err)
				w.incFailed()
				return nil
			}
			mu.Lock()
			fileHashes[name] = hash
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return [32]byte{}, fmt.Errorf("walker: pack directory %s: %w", n.absPath, err)
	}

	// Deterministic child order: directories (already appended to
	// n.children in discovery-completion order) first is not required
	// by the spec, only that children order is preserved within a
	// group once chosen; we sort entries by name here for a stable,
	// reproducible tree across runs regardless of filesystem readdir
	// order, matching the teacher's own sort-by-name discipline.
	names := make([]string, 0, len(fileHashes))
	for name := range fileHashes {
		names = append(names, name)
	}
	sortStrings(names)

	n.mu.Lock()
	for _, name := range names {
		n.children = append(n.children, fileHashes[name])
	}
	children := append([][]byte(nil), n.children...)
	n.mu.Unlock()

	results, err := tree.Split(tree.TreeKindDir, n.name, tree.Metadata{}, children, nil)
	if err != nil {
		return [32]byte{}, fmt.Errorf("walker: split dir tree %s: %w", n.absPath, err)
	}
	for _, r := range results {
		if err := w.submitBlob(ctx, blobFromResult(r)); err != nil {
			return [32]byte{}, fmt.Errorf("walker: submit dir tree blob %s: %w", n.absPath, err)
		}
	}
	w.mu.Lock()
	w.stats.Dirs++
	w.mu.Unlock()

	if n.parent >= 0 {
		parent := w.nodes[n.parent]
		parent.mu.Lock()
		parent.children = append(parent.children, results[0].Hash[:])
		parent.mu.Unlock()
	}

	return results[0].Hash, nil
}

func blobFromResult(r tree.SplitResult) tree.Blob {
	return tree.Blob{Hash: r.Hash, Kind: tree.KindTree, Data: r.Data}
}

// submitBlob queues b with the packfile manager. If the queued write
// trips the Manager's soft limit, it blocks on the pause/resume hook
// before returning, so a submission that crossed the buffer threshold
// actually applies backpressure instead of being silently accepted
// (spec.md §4.3, §4.7).
func (w *Walker) submitBlob(ctx context.Context, b tree.Blob) error {
	_, _, err := w.mgr.AddBlob(b)
	if err == nil {
		return nil
	}
	if crypto.IsKind(err, crypto.KindExceededBufferLimit) {
		return w.mgr.Block(ctx)
	}
	return err
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
