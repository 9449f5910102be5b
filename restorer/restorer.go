// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package restorer rebuilds a directory tree on disk from a snapshot
// root hash: fetching Tree blobs (following next_sibling chains to
// reassemble logically large directories), and restoring files within
// one directory concurrently while processing directories one at a
// time to bound peak memory (spec.md §4.6, §5).
package restorer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/packfile"
	"github.com/coldvault/coldvault/tree"
)

// FileConcurrency bounds how many files one directory restores
// concurrently, mirroring walker.FileConcurrency's write-side bound.
const FileConcurrency = 8

// Stats mirrors walker.Stats for the restore side of a run.
type Stats struct {
	Files    int
	Dirs     int
	Symlinks int
	Failed   int
}

// Restorer reads blobs from a packfile.Manager and writes files back
// to disk.
type Restorer struct {
	mgr    *packfile.Manager
	logger *slog.Logger
}

// New constructs a Restorer reading blobs from mgr.
func New(mgr *packfile.Manager, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{mgr: mgr, logger: logger}
}

// Restore recreates the snapshot rooted at rootHash under destDir.
func (r *Restorer) Restore(ctx context.Context, destDir string, rootHash [32]byte) (Stats, error) {
	var stats Stats
	var mu sync.Mutex // guards stats across the main loop and the per-file g.Go closures below

	rootTree, err := r.fetchFull(rootHash)
	if err != nil {
		return stats, fmt.Errorf("restorer: fetch root tree: %w", err)
	}
	if rootTree.Kind != tree.TreeKindDir {
		return stats, fmt.Errorf("restorer: root blob is not a directory tree")
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return stats, crypto.NewCoreError(crypto.KindIoError, "mkdir dest root", err)
	}
	stats.Dirs++

	type queued struct {
		t    *tree.Tree
		path string
	}
	queue := []queued{{t: rootTree, path: ""}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var g errgroup.Group
		g.SetLimit(FileConcurrency)

		for _, childHash32 := range cur.t.Children {
			var childHash [32]byte
			copy(childHash[:], childHash32)

			child, err := r.fetchFull(childHash)
			if err != nil {
				r.logger.Error("[restorer] fetch child failed", "path", cur.path, "err", err)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				continue
			}

			abs := filepath.Join(destDir, cur.path, child.Name)

			switch child.Kind {
			case tree.TreeKindDir:
				if err := os.MkdirAll(abs, 0o755); err != nil {
					r.logger.Error("[restorer] mkdir failed", "path", abs, "err", err)
					mu.Lock()
					stats.Failed++
					mu.Unlock()
					continue
				}
				applyMtime(abs, child.Metadata)
				mu.Lock()
				stats.Dirs++
				mu.Unlock()
				queue = append(queue, queued{t: child, path: filepath.Join(cur.path, child.Name)})

			case tree.TreeKindFile:
				child := child
				abs := abs
				g.Go(func() error {
					if err := r.restoreFile(child, abs); err != nil {
						r.logger.Error("[restorer] restore file failed", "path", abs, "err", err)
						mu.Lock()
						stats.Failed++
						mu.Unlock()
						return nil
					}
					mu.Lock()
					stats.Files++
					mu.Unlock()
					return nil
				})

			case tree.TreeKindSymlink:
				if err := r.restoreSymlink(child, abs); err != nil {
					r.logger.Error("[restorer] restore symlink failed", "path", abs, "err", err)
					mu.Lock()
					stats.Failed++
					mu.Unlock()
					continue
				}
				mu.Lock()
				stats.Symlinks++
				mu.Unlock()

			default:
				r.logger.Warn("[restorer] unknown tree kind", "path", abs, "kind", child.Kind)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
			}
		}

		if err := g.Wait(); err != nil {
			return stats, fmt.Errorf("restorer: restore directory %s: %w", cur.path, err)
		}
	}

	return stats, nil
}

// fetchFull fetches the Tree blob at hash and, while NextSibling is
// set, fetches each sibling and concatenates its Children, yielding a
// single logical Tree (spec.md §4.6).
func (r *Restorer) fetchFull(hash [32]byte) (*tree.Tree, error) {
	blob, err := r.mgr.GetBlob(hash)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("restorer: blob %x not found", hash)
	}
	if blob.Kind != tree.KindTree {
		return nil, fmt.Errorf("restorer: blob %x is not a tree blob", hash)
	}

	t, err := tree.DecodeTree(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("restorer: decode tree %x: %w", hash, err)
	}

	full := *t
	full.Children = append([][]byte(nil), t.Children...)
	for t.NextSibling != nil {
		var siblingHash [32]byte
		copy(siblingHash[:], *t.NextSibling)

		siblingBlob, err := r.mgr.GetBlob(siblingHash)
		if err != nil {
			return nil, err
		}
		if siblingBlob == nil {
			return nil, fmt.Errorf("restorer: sibling blob %x not found", siblingHash)
		}
		if siblingBlob.Kind != tree.KindTree {
			return nil, fmt.Errorf("restorer: sibling blob %x is not a tree blob", siblingHash)
		}
		sibling, err := tree.DecodeTree(siblingBlob.Data)
		if err != nil {
			return nil, fmt.Errorf("restorer: decode sibling tree %x: %w", siblingHash, err)
		}
		full.Children = append(full.Children, sibling.Children...)
		t = sibling
	}
	return &full, nil
}

// restoreFile writes every FileChunk child of t, in order, to path.
func (r *Restorer) restoreFile(t *tree.Tree, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return crypto.NewCoreError(crypto.KindIoError, "create file "+path, err)
	}
	defer f.Close()

	for _, chunkHash32 := range t.Children {
		var chunkHash [32]byte
		copy(chunkHash[:], chunkHash32)

		blob, err := r.mgr.GetBlob(chunkHash)
		if err != nil {
			return err
		}
		if blob == nil {
			return fmt.Errorf("restorer: chunk blob %x missing for %s", chunkHash, path)
		}
		if _, err := f.Write(blob.Data); err != nil {
			return crypto.NewCoreError(crypto.KindIoError, "write file "+path, err)
		}
	}

	applyMtime(path, t.Metadata)
	return nil
}

// restoreSymlink recreates a symlink pointing at the target path stored
// in its single FileChunk blob (the TreeKindSymlink supplemented
// feature from SPEC_FULL.md §4).
func (r *Restorer) restoreSymlink(t *tree.Tree, path string) error {
	if t.SymlinkTarget == nil {
		return fmt.Errorf("restorer: symlink tree %s has no target blob reference", path)
	}
	var targetHash [32]byte
	copy(targetHash[:], *t.SymlinkTarget)

	blob, err := r.mgr.GetBlob(targetHash)
	if err != nil {
		return err
	}
	if blob == nil {
		return fmt.Errorf("restorer: symlink target blob %x missing for %s", targetHash, path)
	}

	os.Remove(path)
	if err := os.Symlink(string(blob.Data), path); err != nil {
		return crypto.NewCoreError(crypto.KindIoError, "symlink "+path, err)
	}
	return nil
}

func applyMtime(path string, meta tree.Metadata) {
	if meta.Mtime == nil {
		return
	}
	mtime := time.Unix(*meta.Mtime, 0)
	_ = os.Chtimes(path, mtime, mtime)
}
