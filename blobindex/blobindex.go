// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package blobindex implements coldvault's persistent, encrypted
// blob-hash-to-packfile-id map: the authoritative on-disk dedup
// structure and the primary runtime lookup used by restore.
package blobindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/internal/retry"
	"github.com/coldvault/coldvault/tree"
)

// MaxFileEntries bounds how many (hash, packfile id) pairs live in one
// index file before Index.Flush rolls over to a new numbered file.
const MaxFileEntries = 50000

// PackfileID is the 12-byte random identifier of a packfile.
type PackfileID [12]byte

type item struct {
	Hash       [32]byte   `msgpack:"1"`
	PackfileID PackfileID `msgpack:"2"`
}

// Index is the in-memory view of the on-disk blob index, sorted by
// blob hash after Open for binary-search lookup. All exported methods
// assume external serialization by the caller (the packfile manager
// holds a single mutex around index+queue state, per spec.md §5).
type Index struct {
	dir     string
	ctx     *crypto.Context
	items   []item // sorted by Hash after Open
	pending []item // unflushed, appended since last Flush
	queued  map[[32]byte]struct{}
	nextNum uint32
	dirty   bool
}

// Open loads every numbered index file in dir (creating dir if it does
// not exist), decrypting and appending their contents, then sorts the
// combined view by blob hash for binary search. Files whose names do
// not parse as a base-10 uint32 are ignored, matching the original's
// lenient directory scan.
func Open(ctx *crypto.Context, dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "mkdir index dir", err)
	}

	idx := &Index{
		dir:    dir,
		ctx:    ctx,
		queued: make(map[[32]byte]struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "read index dir", err)
	}

	var fileNums []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		fileNums = append(fileNums, uint32(n))
	}
	sort.Slice(fileNums, func(i, j int) bool { return fileNums[i] < fileNums[j] })

	key := ctx.DeriveKey(crypto.LabelIndex)
	for _, num := range fileNums {
		path := filepath.Join(dir, fileName(num))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, crypto.NewCoreError(crypto.KindIoError, "read index file "+path, err)
		}
		nonce := crypto.CounterNonce(num)
		plain, err := crypto.Open(key, nonce, nil, data)
		if err != nil {
			return nil, fmt.Errorf("blobindex: open index file %s: %w", path, err)
		}
		var loaded []item
		if err := tree.Decode(plain, &loaded); err != nil {
			return nil, fmt.Errorf("blobindex: decode index file %s: %w", path, err)
		}
		idx.items = append(idx.items, loaded...)
		if num >= idx.nextNum {
			idx.nextNum = num + 1
		}
	}

	sort.Slice(idx.items, func(i, j int) bool {
		return lessHash(idx.items[i].Hash, idx.items[j].Hash)
	})

	return idx, nil
}

func fileName(num uint32) string {
	return fmt.Sprintf("%010d", num)
}

func lessHash(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// PackfileHandle accumulates the hashes staged for one in-flight
// packfile between BeginPackfile and Finalize.
type PackfileHandle struct {
	blobs []item
	seen  map[[32]byte]struct{}
}

// BeginPackfile starts a new staging accumulator for a packfile about
// to be written.
func (idx *Index) BeginPackfile() *PackfileHandle {
	return &PackfileHandle{seen: make(map[[32]byte]struct{})}
}

// Stage records hash as belonging to the packfile being built under
// handle. Returns a *crypto.CoreError{Kind: KindDuplicateBlob} if hash
// was already staged in this handle — staging the same hash twice in
// one packfile session is a caller bug, not a runtime condition.
func (idx *Index) Stage(handle *PackfileHandle, hash [32]byte, id PackfileID) error {
	if _, ok := handle.seen[hash]; ok {
		return crypto.NewCoreError(crypto.KindDuplicateBlob, fmt.Sprintf("%x", hash), nil)
	}
	handle.seen[hash] = struct{}{}
	handle.blobs = append(handle.blobs, item{Hash: hash, PackfileID: id})
	idx.queued[hash] = struct{}{}
	return nil
}

// Finalize appends every hash staged under handle to the pending write
// buffer, flushing to disk if the buffer has grown past MaxFileEntries.
func (idx *Index) Finalize(handle *PackfileHandle) error {
	idx.pending = append(idx.pending, handle.blobs...)
	idx.dirty = true
	if len(idx.pending) >= MaxFileEntries {
		return idx.Flush()
	}
	return nil
}

// IsDuplicate reports whether hash is already known to the index,
// either staged in the current session or previously flushed to disk.
func (idx *Index) IsDuplicate(hash [32]byte) bool {
	if _, ok := idx.queued[hash]; ok {
		return true
	}
	_, found := idx.findLoaded(hash)
	return found
}

// FindPackfile returns the packfile containing hash, if known.
func (idx *Index) FindPackfile(hash [32]byte) (PackfileID, bool) {
	if it, ok := idx.findLoaded(hash); ok {
		return it.PackfileID, true
	}
	for _, it := range idx.pending {
		if it.Hash == hash {
			return it.PackfileID, true
		}
	}
	return PackfileID{}, false
}

func (idx *Index) findLoaded(hash [32]byte) (item, bool) {
	n := len(idx.items)
	i := sort.Search(n, func(i int) bool {
		return !lessHash(idx.items[i].Hash, hash)
	})
	if i < n && idx.items[i].Hash == hash {
		return idx.items[i], true
	}
	return item{}, false
}

// Flush serializes the pending buffer into a new numbered index file,
// encrypts it with the deterministic per-file-number nonce, and
// appends the pending entries into the sorted in-memory view so
// IsDuplicate/FindPackfile see them immediately. Must be called before
// teardown whenever Dirty() is true; the index's durability guarantee
// depends on it (spec.md §4.2, §7).
func (idx *Index) Flush() error {
	if len(idx.pending) == 0 {
		idx.dirty = false
		return nil
	}

	data, err := tree.Encode(idx.pending)
	if err != nil {
		return fmt.Errorf("blobindex: encode pending entries: %w", err)
	}

	num := idx.nextNum
	key := idx.ctx.DeriveKey(crypto.LabelIndex)
	nonce := crypto.CounterNonce(num)
	ciphertext, err := crypto.Seal(key, nonce, nil, data)
	if err != nil {
		return fmt.Errorf("blobindex: seal index file: %w", err)
	}

	path := filepath.Join(idx.dir, fileName(num))
	writeErr := retry.Do(context.Background(), retry.DefaultConfig(), isTransientIoError, func() error {
		if err := os.WriteFile(path, ciphertext, 0o644); err != nil {
			return crypto.NewCoreError(crypto.KindIoError, "write index file "+path, err)
		}
		return nil
	})
	if writeErr != nil {
		return writeErr
	}

	idx.items = append(idx.items, idx.pending...)
	sort.Slice(idx.items, func(i, j int) bool {
		return lessHash(idx.items[i].Hash, idx.items[j].Hash)
	})
	idx.pending = nil
	idx.nextNum = num + 1
	idx.dirty = false
	return nil
}

// Dirty reports whether there are finalized (pending) entries not yet
// durably written to disk; entries only staged under a handle that was
// never finalized do not count. Callers MUST call Flush before discarding
// an Index while Dirty is true.
func (idx *Index) Dirty() bool {
	return idx.dirty
}

// isTransientIoError reports whether err is a KindIoError worth
// retrying, excluding permanent failures like a pre-existing file.
func isTransientIoError(err error) bool {
	if !crypto.IsKind(err, crypto.KindIoError) {
		return false
	}
	return !errors.Is(err, fs.ErrExist)
}
