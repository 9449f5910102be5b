// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package packfile implements coldvault's write and read paths for
// encrypted, compressed blob containers: buffering submitted blobs,
// flushing them into packfiles once thresholds are hit, and reading a
// single blob back out by hash via the blob index.
package packfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/coldvault/coldvault/blobindex"
	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/internal/retry"
	"github.com/coldvault/coldvault/tree"
)

// Size and count thresholds, named after the original implementation's
// constants (spec.md §4.3).
const (
	BlobMaxUncompressedSize = 4 << 20   // BLOB_MAX_UNCOMPRESSED_SIZE
	PackfileTargetSize      = 3 << 20   // PACKFILE_TARGET_SIZE
	PackfileMaxSize         = 16 << 20  // PACKFILE_MAX_SIZE
	PackfileMaxBlobs        = 100000    // PACKFILE_MAX_BLOBS
	ZstdCompressionLevel    = 3         // ZSTD_COMPRESSION_LEVEL
	maxHeaderEntryLen       = 64        // generous upper bound on one encoded PackfileHeaderEntry
)

// CheckSizeInvariant verifies the static size relationship spec.md §4.3
// requires: a full packfile (target-size body plus one maximally-sized
// trailing blob plus header overhead) must never exceed PackfileMaxSize.
// Grounded directly in the original's own
// pack.rs::tests::validate_size_constraints self-test; callers should
// invoke this once at process startup.
func CheckSizeInvariant() error {
	headerBudget := maxHeaderEntryLen * PackfileMaxBlobs
	total := PackfileTargetSize + BlobMaxUncompressedSize + headerBudget + crypto.NonceSize
	if total > PackfileMaxSize {
		return fmt.Errorf("packfile: size invariant violated: target(%d)+maxblob(%d)+header(%d)+nonce(%d) = %d > max(%d)",
			PackfileTargetSize, BlobMaxUncompressedSize, headerBudget, crypto.NonceSize, total, PackfileMaxSize)
	}
	return nil
}

type queuedBlob struct {
	hash       [32]byte
	kind       tree.Kind
	ciphertext []byte
	nonce      [crypto.NonceSize]byte
}

// Manager owns the in-memory blob buffer and the blob index, and is
// the sole writer of packfiles in a backup run. One mutex, mu, guards
// the queue and every index call made on the write path; the index
// has no lock of its own.
type Manager struct {
	dir string
	ctx *crypto.Context
	idx *blobindex.Index

	mu    sync.Mutex
	queue []queuedBlob
	dirty bool

	totalBytesWritten uint64 // atomic
	softLimit         uint64
	hooks             *Hooks
}

// NewManager constructs a Manager writing packfiles under dir, backed
// by idx for deduplication and blob location. softLimit is the soft
// cap on total packfile bytes written before AddBlob starts
// reporting ExceededBufferLimit to the caller (the pipeline driver's
// backpressure signal); pass 0 to disable the soft cap. hooks may be
// nil, in which case no bytes-written reporting happens and Block is a
// no-op.
func NewManager(ctx *crypto.Context, dir string, idx *blobindex.Index, softLimit uint64, hooks *Hooks) *Manager {
	return &Manager{dir: dir, ctx: ctx, idx: idx, softLimit: softLimit, hooks: hooks}
}

// Block parks the caller while the Manager's Hooks report the run
// should be paused (spec.md §4.7). A nil Hooks makes this a no-op.
func (m *Manager) Block(ctx context.Context) error {
	return m.hooks.Block(ctx)
}

// TotalBytesWritten returns the cumulative count of packfile bytes
// written to disk so far, for the pipeline's OnBytesWritten callback.
func (m *Manager) TotalBytesWritten() uint64 {
	return atomic.LoadUint64(&m.totalBytesWritten)
}

// AddBlob compresses and encrypts blob, queues it for the next
// packfile write, and triggers a write if the queue has reached
// PackfileTargetSize or PackfileMaxBlobs. Returns (written, true) if a
// write was triggered, with written the new TotalBytesWritten, or
// (0, false) if the blob was merely queued or was a duplicate. If the
// triggered write leaves TotalBytesWritten at or above the soft limit,
// it returns (written, false) with a KindExceededBufferLimit error.
func (m *Manager) AddBlob(b tree.Blob) (uint64, bool, error) {
	if len(b.Data) > BlobMaxUncompressedSize {
		return 0, false, crypto.NewCoreError(crypto.KindBlobTooLarge, fmt.Sprintf("%x (%d bytes)", b.Hash, len(b.Data)), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idx.IsDuplicate(b.Hash) {
		return 0, false, nil
	}

	compressed, err := compress(b.Data)
	if err != nil {
		return 0, false, fmt.Errorf("packfile: compress blob %x: %w", b.Hash, err)
	}

	key := m.ctx.DeriveKey(b.Hash[:])
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return 0, false, err
	}
	ciphertext, err := crypto.Seal(key, nonce, nil, compressed)
	if err != nil {
		return 0, false, fmt.Errorf("packfile: seal blob %x: %w", b.Hash, err)
	}

	m.queue = append(m.queue, queuedBlob{hash: b.Hash, kind: b.Kind, ciphertext: ciphertext, nonce: nonce})
	m.dirty = true

	queuedBytes := uint64(0)
	for _, q := range m.queue {
		queuedBytes += uint64(crypto.NonceSize + len(q.ciphertext))
	}
	if queuedBytes >= PackfileTargetSize || len(m.queue) >= PackfileMaxBlobs {
		written, exceeded, err := m.writePackfilesLocked(true)
		if err != nil {
			return 0, false, err
		}
		if exceeded {
			return written, false, crypto.NewCoreError(crypto.KindExceededBufferLimit, "", nil)
		}
		return written, true, nil
	}
	return 0, false, nil
}

// Flush drains the remaining queue into packfiles and flushes the blob
// index, clearing the dirty flag. Must be called before the Manager is
// discarded (spec.md §4.7: Aborted runs still traverse Flushing).
func (m *Manager) Flush() error {
	m.mu.Lock()
	_, _, err := m.writePackfilesLocked(false)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.idx.Flush(); err != nil {
		return fmt.Errorf("packfile: flush index: %w", err)
	}
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

// Dirty reports whether the Manager holds unflushed blobs or an
// unflushed index.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty || m.idx.Dirty()
}

// writePackfilesLocked must be called with m.mu held. It drains the
// queue into as many packfiles as needed, skipping any blob that the
// index now reports as a duplicate (late dedup: another directory's
// fan-out may have submitted the same content concurrently).
func (m *Manager) writePackfilesLocked(reportBufferLimit bool) (uint64, bool, error) {
	exceeded := false
	for len(m.queue) > 0 {
		packfileID, err := randomPackfileID()
		if err != nil {
			return 0, false, err
		}
		handle := m.idx.BeginPackfile()

		var header []tree.PackfileHeaderEntry
		var data []byte
		written := uint64(0)
		count := 0
		consumed := 0

		for consumed < len(m.queue) {
			q := m.queue[consumed]
			consumed++
			if m.idx.IsDuplicate(q.hash) {
				// Late duplicate: already written in an earlier packfile
				// this session (or staged by a concurrent directory).
				continue
			}

			if err := m.idx.Stage(handle, q.hash, toIndexID(packfileID)); err != nil {
				return 0, false, fmt.Errorf("packfile: stage blob for packing: %w", err)
			}

			entry := tree.PackfileHeaderEntry{
				Hash:        q.hash,
				Kind:        q.kind,
				Compression: tree.CompressionZstd,
				Offset:      written,
				Length:      uint64(len(q.ciphertext)),
			}
			header = append(header, entry)
			data = append(data, q.nonce[:]...)
			data = append(data, q.ciphertext...)
			written += uint64(crypto.NonceSize + len(q.ciphertext))
			count++

			if written >= PackfileTargetSize || count >= PackfileMaxBlobs {
				break
			}
		}
		m.queue = m.queue[consumed:]

		if count == 0 {
			continue
		}

		buf, err := serializePackfile(m.ctx, packfileID, header, data)
		if err != nil {
			return 0, false, err
		}
		if len(buf) > PackfileMaxSize {
			return 0, false, crypto.NewCoreError(crypto.KindPackfileTooLarge, fmt.Sprintf("%d bytes", len(buf)), nil)
		}

		path := packfilePath(m.dir, packfileID)
		if err := writeNewFile(path, buf); err != nil {
			return 0, false, err
		}

		if err := m.idx.Finalize(handle); err != nil {
			return 0, false, fmt.Errorf("packfile: finalize index: %w", err)
		}

		total := atomic.AddUint64(&m.totalBytesWritten, uint64(len(buf)))
		m.hooks.report(total)
		if m.softLimit > 0 && total >= m.softLimit {
			exceeded = true
		}
	}

	if exceeded && reportBufferLimit {
		return atomic.LoadUint64(&m.totalBytesWritten), true, nil
	}
	return atomic.LoadUint64(&m.totalBytesWritten), false, nil
}

func toIndexID(id [12]byte) blobindex.PackfileID {
	return blobindex.PackfileID(id)
}

func randomPackfileID() ([12]byte, error) {
	var id [12]byte
	b, err := crypto.RandomBytes(12)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// serializePackfile builds the on-disk packfile buffer: an 8-byte
// little-endian header length, the AEAD-sealed header, then the blob
// section (nonce||ciphertext per blob, already assembled into data).
// The header AEAD nonce is the packfile id itself, matching the
// original's serialize_packfile.
func serializePackfile(ctx *crypto.Context, id [12]byte, header []tree.PackfileHeaderEntry, data []byte) ([]byte, error) {
	headerBytes, err := tree.Encode(header)
	if err != nil {
		return nil, fmt.Errorf("packfile: encode header: %w", err)
	}

	key := ctx.DeriveKey(crypto.LabelHeader)
	var nonce [crypto.NonceSize]byte
	copy(nonce[:], id[:])
	headerCiphertext, err := crypto.Seal(key, nonce, nil, headerBytes)
	if err != nil {
		return nil, fmt.Errorf("packfile: seal header: %w", err)
	}

	buf := make([]byte, 0, 8+len(headerCiphertext)+len(data))
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(headerCiphertext)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, headerCiphertext...)
	buf = append(buf, data...)
	return buf, nil
}

func packfilePath(dir string, id [12]byte) string {
	hexID := fmt.Sprintf("%x", id)
	return filepath.Join(dir, hexID[:2], hexID)
}

// writeNewFile writes a brand-new packfile to disk, retrying transient
// IoError failures (a momentarily-full disk, an EINTR) with backoff
// per spec.md §7; a pre-existing file at path (KindIoError from
// O_EXCL) is never retried since it indicates a packfile ID collision,
// not a transient condition.
func writeNewFile(path string, data []byte) error {
	return retry.Do(context.Background(), retry.DefaultConfig(), isTransientIoError, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return crypto.NewCoreError(crypto.KindIoError, "mkdir packfile subdir", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return crypto.NewCoreError(crypto.KindIoError, "create packfile "+path, err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return crypto.NewCoreError(crypto.KindIoError, "write packfile "+path, err)
		}
		return nil
	})
}

// isTransientIoError reports whether err is a KindIoError worth
// retrying. File-exists errors are permanent (an ID collision), so
// they're excluded.
func isTransientIoError(err error) bool {
	if !crypto.IsKind(err, crypto.KindIoError) {
		return false
	}
	return !errors.Is(err, fs.ErrExist)
}

// compress produces a Zstd frame with the frame checksum disabled,
// since the AEAD layer adds its own integrity guarantee. The frame
// still carries the Zstd magic number and the encoder's frame header,
// including its content-size field.
func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(ZstdCompressionLevel)),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	enc.Close()
	return out, nil
}

func decompress(data []byte, maxSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, make([]byte, 0, maxSize))
	if err != nil {
		return nil, crypto.NewCoreError(crypto.KindDecompressionError, "zstd decode", err)
	}
	if len(out) > maxSize {
		return nil, crypto.NewCoreError(crypto.KindDecompressionError, "decompressed size exceeds max", nil)
	}
	return out, nil
}
