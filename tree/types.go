// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package tree defines coldvault's content-addressed data model: blobs,
// directory/file tree nodes, and their deterministic msgpack wire
// format. A Tree is immutable once serialized — its hash is the
// BLAKE3-256 digest of its encoded bytes.
package tree

// Kind distinguishes what a Blob's bytes mean.
type Kind uint8

const (
	// KindFileChunk is a piece of file content produced by the chunker.
	KindFileChunk Kind = 0

	// KindTree is a serialized Tree node (directory, file, or symlink root).
	KindTree Kind = 1
)

// TreeKind distinguishes the three kinds of filesystem entry a Tree can
// represent. TreeKindSymlink is a supplemented feature (see
// SPEC_FULL.md §4): the original spec.md only names File and Dir, but
// the teacher's own fstree.EntryKindSymlink models symlinks as a first
// class entry kind, and recreating a symlink at restore time is a small
// addition that does not touch any stated Non-goal.
type TreeKind uint8

const (
	TreeKindFile    TreeKind = 0
	TreeKindDir     TreeKind = 1
	TreeKindSymlink TreeKind = 2
)

// Compression identifies how a blob's stored bytes were compressed.
// Only Zstd is currently produced; None exists for forward
// compatibility with the on-disk format.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// Metadata carries the portable filesystem attributes coldvault
// preserves across backup/restore: size and, when non-negative on the
// source filesystem, mtime/ctime in Unix seconds. Permission bits, uid,
// gid and extended attributes are out of scope per spec.md §1.
type Metadata struct {
	Size  uint64 `msgpack:"1"`
	Mtime *int64 `msgpack:"2"`
	Ctime *int64 `msgpack:"3"`
}

// Tree is one node of the snapshot Merkle DAG. For TreeKindFile,
// Children references FileChunk blobs in file order. For TreeKindDir,
// Children references child Tree blobs (File, Dir, or Symlink roots).
// For TreeKindSymlink, Children is empty and the symlink's target path
// is stored as the single FileChunk blob named by SymlinkTarget.
//
// NextSibling chains overflow Tree blobs together when a logical node
// has more than TreeBlobMaxChildren children (see Split in serialize.go).
type Tree struct {
	Kind          TreeKind  `msgpack:"1"`
	Name          string    `msgpack:"2"`
	Metadata      Metadata  `msgpack:"3"`
	Children      [][]byte  `msgpack:"4"`
	NextSibling   *[]byte   `msgpack:"5"`
	SymlinkTarget *[]byte   `msgpack:"6"`
}

// Blob is the smallest addressable unit of storage. Identity is Hash;
// equal hashes are considered equal blobs for deduplication purposes.
type Blob struct {
	Hash [32]byte
	Kind Kind
	Data []byte
}

// PackfileHeaderEntry is one entry in a packfile's encrypted header,
// describing where one blob's encrypted bytes live within the
// packfile's blob section.
type PackfileHeaderEntry struct {
	Hash        [32]byte    `msgpack:"1"`
	Kind        Kind        `msgpack:"2"`
	Compression Compression `msgpack:"3"`
	Offset      uint64      `msgpack:"4"`
	Length      uint64      `msgpack:"5"`
}

// TreeBlobMaxChildren bounds how many children a single serialized Tree
// blob may list before Split chains an overflow blob via NextSibling
// (spec.md §3 invariant 5).
const TreeBlobMaxChildren = 10000
