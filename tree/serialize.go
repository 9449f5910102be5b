// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/coldvault/coldvault/crypto"
)

// Encode serializes v (a *Tree, or a slice of PackfileHeaderEntry, or
// any other msgpack-tagged value) with sorted map keys, matching the
// teacher's EncodeMsgpack: deterministic encoding is required because
// the result is content-hashed.
func Encode(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("tree: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes msgpack bytes into v.
func Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("tree: decode: %w", err)
	}
	return nil
}

// EncodeTree serializes a Tree and returns both the bytes and their
// BLAKE3-256 hash, the blob's identity.
func EncodeTree(t *Tree) (hash [32]byte, encoded []byte, err error) {
	encoded, err = Encode(t)
	if err != nil {
		return hash, nil, err
	}
	hash = crypto.Hash(encoded)
	return hash, encoded, nil
}

// DecodeTree deserializes a Tree blob's bytes.
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := Decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SplitResult is one serialized Tree blob produced by Split, in the
// order they should be submitted to the packer. The first element of
// Split's result is the canonical blob for the logical node (its hash is what the parent, or
// the snapshot root, references).
type SplitResult struct {
	Hash [32]byte
	Data []byte
}

// Split serializes a logical tree node with an arbitrary number of
// children into one or more Tree blobs, each holding at most
// TreeBlobMaxChildren children, chained via NextSibling.
//
// Groups are serialized last-to-first: the last group has no sibling,
// and each earlier group's NextSibling is set to the hash of the group
// that follows it — so Split must hash later groups before it can
// finish encoding earlier ones. The returned slice preserves submission
// order (first group first) since the packer only needs each blob's
// bytes and hash, not the chaining direction. Children order is
// preserved exactly across group boundaries (spec.md §4.5).
func Split(kind TreeKind, name string, meta Metadata, children [][]byte, symlinkTarget *[]byte) ([]SplitResult, error) {
	if len(children) <= TreeBlobMaxChildren {
		t := &Tree{
			Kind:          kind,
			Name:          name,
			Metadata:      meta,
			Children:      children,
			NextSibling:   nil,
			SymlinkTarget: symlinkTarget,
		}
		hash, data, err := EncodeTree(t)
		if err != nil {
			return nil, err
		}
		return []SplitResult{{Hash: hash, Data: data}}, nil
	}

	var groups [][][]byte
	for start := 0; start < len(children); start += TreeBlobMaxChildren {
		end := start + TreeBlobMaxChildren
		if end > len(children) {
			end = len(children)
		}
		groups = append(groups, children[start:end])
	}

	results := make([]SplitResult, len(groups))
	var nextHash *[]byte
	for i := len(groups) - 1; i >= 0; i-- {
		t := &Tree{
			Kind:          kind,
			Name:          name,
			Metadata:      meta,
			Children:      groups[i],
			NextSibling:   nextHash,
			SymlinkTarget: symlinkTarget,
		}
		hash, data, err := EncodeTree(t)
		if err != nil {
			return nil, fmt.Errorf("tree: split group %d: %w", i, err)
		}
		results[i] = SplitResult{Hash: hash, Data: data}
		h := append([]byte(nil), hash[:]...)
		nextHash = &h
	}
	return results, nil
}
