// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"bytes"
	"fmt"
	"testing"
)

// TestSplit_OverflowChainsViaNextSibling covers spec.md §8's seeded
// scenario 5: a directory with more children than TreeBlobMaxChildren
// must split into a next_sibling chain, and walking that chain must
// recover every child hash in its original order.
func TestSplit_OverflowChainsViaNextSibling(t *testing.T) {
	const childCount = TreeBlobMaxChildren + 1 // 10001

	children := make([][]byte, childCount)
	for i := range children {
		h := [32]byte{}
		// Distinct, deterministic 32-byte "hashes" standing in for real
		// child blob hashes; only uniqueness and order matter here.
		copy(h[:], fmt.Sprintf("child-%05d-000000000000000000", i))
		children[i] = append([]byte(nil), h[:]...)
	}

	results, err := Split(TreeKindDir, "overflowing", Metadata{}, children, nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 blobs for %d children, got %d", childCount, len(results))
	}

	var recovered [][]byte
	data := results[0].Data
	for {
		decoded, err := DecodeTree(data)
		if err != nil {
			t.Fatalf("DecodeTree: %v", err)
		}
		recovered = append(recovered, decoded.Children...)

		if decoded.NextSibling == nil {
			break
		}
		var nextHash [32]byte
		copy(nextHash[:], *decoded.NextSibling)

		found := false
		for _, r := range results {
			if r.Hash == nextHash {
				data = r.Data
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("next_sibling hash %x not found among split results", nextHash)
		}
	}

	if len(recovered) != childCount {
		t.Fatalf("want %d recovered children, got %d", childCount, len(recovered))
	}
	for i, c := range recovered {
		if !bytes.Equal(c, children[i]) {
			t.Fatalf("child %d out of order or corrupted: got %x, want %x", i, c, children[i])
		}
	}

	if results[0].Data == nil || results[1].Data == nil {
		t.Fatal("expected both split blobs to carry encoded data")
	}
}
