// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package packfile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/tree"
)

// GetBlob looks up hash in the index and, if found, reads, decrypts,
// and decompresses its bytes out of the owning packfile. Returns
// (nil, nil) if hash is not present in the index.
func (m *Manager) GetBlob(hash [32]byte) (*tree.Blob, error) {
	pid, ok := m.idx.FindPackfile(hash)
	if !ok {
		return nil, nil
	}

	path := packfilePath(m.dir, [12]byte(pid))
	f, err := os.Open(path)
	if err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "open packfile "+path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "stat packfile "+path, err)
	}
	if info.Size() > PackfileMaxSize {
		return nil, crypto.NewCoreError(crypto.KindPackfileTooLarge, fmt.Sprintf("%s: %d bytes", path, info.Size()), nil)
	}

	var lenBytes [8]byte
	if _, err := readFull(f, lenBytes[:]); err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "read header length "+path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBytes[:])
	if headerLen == 0 || int64(headerLen) > info.Size() {
		return nil, crypto.NewCoreError(crypto.KindInvalidHeaderSize, fmt.Sprintf("%s: header_len=%d file_size=%d", path, headerLen, info.Size()), nil)
	}

	headerCiphertext := make([]byte, headerLen)
	if _, err := readFull(f, headerCiphertext); err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "read header "+path, err)
	}

	headerKey := m.ctx.DeriveKey(crypto.LabelHeader)
	var headerNonce [crypto.NonceSize]byte
	copy(headerNonce[:], pid[:])
	headerPlain, err := crypto.Open(headerKey, headerNonce, nil, headerCiphertext)
	if err != nil {
		return nil, fmt.Errorf("packfile: open header %s: %w", path, err)
	}

	var entries []tree.PackfileHeaderEntry
	if err := tree.Decode(headerPlain, &entries); err != nil {
		return nil, fmt.Errorf("packfile: decode header %s: %w", path, err)
	}

	var entry *tree.PackfileHeaderEntry
	for i := range entries {
		if entries[i].Hash == hash {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return nil, crypto.NewCoreError(crypto.KindIndexHeaderMismatch, fmt.Sprintf("%x not in header of %s", hash, path), nil)
	}

	// Offset is the running total of nonce+ciphertext bytes from the
	// start of the blob section, which begins immediately after the
	// header we just read (see SPEC_FULL.md §1, Open Question 1).
	if _, err := f.Seek(int64(entry.Offset), 1); err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "seek to blob "+path, err)
	}

	var blobNonce [crypto.NonceSize]byte
	if _, err := readFull(f, blobNonce[:]); err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "read blob nonce "+path, err)
	}

	ciphertext := make([]byte, entry.Length)
	if _, err := readFull(f, ciphertext); err != nil {
		return nil, crypto.NewCoreError(crypto.KindIoError, "read blob ciphertext "+path, err)
	}

	blobKey := m.ctx.DeriveKey(entry.Hash[:])
	compressed, err := crypto.Open(blobKey, blobNonce, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("packfile: open blob %x: %w", hash, err)
	}

	plain, err := decompress(compressed, BlobMaxUncompressedSize)
	if err != nil {
		return nil, err
	}

	return &tree.Blob{Hash: entry.Hash, Kind: entry.Kind, Data: plain}, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
