// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/zeebo/blake3"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// NonceSize is the AES-GCM nonce size in bytes (96 bits).
const NonceSize = 12

// Well-known key-derivation labels, domain-separating the header and
// index AEAD keys from per-blob keys (which are derived from the blob's
// own 32-byte hash instead of a constant label).
var (
	LabelHeader = []byte("header")
	LabelIndex  = []byte("index")
)

// Context holds a 32-byte root secret and derives every other key the
// core needs from it. Callers construct exactly one Context per backup
// root and pass it down; the core keeps no process-wide key state.
type Context struct {
	root [KeySize]byte
}

// NewContext wraps a 32-byte root secret. The caller owns the secret's
// lifetime and zeroing, if desired; Context only copies it.
func NewContext(rootSecret [KeySize]byte) *Context {
	return &Context{root: rootSecret}
}

// DeriveKey derives a 32-byte key for label using BLAKE3's keyed-hash
// mode with the root secret as the key. label is either a constant
// domain tag (LabelHeader, LabelIndex) or a blob's 32-byte content hash,
// giving every packfile header, every index file, and every blob an
// independent key.
func (c *Context) DeriveKey(label []byte) [KeySize]byte {
	h := blake3.NewKeyed(c.root[:])
	h.Write(label)
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hash returns the BLAKE3-256 content fingerprint of data. This is the
// collision-resistant digest used for content addressing; it is
// independent of the root secret (plain, unkeyed BLAKE3) since blob
// identity must be comparable across contexts that share a store.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// RandomNonce draws a fresh 12-byte AEAD nonce from the OS entropy
// source. Returns a *CoreError{Kind: KindRandomnessFailure} on failure.
func RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, NewCoreError(KindRandomnessFailure, "read nonce", err)
	}
	return n, nil
}

// RandomBytes draws n cryptographically random bytes, used for
// PackfileId generation.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, NewCoreError(KindRandomnessFailure, "read random bytes", err)
	}
	return b, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, NewCoreError(KindAuthFailure, "init aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewCoreError(KindAuthFailure, "init gcm", err)
	}
	return gcm, nil
}

// Seal encrypts and authenticates plaintext under key and nonce,
// appending the 128-bit authentication tag. associatedData may be nil.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, associatedData, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce[:], plaintext, associatedData), nil
}

// Open authenticates and decrypts ciphertext under key and nonce.
// Returns a *CoreError{Kind: KindAuthFailure} if the tag does not verify.
func Open(key [KeySize]byte, nonce [NonceSize]byte, associatedData, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, NewCoreError(KindAuthFailure, "open ciphertext", err)
	}
	return plaintext, nil
}

// CounterNonce builds the deterministic index-file nonce: the
// little-endian u32 file number in the first 4 bytes, zero elsewhere.
// This is the SPEC_FULL.md §1 Open Question resolution — safe only
// because file numbers are unique per backup root's key, which holds
// since numbering is monotonic per Context.
func CounterNonce(fileNumber uint32) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = byte(fileNumber)
	n[1] = byte(fileNumber >> 8)
	n[2] = byte(fileNumber >> 16)
	n[3] = byte(fileNumber >> 24)
	return n
}
