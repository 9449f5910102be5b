// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package crypto is the cryptographic primitives facade for coldvault:
// key derivation from a root secret, content hashing, and AEAD seal/open.
// Every other package reaches the disk or the network only through the
// keys and ciphertexts this package produces.
package crypto

import "fmt"

// Kind classifies a CoreError so callers can branch on failure category
// without string-matching error text.
type Kind uint8

const (
	// KindBlobTooLarge means the caller submitted a blob over BLOB_MAX_UNCOMPRESSED_SIZE.
	KindBlobTooLarge Kind = iota
	// KindDuplicateBlob means the same hash was staged twice in one packfile session.
	KindDuplicateBlob
	// KindIndexHeaderMismatch means the index points at a packfile whose header disagrees.
	KindIndexHeaderMismatch
	// KindInvalidHeaderSize means a packfile's header-length prefix is zero or exceeds the file size.
	KindInvalidHeaderSize
	// KindPackfileTooLarge means a packfile exceeds PACKFILE_MAX_SIZE.
	KindPackfileTooLarge
	// KindAuthFailure means AEAD tag verification failed.
	KindAuthFailure
	// KindIoError wraps an OS I/O failure; the pipeline may retry these.
	KindIoError
	// KindDecompressionError means a compressed payload was corrupt.
	KindDecompressionError
	// KindExceededBufferLimit is not a true error: it signals the caller to pause.
	KindExceededBufferLimit
	// KindRandomnessFailure means the OS entropy source was unavailable.
	KindRandomnessFailure
)

func (k Kind) String() string {
	switch k {
	case KindBlobTooLarge:
		return "blob_too_large"
	case KindDuplicateBlob:
		return "duplicate_blob"
	case KindIndexHeaderMismatch:
		return "index_header_mismatch"
	case KindInvalidHeaderSize:
		return "invalid_header_size"
	case KindPackfileTooLarge:
		return "packfile_too_large"
	case KindAuthFailure:
		return "auth_failure"
	case KindIoError:
		return "io_error"
	case KindDecompressionError:
		return "decompression_error"
	case KindExceededBufferLimit:
		return "exceeded_buffer_limit"
	case KindRandomnessFailure:
		return "randomness_failure"
	default:
		return "unknown"
	}
}

// CoreError is the single typed error returned from any core operation
// that fails in a way the caller needs to branch on. Wrap with
// fmt.Errorf("...: %w", err) at each layer; use errors.As to recover
// the Kind further up the stack.
type CoreError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewCoreError builds a CoreError with an optional wrapped cause.
func NewCoreError(kind Kind, detail string, cause error) *CoreError {
	return &CoreError{Kind: kind, Detail: detail, Err: cause}
}

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	if ok := asCoreError(err, &ce); ok {
		return ce.Kind == kind
	}
	return false
}

// asCoreError is a small local errors.As to avoid importing "errors"
// just for this one check in callers that already import it themselves.
func asCoreError(err error, target **CoreError) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
