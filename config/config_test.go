// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
)

func TestLoad_MissingRootSecret(t *testing.T) {
	t.Setenv("COLDVAULT_ROOT_SECRET", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing COLDVAULT_ROOT_SECRET")
	}
	if !strings.Contains(err.Error(), "COLDVAULT_ROOT_SECRET") {
		t.Fatalf("error %q does not mention COLDVAULT_ROOT_SECRET", err)
	}
}

func TestLoad_InvalidRootSecretLength(t *testing.T) {
	t.Setenv("COLDVAULT_ROOT_SECRET", "abcd")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for short root secret")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COLDVAULT_ROOT_SECRET", strings.Repeat("ab", 32))
	t.Setenv("COLDVAULT_PACKFILE_DIR", "")
	t.Setenv("COLDVAULT_INDEX_DIR", "")
	t.Setenv("COLDVAULT_PACKFILE_CONCURRENCY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PackfileConcurrency != defaultPackfileConcurrency {
		t.Fatalf("want default concurrency %d, got %d", defaultPackfileConcurrency, cfg.PackfileConcurrency)
	}
	if cfg.PackfileDir == "" || cfg.IndexDir == "" {
		t.Fatal("expected non-empty default dirs")
	}
}

func TestLoad_InvalidConcurrency(t *testing.T) {
	t.Setenv("COLDVAULT_ROOT_SECRET", strings.Repeat("ab", 32))
	t.Setenv("COLDVAULT_PACKFILE_CONCURRENCY", "not-a-number")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid concurrency")
	}
}
