// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package config loads coldvault's runtime configuration from
// environment variables, with optional .env support for local
// development (SPEC_FULL.md §3).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for a coldvault backup or
// restore run. Values are sourced from environment variables so they
// can be injected locally via a .env file or via platform secrets.
type Config struct {
	// RootSecret is the 32-byte root key all per-blob and domain keys
	// are derived from (spec.md §4.2). Required; hex-encoded.
	RootSecret [32]byte

	PackfileDir string
	IndexDir    string

	// PackfileConcurrency is parsed and validated from
	// COLDVAULT_PACKFILE_CONCURRENCY. Nothing in this module reads it:
	// per-directory file fan-out is bounded by the walker.FileConcurrency
	// constant.
	PackfileConcurrency int
}

const (
	defaultPackfileDir         = "./data/packfiles"
	defaultIndexDir            = "./data/index"
	defaultPackfileConcurrency = 8
)

// Load reads configuration from environment variables and validates
// required fields. Missing required settings are returned as an error
// so startup fails fast rather than producing confusing runtime
// errors deep inside a backup run.
func Load() (Config, error) {
	// Best-effort load from common .env locations so a direct `go run`
	// from the repo root or from cmd/coldvault-roundtrip both work
	// without manual `source`.
	_ = godotenv.Load(".env", "../.env", "../../.env")

	cfg := Config{
		PackfileDir:         firstNonEmpty(os.Getenv("COLDVAULT_PACKFILE_DIR"), defaultPackfileDir),
		IndexDir:            firstNonEmpty(os.Getenv("COLDVAULT_INDEX_DIR"), defaultIndexDir),
		PackfileConcurrency: defaultPackfileConcurrency,
	}

	rootSecretHex := strings.TrimSpace(os.Getenv("COLDVAULT_ROOT_SECRET"))
	if rootSecretHex == "" {
		return Config{}, fmt.Errorf("missing required env var: COLDVAULT_ROOT_SECRET")
	}
	raw, err := hex.DecodeString(rootSecretHex)
	if err != nil {
		return Config{}, fmt.Errorf("invalid COLDVAULT_ROOT_SECRET: %w", err)
	}
	if len(raw) != 32 {
		return Config{}, fmt.Errorf("invalid COLDVAULT_ROOT_SECRET: want 32 bytes, got %d", len(raw))
	}
	copy(cfg.RootSecret[:], raw)

	if raw := strings.TrimSpace(os.Getenv("COLDVAULT_PACKFILE_CONCURRENCY")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid COLDVAULT_PACKFILE_CONCURRENCY: %q", raw)
		}
		cfg.PackfileConcurrency = n
	}

	if abs, err := filepath.Abs(cfg.PackfileDir); err == nil {
		cfg.PackfileDir = abs
	}
	if abs, err := filepath.Abs(cfg.IndexDir); err == nil {
		cfg.IndexDir = abs
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
