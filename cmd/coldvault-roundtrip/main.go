// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Command coldvault-roundtrip seeds a synthetic workspace, backs it up,
// restores it to a second temp directory, and reports whether the
// trees match. It's a smoke tool for exercising the full
// walker -> packfile -> blobindex -> restorer pipeline end to end.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/pipeline"
)

// Result is printed as JSON, matching the teacher's fixture-tool idiom
// of emitting a single structured report rather than free-form text.
type Result struct {
	RootHashHex string              `json:"root_hash_hex"`
	BackupStats pipeline.RunStats   `json:"backup_stats"`
	RestoreStats pipeline.RunStats  `json:"restore_stats"`
	Match       bool                `json:"match"`
	Mismatches  []string            `json:"mismatches,omitempty"`
}

func main() {
	keepFlag := flag.Bool("keep", false, "keep the temp directories instead of removing them")
	flag.Parse()

	if err := run(*keepFlag); err != nil {
		fmt.Fprintf(os.Stderr, "coldvault-roundtrip: %v\n", err)
		os.Exit(1)
	}
}

func run(keep bool) error {
	workDir, err := os.MkdirTemp("", "coldvault-roundtrip")
	if err != nil {
		return fmt.Errorf("mkdtemp: %w", err)
	}
	if !keep {
		defer os.RemoveAll(workDir)
	}

	src := filepath.Join(workDir, "src")
	dst := filepath.Join(workDir, "dst")
	packDir := filepath.Join(workDir, "packfiles")
	indexDir := filepath.Join(workDir, "index")

	if err := seedWorkspace(src); err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	}

	var rootSecret [32]byte
	if _, err := rand.Read(rootSecret[:]); err != nil {
		return fmt.Errorf("generate root secret: %w", err)
	}
	ctx := crypto.NewContext(rootSecret)

	rootHash, backupStats, err := pipeline.Backup(context.Background(), ctx, src, packDir, indexDir, nil, nil)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	restoreStats, err := pipeline.Restore(context.Background(), ctx, dst, packDir, indexDir, rootHash, nil, nil)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	mismatches, err := compareTrees(src, dst)
	if err != nil {
		return fmt.Errorf("compare: %w", err)
	}

	result := Result{
		RootHashHex:  hex.EncodeToString(rootHash[:]),
		BackupStats:  backupStats,
		RestoreStats: restoreStats,
		Match:        len(mismatches) == 0,
		Mismatches:   mismatches,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if !result.Match {
		os.Exit(2)
	}
	return nil
}

func seedWorkspace(root string) error {
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# coldvault roundtrip fixture"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "src", "dup.txt"), []byte("duplicate content"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "dup-copy.txt"), []byte("duplicate content"), 0o644); err != nil {
		return err
	}
	large := make([]byte, 3<<20)
	if _, err := rand.Read(large); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "large.bin"), large, 0o644); err != nil {
		return err
	}
	if err := os.Symlink("src/main.go", filepath.Join(root, "main-link")); err != nil {
		return err
	}
	return nil
}

// compareTrees walks src, checks each entry against the same relative
// path under dst, and returns a list of human-readable mismatches
// (missing files, content differences), rather than failing fast, so a
// single run surfaces every problem. Entries present only in dst are
// not reported.
func compareTrees(src, dst string) ([]string, error) {
	var mismatches []string

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dstPath := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			srcTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			dstTarget, err := os.Readlink(dstPath)
			if err != nil {
				mismatches = append(mismatches, fmt.Sprintf("%s: missing symlink: %v", rel, err))
				return nil
			}
			if srcTarget != dstTarget {
				mismatches = append(mismatches, fmt.Sprintf("%s: symlink target %q != %q", rel, dstTarget, srcTarget))
			}
		case info.IsDir():
			if fi, err := os.Stat(dstPath); err != nil || !fi.IsDir() {
				mismatches = append(mismatches, fmt.Sprintf("%s: missing directory", rel))
			}
		default:
			srcData, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			dstData, err := os.ReadFile(dstPath)
			if err != nil {
				mismatches = append(mismatches, fmt.Sprintf("%s: missing file: %v", rel, err))
				return nil
			}
			if string(srcData) != string(dstData) {
				mismatches = append(mismatches, fmt.Sprintf("%s: content mismatch", rel))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mismatches, nil
}
