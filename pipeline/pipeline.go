// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package pipeline is coldvault's single entry point for a backup or
// restore run: it wires together crypto, blobindex, packfile, walker,
// and restorer, exposes a pause/resume backpressure seam to an
// external orchestrator, and tracks a monotonic run state machine
// (spec.md §4.7).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coldvault/coldvault/blobindex"
	"github.com/coldvault/coldvault/crypto"
	"github.com/coldvault/coldvault/packfile"
	"github.com/coldvault/coldvault/restorer"
	"github.com/coldvault/coldvault/walker"
)

// DefaultSoftLimit is the default cap on total packfile bytes written
// before the Manager starts reporting ExceededBufferLimit back up
// through the walker to this package's backpressure hooks (spec.md
// §4.3, §4.7). Sized at roughly four full packfiles
// (packfile.PackfileMaxSize), giving an orchestrator room to react
// before disk or memory pressure becomes acute.
const DefaultSoftLimit = 4 * packfile.PackfileMaxSize

// State is one position in the run's monotonic state machine.
type State uint8

const (
	StateIdle State = iota
	StateDiscovering
	StatePacking
	StateFlushing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StatePacking:
		return "packing"
	case StateFlushing:
		return "flushing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RunStats is returned alongside a snapshot hash on backup completion,
// and alongside nothing (it's restore-side counts) on restore
// completion. Grounded in the teacher's fstree.SnapshotStats shape,
// extended with Failed per spec.md §6's "counts of processed and
// failed files for progress reporting" (SPEC_FULL.md §4).
type RunStats struct {
	Files      int
	Dirs       int
	Symlinks   int
	TotalBytes uint64
	Failed     int
	Duration   time.Duration
}

// Hooks are the external orchestrator's backpressure integration point
// (spec.md §4.7): packfile.Hooks, the same mechanism the walker
// consults directly through the Manager it writes to. OnBytesWritten
// reports cumulative packfile bytes on disk as writes happen;
// CheckPause/Resume let the driver block submissions until the
// orchestrator is ready to accept more. A nil Hooks makes every
// backpressure check a no-op.
type Hooks = packfile.Hooks

// NewHooks constructs a Hooks value ready to receive a pause signal.
var NewHooks = packfile.NewHooks

// Run drives one backup or restore. Each Run carries a uuid
// correlation ID, logged exactly as the teacher logs session_id.
type Run struct {
	ID     uuid.UUID
	State  State
	logger *slog.Logger
}

func newRun(logger *slog.Logger) *Run {
	if logger == nil {
		logger = slog.Default()
	}
	return &Run{ID: uuid.New(), State: StateIdle, logger: logger}
}

// Backup walks root, packs it into packfiles under packDir and an
// index under indexDir, and returns the snapshot root hash.
func Backup(ctx context.Context, ctxCrypto *crypto.Context, root, packDir, indexDir string, hooks *Hooks, logger *slog.Logger) ([32]byte, RunStats, error) {
	run := newRun(logger)
	start := time.Now()
	run.logger.Info("[pipeline] backup starting", "run_id", run.ID, "root", root)

	idx, err := blobindex.Open(ctxCrypto, indexDir)
	if err != nil {
		run.State = StateAborted
		return [32]byte{}, RunStats{}, fmt.Errorf("pipeline: open index: %w", err)
	}

	mgr := packfile.NewManager(ctxCrypto, packDir, idx, DefaultSoftLimit, hooks)

	run.State = StateDiscovering
	w := walker.New(mgr, run.logger)

	run.State = StatePacking
	rootHash, wstats, packErr := w.Pack(ctx, root)

	run.State = StateFlushing
	if flushErr := mgr.Flush(); flushErr != nil {
		run.State = StateAborted
		run.logger.Error("[pipeline] backup flush failed", "run_id", run.ID, "err", flushErr)
		return [32]byte{}, RunStats{}, fmt.Errorf("pipeline: flush after backup: %w", flushErr)
	}

	stats := RunStats{
		Files:      wstats.Files,
		Dirs:       wstats.Dirs,
		Symlinks:   wstats.Symlinks,
		TotalBytes: wstats.TotalBytes,
		Failed:     wstats.Failed,
		Duration:   time.Since(start),
	}

	if packErr != nil {
		run.State = StateAborted
		run.logger.Error("[pipeline] backup aborted", "run_id", run.ID, "err", packErr)
		return [32]byte{}, stats, fmt.Errorf("pipeline: pack: %w", packErr)
	}

	run.State = StateDone
	run.logger.Info("[pipeline] backup done", "run_id", run.ID, "root_hash", fmt.Sprintf("%x", rootHash), "files", stats.Files, "dirs", stats.Dirs)
	return rootHash, stats, nil
}

// Restore rebuilds the snapshot at rootHash under destDir, reading
// packfiles from packDir via an index loaded from indexDir.
func Restore(ctx context.Context, ctxCrypto *crypto.Context, destDir, packDir, indexDir string, rootHash [32]byte, hooks *Hooks, logger *slog.Logger) (RunStats, error) {
	run := newRun(logger)
	start := time.Now()
	run.logger.Info("[pipeline] restore starting", "run_id", run.ID, "root_hash", fmt.Sprintf("%x", rootHash))

	idx, err := blobindex.Open(ctxCrypto, indexDir)
	if err != nil {
		run.State = StateAborted
		return RunStats{}, fmt.Errorf("pipeline: open index: %w", err)
	}
	mgr := packfile.NewManager(ctxCrypto, packDir, idx, DefaultSoftLimit, hooks)

	run.State = StatePacking // reusing the "active work" state; restore has no discovery phase
	r := restorer.New(mgr, run.logger)
	rstats, err := r.Restore(ctx, destDir, rootHash)

	run.State = StateFlushing

	stats := RunStats{
		Files:    rstats.Files,
		Dirs:     rstats.Dirs,
		Symlinks: rstats.Symlinks,
		Failed:   rstats.Failed,
		Duration: time.Since(start),
	}

	if err != nil {
		run.State = StateAborted
		run.logger.Error("[pipeline] restore aborted", "run_id", run.ID, "err", err)
		return stats, fmt.Errorf("pipeline: restore: %w", err)
	}

	run.State = StateDone
	run.logger.Info("[pipeline] restore done", "run_id", run.ID, "files", stats.Files, "dirs", stats.Dirs)
	return stats, nil
}
