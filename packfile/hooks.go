// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package packfile

import (
	"context"
	"sync"
)

// Hooks is the external orchestrator's backpressure integration point
// (spec.md §4.7, §5): the sole place a paused orchestrator can stop a
// backup run from submitting more blobs. OnBytesWritten reports
// cumulative packfile bytes on disk as writes happen; CheckPause is
// polled between submitting each filesystem entry and whenever a
// write trips the Manager's soft limit; Resume wakes every goroutine
// currently parked in Block.
//
// A nil *Hooks, or one with a nil CheckPause, makes Block a no-op —
// callers never need to nil-check before using it.
type Hooks struct {
	OnBytesWritten func(total uint64)
	CheckPause     func() bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewHooks constructs a Hooks ready to receive Resume signals.
func NewHooks(onBytesWritten func(uint64), checkPause func() bool) *Hooks {
	h := &Hooks{OnBytesWritten: onBytesWritten, CheckPause: checkPause}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Resume wakes every goroutine currently parked in Block. Safe to call
// whether or not anything is actually waiting, and safe to call more
// than once across a run's lifetime (the orchestrator may pause and
// resume several times).
func (h *Hooks) Resume() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.cond == nil {
		h.cond = sync.NewCond(&h.mu)
	}
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Block parks the calling goroutine while CheckPause reports true,
// waking on every Resume call to re-check. Returns ctx.Err() if ctx is
// cancelled while blocked. Safe to call concurrently from the walker's
// per-directory fan-out.
func (h *Hooks) Block(ctx context.Context) error {
	if h == nil || h.CheckPause == nil {
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		case <-stop:
		}
	}()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cond == nil {
		h.cond = sync.NewCond(&h.mu)
	}
	for h.CheckPause() {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.cond.Wait()
	}
	return ctx.Err()
}

func (h *Hooks) report(total uint64) {
	if h != nil && h.OnBytesWritten != nil {
		h.OnBytesWritten(total)
	}
}
