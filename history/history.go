// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides bounded multi-level undo/redo over full
// application snapshots.
//
// Entries are finalized clones: the stacks exclusively own an entry while
// it is queued, and ownership transfers to the caller when popped. Once a
// new state is recorded, the redo branch is invalid and is cleared
// (standard branch-invalidation rule).
package history

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/statevault/snapshot"
)

// DefaultDepth is the per-stack capacity when none is configured.
const DefaultDepth = 50

// History holds the undo and redo stacks.
//
// Thread Safety: Safe for concurrent use. Callers coordinating with a
// shared "current snapshot" reference must still serialize the
// read-current/push pair externally (the persistence manager does).
type History struct {
	mu     sync.Mutex
	undo   *boundedStack[*snapshot.Snapshot]
	redo   *boundedStack[*snapshot.Snapshot]
	logger *slog.Logger
}

// New creates a History with the given per-stack depth.
// A depth <= 0 uses DefaultDepth. A nil logger uses slog.Default().
func New(depth int, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		undo:   newBoundedStack[*snapshot.Snapshot](depth),
		redo:   newBoundedStack[*snapshot.Snapshot](depth),
		logger: logger.With(slog.String("component", "history")),
	}
}

// Push records a new undoable state.
//
// Description:
//
//	Clones and finalizes the snapshot (entries must not alias live
//	state), appends it to the undo stack — evicting the oldest entry
//	when over capacity — and clears the redo stack. A push identical in
//	value to the current undo top is dropped as a duplicate.
//
// Outputs:
//
//	error - Non-nil if the snapshot cannot be cloned or finalized.
func (h *History) Push(snap *snapshot.Snapshot) error {
	entry, err := cloneFinalized(snap)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if top, ok := h.undo.peek(); ok && top.Equal(entry) {
		h.logger.Debug("skipping duplicate history entry",
			slog.String("snapshot_id", entry.SnapshotID))
		return nil
	}

	h.undo.push(entry)
	h.redo.clear()
	return nil
}

// Undo pops the most recent undo entry.
//
// Description:
//
//	The caller passes the CURRENT live snapshot, which is cloned,
//	finalized, and pushed onto the redo stack before the popped entry is
//	returned. With an empty undo stack nothing changes and ok is false.
//
// Outputs:
//
//	*snapshot.Snapshot - The state to restore. Nil when ok is false.
//	bool - False when there is nothing to undo.
func (h *History) Undo(current *snapshot.Snapshot) (*snapshot.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.move(h.undo, h.redo, current, "undo")
}

// Redo pops the most recent redo entry, symmetrically pushing the current
// snapshot onto the undo stack.
func (h *History) Redo(current *snapshot.Snapshot) (*snapshot.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.move(h.redo, h.undo, current, "redo")
}

// move pops from one stack and parks the current snapshot on the other.
// The pop happens first so an un-clonable current snapshot cannot consume
// the entry.
func (h *History) move(from, to *boundedStack[*snapshot.Snapshot], current *snapshot.Snapshot, op string) (*snapshot.Snapshot, bool) {
	entry, ok := from.pop()
	if !ok {
		h.logger.Debug("history stack empty", slog.String("op", op))
		return nil, false
	}

	if current != nil {
		parked, err := cloneFinalized(current)
		if err != nil {
			// Put the entry back; a torn half-transition is worse than a
			// failed one.
			from.push(entry)
			h.logger.Error("cannot park current snapshot, aborting",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
			return nil, false
		}
		to.push(parked)
	}
	return entry, true
}

// CanUndo reports whether the undo stack holds any entries.
func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.undo.len() > 0
}

// CanRedo reports whether the redo stack holds any entries.
func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redo.len() > 0
}

// Depths returns the current undo and redo stack sizes.
func (h *History) Depths() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.undo.len(), h.redo.len()
}

// Clear drops both stacks.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo.clear()
	h.redo.clear()
}

func cloneFinalized(snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot must not be nil", snapshot.ErrInvalidInput)
	}
	entry, err := snap.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone for history: %w", err)
	}
	if err := entry.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize history entry: %w", err)
	}
	return entry, nil
}
