// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate upgrades old snapshot schema versions to the current
// one via registered version-to-version transformation steps.
//
// Steps form a directed graph over "major.minor" version strings. Path
// resolution is a greedy linear walk: from the source version, follow the
// single registered step per version until the target is reached. The
// walk is bounded, so a cyclic registration terminates with ErrCycle
// instead of looping forever.
package migrate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/statevault/snapshot"
)

var (
	// ErrInvalidInput indicates a nil or malformed argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateStep indicates two steps registered for one source
	// version; registration fails loudly rather than silently
	// overwriting, because an ambiguous graph has no single path.
	ErrDuplicateStep = errors.New("duplicate migration step for source version")

	// ErrCycle indicates the walk exceeded the step bound, which only
	// happens when the registered steps form a loop.
	ErrCycle = errors.New("migration step graph contains a cycle")

	// ErrIncompletePath indicates no chain of steps reaches the target
	// version from the snapshot's version.
	ErrIncompletePath = errors.New("no complete migration path to target version")

	// ErrTransformFailed indicates a step's transform returned an error;
	// the whole migration is aborted and the caller keeps the original
	// unmigrated snapshot.
	ErrTransformFailed = errors.New("migration transform failed")
)

// maxWalkSteps bounds path resolution. Real schema histories are short;
// anything past this is a cycle.
const maxWalkSteps = 100

// Transform converts a snapshot from one schema version to the next.
// Implementations must be pure: operate on the given snapshot and return
// the result without touching shared state.
type Transform func(*snapshot.Snapshot) (*snapshot.Snapshot, error)

// Step is one directed edge in the version graph.
type Step struct {
	From      string
	To        string
	Transform Transform
}

// Path is the result of resolving a migration chain. When Complete is
// false, Steps holds whatever partial chain exists; the caller decides
// whether to proceed with a warning or abort.
type Path struct {
	Steps    []Step
	Complete bool
}

// Registry holds the registered steps and the current schema version.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	steps   map[string]Step
	current string
	logger  *slog.Logger
}

// NewRegistry creates a registry whose target is currentVersion.
//
// Inputs:
//   - currentVersion: The schema version the application writes today,
//     as a dotted "major.minor" string. Must not be empty.
//   - logger: Logger for migration events. If nil, uses slog.Default().
func NewRegistry(currentVersion string, logger *slog.Logger) (*Registry, error) {
	if currentVersion == "" {
		return nil, fmt.Errorf("%w: currentVersion must not be empty", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		steps:   make(map[string]Step),
		current: currentVersion,
		logger:  logger.With(slog.String("component", "migrate")),
	}, nil
}

// CurrentVersion returns the registry's target schema version.
func (r *Registry) CurrentVersion() string {
	return r.current
}

// Register adds a step keyed by its source version.
//
// Outputs:
//
//	error - ErrDuplicateStep if a step from the same version exists,
//	ErrInvalidInput for empty versions, self-loops, or a nil transform.
func (r *Registry) Register(step Step) error {
	if step.From == "" || step.To == "" {
		return fmt.Errorf("%w: step versions must not be empty", ErrInvalidInput)
	}
	if step.From == step.To {
		return fmt.Errorf("%w: step %s -> %s is a self-loop", ErrInvalidInput, step.From, step.To)
	}
	if step.Transform == nil {
		return fmt.Errorf("%w: step %s -> %s has nil transform", ErrInvalidInput, step.From, step.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.steps[step.From]; ok {
		return fmt.Errorf("%w: %s already migrates to %s", ErrDuplicateStep, step.From, existing.To)
	}
	r.steps[step.From] = step
	return nil
}

// ResolvePath walks the step graph from one version toward another.
//
// Description:
//
//	Greedy linear walk: at each version, follow the single registered
//	step and advance. Stops when the target is reached (Complete true)
//	or no step exists from the current version (Complete false, partial
//	Steps returned). A walk longer than the internal bound means the
//	registered steps loop, which is reported as ErrCycle.
func (r *Registry) ResolvePath(from, to string) (Path, error) {
	if from == "" || to == "" {
		return Path{}, fmt.Errorf("%w: versions must not be empty", ErrInvalidInput)
	}
	if from == to {
		return Path{Complete: true}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var path Path
	cursor := from
	for i := 0; i < maxWalkSteps; i++ {
		step, ok := r.steps[cursor]
		if !ok {
			return path, nil // Dead end: partial path, Complete stays false.
		}
		path.Steps = append(path.Steps, step)
		cursor = step.To
		if cursor == to {
			path.Complete = true
			return path, nil
		}
	}
	return Path{}, fmt.Errorf("%w: walk from %s exceeded %d steps", ErrCycle, from, maxWalkSteps)
}

// MigrateToCurrent upgrades a snapshot to the registry's current version.
//
// Description:
//
//	No-op for a snapshot already at the current version. Otherwise the
//	resolved chain is applied to a clone, setting SchemaVersion after
//	each step, and the result is re-finalized. On any failure — cycle,
//	incomplete path, or a transform error — the ORIGINAL unmigrated
//	snapshot is returned alongside the error; a partially-migrated
//	snapshot is never handed back.
//
//	A major-version mismatch between the snapshot and the current version
//	logs a warning but the walk is still attempted: the step graph, not
//	the version numbers, decides what is possible.
//
// Outputs:
//
//	*snapshot.Snapshot - The migrated snapshot, or the original on error.
//	error - Non-nil when migration could not complete.
func (r *Registry) MigrateToCurrent(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: snapshot must not be nil", ErrInvalidInput)
	}
	if s.SchemaVersion == r.current {
		return s, nil
	}

	if majorOf(s.SchemaVersion) != majorOf(r.current) {
		r.logger.Warn("major version mismatch, attempting migration anyway",
			slog.String("snapshot_version", s.SchemaVersion),
			slog.String("current_version", r.current),
		)
	}

	path, err := r.ResolvePath(s.SchemaVersion, r.current)
	if err != nil {
		return s, err
	}
	if !path.Complete {
		return s, fmt.Errorf("%w: stuck after %d steps from %s toward %s",
			ErrIncompletePath, len(path.Steps), s.SchemaVersion, r.current)
	}

	work, err := s.Clone()
	if err != nil {
		return s, fmt.Errorf("clone for migration: %w", err)
	}

	for _, step := range path.Steps {
		next, err := step.Transform(work)
		if err != nil {
			return s, fmt.Errorf("%w: step %s -> %s: %v", ErrTransformFailed, step.From, step.To, err)
		}
		if next == nil {
			return s, fmt.Errorf("%w: step %s -> %s returned nil snapshot", ErrTransformFailed, step.From, step.To)
		}
		next.SchemaVersion = step.To
		work = next
		r.logger.Info("migration step applied",
			slog.String("from", step.From),
			slog.String("to", step.To),
			slog.String("snapshot_id", work.SnapshotID),
		)
	}

	if err := work.Finalize(); err != nil {
		return s, fmt.Errorf("finalize migrated snapshot: %w", err)
	}
	return work, nil
}

// majorOf returns the major component of a "major.minor" version string.
func majorOf(version string) string {
	major, _, _ := strings.Cut(version, ".")
	return major
}
