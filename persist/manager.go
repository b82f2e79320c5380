// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist orchestrates snapshot capture, debounced atomic saves,
// verified loads with backup recovery, schema migration, restore by item
// identity, and undo/redo coordination.
//
// # Session Lifecycle
//
//	Uninitialized -> Initialized -> {Idle, Saving, Loading} -> Disposed
//
// Construct a Manager with New, call Initialize once, and Dispose on
// shutdown. Dispose flushes any pending debounced save before releasing
// resources; losing the last few seconds of state on exit is a
// correctness bug, not acceptable degradation.
//
// # Concurrency
//
// One mutex guards the in-memory current-snapshot reference. CaptureState,
// undo/redo, and the save path's read-and-clone step all take it, so a
// save can never observe a half-mutated snapshot. Physical writes run off
// the caller's goroutine (debounce timer) and concurrent save requests
// for the same path are collapsed via singleflight.
//
// The Manager is an explicit instance passed by reference to its callers;
// there is deliberately no process-wide singleton, so tests and embedders
// can run several independent engines side by side.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/statevault/atomicfile"
	"github.com/AleutianAI/statevault/history"
	"github.com/AleutianAI/statevault/migrate"
	"github.com/AleutianAI/statevault/snapshot"
)

var tracer = otel.Tracer("statevault.persist")

// SessionState tracks where a Manager is in its lifecycle.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitialized
	StateSaving
	StateLoading
	StateDisposed
)

// String returns the lifecycle state name.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateSaving:
		return "saving"
	case StateLoading:
		return "loading"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Options configures a Manager. Zero values use the documented defaults.
type Options struct {
	// Directory is the preferred storage root. When unusable, the
	// atomicfile fallback chain picks an alternative (logged).
	Directory string

	// FileName of the current-state file inside the storage root.
	// Default: "state.json".
	FileName string

	// BackupDirName is the backups subdirectory inside the storage root.
	// Default: "backups".
	BackupDirName string

	// MaxBackups is the rotation retention count. Default: 5.
	MaxBackups int

	// CompressBackups gzips rotated backups.
	CompressBackups bool

	// DebounceInterval is the quiet period before a scheduled save is
	// written. Default: 500ms.
	DebounceInterval time.Duration

	// HistoryDepth bounds the undo and redo stacks. Default: 50.
	HistoryDepth int

	// SchemaVersion written on capture when no Registry is configured.
	// Default: "1.0". Ignored when Registry is set (the registry's
	// current version wins).
	SchemaVersion string

	// Registry, when set, enables migration of stale snapshots at load
	// time. Nil disables migration entirely.
	Registry *migrate.Registry

	// WatchExternalChanges starts an fsnotify watcher that logs a warning
	// when something other than this Manager writes the state file. The
	// engine stays single-writer; this is diagnostics only.
	WatchExternalChanges bool

	// Logger for persistence events. Nil uses slog.Default(). Logging
	// failures never block persistence logic.
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.FileName == "" {
		o.FileName = "state.json"
	}
	if o.BackupDirName == "" {
		o.BackupDirName = "backups"
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 5
	}
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = 500 * time.Millisecond
	}
	if o.HistoryDepth <= 0 {
		o.HistoryDepth = history.DefaultDepth
	}
	if o.SchemaVersion == "" {
		o.SchemaVersion = "1.0"
	}
	if o.Registry != nil {
		o.SchemaVersion = o.Registry.CurrentVersion()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a point-in-time view of Manager counters, mainly for tests
// and health endpoints. Prometheus metrics carry the same data globally.
type Stats struct {
	State          SessionState
	PhysicalWrites uint64
	UndoDepth      int
	RedoDepth      int
	Dirty          bool
}

// Manager is the persistence engine's orchestrator.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	history *history.History

	// mu guards current, status, dirty, and the path fields after
	// Initialize. This is the monitor from the concurrency contract:
	// capture, undo/redo, and the save path's clone step all hold it.
	mu      sync.Mutex
	current *snapshot.Snapshot
	status  SessionState
	dirty   bool
	mutGen  uint64 // incremented on every current-snapshot replacement

	dir       string
	filePath  string
	backupDir string

	// saveMu serializes physical writes; flights collapses concurrent
	// debounce-fired saves into one.
	saveMu  sync.Mutex
	flights singleflight.Group
	writes  uint64 // guarded by saveMu

	debounce *debouncer
	watcher  *fileWatcher
}

// New creates an uninitialized Manager. Call Initialize before use.
func New(opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "persist")),
		history: history.New(opts.HistoryDepth, opts.Logger),
		status:  StateUninitialized,
	}
	m.debounce = newDebouncer(opts.DebounceInterval, m.debouncedSave)
	return m
}

// Initialize resolves the storage directory and readies the Manager.
//
// Description:
//
//	Resolves (or falls back from) the configured directory via the
//	atomicfile fallback chain, fixes the state file and backup paths,
//	and optionally starts the external-change watcher. Exhausting every
//	directory fallback is fatal: the engine cannot run without writable
//	storage.
//
// Outputs:
//
//	error - ErrAlreadyInitialized / ErrDisposed on lifecycle misuse,
//	atomicfile.ErrNoWritableDir when no storage is available.
func (m *Manager) Initialize(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized:
		// proceed
	default:
		return ErrAlreadyInitialized
	}

	dir, err := atomicfile.ResolveDir(m.opts.Directory, m.logger)
	if err != nil {
		return fmt.Errorf("resolve storage directory: %w", err)
	}

	m.dir = dir
	m.filePath = filepath.Join(dir, m.opts.FileName)
	m.backupDir = filepath.Join(dir, m.opts.BackupDirName)

	if m.opts.WatchExternalChanges {
		w, err := newFileWatcher(m.filePath, m.logger)
		if err != nil {
			// Diagnostics only; never a reason to refuse to run.
			m.logger.Warn("external-change watcher unavailable",
				slog.String("error", err.Error()))
		} else {
			m.watcher = w
		}
	}

	m.status = StateInitialized
	m.logger.Info("persistence manager ready",
		slog.String("dir", dir),
		slog.String("state_file", m.filePath),
		slog.Int("max_backups", m.opts.MaxBackups),
	)
	return nil
}

// CaptureState builds a snapshot from the source and stores it as the
// current in-memory snapshot.
//
// Description:
//
//	Enumerates the source's containers and items, canonicalizes all
//	dynamic payloads, and replaces the current snapshot. Idempotent:
//	each call replaces the previous capture. The snapshot is
//	unfinalized; the save path finalizes its own clone.
//
// Outputs:
//
//	*snapshot.Snapshot - The captured snapshot (also held as current).
//	error - Non-nil on source failure or lifecycle misuse.
func (m *Manager) CaptureState(source Source) (*snapshot.Snapshot, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source must not be nil", ErrInvalidInput)
	}
	if err := m.requireReady(); err != nil {
		return nil, err
	}

	containers, err := source.EnumerateContainers()
	if err != nil {
		return nil, fmt.Errorf("enumerate containers: %w", err)
	}

	snap := snapshot.New(m.opts.SchemaVersion)
	for _, c := range containers {
		cs := snapshot.ContainerState{
			Name:       c.Name,
			Index:      c.Index,
			ItemStates: make([]map[string]any, 0, len(c.Items)),
			CustomData: c.CustomData,
		}
		for _, item := range c.Items {
			if item == nil {
				continue
			}
			cs.ItemStates = append(cs.ItemStates, item.SaveItemState())
		}
		snap.Containers = append(snap.Containers, cs)
	}

	// Canonicalize through a clone so checksums are stable across the
	// disk round-trip.
	canon, err := snap.Clone()
	if err != nil {
		return nil, fmt.Errorf("canonicalize capture: %w", err)
	}

	m.replaceCurrent(canon)
	m.logger.Debug("state captured",
		slog.String("snapshot_id", canon.SnapshotID),
		slog.Int("containers", len(canon.Containers)),
	)
	return canon, nil
}

// SetApplicationState stores a value in the current snapshot's global
// state bag under the Manager's lock.
func (m *Manager) SetApplicationState(key string, value any) error {
	if err := m.requireReady(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNothingToSave
	}
	if m.current.ApplicationState == nil {
		// Hand-built documents (struct literals, migration transforms)
		// marshal an absent state bag as null and still verify.
		m.current.ApplicationState = make(map[string]any)
	}
	m.current.ApplicationState[key] = value
	m.current.Checksum = ""
	m.dirty = true
	m.mutGen++
	return nil
}

// ScheduleSave requests a debounced background save of the current
// snapshot. This is the primary save API: it never blocks on I/O, and N
// rapid calls within the debounce window produce exactly one write.
func (m *Manager) ScheduleSave() error {
	if err := m.requireReady(); err != nil {
		return err
	}
	if m.debounce.trigger() {
		coalescedSaves.Inc()
	}
	return nil
}

// Flush saves the current snapshot synchronously.
//
// Description:
//
//	Blocking convenience wrapper around the save sequence. Safe from any
//	application goroutine, but MUST NOT be called from inside a save or
//	watcher callback (it would deadlock on the save serialization lock).
//	Prefer ScheduleSave everywhere latency matters.
//
// Outputs:
//
//	error - ErrNothingToSave when nothing was captured, otherwise any
//	rotation/serialization/write failure.
func (m *Manager) Flush(ctx context.Context) error {
	return m.FlushSnapshot(ctx, nil, true)
}

// FlushSnapshot is the explicit form of Flush: save a caller-supplied
// snapshot, with control over backup rotation.
//
// Description:
//
//	A non-nil snap is canonicalized and installed as the current snapshot
//	before saving, for callers that build snapshots themselves instead of
//	going through CaptureState. A nil snap saves the existing current
//	snapshot. createBackup false skips the rotation, for bulk operations
//	that manage their own backup cadence; the debounced path always
//	rotates.
//
// Outputs:
//
//	error - Same failure modes as Flush, plus a clone failure for an
//	unserializable snapshot.
func (m *Manager) FlushSnapshot(ctx context.Context, snap *snapshot.Snapshot, createBackup bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := m.requireReady(); err != nil {
		return err
	}
	if snap != nil {
		canon, err := snap.Clone()
		if err != nil {
			return fmt.Errorf("canonicalize snapshot: %w", err)
		}
		m.replaceCurrent(canon)
	}
	return m.saveNow(ctx, createBackup)
}

// debouncedSave runs on the debounce timer goroutine.
func (m *Manager) debouncedSave() {
	for {
		// Collapse overlapping timer fires into the in-flight write.
		_, err, shared := m.flights.Do("save", func() (any, error) {
			return nil, m.saveNow(context.Background(), true)
		})
		if err != nil {
			if errors.Is(err, ErrDisposed) {
				return
			}
			m.logger.Error("debounced save failed", slog.String("error", err.Error()))
			return
		}
		if !shared {
			return
		}
		// A shared flight's clone may predate the mutation that scheduled
		// this fire. The completed write leaves dirty set in that case;
		// go again until our state generation has actually hit disk.
		m.mu.Lock()
		dirty := m.dirty
		m.mu.Unlock()
		if !dirty {
			return
		}
	}
}

// saveNow is the single physical save path: rotate backup, clone current
// under the monitor, finalize, serialize, write atomically.
func (m *Manager) saveNow(ctx context.Context, createBackup bool) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	_, span := tracer.Start(ctx, "persist.save")
	defer span.End()
	start := time.Now()

	m.mu.Lock()
	if m.status == StateDisposed {
		// A timer fire can slip past the debouncer's stop check and land
		// here after Dispose's final flush; it must not write again.
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.current == nil {
		m.mu.Unlock()
		m.logger.Warn("save requested with no captured snapshot")
		savesTotal.WithLabelValues("nothing_to_save").Inc()
		return ErrNothingToSave
	}
	m.status = StateSaving
	genAtClone := m.mutGen
	clone, err := m.current.Clone()
	if err == nil {
		err = clone.Finalize()
	}
	m.mu.Unlock()

	defer m.setIdle()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		savesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("prepare snapshot for save: %w", err)
	}

	span.SetAttributes(
		attribute.String("snapshot.id", clone.SnapshotID),
		attribute.String("snapshot.schema_version", clone.SchemaVersion),
		attribute.Bool("save.create_backup", createBackup),
	)

	if createBackup {
		if _, err := atomicfile.RotateBackup(m.filePath, m.backupDir, m.opts.MaxBackups, m.opts.CompressBackups, m.logger); err != nil {
			// The save itself can still succeed; losing one backup
			// generation is recoverable, losing the save is not.
			m.logger.Warn("backup rotation failed", slog.String("error", err.Error()))
		}
	}

	data, err := snapshot.Marshal(clone)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		savesTotal.WithLabelValues("error").Inc()
		return err
	}

	m.noteSelfWrite()
	if err := atomicfile.WriteAtomic(m.filePath, data); err != nil {
		span.SetStatus(codes.Error, err.Error())
		savesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("write state file: %w", err)
	}
	m.writes++

	m.mu.Lock()
	if m.mutGen == genAtClone {
		m.dirty = false
	}
	m.mu.Unlock()

	savesTotal.WithLabelValues("success").Inc()
	saveDuration.Observe(time.Since(start).Seconds())
	m.logger.Info("state saved",
		slog.String("snapshot_id", clone.SnapshotID),
		slog.String("checksum", truncateDigest(clone.Checksum)),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Load reads, verifies, and (when needed) migrates the persisted state.
//
// Description:
//
//	A missing state file is NOT an error: (nil, nil) is returned so the
//	caller can start fresh. A verification failure is logged with enough
//	detail to diagnose and recovery walks the backups most-recent-first;
//	the first backup that verifies wins. When nothing verifies, the load
//	fails loudly with ErrStateCorrupt. A verified snapshot at a stale
//	schema version is backed up, migrated, and the migrated result is
//	persisted immediately so future loads skip the migration. The loaded
//	snapshot becomes the current one.
//
// Outputs:
//
//	*snapshot.Snapshot - The verified (possibly migrated) snapshot, or
//	nil when no state file exists.
//	error - ErrStateCorrupt, a migration error (with the unmigrated
//	snapshot still returned), or an I/O failure.
func (m *Manager) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := m.requireReady(); err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "persist.load")
	defer span.End()

	m.mu.Lock()
	m.status = StateLoading
	m.mu.Unlock()
	defer m.setIdle()

	data, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		m.logger.Info("no state file, starting fresh", slog.String("path", m.filePath))
		loadsTotal.WithLabelValues("missing").Inc()
		return nil, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		loadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read state file: %w", err)
	}

	snap, verified := decodeAndVerify(data)
	if !verified {
		m.logVerifyFailure(snap)
		recovered, err := m.recoverFromBackups()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			loadsTotal.WithLabelValues("corrupt").Inc()
			return nil, err
		}
		snap = recovered
		loadsTotal.WithLabelValues("recovered").Inc()
	} else {
		loadsTotal.WithLabelValues("success").Inc()
	}

	span.SetAttributes(
		attribute.String("snapshot.id", snap.SnapshotID),
		attribute.String("snapshot.schema_version", snap.SchemaVersion),
	)

	if m.opts.Registry != nil && snap.SchemaVersion != m.opts.Registry.CurrentVersion() {
		snap, err = m.migrateLoaded(ctx, snap)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			// The unmigrated snapshot is still usable; hand it back with
			// the error and let the caller decide.
			m.replaceCurrent(snap)
			return snap, err
		}
	}

	m.replaceCurrent(snap)
	m.logger.Info("state loaded",
		slog.String("snapshot_id", snap.SnapshotID),
		slog.String("schema_version", snap.SchemaVersion),
		slog.Int("containers", len(snap.Containers)),
	)
	return snap, nil
}

// recoverFromBackups tries each backup, most recent first, and returns
// the first one that verifies.
func (m *Manager) recoverFromBackups() (*snapshot.Snapshot, error) {
	backups, err := atomicfile.ListBackups(m.backupDir, m.opts.FileName)
	if err != nil {
		m.logger.Error("cannot enumerate backups", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: backup enumeration failed: %v", ErrStateCorrupt, err)
	}

	for _, path := range backups {
		snap, ok := readBackup(path)
		if !ok {
			m.logger.Warn("backup failed verification, trying older",
				slog.String("backup", path))
			continue
		}
		backupRecoveries.Inc()
		m.logger.Warn("recovered state from backup",
			slog.String("backup", path),
			slog.String("snapshot_id", snap.SnapshotID),
		)
		return snap, nil
	}

	m.logger.Error("no valid backup found",
		slog.String("backup_dir", m.backupDir),
		slog.Int("backups_tried", len(backups)),
	)
	return nil, ErrStateCorrupt
}

func readBackup(path string) (*snapshot.Snapshot, bool) {
	r, err := atomicfile.OpenBackup(path)
	if err != nil {
		return nil, false
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}
	snap, verified := decodeAndVerify(data)
	if !verified {
		return nil, false
	}
	return snap, true
}

// migrateLoaded backs up the pre-migration file, migrates, and persists
// the migrated result so the next load is already current.
func (m *Manager) migrateLoaded(ctx context.Context, snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	_, span := tracer.Start(ctx, "persist.migrate")
	defer span.End()
	span.SetAttributes(
		attribute.String("migrate.from", snap.SchemaVersion),
		attribute.String("migrate.to", m.opts.Registry.CurrentVersion()),
	)

	if _, err := atomicfile.RotateBackup(m.filePath, m.backupDir, m.opts.MaxBackups, m.opts.CompressBackups, m.logger); err != nil {
		m.logger.Warn("pre-migration backup failed", slog.String("error", err.Error()))
	}

	migrated, err := m.opts.Registry.MigrateToCurrent(snap)
	if err != nil {
		migrationsTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("migration failed, keeping unmigrated snapshot",
			slog.String("from", snap.SchemaVersion),
			slog.String("error", err.Error()),
		)
		return snap, err
	}

	data, err := snapshot.Marshal(migrated)
	if err != nil {
		migrationsTotal.WithLabelValues("error").Inc()
		return snap, err
	}
	m.noteSelfWrite()
	if err := atomicfile.WriteAtomic(m.filePath, data); err != nil {
		migrationsTotal.WithLabelValues("error").Inc()
		return snap, fmt.Errorf("persist migrated state: %w", err)
	}

	migrationsTotal.WithLabelValues("success").Inc()
	m.logger.Info("state migrated and persisted",
		slog.String("from", snap.SchemaVersion),
		slog.String("to", migrated.SchemaVersion),
	)
	return migrated, nil
}

// RecordHistory pushes the current snapshot onto the undo stack and
// invalidates the redo branch.
func (m *Manager) RecordHistory() error {
	if err := m.requireReady(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNothingToSave
	}
	return m.history.Push(m.current)
}

// Undo rolls the current snapshot back one history entry. The previous
// current snapshot moves to the redo stack. Returns ok=false (and logs)
// when there is nothing to undo.
func (m *Manager) Undo() (*snapshot.Snapshot, bool) {
	if m.requireReady() != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored, ok := m.history.Undo(m.current)
	if !ok {
		return nil, false
	}
	m.setCurrentLocked(restored)
	return restored, true
}

// Redo is the inverse of Undo.
func (m *Manager) Redo() (*snapshot.Snapshot, bool) {
	if m.requireReady() != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored, ok := m.history.Redo(m.current)
	if !ok {
		return nil, false
	}
	m.setCurrentLocked(restored)
	return restored, true
}

// History exposes the undo/redo component (read-mostly: CanUndo, Depths).
func (m *Manager) History() *history.History {
	return m.history
}

// Current returns the in-memory current snapshot. Callers must treat it
// as owned by the Manager; mutate only through Manager methods.
func (m *Manager) Current() *snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Stats returns a point-in-time snapshot of internal counters.
func (m *Manager) Stats() Stats {
	m.saveMu.Lock()
	writes := m.writes
	m.saveMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	undo, redo := m.history.Depths()
	return Stats{
		State:          m.status,
		PhysicalWrites: writes,
		UndoDepth:      undo,
		RedoDepth:      redo,
		Dirty:          m.dirty,
	}
}

// Dispose shuts the Manager down.
//
// Description:
//
//	Cancels the debounce timer, but FIRST forces a synchronous flush of
//	any pending save — a scheduled save is never dropped on shutdown.
//	Stops the watcher. Idempotent; all later operations fail with
//	ErrDisposed.
func (m *Manager) Dispose(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	m.mu.Lock()
	if m.status == StateDisposed || m.status == StateUninitialized {
		m.status = StateDisposed
		m.mu.Unlock()
		return nil
	}
	pendingFlush := m.dirty
	m.mu.Unlock()

	wasPending := m.debounce.stop()

	var err error
	if wasPending || pendingFlush {
		if saveErr := m.saveNow(ctx, true); saveErr != nil && saveErr != ErrNothingToSave {
			err = fmt.Errorf("final flush: %w", saveErr)
		}
	}

	if m.watcher != nil {
		m.watcher.close()
	}

	m.mu.Lock()
	m.status = StateDisposed
	m.mu.Unlock()

	m.logger.Info("persistence manager disposed")
	return err
}

// =============================================================================
// Internals
// =============================================================================

func (m *Manager) requireReady() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status {
	case StateUninitialized:
		return ErrNotInitialized
	case StateDisposed:
		return ErrDisposed
	default:
		return nil
	}
}

func (m *Manager) replaceCurrent(snap *snapshot.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCurrentLocked(snap)
}

func (m *Manager) setCurrentLocked(snap *snapshot.Snapshot) {
	m.current = snap
	m.dirty = true
	m.mutGen++
}

func (m *Manager) setIdle() {
	m.mu.Lock()
	if m.status == StateSaving || m.status == StateLoading {
		m.status = StateInitialized
	}
	m.mu.Unlock()
}

func (m *Manager) noteSelfWrite() {
	if m.watcher != nil {
		m.watcher.noteSelfWrite()
	}
}

func (m *Manager) logVerifyFailure(snap *snapshot.Snapshot) {
	checksum := ""
	if snap != nil {
		checksum = snap.Checksum
	}
	m.logger.Error("state file failed verification",
		slog.String("path", m.filePath),
		slog.String("stored_checksum", truncateDigest(checksum)),
		slog.String("likely_causes", "partial write by external process, disk corruption, manual edit"),
	)
}

// decodeAndVerify parses a snapshot document and checks its digest. The
// parsed snapshot is returned even when verification fails so callers can
// log what was found.
func decodeAndVerify(data []byte) (*snapshot.Snapshot, bool) {
	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return nil, false
	}
	return snap, snapshot.Verify(snap)
}

// truncateDigest shortens a checksum for log lines.
func truncateDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	if digest == "" {
		return "(absent)"
	}
	return digest
}
