// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statevault/atomicfile"
	"github.com/AleutianAI/statevault/migrate"
	"github.com/AleutianAI/statevault/pkg/logging"
	"github.com/AleutianAI/statevault/snapshot"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeItem struct {
	state map[string]any
}

func (f *fakeItem) SaveItemState() map[string]any { return f.state }

type fakeSource struct {
	containers []Container
	err        error
}

func (f *fakeSource) EnumerateContainers() ([]Container, error) {
	return f.containers, f.err
}

type fakeItemHandle struct {
	restored map[string]any
	err      error
}

func (f *fakeItemHandle) RestoreState(state map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.restored = state
	return nil
}

type fakeContainerHandle struct {
	items map[string]*fakeItemHandle
}

func (f *fakeContainerHandle) FindItemByID(id string) (ItemHandle, bool) {
	h, ok := f.items[id]
	if !ok {
		return nil, false
	}
	return h, true
}

type fakeSink struct {
	containers map[int]*fakeContainerHandle
	failIndex  int // RestoreContainer fails for this index; -1 disables
}

func (f *fakeSink) RestoreContainer(index int) (ContainerHandle, error) {
	if f.failIndex == index {
		return nil, errors.New("container unavailable")
	}
	h, ok := f.containers[index]
	if !ok {
		return nil, errors.New("unknown container index")
	}
	return h, nil
}

// =============================================================================
// Helpers
// =============================================================================

func simpleSource(itemID string, fields map[string]any) *fakeSource {
	state := map[string]any{snapshot.ItemIDKey: itemID}
	for k, v := range fields {
		state[k] = v
	}
	return &fakeSource{containers: []Container{{
		Name:  "workspace-1",
		Index: 0,
		Items: []ItemStater{&fakeItem{state: state}},
	}}}
}

// newTestManager builds an initialized Manager over a temp directory and a
// log capture for asserting on emitted events.
func newTestManager(t *testing.T, opts Options) (*Manager, *logging.CaptureHandler) {
	t.Helper()
	capture := logging.NewCaptureHandler()
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	opts.Logger = slog.New(capture)
	m := New(opts)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Dispose(context.Background()) })
	return m, capture
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestLifecycle(t *testing.T) {
	m := New(Options{Directory: t.TempDir()})
	assert.Equal(t, StateUninitialized, m.Stats().State)

	_, err := m.CaptureState(&fakeSource{})
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateInitialized, m.Stats().State)

	require.ErrorIs(t, m.Initialize(context.Background()), ErrAlreadyInitialized)

	require.NoError(t, m.Dispose(context.Background()))
	assert.Equal(t, StateDisposed, m.Stats().State)
	require.ErrorIs(t, m.Flush(context.Background()), ErrDisposed)

	// Idempotent.
	require.NoError(t, m.Dispose(context.Background()))
}

func TestInitializeNilContext(t *testing.T) {
	m := New(Options{Directory: t.TempDir()})
	require.ErrorIs(t, m.Initialize(nil), ErrNilContext)
}

func TestFlushWithNothingCaptured(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	require.ErrorIs(t, m.Flush(context.Background()), ErrNothingToSave)
}

// =============================================================================
// Save / Load
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m1, _ := newTestManager(t, Options{Directory: dir})
	_, err := m1.CaptureState(simpleSource("item-1", map[string]any{
		"title": "draft", "count": 7,
	}))
	require.NoError(t, err)
	require.NoError(t, m1.SetApplicationState("theme", "dark"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.Dispose(context.Background()))

	m2, _ := newTestManager(t, Options{Directory: dir})
	snap, err := m2.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "dark", snapshot.StringValue(snap.ApplicationState, "theme", ""))
	require.Len(t, snap.Containers, 1)
	require.Len(t, snap.Containers[0].ItemStates, 1)
	state := snap.Containers[0].ItemStates[0]
	id, ok := snapshot.ItemID(state)
	require.True(t, ok)
	assert.Equal(t, "item-1", id)
	assert.Equal(t, "draft", snapshot.StringValue(state, "title", ""))
	assert.Equal(t, 7, snapshot.IntValue(state, "count", 0))

	// The loaded snapshot becomes current.
	assert.Same(t, snap, m2.Current())
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	m, capture := newTestManager(t, Options{})
	snap, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.True(t, capture.Contains(slog.LevelInfo, "no state file"))
}

func TestLoadNilContext(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.Load(nil)
	require.ErrorIs(t, err, ErrNilContext)
}

func TestSaveWritesVerifiableFile(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Directory: dir})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m.Flush(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	snap, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, snapshot.Verify(snap), "persisted document must carry a valid checksum")
	assert.True(t, bytes.Contains(data, []byte("\n")), "on-disk form is indented for humans")
}

func TestDirtyTracking(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	assert.True(t, m.Stats().Dirty)

	require.NoError(t, m.Flush(context.Background()))
	assert.False(t, m.Stats().Dirty)

	require.NoError(t, m.SetApplicationState("k", "v"))
	assert.True(t, m.Stats().Dirty)
}

// TestLoadedNullStateBagsAreMutable loads a document whose state bags are
// JSON null: struct-literal snapshots (a migration transform building
// &snapshot.Snapshot{...}) marshal absent maps as null and still finalize
// and verify. Mutating after such a load must allocate, not panic.
func TestLoadedNullStateBagsAreMutable(t *testing.T) {
	dir := t.TempDir()
	snap := &snapshot.Snapshot{
		SchemaVersion: "1.0",
		SnapshotID:    "null-bags",
		CapturedAt:    time.Now().UTC(),
	}
	require.NoError(t, snap.Finalize())
	data, err := snapshot.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), data, 0640))

	m, _ := newTestManager(t, Options{Directory: dir})
	loaded, err := m.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.NoError(t, m.SetApplicationState("theme", "dark"))
	require.NoError(t, m.Flush(context.Background()))

	reloaded, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	onDisk, err := snapshot.Unmarshal(reloaded)
	require.NoError(t, err)
	assert.Equal(t, "dark", snapshot.StringValue(onDisk.ApplicationState, "theme", ""))
}

func TestFlushSnapshotInstallsAndSaves(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Directory: dir})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m.Flush(context.Background()))

	ext := snapshot.New("1.0")
	ext.ApplicationState["marker"] = "external"
	require.NoError(t, m.FlushSnapshot(context.Background(), ext, false))

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	onDisk, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "external", snapshot.StringValue(onDisk.ApplicationState, "marker", ""))

	// createBackup=false must leave the existing file unrotated.
	backups, err := atomicfile.ListBackups(filepath.Join(dir, "backups"), "state.json")
	require.NoError(t, err)
	assert.Empty(t, backups)

	// The Manager holds its own canonical copy, not the caller's pointer.
	assert.NotSame(t, ext, m.Current())
	assert.Equal(t, "external", snapshot.StringValue(m.Current().ApplicationState, "marker", ""))
}

// =============================================================================
// Corruption and recovery
// =============================================================================

// corruptStateFile flips a value inside the persisted document without
// breaking the JSON, so parsing succeeds but the checksum does not.
func corruptStateFile(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, "state.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"generation-`), []byte(`"GENERATION-`), 1)
	require.False(t, bytes.Equal(tampered, data), "tamper marker not found in state file")
	require.NoError(t, os.WriteFile(path, tampered, 0640))
}

func TestLoadRecoversFromBackup(t *testing.T) {
	dir := t.TempDir()
	m1, _ := newTestManager(t, Options{Directory: dir})
	_, err := m1.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)

	// First save creates the file; the second rotates it into a backup.
	require.NoError(t, m1.SetApplicationState("marker", "generation-one"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.SetApplicationState("marker", "generation-two"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.Dispose(context.Background()))

	corruptStateFile(t, dir)

	m2, capture := newTestManager(t, Options{Directory: dir})
	snap, err := m2.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "generation-one", snapshot.StringValue(snap.ApplicationState, "marker", ""),
		"recovery must fall back to the most recent valid backup")
	assert.True(t, capture.Contains(slog.LevelError, "failed verification"))
	assert.True(t, capture.Contains(slog.LevelWarn, "recovered state from backup"))
}

func TestLoadCorruptWithoutBackups(t *testing.T) {
	dir := t.TempDir()
	m1, _ := newTestManager(t, Options{Directory: dir})
	_, err := m1.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m1.SetApplicationState("marker", "generation-one"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.Dispose(context.Background()))

	corruptStateFile(t, dir)

	m2, capture := newTestManager(t, Options{Directory: dir})
	snap, err := m2.Load(context.Background())
	require.ErrorIs(t, err, ErrStateCorrupt)
	assert.Nil(t, snap)
	assert.True(t, capture.Contains(slog.LevelError, "no valid backup"))
}

func TestLoadSkipsCorruptBackup(t *testing.T) {
	dir := t.TempDir()
	m1, _ := newTestManager(t, Options{Directory: dir})
	_, err := m1.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m1.SetApplicationState("marker", "generation-one"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.SetApplicationState("marker", "generation-two"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.SetApplicationState("marker", "generation-three"))
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.Dispose(context.Background()))

	corruptStateFile(t, dir) // kills "generation-three" in the live file

	// Also corrupt the newest backup ("generation-two") so recovery has to
	// keep walking to the older one.
	backupDir := filepath.Join(dir, "backups")
	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		p := filepath.Join(backupDir, e.Name())
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		if bytes.Contains(data, []byte("generation-two")) {
			tampered := bytes.Replace(data, []byte(`"generation-two"`), []byte(`"generation-twX"`), 1)
			require.NoError(t, os.WriteFile(p, tampered, 0640))
		}
	}

	m2, capture := newTestManager(t, Options{Directory: dir})
	snap, err := m2.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "generation-one", snapshot.StringValue(snap.ApplicationState, "marker", ""))
	assert.True(t, capture.Contains(slog.LevelWarn, "backup failed verification"))
}

// =============================================================================
// Debounce
// =============================================================================

func TestScheduleSaveCoalesces(t *testing.T) {
	m, _ := newTestManager(t, Options{DebounceInterval: 20 * time.Millisecond})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.ScheduleSave())
	}

	require.Eventually(t, func() bool {
		return m.Stats().PhysicalWrites > 0
	}, 2*time.Second, 10*time.Millisecond)

	// Let any stray extra fire land before counting.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().PhysicalWrites,
		"rapid schedule calls inside the window must produce one write")
}

func TestScheduleSaveDoesNotBlock(t *testing.T) {
	m, _ := newTestManager(t, Options{DebounceInterval: time.Minute})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.ScheduleSave())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(0), m.Stats().PhysicalWrites, "write waits for the quiet period")
}

func TestDisposeFlushesPendingSave(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Directory: dir, DebounceInterval: time.Minute})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m.ScheduleSave())

	// Dispose long before the debounce window elapses.
	require.NoError(t, m.Dispose(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	snap, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, snapshot.Verify(snap), "the pending save must be flushed on dispose")
}

func TestDisposeFlushesDirtyState(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Directory: dir, DebounceInterval: time.Minute})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	// Dirty but never scheduled.
	require.NoError(t, m.Dispose(context.Background()))

	_, err = os.Stat(filepath.Join(dir, "state.json"))
	require.NoError(t, err, "dirty state must not be lost on dispose")
}

// TestDebouncedSaveRetriesWhenFlightIsShared pins the overlap case: a
// debounce fire that joins an already in-flight save shares a write whose
// clone predates the latest mutation. The fire must notice the state is
// still dirty and write again rather than dropping the newest generation.
func TestDebouncedSaveRetriesWhenFlightIsShared(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Directory: dir, DebounceInterval: time.Minute})
	_, err := m.CaptureState(&fakeSource{})
	require.NoError(t, err)
	require.NoError(t, m.SetApplicationState("marker", "stale"))

	// Occupy the save flight, standing in for a slow in-flight write that
	// already cloned the "stale" generation.
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = m.flights.Do("save", func() (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
	}()
	<-entered

	require.NoError(t, m.SetApplicationState("marker", "newest"))

	done := make(chan struct{})
	go func() {
		m.debouncedSave()
		close(done)
	}()

	// Give the fire time to join the in-flight save, then let it finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	onDisk, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "newest", snapshot.StringValue(onDisk.ApplicationState, "marker", ""))
	assert.False(t, m.Stats().Dirty, "the newest generation must be persisted")
}

// TestSaveAfterDisposeIsRejected simulates a timer fire that slipped past
// the debouncer's stop check and reached the save path after disposal.
func TestSaveAfterDisposeIsRejected(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Directory: dir})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m.SetApplicationState("marker", "final"))
	require.NoError(t, m.Dispose(context.Background()))

	require.ErrorIs(t, m.saveNow(context.Background(), true), ErrDisposed)

	// The disposal flush is the last write; the late fire changed nothing.
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	onDisk, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "final", snapshot.StringValue(onDisk.ApplicationState, "marker", ""))
}

// =============================================================================
// Migration at load
// =============================================================================

func newTestRegistry(t *testing.T, current string, steps ...migrate.Step) *migrate.Registry {
	t.Helper()
	r, err := migrate.NewRegistry(current, nil)
	require.NoError(t, err)
	for _, s := range steps {
		require.NoError(t, r.Register(s))
	}
	return r
}

func TestLoadMigratesStaleSnapshot(t *testing.T) {
	dir := t.TempDir()

	m1, _ := newTestManager(t, Options{Directory: dir, SchemaVersion: "1.0"})
	_, err := m1.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.Dispose(context.Background()))

	reg := newTestRegistry(t, "2.0", migrate.Step{
		From: "1.0", To: "2.0",
		Transform: func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
			s.UserData["upgraded"] = true
			return s, nil
		},
	})

	m2, capture := newTestManager(t, Options{Directory: dir, Registry: reg})
	snap, err := m2.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "2.0", snap.SchemaVersion)
	assert.Equal(t, true, snap.UserData["upgraded"])
	assert.True(t, capture.Contains(slog.LevelInfo, "state migrated and persisted"))

	// The migrated result is persisted: a fresh load needs no migration.
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	onDisk, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "2.0", onDisk.SchemaVersion)
	assert.True(t, snapshot.Verify(onDisk))
}

func TestLoadMigrationFailureKeepsUnmigrated(t *testing.T) {
	dir := t.TempDir()

	m1, _ := newTestManager(t, Options{Directory: dir, SchemaVersion: "1.0"})
	_, err := m1.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m1.Flush(context.Background()))
	require.NoError(t, m1.Dispose(context.Background()))

	// No registered step reaches 2.0 from 1.0.
	reg := newTestRegistry(t, "2.0")

	m2, _ := newTestManager(t, Options{Directory: dir, Registry: reg})
	snap, err := m2.Load(context.Background())
	require.ErrorIs(t, err, migrate.ErrIncompletePath)
	require.NotNil(t, snap, "the unmigrated snapshot is still usable")
	assert.Equal(t, "1.0", snap.SchemaVersion)
	assert.Same(t, snap, m2.Current())
}

// =============================================================================
// Restore
// =============================================================================

func restoreSnapshot() *snapshot.Snapshot {
	s := snapshot.New("1.0")
	s.Containers = []snapshot.ContainerState{{
		Name:  "workspace-1",
		Index: 0,
		ItemStates: []map[string]any{
			{snapshot.ItemIDKey: "alpha", "title": "first"},
			{"title": "legacy, no identity"},
			{snapshot.ItemIDKey: "ghost", "title": "no live item"},
		},
	}}
	return s
}

func TestRestoreMatchesByItemID(t *testing.T) {
	m, capture := newTestManager(t, Options{})
	alpha := &fakeItemHandle{}
	sink := &fakeSink{
		failIndex:  -1,
		containers: map[int]*fakeContainerHandle{0: {items: map[string]*fakeItemHandle{"alpha": alpha}}},
	}

	err := m.Restore(context.Background(), restoreSnapshot(), sink)
	require.ErrorIs(t, err, ErrItemNotFound, "the ghost item must be reported")

	require.NotNil(t, alpha.restored, "matched sibling must restore despite other failures")
	assert.Equal(t, "first", snapshot.StringValue(alpha.restored, "title", ""))

	// Legacy entry is skipped with a warning, never guessed by position.
	assert.True(t, capture.Contains(slog.LevelWarn, "legacy item state"))
	assert.True(t, capture.Contains(slog.LevelWarn, "no live item"))
}

func TestRestoreCleanRunReturnsNil(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	alpha := &fakeItemHandle{}
	sink := &fakeSink{
		failIndex:  -1,
		containers: map[int]*fakeContainerHandle{0: {items: map[string]*fakeItemHandle{"alpha": alpha}}},
	}

	s := snapshot.New("1.0")
	s.Containers = []snapshot.ContainerState{{
		Index:      0,
		ItemStates: []map[string]any{{snapshot.ItemIDKey: "alpha", "title": "only"}},
	}}

	require.NoError(t, m.Restore(context.Background(), s, sink))
	assert.Equal(t, "only", snapshot.StringValue(alpha.restored, "title", ""))
}

func TestRestoreContinuesPastFailedContainer(t *testing.T) {
	m, capture := newTestManager(t, Options{})
	beta := &fakeItemHandle{}
	sink := &fakeSink{
		failIndex:  0,
		containers: map[int]*fakeContainerHandle{1: {items: map[string]*fakeItemHandle{"beta": beta}}},
	}

	s := snapshot.New("1.0")
	s.Containers = []snapshot.ContainerState{
		{Index: 0, ItemStates: []map[string]any{{snapshot.ItemIDKey: "alpha"}}},
		{Index: 1, ItemStates: []map[string]any{{snapshot.ItemIDKey: "beta", "title": "survivor"}}},
	}

	err := m.Restore(context.Background(), s, sink)
	require.Error(t, err)
	assert.Equal(t, "survivor", snapshot.StringValue(beta.restored, "title", ""),
		"one failed container must not abort the rest")
	assert.True(t, capture.Contains(slog.LevelError, "container restore failed"))
}

func TestRestoreItemErrorIsJoined(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	boom := errors.New("item rejected state")
	sink := &fakeSink{
		failIndex: -1,
		containers: map[int]*fakeContainerHandle{
			0: {items: map[string]*fakeItemHandle{"alpha": {err: boom}}},
		},
	}

	s := snapshot.New("1.0")
	s.Containers = []snapshot.ContainerState{{
		Index:      0,
		ItemStates: []map[string]any{{snapshot.ItemIDKey: "alpha"}},
	}}

	err := m.Restore(context.Background(), s, sink)
	require.ErrorIs(t, err, boom)
}

func TestRestoreValidatesArguments(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	require.ErrorIs(t, m.Restore(nil, snapshot.New("1.0"), &fakeSink{failIndex: -1}), ErrNilContext)
	require.ErrorIs(t, m.Restore(context.Background(), nil, &fakeSink{failIndex: -1}), ErrInvalidInput)
	require.ErrorIs(t, m.Restore(context.Background(), snapshot.New("1.0"), nil), ErrInvalidInput)
}

// =============================================================================
// Undo / Redo
// =============================================================================

func TestUndoRedoThroughManager(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.CaptureState(&fakeSource{})
	require.NoError(t, err)

	require.NoError(t, m.SetApplicationState("step", "one"))
	require.NoError(t, m.RecordHistory())
	require.NoError(t, m.SetApplicationState("step", "two"))

	snap, ok := m.Undo()
	require.True(t, ok)
	assert.Equal(t, "one", snapshot.StringValue(snap.ApplicationState, "step", ""))
	assert.Same(t, snap, m.Current(), "undo must swap the current snapshot")

	snap, ok = m.Redo()
	require.True(t, ok)
	assert.Equal(t, "two", snapshot.StringValue(snap.ApplicationState, "step", ""))
	assert.Same(t, snap, m.Current())
}

func TestUndoEmptyHistory(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.CaptureState(&fakeSource{})
	require.NoError(t, err)

	snap, ok := m.Undo()
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestRecordHistoryWithoutCapture(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	require.ErrorIs(t, m.RecordHistory(), ErrNothingToSave)
}

func TestUndoDepthReflectedInStats(t *testing.T) {
	m, _ := newTestManager(t, Options{HistoryDepth: 2})
	_, err := m.CaptureState(&fakeSource{})
	require.NoError(t, err)

	for i, v := range []string{"a", "b", "c"} {
		require.NoError(t, m.SetApplicationState("step", v))
		require.NoError(t, m.RecordHistory(), "push %d", i)
	}
	assert.Equal(t, 2, m.Stats().UndoDepth, "depth is bounded by HistoryDepth")
}

// =============================================================================
// External-change watcher
// =============================================================================

func TestWatcherWarnsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	m, capture := newTestManager(t, Options{Directory: dir, WatchExternalChanges: true})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m.Flush(context.Background()))

	// Wait out the self-write suppression window, then clobber the file
	// from "outside".
	time.Sleep(selfWriteWindow + 100*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0640))

	require.Eventually(t, func() bool {
		return capture.Contains(slog.LevelWarn, "modified outside this process")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOwnSavesDoNotTripWatcher(t *testing.T) {
	m, capture := newTestManager(t, Options{WatchExternalChanges: true})
	_, err := m.CaptureState(simpleSource("item-1", nil))
	require.NoError(t, err)
	require.NoError(t, m.Flush(context.Background()))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, capture.Contains(slog.LevelWarn, "modified outside this process"))
}
