// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot defines the versioned, checksummed capture of full
// application state that the persistence engine writes to disk.
//
// A Snapshot is either mutable-unfinalized (Checksum empty, safe to edit)
// or finalized (Checksum set, must not be mutated without re-finalizing).
// Finalize stamps the checksum; Verify detects any later corruption of the
// serialized form.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput indicates a nil or malformed argument.
var ErrInvalidInput = errors.New("invalid input")

// ItemIDKey is the identity key every item state map must carry for the
// restore matcher. Entries without it are legacy and are skipped on
// restore, never matched by name or position.
const ItemIDKey = "item_id"

// ContainerState holds the persisted state of one logical container
// (a workspace, in the host application's terms).
type ContainerState struct {
	// Name is display-only; Index is the stable ordinal identity key.
	Name  string `json:"name"`
	Index int    `json:"index"`

	// ItemStates holds one opaque state map per item. Each map should
	// contain ItemIDKey; maps without it are legacy entries.
	ItemStates []map[string]any `json:"item_states"`

	// CustomData is a caller-supplied per-container bag.
	CustomData map[string]any `json:"custom_data,omitempty"`
}

// Snapshot is the root persisted unit: a complete capture of application
// state at one instant.
//
// Field order here matches the on-disk JSON document. Checksum is a hex
// SHA-256 digest over the compact serialization of every other field and
// is empty until Finalize is called.
type Snapshot struct {
	// SchemaVersion is a dotted "major.minor" string, mutated only by
	// migration steps.
	SchemaVersion string `json:"schema_version"`

	// SnapshotID correlates save/load/recovery log events for one capture.
	SnapshotID string `json:"snapshot_id"`

	// CapturedAt is the UTC capture instant.
	CapturedAt time.Time `json:"captured_at"`

	// ApplicationState is a flat key/value bag for global app-level state.
	ApplicationState map[string]any `json:"application_state"`

	// Containers is ordered; Index inside each entry is authoritative.
	Containers []ContainerState `json:"containers"`

	// UserData is a caller-supplied opaque payload.
	UserData map[string]any `json:"user_data,omitempty"`

	// Checksum is empty on unfinalized snapshots.
	Checksum string `json:"checksum,omitempty"`
}

// New creates an empty unfinalized snapshot at the given schema version.
//
// Outputs:
//
//	*Snapshot - Unfinalized snapshot with a fresh SnapshotID and a UTC
//	capture timestamp. Never nil.
func New(schemaVersion string) *Snapshot {
	return &Snapshot{
		SchemaVersion:    schemaVersion,
		SnapshotID:       uuid.NewString(),
		CapturedAt:       time.Now().UTC(),
		ApplicationState: make(map[string]any),
		Containers:       make([]ContainerState, 0),
		UserData:         make(map[string]any),
	}
}

// Finalized reports whether the checksum has been stamped.
func (s *Snapshot) Finalized() bool {
	return s != nil && s.Checksum != ""
}

// Finalize stamps the checksum, moving the snapshot to the finalized
// state. Any mutation after this call invalidates the checksum; call
// Finalize again after editing.
func (s *Snapshot) Finalize() error {
	return Stamp(s)
}

// Clone returns a deep, unfinalized copy.
//
// Description:
//
//	The copy is produced by a JSON round-trip, which both guarantees deep
//	copies of nested slices/maps and canonicalizes dynamic values (all
//	numbers become float64) so checksums computed before and after a disk
//	round-trip agree. The clone keeps SnapshotID and CapturedAt but its
//	Checksum is cleared; callers re-finalize when needed.
//
// Outputs:
//
//	*Snapshot - The unfinalized copy. Never nil on success.
//	error - Non-nil if the snapshot contains values JSON cannot encode.
func (s *Snapshot) Clone() (*Snapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: snapshot must not be nil", ErrInvalidInput)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal for clone: %w", err)
	}
	var cp Snapshot
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal clone: %w", err)
	}
	cp.Checksum = ""
	return &cp, nil
}

// Equal reports value equality (including checksum) between two
// snapshots. Used for history deduplication; identity is irrelevant.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Marshal serializes the snapshot into the on-disk document form
// (indented JSON, human-readable).
func Marshal(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: snapshot must not be nil", ErrInvalidInput)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Unmarshal parses an on-disk document. It does not verify the checksum;
// callers use Verify for that.
func Unmarshal(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot document", ErrInvalidInput)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}
