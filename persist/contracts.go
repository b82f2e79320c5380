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

// The application layer plugs into the engine through two narrow
// contracts: a Source that can enumerate its logical containers and
// produce serializable per-item state, and a Sink that can accept a
// restored snapshot and re-hydrate items by stable identity.
//
// Restore matching is by item_id ONLY. Matching legacy items by name or
// position would be a nondeterministic guess, so entries without an
// item_id are skipped with a warning; the backfill workflow ("re-save to
// migrate forward") belongs to the host application.

// ItemStater produces the serializable state of one live item. The
// returned map must include the snapshot.ItemIDKey entry with a stable
// identifier; maps without it are treated as legacy on restore.
type ItemStater interface {
	SaveItemState() map[string]any
}

// Container is one logical container (a workspace) as enumerated by the
// Source. Index is the stable ordinal identity key; Name is display-only.
type Container struct {
	Name       string
	Index      int
	Items      []ItemStater
	CustomData map[string]any
}

// Source enumerates the application's containers for capture.
type Source interface {
	EnumerateContainers() ([]Container, error)
}

// ItemHandle is a live item accepting restored state.
type ItemHandle interface {
	RestoreState(state map[string]any) error
}

// ContainerHandle is a live container that can locate items by identity.
type ContainerHandle interface {
	// FindItemByID returns the live item carrying the given stable id,
	// or ok=false when no such item exists.
	FindItemByID(id string) (ItemHandle, bool)
}

// Sink re-hydrates containers during restore.
type Sink interface {
	// RestoreContainer returns the live container for the given stable
	// ordinal index, creating it if the sink supports that.
	RestoreContainer(index int) (ContainerHandle, error)
}
