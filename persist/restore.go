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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/statevault/snapshot"
)

// Restore hands a snapshot back to the application through the sink,
// matching items by their stable item_id.
//
// Description:
//
//	Containers are restored by ordinal index. Item states without an
//	item_id are legacy entries: they are skipped with a warning and are
//	NEVER matched by name or position (a wrong guess silently corrupts
//	the wrong item; refusing to guess is the mandated behavior). A
//	missing live item for a valid item_id drops that one item's state;
//	siblings keep restoring.
//
// Outputs:
//
//	error - Nil when everything restored. Otherwise a joined summary of
//	per-container and per-item failures; partial restore has still been
//	applied for everything that matched.
func (m *Manager) Restore(ctx context.Context, snap *snapshot.Snapshot, sink Sink) error {
	if ctx == nil {
		return ErrNilContext
	}
	if snap == nil || sink == nil {
		return fmt.Errorf("%w: snapshot and sink must not be nil", ErrInvalidInput)
	}
	if err := m.requireReady(); err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "persist.restore")
	defer span.End()
	span.SetAttributes(
		attribute.String("snapshot.id", snap.SnapshotID),
		attribute.Int("snapshot.containers", len(snap.Containers)),
	)

	var errs []error
	for _, cs := range snap.Containers {
		handle, err := sink.RestoreContainer(cs.Index)
		if err != nil {
			m.logger.Error("container restore failed, skipping its items",
				slog.Int("index", cs.Index),
				slog.String("name", cs.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("container %d (%s): %w", cs.Index, cs.Name, err))
			continue
		}
		errs = append(errs, m.restoreItems(handle, cs)...)
	}
	return errors.Join(errs...)
}

func (m *Manager) restoreItems(handle ContainerHandle, cs snapshot.ContainerState) []error {
	var errs []error
	for _, state := range cs.ItemStates {
		id, ok := snapshot.ItemID(state)
		if !ok {
			droppedItemStates.Inc()
			m.logger.Warn("legacy item state without item_id, skipping",
				slog.Int("container", cs.Index),
				slog.String("hint", "re-save from the host app to backfill identities"),
			)
			continue
		}

		item, found := handle.FindItemByID(id)
		if !found {
			droppedItemStates.Inc()
			m.logger.Warn("no live item for persisted item_id, state dropped",
				slog.Int("container", cs.Index),
				slog.String("item_id", id),
			)
			errs = append(errs, fmt.Errorf("%w: container %d item %s", ErrItemNotFound, cs.Index, id))
			continue
		}

		if err := item.RestoreState(state); err != nil {
			m.logger.Error("item state restore failed",
				slog.Int("container", cs.Index),
				slog.String("item_id", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("container %d item %s: %w", cs.Index, id, err))
		}
	}
	return errs
}
