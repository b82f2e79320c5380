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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Snapshot Persistence
// =============================================================================

var (
	// savesTotal counts physical state file writes.
	// Labels: status (success, error, nothing_to_save)
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "saves_total",
		Help:      "Total snapshot save attempts by status",
	}, []string{"status"})

	// saveDuration measures the full save sequence (rotate, finalize,
	// serialize, atomic write).
	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "save_duration_seconds",
		Help:      "Snapshot save latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// loadsTotal counts load attempts.
	// Labels: status (success, missing, recovered, corrupt, error)
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "loads_total",
		Help:      "Total snapshot load attempts by status",
	}, []string{"status"})

	// backupRecoveries counts loads that fell back to a rotated backup.
	backupRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "backup_recoveries_total",
		Help:      "Total loads recovered from a backup file",
	})

	// migrationsTotal counts MigrateToCurrent outcomes at load time.
	// Labels: status (success, error)
	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "migrations_total",
		Help:      "Total schema migrations performed at load by status",
	}, []string{"status"})

	// coalescedSaves counts save requests absorbed by the debounce window
	// instead of producing their own write.
	coalescedSaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "coalesced_saves_total",
		Help:      "Save requests coalesced into an already-pending debounced save",
	})

	// droppedItemStates counts restore-time identity mismatches.
	droppedItemStates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statevault",
		Subsystem: "persist",
		Name:      "dropped_item_states_total",
		Help:      "Persisted item states dropped on restore (legacy or unmatched item_id)",
	})
)
