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
	"sync"
	"time"
)

// debouncer coalesces rapid triggers into one delayed fire: a single-shot
// timer is reset on every trigger and fires after a quiet period. N rapid
// triggers therefore produce exactly one fire, on the timer's goroutine,
// never on the triggering one.
//
// Thread Safety: Safe for concurrent use.
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	fire     func()
	timer    *time.Timer
	pending  bool
	stopped  bool
}

func newDebouncer(interval time.Duration, fire func()) *debouncer {
	return &debouncer{interval: interval, fire: fire}
}

// trigger schedules (or defers) the next fire. Returns true when the
// trigger was absorbed into an already-pending window.
func (d *debouncer) trigger() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}

	coalesced := d.pending
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.onFire)
	} else {
		d.timer.Reset(d.interval)
	}
	return coalesced
}

func (d *debouncer) onFire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()

	d.fire()
}

// stop cancels any scheduled fire permanently and reports whether one was
// still pending. The caller is responsible for flushing pending work; a
// scheduled save must never be dropped silently on shutdown.
func (d *debouncer) stop() (wasPending bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.stopped = true
	if d.timer != nil {
		// Reset loses the race against a concurrent fire occasionally;
		// onFire rechecks stopped under the lock, so a late fire is a
		// no-op rather than a double save.
		d.timer.Stop()
	}
	pending := d.pending
	d.pending = false
	return pending
}
