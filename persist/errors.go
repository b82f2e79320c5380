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

import "errors"

var (
	// ErrNilContext indicates a nil context was passed to a blocking
	// operation.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput indicates a nil or malformed argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotInitialized indicates an operation before Initialize.
	ErrNotInitialized = errors.New("persistence manager not initialized")

	// ErrAlreadyInitialized indicates a second Initialize call.
	ErrAlreadyInitialized = errors.New("persistence manager already initialized")

	// ErrDisposed indicates an operation after Dispose.
	ErrDisposed = errors.New("persistence manager disposed")

	// ErrNothingToSave indicates a save with no captured snapshot.
	ErrNothingToSave = errors.New("no snapshot captured, nothing to save")

	// ErrStateCorrupt indicates the state file failed verification and no
	// backup verified either. This propagates loudly: continuing with
	// unverified state risks further corruption, and a quiet empty-state
	// start would be silent data loss.
	ErrStateCorrupt = errors.New("state file corrupt and no valid backup found")

	// ErrItemNotFound indicates a restore-time identity mismatch: the sink
	// has no live item for a persisted item_id. The item's state is
	// dropped and siblings continue; the summary error reports the drops.
	ErrItemNotFound = errors.New("no item found for persisted item_id")
)
