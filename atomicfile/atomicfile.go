// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicfile provides crash-safe file writes, timestamped backup
// rotation, and writable-directory resolution for the persistence engine.
//
// The write pattern is temp-file-then-rename inside the target directory:
// after a crash at any point, the target path holds either the previous
// complete file or the new complete file, never a partial one.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidInput indicates a nil or malformed argument.
var ErrInvalidInput = errors.New("invalid input")

// WriteAtomic writes data to path with atomic-replace semantics.
//
// Description:
//
//	Writes to a hidden temp file in the same directory (rename is only
//	atomic within one filesystem), fsyncs, closes, then renames over the
//	target. The temp file is removed on any failure.
//
// Inputs:
//
//	path - Target file path. Parent directory must exist.
//	data - Complete file contents.
//
// Outputs:
//
//	error - Non-nil if any step of the write sequence fails.
//
// Thread Safety:
//
//	Concurrent writers to the same path each complete atomically, but
//	last-rename-wins; callers serialize writes per path.
func WriteAtomic(path string, data []byte) error {
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
