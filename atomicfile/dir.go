// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrNoWritableDir indicates every candidate storage directory failed.
// This is the one fatal I/O condition: the engine cannot run without
// writable storage.
var ErrNoWritableDir = errors.New("no writable storage directory available")

// appDirName is used when falling back to shared locations.
const appDirName = "statevault"

// ResolveDir returns the first writable directory from a deterministic
// fallback chain, creating it if needed.
//
// Description:
//
//	Candidates, in order: the preferred directory, the platform user
//	config dir, the platform temp dir, the process working directory,
//	and finally a uniquely-named temp dir. Each failed candidate is
//	logged at warn level so operators can see why storage landed
//	somewhere unexpected.
//
// Inputs:
//
//	preferred - The caller's requested directory. May be "".
//	logger - Destination for fallback warnings. Nil uses slog.Default().
//
// Outputs:
//
//	string - Absolute path of a writable directory.
//	error - ErrNoWritableDir when every fallback is exhausted.
func ResolveDir(preferred string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var candidates []string
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	if userDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(userDir, appDirName))
	}
	candidates = append(candidates, filepath.Join(os.TempDir(), appDirName))
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, "."+appDirName))
	}

	for _, dir := range candidates {
		if err := ensureWritable(dir); err != nil {
			logger.Warn("storage directory unusable, trying fallback",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		if dir != preferred {
			logger.Info("using fallback storage directory", slog.String("dir", dir))
		}
		return dir, nil
	}

	// Last resort: a fresh unique temp dir.
	dir, err := os.MkdirTemp("", appDirName+"-*")
	if err != nil {
		logger.Error("all storage directory fallbacks exhausted",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", ErrNoWritableDir, err)
	}
	logger.Warn("using throwaway temp storage directory", slog.String("dir", dir))
	return dir, nil
}

// ensureWritable creates dir if needed and probes it with a scratch file.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}
