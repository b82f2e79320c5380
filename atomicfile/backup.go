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
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// backupTimestampLayout sorts lexicographically by recency.
const backupTimestampLayout = "20060102_150405"

const (
	backupSuffix     = ".bak"
	compressedSuffix = ".bak.gz"
)

// RotateBackup copies the current file at path into backupDir as a
// timestamped backup, then prunes old backups beyond maxBackups.
//
// Description:
//
//	The backup is named "<filename>.<YYYYMMDD_HHMMSS>.bak", with a ".gz"
//	suffix when compress is true (the copy is streamed straight through
//	gzip; no uncompressed intermediate is left behind). Rotations within
//	the same second get a numeric suffix rather than overwriting an
//	earlier backup. A missing source file is not an error; there is
//	simply nothing to rotate.
//
// Inputs:
//
//	path - The live file to back up.
//	backupDir - Destination directory, created if absent.
//	maxBackups - Retention count; <= 0 disables pruning.
//	compress - Gzip the backup copy.
//	logger - Destination for rotation events. Nil uses slog.Default().
//
// Outputs:
//
//	string - Path of the created backup, "" when the source was absent.
//	error - Non-nil on copy or directory failures.
func RotateBackup(path, backupDir string, maxBackups int, compress bool, logger *slog.Logger) (string, error) {
	if path == "" || backupDir == "" {
		return "", fmt.Errorf("%w: path and backupDir must not be empty", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}

	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open source for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(backupDir, 0750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	dst, err := newBackupPath(backupDir, filepath.Base(path), compress)
	if err != nil {
		return "", err
	}

	if err := copyBackup(src, dst, compress); err != nil {
		return "", err
	}

	logger.Info("backup rotated",
		slog.String("source", path),
		slog.String("backup", dst),
		slog.Bool("compressed", compress),
	)

	if maxBackups > 0 {
		if err := pruneBackups(backupDir, filepath.Base(path), maxBackups, logger); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// newBackupPath picks a timestamped name that does not collide with an
// existing backup from the same second.
func newBackupPath(backupDir, baseName string, compress bool) (string, error) {
	suffix := backupSuffix
	if compress {
		suffix = compressedSuffix
	}
	stamp := time.Now().Format(backupTimestampLayout)

	candidate := filepath.Join(backupDir, baseName+"."+stamp+suffix)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		if n > 999 {
			return "", fmt.Errorf("no free backup name for %s at %s", baseName, stamp)
		}
		candidate = filepath.Join(backupDir, fmt.Sprintf("%s.%s_%03d%s", baseName, stamp, n, suffix))
	}
}

func copyBackup(src io.Reader, dst string, compress bool) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			os.Remove(dst)
		}
	}()

	var w io.Writer = out
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(out)
		w = gz
	}

	if _, err := io.Copy(w, src); err != nil {
		if gz != nil {
			gz.Close()
		}
		out.Close()
		return fmt.Errorf("copy backup: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			out.Close()
			return fmt.Errorf("flush gzip backup: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	success = true
	return nil
}

// ListBackups returns the backups of baseName inside backupDir,
// most recent first (modification time descending, name as tiebreak).
func ListBackups(backupDir, baseName string) ([]string, error) {
	if backupDir == "" || baseName == "" {
		return nil, fmt.Errorf("%w: backupDir and baseName must not be empty", ErrInvalidInput)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup
	prefix := baseName + "."
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, backupSuffix) && !strings.HasSuffix(name, compressedSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(backupDir, name),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].modTime.After(backups[j].modTime)
		}
		return backups[i].path > backups[j].path
	})

	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths, nil
}

// pruneBackups deletes all but the maxBackups most recent backups.
func pruneBackups(backupDir, baseName string, maxBackups int, logger *slog.Logger) error {
	backups, err := ListBackups(backupDir, baseName)
	if err != nil {
		return err
	}
	for _, stale := range backups[min(maxBackups, len(backups)):] {
		if err := os.Remove(stale); err != nil {
			logger.Warn("failed to prune backup",
				slog.String("backup", stale),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Debug("pruned backup", slog.String("backup", stale))
	}
	return nil
}

// OpenBackup opens a backup file for reading, transparently decompressing
// ".gz" backups. The caller closes the returned ReadCloser.
func OpenBackup(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip backup: %w", err)
	}
	return &gzipReadCloser{gz: gz, file: f}, nil
}

type gzipReadCloser struct {
	gz   *gzip.Reader
	file *os.File
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipReadCloser) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
