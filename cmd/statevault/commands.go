// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/statevault/atomicfile"
	"github.com/AleutianAI/statevault/snapshot"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <state-file>",
	Short: "Print snapshot metadata without verifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		snap, err := readSnapshot(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("snapshot_id:     %s\n", snap.SnapshotID)
		fmt.Printf("schema_version:  %s\n", snap.SchemaVersion)
		fmt.Printf("captured_at:     %s\n", snap.CapturedAt)
		fmt.Printf("containers:      %d\n", len(snap.Containers))
		for _, c := range snap.Containers {
			fmt.Printf("  [%d] %-20s items=%d\n", c.Index, c.Name, len(c.ItemStates))
		}
		fmt.Printf("checksum:        %s\n", snap.Checksum)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <state-file>",
	Short: "Verify a snapshot file's integrity checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		snap, err := readSnapshot(args[0])
		if err != nil {
			return err
		}
		if !snapshot.Verify(snap) {
			logger.Error("verification failed", "path", args[0])
			return fmt.Errorf("checksum mismatch: %s is corrupt or was modified", args[0])
		}
		fmt.Printf("%s: OK (schema %s, snapshot %s)\n", args[0], snap.SchemaVersion, snap.SnapshotID)
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups [state-file]",
	Short: "List rotated backups, most recent first",
	Long: "Lists backups of the given state file (or of the configured\n" +
		"directory/state.json when omitted), most recent first.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var target string
		if len(args) == 1 {
			target = args[0]
		} else {
			dir := viper.GetString("directory")
			if dir == "" {
				return fmt.Errorf("no state file given and no directory configured")
			}
			target = filepath.Join(dir, "state.json")
		}

		backupDir := filepath.Join(filepath.Dir(target), "backups")
		backups, err := atomicfile.ListBackups(backupDir, filepath.Base(target))
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("no backups found in", backupDir)
			return nil
		}
		for _, b := range backups {
			info, err := os.Stat(b)
			if err != nil {
				continue
			}
			fmt.Printf("%s  %8d  %s\n", info.ModTime().Format("2006-01-02 15:04:05"), info.Size(), b)
		}
		return nil
	},
}

func readSnapshot(path string) (*snapshot.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return snapshot.Unmarshal(data)
}
