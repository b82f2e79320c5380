// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// statevault is a maintenance tool for the snapshot persistence engine:
// inspect and verify state files, list rotated backups. The library has
// no CLI of its own; this binary is operator tooling around it.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/statevault/pkg/logging"
)

var logger *logging.Logger

var rootCmd = &cobra.Command{
	Use:           "statevault",
	Short:         "Inspect and maintain statevault snapshot files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./statevault.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		level := logging.LevelInfo
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = logging.LevelDebug
		}
		logger = logging.New(logging.Config{Level: level, Service: "statevault"})
		return nil
	}

	rootCmd.AddCommand(inspectCmd, verifyCmd, backupsCmd)
}

// loadConfig wires the persistent config surface: a storage root and a
// max_backups count, from file, environment, or flags.
func loadConfig(cmd *cobra.Command) error {
	viper.SetDefault("directory", "")
	viper.SetDefault("max_backups", 5)

	viper.SetEnvPrefix("STATEVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("statevault")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
