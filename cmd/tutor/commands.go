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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTutor/cmd/tutor/config"
	"github.com/AleutianAI/AleutianTutor/pkg/logging"
)

// --- Global Command Variables ---
var (
	logLevel string
	logDir   string
	jsonLogs bool

	chatID     string
	chatModel  string
	chatPublic bool

	tokenUser      string
	tokenType      string
	tokenFirstName string
	tokenEmail     string
	tokenTTL       time.Duration

	activeLogger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "tutor",
		Short: "Aleutian Socratic tutor for Big Data und Data Science",
		Long: `tutor runs the streaming tutor service and a terminal client for it.
The tutor answers with guiding questions instead of solutions.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if activeLogger != nil {
				_ = activeLogger.Close()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the tutor HTTP service",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the tutor from the terminal",
		Long: `Starts an interactive chat against a running tutor service.

Commands:
  /stop   stop the current reply (also Ctrl-C)
  /regen  ask for a new answer to your last message
  /new    start a new chat
  /exit   quit`,
		Args: cobra.NoArgs,
		RunE: runChat, // Defined in cmd_chat.go
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE:  runToken, // Defined in cmd_token.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default from config)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write console logs as JSON")

	chatCmd.Flags().StringVar(&chatID, "chat", "", "continue an existing chat id")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model id sent with each message (default from config)")
	chatCmd.Flags().BoolVar(&chatPublic, "public", false, "make new chats readable by other users")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenType, "type", "regular", "user type: guest or regular")
	tokenCmd.Flags().StringVar(&tokenFirstName, "first-name", "", "first name the tutor uses to address the student")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, chatCmd, tokenCmd)
}

// setup loads the config and installs the logger for every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Global.Logging

	levelName := cfg.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	// Info records would interleave with the chat transcript.
	if cmd == chatCmd && logLevel == "" && level < logging.LevelWarn {
		level = logging.LevelWarn
	}

	dir := cfg.Dir
	if logDir != "" {
		dir = logDir
	}
	activeLogger = logging.Install(logging.Config{
		Level:   level,
		LogDir:  dir,
		Service: cmd.Name(),
		JSON:    jsonLogs || cfg.JSON,
	})
	return nil
}
