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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTutor/cmd/tutor/config"
	"github.com/AleutianAI/AleutianTutor/services/tutor"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Global.Server
	slog.Info("Starting tutor",
		"listen_addr", cfg.ListenAddr,
		"llm_backend", cfg.LLM.Backend,
		"store_backend", cfg.Store.Backend,
		"auth_configured", cfg.Auth.Secret != "",
	)

	// Enterprise builds pass custom ServiceOptions here.
	svc, err := tutor.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("create tutor service: %w", err)
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("tutor service: %w", err)
	}
	slog.Info("Tutor stopped")
	return nil
}
