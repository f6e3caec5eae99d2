// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the tutor CLI configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, a .env file
// in the working directory, the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "TUTOR_CONFIG"
	EnvListenAddr   = "TUTOR_LISTEN_ADDR"
	EnvLLMBackend   = "TUTOR_LLM_BACKEND"
	EnvLLMModel     = "TUTOR_LLM_MODEL"
	EnvLLMBaseURL   = "TUTOR_LLM_BASE_URL"
	EnvOllamaURL    = "OLLAMA_BASE_URL"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvStoreBackend = "TUTOR_STORE_BACKEND"
	EnvStorePath    = "TUTOR_STORE_PATH"
	EnvJWTSecret    = "JWT_SECRET"
	EnvOTelEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvURL          = "TUTOR_URL"
	EnvToken        = "TUTOR_TOKEN"
	EnvLogLevel     = "TUTOR_LOG_LEVEL"
)

var (
	// Global is a singleton instance
	Global  TutorConfig
	once    sync.Once
	loadErr error
)

// Load reads the configuration into Global once per process.
func Load() error {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Ignoring unreadable .env file", "error", err)
		}
		Global, loadErr = LoadFrom(Path(), os.Getenv)
	})
	return loadErr
}

// Path returns $TUTOR_CONFIG or ~/.aleutian-tutor/config.yaml.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".aleutian-tutor", "config.yaml")
}

// LoadFrom reads path, creating it with defaults when missing, and applies
// environment overrides from getenv.
func LoadFrom(path string, getenv func(string) string) (TutorConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		slog.Info("First run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return TutorConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return TutorConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TutorConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnv(&cfg, getenv)
	cfg.Server.Store.Path = expandHome(cfg.Server.Store.Path)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)

	if err := validate(cfg); err != nil {
		return TutorConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func applyEnv(cfg *TutorConfig, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Server.ListenAddr, EnvListenAddr)
	set(&cfg.Server.LLM.Backend, EnvLLMBackend)
	set(&cfg.Server.LLM.Model, EnvLLMModel)
	set(&cfg.Server.LLM.BaseURL, EnvOllamaURL)
	set(&cfg.Server.LLM.BaseURL, EnvLLMBaseURL)
	set(&cfg.Server.LLM.APIKey, EnvOpenAIKey)
	set(&cfg.Server.Store.Backend, EnvStoreBackend)
	set(&cfg.Server.Store.Path, EnvStorePath)
	set(&cfg.Server.Auth.Secret, EnvJWTSecret)
	set(&cfg.Server.OTelEndpoint, EnvOTelEndpoint)
	set(&cfg.Client.BaseURL, EnvURL)
	set(&cfg.Client.Token, EnvToken)
	set(&cfg.Logging.Level, EnvLogLevel)
}

func validate(cfg TutorConfig) error {
	if cfg.Client.Visibility != "" && !cfg.Client.Visibility.Valid() {
		return fmt.Errorf("client.visibility must be %q or %q", datatypes.VisibilityPrivate, datatypes.VisibilityPublic)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
