// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"github.com/AleutianAI/AleutianTutor/services/llm"
	"github.com/AleutianAI/AleutianTutor/services/tutor"
	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
	"github.com/AleutianAI/AleutianTutor/services/tutor/store"
)

// CurrentConfigVersion is written to new config files.
const CurrentConfigVersion = "1"

// TutorConfig is the layout of ~/.aleutian-tutor/config.yaml.
type TutorConfig struct {
	Meta    MetaConfig    `yaml:"meta"`
	Server  tutor.Config  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetaConfig tracks the file format.
type MetaConfig struct {
	Version string `yaml:"version"`
}

// ClientConfig configures `tutor chat`.
type ClientConfig struct {
	// BaseURL of the tutor service.
	BaseURL string `yaml:"base_url"`

	// Model is sent as selectedChatModel.
	Model string `yaml:"model"`

	// Visibility of chats created by the REPL: private or public.
	Visibility datatypes.Visibility `yaml:"visibility"`

	// Token is the bearer token. Only read from TUTOR_TOKEN.
	Token string `yaml:"-"`
}

// LoggingConfig configures pkg/logging for every subcommand.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig is written on first run.
func DefaultConfig() TutorConfig {
	server := tutor.DefaultConfig()
	// Left empty so the mode follows JWT_SECRET at startup.
	server.Auth.Mode = ""
	server.LLM = llm.Config{
		Backend: llm.BackendOllama,
		BaseURL: "http://localhost:11434",
		Model:   llm.DefaultOllamaModel,
	}
	server.Store = store.Config{
		Backend: store.BackendBadger,
		Path:    "~/.aleutian-tutor/data",
	}

	return TutorConfig{
		Meta:   MetaConfig{Version: CurrentConfigVersion},
		Server: server,
		Client: ClientConfig{
			BaseURL:    "http://localhost:12230",
			Model:      llm.DefaultOllamaModel,
			Visibility: datatypes.VisibilityPrivate,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
