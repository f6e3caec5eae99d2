// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tutor runs and talks to the Aleutian Socratic tutor.
//
// # Usage
//
//	tutor serve                    # start the HTTP service
//	tutor token --user anna        # mint a dev bearer token
//	TUTOR_TOKEN=... tutor chat     # chat from the terminal
//
// # Environment Variables
//
//   - TUTOR_CONFIG: config file (default: ~/.aleutian-tutor/config.yaml)
//   - OLLAMA_BASE_URL, OPENAI_API_KEY: model backend
//   - JWT_SECRET: enables bearer token checks and `tutor token`
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector
//   - TUTOR_URL, TUTOR_TOKEN: where and as whom `tutor chat` connects
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
