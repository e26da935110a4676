// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management
// for css2wind.
//
// Supports both TOML and JSON configuration formats, with sensible
// defaults, environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.css2wind/config.toml
//   - ~/.css2wind/config.json
//   - Built-in defaults
//
// A file watcher reloads the config on change so the Gemini API key can
// be rotated without restarting the server.
package config
