// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for css2wind: atomic file
// writes for state that must survive a crash, and rune-safe string
// truncation for history previews.
package util
