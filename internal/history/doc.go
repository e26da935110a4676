// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history persists per-user conversion history and settings in
// SQLite.
//
// The store is append-only for conversion records: items are written on
// successful conversion, never mutated, and removed only by explicit
// delete or the age-based retention sweep. Reads go through live
// subscriptions that redeliver the current most-recent-first page on
// every change until cancelled.
package history
