// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API for conversion and history.
//
// Endpoints:
//   - POST   /api/convert       - Convert CSS to Tailwind utility classes
//   - GET    /api/history       - Read the most recent history page
//   - GET    /api/history/live  - Live history page over SSE
//   - DELETE /api/history/{id}  - Delete one history item
//   - DELETE /api/history       - Clear all history for the user
//   - GET    /api/settings      - Read user settings
//   - PUT    /api/settings      - Update user settings
//   - GET    /health            - Health check
//   - GET    /stats             - Usage statistics
//
// Requests are scoped to a user namespace: the X-User-Id header when
// present, otherwise the identity resolved at startup.
package server
