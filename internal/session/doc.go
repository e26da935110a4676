// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session ties a user identity to a live history view.
//
// A session walks a small state machine: Disconnected until started,
// Authenticating while the identity provider resolves a user ID, then
// Subscribed once the history subscription is live. Identity failure
// lands in Error with a reason and no automatic retry; the caller
// decides when to start again.
//
// While Subscribed, every history change pushes a fresh page into the
// session snapshot. Stopping the session clears the visible history so
// no stale records outlive the subscription that produced them.
package session
