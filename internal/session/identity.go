// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/jeranaias/css2wind/internal/util"
)

// =============================================================================
// IDENTITY PROVIDER
// =============================================================================

// IdentityProvider resolves the opaque user ID that scopes history and
// settings. Implementations must return the same ID for the same user
// across restarts; the ID is a namespace key, not a credential.
type IdentityProvider interface {
	Identity(ctx context.Context) (string, error)
}

// AnonymousProvider issues a stable anonymous ID backed by a local
// file. The first call mints a UUID and persists it; every later call
// (and every later process) returns the same ID.
type AnonymousProvider struct {
	path string
}

// NewAnonymousProvider returns a provider storing its identity at path.
func NewAnonymousProvider(path string) *AnonymousProvider {
	return &AnonymousProvider{path: path}
}

// Identity returns the stored anonymous ID, minting one on first use.
func (p *AnonymousProvider) Identity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(p.path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
		// Empty or whitespace-only file: fall through and re-mint.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}

	id := uuid.NewString()
	// RELIABILITY: Atomic write so a crash mid-write cannot leave a
	// torn identity file that would split the user's history.
	if err := util.AtomicWriteFile(p.path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to persist identity: %w", err)
	}
	return id, nil
}

// StaticProvider returns a fixed ID. Used in tests and single-tenant
// deployments where the ID is configured out of band.
type StaticProvider struct {
	ID string
}

// Identity returns the configured ID.
func (p *StaticProvider) Identity(ctx context.Context) (string, error) {
	if p.ID == "" {
		return "", fmt.Errorf("static identity is empty")
	}
	return p.ID, nil
}
