// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jeranaias/css2wind/internal/history"
	"github.com/jeranaias/css2wind/internal/model"
)

// =============================================================================
// SESSION STATE
// =============================================================================

// State is the session lifecycle phase.
type State string

const (
	// StateDisconnected means no session is active. Initial state, and
	// the state after Stop.
	StateDisconnected State = "disconnected"

	// StateAuthenticating means the identity provider is resolving the
	// user ID.
	StateAuthenticating State = "authenticating"

	// StateSubscribed means the history subscription is live. The state
	// is re-entered on every pushed page; consumers treat each push as
	// the full current truth, not a delta.
	StateSubscribed State = "subscribed"

	// StateError means identity resolution or subscription setup
	// failed. No automatic retry: the session stays here until the
	// caller starts it again.
	StateError State = "error"
)

// Snapshot is a point-in-time view of the session for rendering. Items
// is always the complete current page, never a delta.
type Snapshot struct {
	State    State
	Reason   string // populated when State == StateError
	UserID   string
	Items    []history.HistoryItem
	Settings model.UserSettings
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager drives the session state machine over an identity provider
// and a history store.
type Manager struct {
	store    *history.Store
	provider IdentityProvider
	pageSize int

	mu       sync.Mutex
	state    State
	reason   string
	userID   string
	items    []history.HistoryItem
	settings model.UserSettings
	sub      *history.Subscription
	stopping bool
	consume  sync.WaitGroup

	// onChange fires after every state or snapshot change, outside the
	// manager lock.
	onChange func(Snapshot)
}

// NewManager creates a session manager. pageSize bounds the live
// history page (non-positive means the store default).
func NewManager(store *history.Store, provider IdentityProvider, pageSize int) *Manager {
	return &Manager{
		store:    store,
		provider: provider,
		pageSize: pageSize,
		state:    StateDisconnected,
		settings: model.DefaultSettings(),
	}
}

// OnChange sets the snapshot callback. Must be set before Start.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Snapshot returns the current session view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// UserID returns the resolved user ID, or "" before authentication.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// snapshotLocked builds a snapshot. Caller holds m.mu. Items is copied
// so consumers cannot observe later in-place updates.
func (m *Manager) snapshotLocked() Snapshot {
	items := make([]history.HistoryItem, len(m.items))
	copy(items, m.items)
	return Snapshot{
		State:    m.state,
		Reason:   m.reason,
		UserID:   m.userID,
		Items:    items,
		Settings: m.settings,
	}
}

// publish emits the current snapshot to the change callback.
func (m *Manager) publish() {
	m.mu.Lock()
	fn := m.onChange
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start resolves the identity and opens the live history subscription.
// On identity failure the session transitions to StateError and the
// error is returned; there is no automatic retry.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAuthenticating || m.state == StateSubscribed {
		m.mu.Unlock()
		return fmt.Errorf("session already active (state %s)", m.state)
	}
	m.state = StateAuthenticating
	m.reason = ""
	m.mu.Unlock()
	m.publish()

	userID, err := m.provider.Identity(ctx)
	if err != nil {
		m.fail(fmt.Sprintf("identity resolution failed: %v", err))
		return fmt.Errorf("identity resolution failed: %w", err)
	}
	if userID == "" {
		m.fail("identity provider returned an empty ID")
		return fmt.Errorf("identity provider returned an empty ID")
	}

	settings, err := m.store.LoadSettings(ctx, userID)
	if err != nil {
		// Settings are cosmetic at session start; the sweep re-reads
		// them. Fall back to defaults rather than failing the session.
		log.Printf("SESSION_SETTINGS_LOAD_FAILED | user=%s error=%v", userID, err)
		settings = model.DefaultSettings()
	}

	sub, err := m.store.Subscribe(ctx, userID, m.pageSize)
	if err != nil {
		m.fail(fmt.Sprintf("subscription failed: %v", err))
		return fmt.Errorf("subscription failed: %w", err)
	}
	sub.SweepAfterDeliveries()

	m.mu.Lock()
	m.userID = userID
	m.settings = settings
	m.sub = sub
	m.mu.Unlock()

	m.consume.Add(1)
	go m.consumeUpdates(sub)

	log.Printf("SESSION_STARTED | user=%s", userID)
	return nil
}

// Stop cancels the subscription and clears the visible history. The
// cleared page is published so stale records never outlive the session.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	if sub != nil {
		m.stopping = true
	}
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	m.consume.Wait()

	m.mu.Lock()
	m.stopping = false
	m.state = StateDisconnected
	m.reason = "session stopped"
	m.items = nil
	m.mu.Unlock()
	m.publish()
}

// fail records an error state. No retry is scheduled.
func (m *Manager) fail(reason string) {
	m.mu.Lock()
	m.state = StateError
	m.reason = reason
	m.items = nil
	m.mu.Unlock()
	m.publish()
	log.Printf("SESSION_ERROR | reason=%s", reason)
}

// consumeUpdates drains subscription deliveries into the snapshot.
// Every delivery re-enters StateSubscribed with the full current page.
func (m *Manager) consumeUpdates(sub *history.Subscription) {
	defer m.consume.Done()
	for items := range sub.Updates() {
		m.mu.Lock()
		m.state = StateSubscribed
		m.reason = ""
		m.items = items
		m.mu.Unlock()
		m.publish()
	}

	// The channel closing without Stop means the subscription died out
	// from under the session (store closed, context cancelled). Stale
	// records must not outlive the subscription that produced them.
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.reason = "history subscription lost"
	m.items = nil
	m.sub = nil
	userID := m.userID
	m.mu.Unlock()
	m.publish()
	log.Printf("SESSION_SUBSCRIPTION_LOST | user=%s", userID)
}

// =============================================================================
// SETTINGS
// =============================================================================

// UpdateSettings persists the user's settings and refreshes the cached
// copy on success.
func (m *Manager) UpdateSettings(ctx context.Context, settings model.UserSettings) error {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()
	if userID == "" {
		return fmt.Errorf("no active session")
	}

	if err := m.store.SaveSettings(ctx, userID, settings); err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()
	m.publish()
	return nil
}
