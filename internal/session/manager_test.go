// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeranaias/css2wind/internal/history"
	"github.com/jeranaias/css2wind/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type failingProvider struct{ err error }

func (p *failingProvider) Identity(ctx context.Context) (string, error) {
	return "", p.err
}

// snapshotRecorder collects published snapshots on a channel.
type snapshotRecorder struct {
	ch chan Snapshot
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{ch: make(chan Snapshot, 32)}
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.ch <- s
}

// waitFor reads snapshots until pred matches or the deadline passes.
func (r *snapshotRecorder) waitFor(t *testing.T, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected snapshot")
			return Snapshot{}
		}
	}
}

func appendItem(t *testing.T, store *history.Store, userID string, ts int64) {
	t.Helper()
	_, err := store.Append(context.Background(), userID, model.HistoryItem{
		Kind:      model.KindCSSToTailwind,
		InputText: ".btn { padding: 1rem; }",
		Output:    `{"items":[{"output":"p-4"}]}`,
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

// =============================================================================
// IDENTITY PROVIDERS
// =============================================================================

func TestAnonymousProvider_StableAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	ctx := context.Background()

	first, err := NewAnonymousProvider(path).Identity(ctx)
	if err != nil {
		t.Fatalf("first Identity failed: %v", err)
	}
	if first == "" {
		t.Fatal("Identity returned empty ID")
	}

	// A fresh provider over the same file sees the same ID.
	second, err := NewAnonymousProvider(path).Identity(ctx)
	if err != nil {
		t.Fatalf("second Identity failed: %v", err)
	}
	if second != first {
		t.Errorf("identity not stable: %q then %q", first, second)
	}
}

func TestAnonymousProvider_RemintsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	id, err := NewAnonymousProvider(path).Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if id == "" {
		t.Error("whitespace-only identity file should be re-minted")
	}
}

func TestStaticProvider_RejectsEmpty(t *testing.T) {
	if _, err := (&StaticProvider{}).Identity(context.Background()); err == nil {
		t.Error("empty static identity should be rejected")
	}
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestManager_IdentityFailureEntersErrorState(t *testing.T) {
	store := newTestStore(t)
	provider := &failingProvider{err: errors.New("provider offline")}

	mgr := NewManager(store, provider, 10)
	rec := newSnapshotRecorder()
	mgr.OnChange(rec.record)

	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when identity resolution fails")
	}

	snap := rec.waitFor(t, func(s Snapshot) bool { return s.State == StateError })
	if snap.Reason == "" {
		t.Error("error state should carry a reason")
	}
	if len(snap.Items) != 0 {
		t.Error("error state should show no history")
	}

	// No automatic retry: the state stays Error until Start is called
	// again, and a second Start is permitted.
	if mgr.Snapshot().State != StateError {
		t.Error("state changed without an explicit restart")
	}
	provider.err = nil
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("failing provider with nil error should still fail on empty ID")
	}
}

func TestManager_StartDeliversHistory(t *testing.T) {
	store := newTestStore(t)
	appendItem(t, store, "user-1", 100)

	mgr := NewManager(store, &StaticProvider{ID: "user-1"}, 10)
	rec := newSnapshotRecorder()
	mgr.OnChange(rec.record)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	snap := rec.waitFor(t, func(s Snapshot) bool { return s.State == StateSubscribed })
	if snap.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", snap.UserID)
	}
	if len(snap.Items) != 1 || snap.Items[0].Timestamp != 100 {
		t.Errorf("initial page = %+v, want the stored item", snap.Items)
	}
}

func TestManager_SubscribedReentrantOnPush(t *testing.T) {
	store := newTestStore(t)
	mgr := NewManager(store, &StaticProvider{ID: "user-1"}, 10)
	rec := newSnapshotRecorder()
	mgr.OnChange(rec.record)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	rec.waitFor(t, func(s Snapshot) bool { return s.State == StateSubscribed })

	appendItem(t, store, "user-1", 200)

	snap := rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateSubscribed && len(s.Items) == 1
	})
	if snap.Items[0].Timestamp != 200 {
		t.Errorf("pushed page head = %+v, want the new item", snap.Items[0])
	}
}

func TestManager_StopClearsVisibleHistory(t *testing.T) {
	store := newTestStore(t)
	appendItem(t, store, "user-1", 100)

	mgr := NewManager(store, &StaticProvider{ID: "user-1"}, 10)
	rec := newSnapshotRecorder()
	mgr.OnChange(rec.record)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateSubscribed && len(s.Items) == 1
	})

	mgr.Stop()

	snap := rec.waitFor(t, func(s Snapshot) bool { return s.State == StateDisconnected })
	if len(snap.Items) != 0 {
		t.Error("stopped session still shows history items")
	}
	if snap.Reason == "" {
		t.Error("stopped session should carry a status message")
	}

	// Idempotent.
	mgr.Stop()
}

func TestManager_SubscriptionLossClearsHistory(t *testing.T) {
	store := newTestStore(t)
	appendItem(t, store, "user-1", 100)

	mgr := NewManager(store, &StaticProvider{ID: "user-1"}, 10)
	rec := newSnapshotRecorder()
	mgr.OnChange(rec.record)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.waitFor(t, func(s Snapshot) bool {
		return s.State == StateSubscribed && len(s.Items) == 1
	})

	// The store closing cancels the subscription out from under the
	// session; the manager must not stay Subscribed with stale records.
	store.Close()

	snap := rec.waitFor(t, func(s Snapshot) bool { return s.State == StateDisconnected })
	if len(snap.Items) != 0 {
		t.Error("lost subscription still shows history items")
	}
	if snap.Reason == "" {
		t.Error("lost subscription should carry a status message")
	}

	// Stop after the loss is still safe.
	mgr.Stop()
}

func TestManager_UpdateSettings(t *testing.T) {
	store := newTestStore(t)
	mgr := NewManager(store, &StaticProvider{ID: "user-1"}, 10)
	rec := newSnapshotRecorder()
	mgr.OnChange(rec.record)

	if err := mgr.UpdateSettings(context.Background(), model.UserSettings{KeepForever: true}); err == nil {
		t.Error("UpdateSettings should fail before the session starts")
	}

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()
	rec.waitFor(t, func(s Snapshot) bool { return s.State == StateSubscribed })

	if err := mgr.UpdateSettings(context.Background(), model.UserSettings{KeepForever: true}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	snap := rec.waitFor(t, func(s Snapshot) bool { return s.Settings.KeepForever })
	if !snap.Settings.KeepForever {
		t.Error("settings change not published")
	}

	// Persisted, not just cached.
	settings, err := store.LoadSettings(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if !settings.KeepForever {
		t.Error("settings not persisted to the store")
	}
}
