// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/css2wind/internal/model"
)

// waitForSnapshot reads one delivery or fails the test.
func waitForSnapshot(t *testing.T, sub *Subscription) []HistoryItem {
	t.Helper()
	select {
	case items, ok := <-sub.Updates():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return items
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription delivery")
		return nil
	}
}

func TestSubscription_InitialDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "user-1", testItem(100))

	sub, err := store.Subscribe(ctx, "user-1", 10)
	require.NoError(t, err)
	defer sub.Cancel()

	items := waitForSnapshot(t, sub)
	require.Len(t, items, 1)
	assert.EqualValues(t, 100, items[0].Timestamp)
}

func TestSubscription_AppendDeliversAtHead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "user-1", testItem(100))

	sub, err := store.Subscribe(ctx, "user-1", 10)
	require.NoError(t, err)
	defer sub.Cancel()

	waitForSnapshot(t, sub) // initial page

	_, err = store.Append(ctx, "user-1", testItem(200))
	require.NoError(t, err)

	items := waitForSnapshot(t, sub)
	require.Len(t, items, 2)
	assert.EqualValues(t, 200, items[0].Timestamp, "appended item must lead the page")
}

func TestSubscription_DeleteRedelivers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Append(ctx, "user-1", testItem(100))
	store.Append(ctx, "user-1", testItem(200))

	sub, err := store.Subscribe(ctx, "user-1", 10)
	require.NoError(t, err)
	defer sub.Cancel()

	waitForSnapshot(t, sub)

	require.NoError(t, store.DeleteOne(ctx, "user-1", id))

	items := waitForSnapshot(t, sub)
	require.Len(t, items, 1)
	assert.EqualValues(t, 200, items[0].Timestamp)
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	sub, err := store.Subscribe(context.Background(), "user-1", 10)
	require.NoError(t, err)

	waitForSnapshot(t, sub)

	// Cancelling twice must not panic or block.
	sub.Cancel()
	sub.Cancel()

	// Channel drains closed after cancel.
	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscription_OtherUserChangesDoNotWake(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "user-1", 10)
	require.NoError(t, err)
	defer sub.Cancel()

	waitForSnapshot(t, sub)

	store.Append(ctx, "user-2", testItem(100))

	select {
	case items := <-sub.Updates():
		t.Fatalf("unexpected delivery for another user's change: %+v", items)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscription_SweepAfterDeliveries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// One expired, one fresh.
	store.Append(ctx, "user-1", testItem(now.Add(-40*24*time.Hour).UnixMilli()))
	fresh := now.Add(-time.Hour).UnixMilli()
	store.Append(ctx, "user-1", testItem(fresh))

	sub, err := store.Subscribe(ctx, "user-1", 10)
	require.NoError(t, err)
	defer sub.Cancel()
	sub.SweepAfterDeliveries()

	// Force a delivery that is guaranteed to run with the hook in
	// place. The sweep it triggers deletes the expired item and forces
	// a redelivery containing only fresh records.
	newest := now.UnixMilli()
	_, err = store.Append(ctx, "user-1", testItem(newest))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case items := <-sub.Updates():
			if len(items) == 2 && items[0].Timestamp == newest && items[1].Timestamp == fresh {
				return
			}
		case <-deadline:
			t.Fatal("expired item was never swept after delivery")
		}
	}
}

func TestSubscription_SweepCoversInitialDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Append(ctx, "user-1", testItem(now.Add(-40*24*time.Hour).UnixMilli()))
	fresh := now.Add(-time.Hour).UnixMilli()
	store.Append(ctx, "user-1", testItem(fresh))

	sub, err := store.Subscribe(ctx, "user-1", 10)
	require.NoError(t, err)
	defer sub.Cancel()

	// Drain the initial page before the hook is attached. Attaching the
	// sweep afterwards must still cover that delivery, so a session
	// whose only delivery is the initial page still ages records out.
	items := waitForSnapshot(t, sub)
	require.Len(t, items, 2)

	sub.SweepAfterDeliveries()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case items := <-sub.Updates():
			if len(items) == 1 && items[0].Timestamp == fresh {
				return
			}
		case <-deadline:
			t.Fatal("initial delivery was never swept")
		}
	}
}

func TestSubscription_StoreCloseCancelsAll(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	store.Append(context.Background(), "user-1", model.HistoryItem{
		Kind: model.KindCSSToTailwind, InputText: "x", Output: "{}", Timestamp: 1,
	})

	sub, err := store.Subscribe(context.Background(), "user-1", 10)
	require.NoError(t, err)
	waitForSnapshot(t, sub)

	require.NoError(t, store.Close())

	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok, "channel should close when the store closes")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription survived store close")
	}
}
