// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/css2wind/internal/model"
)

// =============================================================================
// LIVE SUBSCRIPTION
// =============================================================================

// HistoryItem aliases the model type so subscription consumers can
// range over deliveries without importing model.
type HistoryItem = model.HistoryItem

// Subscription is a standing live view over one user's history page.
// It delivers the current page immediately, then redelivers the full
// page after every insert or delete, until cancelled.
type Subscription struct {
	store  *Store
	userID string
	limit  int

	updates chan []HistoryItem
	wake    chan struct{}
	stop    chan struct{}

	cancelOnce sync.Once

	// sweepHook, when set, runs after each successful delivery. The
	// retention sweep rides here so expired records disappear within
	// one delivery cycle of being observed. Guarded by hookMu because
	// it is installed after the delivery loop starts; hookMissed marks
	// a delivery that landed before the hook was in place so WithSweep
	// can catch it up.
	hookMu     sync.Mutex
	sweepHook  func()
	hookMissed bool
}

// Subscribe opens a live subscription for the user. limit bounds the
// page size (non-positive means DefaultPageSize). The current page is
// delivered before any change arrives.
//
// The returned subscription must be cancelled on session teardown to
// avoid leaking its goroutine.
func (s *Store) Subscribe(ctx context.Context, userID string, limit int) (*Subscription, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	sub := &Subscription{
		store:   s,
		userID:  userID,
		limit:   limit,
		updates: make(chan []HistoryItem, 1),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	if err := s.addSubscription(userID, sub); err != nil {
		return nil, err
	}

	// Prime the first delivery.
	sub.wake <- struct{}{}
	go sub.run(ctx)

	return sub, nil
}

// WithSweep installs the retention sweep hook. Callers set it
// immediately after Subscribe; a delivery that landed before the hook
// was in place triggers one catch-up invocation here, so every
// successful delivery is followed by the hook.
func (sub *Subscription) WithSweep(hook func()) *Subscription {
	sub.hookMu.Lock()
	sub.sweepHook = hook
	missed := sub.hookMissed
	sub.hookMissed = false
	sub.hookMu.Unlock()

	if missed && hook != nil {
		hook()
	}
	return sub
}

// Updates returns the delivery channel. It is closed when the
// subscription is cancelled.
func (sub *Subscription) Updates() <-chan []HistoryItem {
	return sub.updates
}

// Cancel tears down the subscription. Idempotent and never fails;
// cancelling twice is a no-op.
func (sub *Subscription) Cancel() {
	sub.cancelOnce.Do(func() {
		close(sub.stop)
	})
}

// run is the subscription's delivery loop.
func (sub *Subscription) run(ctx context.Context) {
	defer func() {
		sub.store.removeSubscription(sub.userID, sub)
		close(sub.updates)
	}()

	for {
		select {
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		case <-sub.wake:
		}

		items, err := sub.store.List(ctx, sub.userID, sub.limit)
		if err != nil {
			// A failed read is logged and the subscription stays alive;
			// the next change triggers another attempt.
			log.Printf("HISTORY_READ_FAILED | user=%s error=%v", sub.userID, err)
			continue
		}

		select {
		case sub.updates <- items:
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		}

		sub.hookMu.Lock()
		hook := sub.sweepHook
		if hook == nil {
			sub.hookMissed = true
		}
		sub.hookMu.Unlock()
		if hook != nil {
			hook()
		}
	}
}

// =============================================================================
// SWEEP WIRING
// =============================================================================

// SweepAfterDeliveries attaches the standard retention sweep to the
// subscription: after each delivered page, expired items are removed in
// the background. Errors are logged, never surfaced; the sweep is
// idempotent so overlapping runs are harmless.
func (sub *Subscription) SweepAfterDeliveries() *Subscription {
	return sub.WithSweep(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sub.store.SweepExpired(ctx, sub.userID, time.Now()); err != nil {
				log.Printf("HISTORY_SWEEP_FAILED | user=%s error=%v", sub.userID, err)
			}
		}()
	})
}
