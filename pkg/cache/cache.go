// Copyright 2025 Relayforge
//
// Package cache provides the in-process LRU layer the event-graph store
// sits behind: per-room extremity lists and individual events, both
// invalidated only after the transaction that changed them durably
// commits.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relayforge/eventgraph/pkg/graph"
)

// Coordinator fronts a graph.Store with bounded LRU caches and wires their
// invalidation to transaction commit, so a reader can never observe a
// cache entry for a write that was later rolled back.
type Coordinator struct {
	store *graph.Store

	events       *lru.Cache[string, *graph.Event]
	forwardExt   *lru.Cache[string, []string]
	backwardExt  *lru.Cache[string, []string]
}

// NewCoordinator returns a Coordinator wrapping store, with LRU caches
// sized eventCapacity (per event) and extremityCapacity (per room, shared
// between forward and backward extremity lists).
func NewCoordinator(store *graph.Store, eventCapacity, extremityCapacity int) (*Coordinator, error) {
	events, err := lru.New[string, *graph.Event](eventCapacity)
	if err != nil {
		return nil, err
	}
	forwardExt, err := lru.New[string, []string](extremityCapacity)
	if err != nil {
		return nil, err
	}
	backwardExt, err := lru.New[string, []string](extremityCapacity)
	if err != nil {
		return nil, err
	}
	return &Coordinator{store: store, events: events, forwardExt: forwardExt, backwardExt: backwardExt}, nil
}

// GetEvent returns a cached event, falling back to the store and
// populating the cache on a miss.
func (c *Coordinator) GetEvent(ctx context.Context, eventID string) (*graph.Event, bool, error) {
	if e, ok := c.events.Get(eventID); ok {
		return e, true, nil
	}
	e, ok, err := c.store.GetEvent(ctx, eventID)
	if err != nil || !ok {
		return nil, ok, err
	}
	c.events.Add(eventID, e)
	return e, true, nil
}

// GetLatestEventsInRoom returns a room's cached forward extremities,
// falling back to the store on a miss.
func (c *Coordinator) GetLatestEventsInRoom(ctx context.Context, roomID string) ([]string, error) {
	if ids, ok := c.forwardExt.Get(roomID); ok {
		return ids, nil
	}
	ids, err := c.store.GetLatestEventsInRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.forwardExt.Add(roomID, ids)
	return ids, nil
}

// GetOldestEventsInRoom returns a room's cached backward extremities,
// falling back to the store on a miss.
func (c *Coordinator) GetOldestEventsInRoom(ctx context.Context, roomID string) ([]string, error) {
	if ids, ok := c.backwardExt.Get(roomID); ok {
		return ids, nil
	}
	ids, err := c.store.GetOldestEventsInRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.backwardExt.Add(roomID, ids)
	return ids, nil
}

// Invalidate drops any cached extremity lists for roomID. Call this from
// a transaction's CallAfter hook, never inline with the write itself, so
// an aborted transaction never evicts a still-valid cache entry.
func (c *Coordinator) Invalidate(roomID string) {
	c.forwardExt.Remove(roomID)
	c.backwardExt.Remove(roomID)
}

// InvalidateEvent drops a single cached event.
func (c *Coordinator) InvalidateEvent(eventID string) {
	c.events.Remove(eventID)
}

// PutEvent inserts e through tracker and schedules the affected room's
// extremity caches (and e's own, should it already be cached) to be
// invalidated once the write commits durably.
func (c *Coordinator) PutEvent(ctx context.Context, tracker *graph.Tracker, e *graph.Event) error {
	return tracker.PutEvent(ctx, e, func() {
		c.Invalidate(e.RoomID)
		c.InvalidateEvent(e.EventID)
	})
}
