// Copyright 2025 Relayforge

package graph

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/relayforge/eventgraph/pkg/database"
)

// AuthChain returns the transitive closure of auth_events reachable from
// seeds -- the full set of events that authorize them -- via breadth-first
// traversal. Seeds themselves are not included unless also reachable as
// someone else's auth event.
func (s *Store) AuthChain(ctx context.Context, seeds []string) ([]string, error) {
	visited := make(map[string]bool, len(seeds))

	queue := append([]string(nil), seeds...)
	var result []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		authIDs, err := s.GetAuthEvents(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("graph: auth chain: %w", err)
		}
		for _, a := range authIDs {
			if visited[a] {
				continue
			}
			visited[a] = true
			result = append(result, a)
			queue = append(queue, a)
		}
	}
	return result, nil
}

// depthItem is a candidate backfill node ordered by depth alone -- unlike
// the original's tuple comparison, which fell through to comparing event
// ids lexicographically whenever two depths tied, an accident of Python
// tuple ordering rather than an intended secondary sort key.
type depthItem struct {
	eventID string
	depth   int64
}

type depthMaxHeap []depthItem

func (h depthMaxHeap) Len() int            { return len(h) }
func (h depthMaxHeap) Less(i, j int) bool  { return h[i].depth > h[j].depth }
func (h depthMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *depthMaxHeap) Push(x interface{}) { *h = append(*h, x.(depthItem)) }
func (h *depthMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Backfill returns up to limit event ids to fetch when extending a room's
// history backward, starting from the caller-supplied seedEventIDs and
// walking prev_events in best-first order: the highest-depth (most recent)
// known gap is always expanded next, so the result reads newest-to-oldest.
// Callers typically seed from a room's backward extremities, but any known
// frontier works -- e.g. seeding from the forward extremities to backfill
// an entire room's history from its current tip.
func (s *Store) Backfill(ctx context.Context, roomID string, seedEventIDs []string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	visited := make(map[string]bool, len(seedEventIDs))
	h := &depthMaxHeap{}
	heap.Init(h)
	for _, id := range seedEventIDs {
		depth, ok, err := s.GetDepth(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("graph: backfill: %w", err)
		}
		if !ok || visited[id] {
			continue
		}
		visited[id] = true
		heap.Push(h, depthItem{eventID: id, depth: depth})
	}

	var result []string
	for h.Len() > 0 && len(result) < limit {
		item := heap.Pop(h).(depthItem)
		result = append(result, item.eventID)

		prevIDs, err := s.GetPrevEventsInRoom(ctx, roomID, item.eventID)
		if err != nil {
			return nil, fmt.Errorf("graph: backfill: %w", err)
		}
		for _, p := range prevIDs {
			if visited[p] {
				continue
			}
			visited[p] = true
			depth, ok, err := s.GetDepth(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("graph: backfill: %w", err)
			}
			if !ok {
				// p is outside what this server holds -- a further gap,
				// not a candidate to expand from here.
				continue
			}
			heap.Push(h, depthItem{eventID: p, depth: depth})
		}
	}
	return result, nil
}

// MissingEvents walks backward from latestEvents via prev_events, stopping
// at any event in earliestEvents (the requester's already-known frontier)
// without traversing past it, collecting events along the way -- the gap a
// federation peer is missing between the two frontiers. latestEvents
// themselves are part of that gap and are included.
//
// The walked set is then materialized (fetching each event's depth),
// events shallower than minDepth are dropped, the remainder is sorted
// ascending by depth, and the result is truncated to limit -- so a caller
// asking for a small limit gets the minDepth-shallowest missing events
// first, not an arbitrary BFS-order prefix.
func (s *Store) MissingEvents(ctx context.Context, roomID string, earliestEvents, latestEvents []string, limit int, minDepth int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	known := make(map[string]bool, len(earliestEvents))
	for _, id := range earliestEvents {
		known[id] = true
	}

	visited := make(map[string]bool, len(latestEvents))
	var front []string
	for _, id := range latestEvents {
		if known[id] || visited[id] {
			continue
		}
		visited[id] = true
		front = append(front, id)
	}

	found := make(map[string]bool, len(front))
	result := append([]string(nil), front...)
	for _, id := range front {
		found[id] = true
	}

	queue := append([]string(nil), front...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		prevIDs, err := s.GetPrevEventsInRoom(ctx, roomID, id)
		if err != nil {
			return nil, fmt.Errorf("graph: missing events: %w", err)
		}
		for _, p := range prevIDs {
			if visited[p] {
				continue
			}
			visited[p] = true
			if known[p] {
				continue
			}
			if !found[p] {
				found[p] = true
				result = append(result, p)
			}
			queue = append(queue, p)
		}
	}

	type depthResult struct {
		eventID string
		depth   int64
	}
	withDepth := make([]depthResult, 0, len(result))
	for _, id := range result {
		depth, ok, err := s.GetDepth(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("graph: missing events: %w", err)
		}
		if !ok || depth < minDepth {
			continue
		}
		withDepth = append(withDepth, depthResult{eventID: id, depth: depth})
	}
	sort.SliceStable(withDepth, func(i, j int) bool { return withDepth[i].depth < withDepth[j].depth })

	if len(withDepth) > limit {
		withDepth = withDepth[:limit]
	}
	out := make([]string, len(withDepth))
	for i, r := range withDepth {
		out[i] = r.eventID
	}
	return out, nil
}

// CleanRoomForJoin resets roomID's extremity sets to a single forward
// extremity, joinEventID, discarding any stale forward/backward
// extremities left over from a prior partial-state membership -- the
// bookkeeping a fresh join into a room must start from.
func (s *Store) CleanRoomForJoin(ctx context.Context, roomID, joinEventID string) error {
	return s.db.RunInteraction(ctx, "clean_room_for_join", func(ctx context.Context, tx *database.Tx) error {
		exists, err := eventExistsTx(ctx, tx, joinEventID)
		if err != nil {
			return err
		}
		if !exists {
			// A join event reaching this call has, by construction,
			// already been sealed and stored; its absence here means
			// something upstream skipped that step.
			return fmt.Errorf("%w: join event %s", ErrNotFound, joinEventID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM event_forward_extremities WHERE room_id = $1`, roomID); err != nil {
			return fmt.Errorf("clear forward extremities: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM event_backward_extremities WHERE room_id = $1`, roomID); err != nil {
			return fmt.Errorf("clear backward extremities: %w", err)
		}
		return addForwardExtremity(ctx, tx, roomID, joinEventID)
	})
}
