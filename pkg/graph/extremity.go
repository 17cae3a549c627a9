// Copyright 2025 Relayforge

package graph

import (
	"context"
	"fmt"

	"github.com/relayforge/eventgraph/pkg/database"
)

// Tracker maintains the forward/backward extremity sets and the min-depth
// watermark of every room as events are inserted, the incremental
// bookkeeping a full event-graph recompute would otherwise require on
// every write.
type Tracker struct {
	store *Store
}

// NewTracker returns a Tracker over store.
func NewTracker(store *Store) *Tracker {
	return &Tracker{store: store}
}

// PutEvent inserts e and updates its room's extremity sets and min-depth
// watermark, atomically. An event naming itself in prev_events or
// auth_events is rejected with ErrSelfReferencingEdge rather than silently
// accepted as a self-loop in the DAG.
//
// Steps, all within one transaction:
//  1. Reject self-referencing edges.
//  2. Insert the event row, its prev_events/auth_events/prev_state edges,
//     and its own precomputed reference hash (cached for later reads of e
//     as someone else's prev_event).
//  3. Forward extremities: every prev_event loses forward-extremity status
//     (it now has a child); e becomes a new forward extremity only if no
//     stored edge already names e as a prev_event_id -- e.g. a child of e
//     inserted before e itself -- unless e is an outlier.
//  4. Backward extremities: e itself becomes a backward extremity when any
//     of its prev_events is not held locally -- e is then the edge of what
//     this server knows, the node backfill should request ancestors from.
//     When every prev_event is already held, any earlier backward-extremity
//     entry for e is cleared, since e is no longer a gap. Outliers never
//     become (or clear) backward extremities.
//  5. Min-depth watermark: lowered to e.Depth if unset or greater,
//     comparing against "unset" rather than the zero value so a
//     legitimate depth-zero event cannot be mistaken for no watermark at
//     all. Outliers do not move the watermark.
func (t *Tracker) PutEvent(ctx context.Context, e *Event, after ...func()) error {
	if err := checkSelfReference(e); err != nil {
		return err
	}

	return t.store.db.RunInteraction(ctx, "put_event", func(ctx context.Context, tx *database.Tx) error {
		for _, fn := range after {
			tx.CallAfter(fn)
		}

		exists, err := eventExistsTx(ctx, tx, e.EventID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
		if err := insertEdges(ctx, tx, e.EventID, e.RoomID, e.PrevEvents); err != nil {
			return err
		}
		if err := insertAuthEdges(ctx, tx, e.EventID, e.AuthEvents); err != nil {
			return err
		}
		if e.StateSnapshot != nil {
			if err := insertStateEdges(ctx, tx, e.EventID, e.RoomID, e.StateSnapshot); err != nil {
				return err
			}
		}
		if err := insertReferenceHashes(ctx, tx, e.EventID, e.ReferenceHash); err != nil {
			return err
		}

		if e.Outlier {
			return nil
		}

		hasGap := false
		for _, ref := range e.PrevEvents {
			if err := removeForwardExtremity(ctx, tx, e.RoomID, ref.EventID); err != nil {
				return err
			}

			prevExists, err := eventExistsTx(ctx, tx, ref.EventID)
			if err != nil {
				return err
			}
			if !prevExists {
				hasGap = true
			}
		}

		hasChild, err := hasChildTx(ctx, tx, e.EventID)
		if err != nil {
			return err
		}
		if !hasChild {
			if err := addForwardExtremity(ctx, tx, e.RoomID, e.EventID); err != nil {
				return err
			}
		}

		if hasGap {
			if err := addBackwardExtremity(ctx, tx, e.RoomID, e.EventID); err != nil {
				return err
			}
		} else if err := removeBackwardExtremity(ctx, tx, e.RoomID, e.EventID); err != nil {
			return err
		}

		return t.updateMinDepth(ctx, tx, e.RoomID, e.Depth)
	})
}

func (t *Tracker) updateMinDepth(ctx context.Context, tx *database.Tx, roomID string, depth int64) error {
	current, ok, err := getMinDepthTx(ctx, tx, roomID)
	if err != nil {
		return err
	}
	if ok && depth >= current {
		return nil
	}
	return setMinDepthTx(ctx, tx, roomID, depth)
}

func checkSelfReference(e *Event) error {
	for _, ref := range e.PrevEvents {
		if ref.EventID == e.EventID {
			return fmt.Errorf("%w: %s", ErrSelfReferencingEdge, e.EventID)
		}
	}
	for _, ref := range e.AuthEvents {
		if ref.EventID == e.EventID {
			return fmt.Errorf("%w: %s", ErrSelfReferencingEdge, e.EventID)
		}
	}
	return nil
}
