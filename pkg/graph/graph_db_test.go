// Copyright 2025 Relayforge
//
// Integration tests against a real PostgreSQL instance. Set
// EVENTGRAPH_TEST_DB to a connection string to run them; otherwise they
// are skipped, mirroring how the rest of this codebase gates its
// database-backed test suites.

package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/eventgraph/pkg/database"
)

var testStore *database.Store

func TestMain(m *testing.M) {
	connStr := os.Getenv("EVENTGRAPH_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}

	ctx := context.Background()
	store, err := database.Open(ctx, connStr, database.PoolConfig{})
	if err != nil {
		panic("connect to test database: " + err.Error())
	}
	if err := store.MigrateUp(ctx); err != nil {
		panic("apply migrations: " + err.Error())
	}
	testStore = store

	code := m.Run()
	store.Close()
	os.Exit(code)
}

func newTestRoomID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("!%s:example.org", uuid.NewString())
}

func makeEvent(roomID, eventID string, depth int64, prevEvents ...string) *Event {
	return &Event{
		EventID:        eventID,
		RoomID:         roomID,
		Type:           "m.room.message",
		Sender:         "@alice:example.org",
		Depth:          depth,
		Origin:         "example.org",
		OriginServerTS: time.Now().UnixMilli(),
		Content:        map[string]interface{}{"body": eventID},
		PrevEvents:     toTestRefs(prevEvents),
		Hashes:         map[string]string{"sha256": "deadbeef"},
		Signatures:     map[string]map[string]string{"example.org": {"ed25519:1": "sig"}},
	}
}

func toTestRefs(ids []string) []EventReference {
	refs := make([]EventReference, len(ids))
	for i, id := range ids {
		refs[i] = EventReference{EventID: id}
	}
	return refs
}

func TestPutEventEmptyRoomFrontier(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	root := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, root); err != nil {
		t.Fatalf("put root event: %v", err)
	}

	forward, err := store.GetLatestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get latest events: %v", err)
	}
	if len(forward) != 1 || forward[0] != root.EventID {
		t.Errorf("expected sole forward extremity %s, got %v", root.EventID, forward)
	}

	backward, err := store.GetOldestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get oldest events: %v", err)
	}
	if len(backward) != 0 {
		t.Errorf("expected no backward extremities for a room's first event, got %v", backward)
	}
}

func TestPutEventLinearChainAdvancesFrontier(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	e1 := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, e1); err != nil {
		t.Fatalf("put e1: %v", err)
	}
	e2 := makeEvent(roomID, "$"+uuid.NewString(), 1, e1.EventID)
	if err := tracker.PutEvent(ctx, e2); err != nil {
		t.Fatalf("put e2: %v", err)
	}

	forward, err := store.GetLatestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get latest events: %v", err)
	}
	if len(forward) != 1 || forward[0] != e2.EventID {
		t.Errorf("expected forward extremity to advance to %s, got %v", e2.EventID, forward)
	}
}

func TestPutEventOutOfOrderCreatesBackwardExtremity(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	missingParent := "$" + uuid.NewString()
	child := makeEvent(roomID, "$"+uuid.NewString(), 5, missingParent)
	if err := tracker.PutEvent(ctx, child); err != nil {
		t.Fatalf("put child: %v", err)
	}

	backward, err := store.GetOldestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get oldest events: %v", err)
	}
	if len(backward) != 1 || backward[0] != child.EventID {
		t.Errorf("expected backward extremity %s (the event with the unknown parent), got %v", child.EventID, backward)
	}
}

func TestPutEventChildBeforeParentDoesNotMakeParentAForwardExtremity(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	parentID := "$" + uuid.NewString()
	child := makeEvent(roomID, "$"+uuid.NewString(), 2, parentID)
	if err := tracker.PutEvent(ctx, child); err != nil {
		t.Fatalf("put child: %v", err)
	}

	parent := makeEvent(roomID, parentID, 1)
	if err := tracker.PutEvent(ctx, parent); err != nil {
		t.Fatalf("put parent: %v", err)
	}

	forward, err := store.GetLatestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get latest events: %v", err)
	}
	if len(forward) != 1 || forward[0] != child.EventID {
		t.Errorf("expected sole forward extremity %s (parent already has a known child), got %v", child.EventID, forward)
	}
}

func TestPutEventRejectsSelfReference(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	id := "$" + uuid.NewString()
	loop := makeEvent(roomID, id, 0, id)
	if err := tracker.PutEvent(ctx, loop); err == nil {
		t.Error("expected self-referencing prev_events to be rejected")
	}
}

func TestPutEventOutlierDoesNotJoinFrontier(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	e := makeEvent(roomID, "$"+uuid.NewString(), 10)
	e.Outlier = true
	if err := tracker.PutEvent(ctx, e); err != nil {
		t.Fatalf("put outlier: %v", err)
	}

	forward, err := store.GetLatestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get latest events: %v", err)
	}
	if len(forward) != 0 {
		t.Errorf("expected no forward extremities from an outlier-only room, got %v", forward)
	}

	stored, ok, err := store.GetEvent(ctx, e.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !ok || !stored.Outlier {
		t.Error("expected the outlier event itself to still be retrievable")
	}
}

func TestUpdateMinDepthComparesAgainstUnset(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	zero := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, zero); err != nil {
		t.Fatalf("put depth-zero event: %v", err)
	}

	depth, ok, err := store.GetMinDepth(ctx, roomID)
	if err != nil {
		t.Fatalf("get min depth: %v", err)
	}
	if !ok {
		t.Fatal("expected min depth to be set after the first event, even at depth zero")
	}
	if depth != 0 {
		t.Errorf("expected min depth 0, got %d", depth)
	}
}

func TestAuthChainTraversesAuthEvents(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	create := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, create); err != nil {
		t.Fatalf("put create: %v", err)
	}

	member := makeEvent(roomID, "$"+uuid.NewString(), 1, create.EventID)
	member.AuthEvents = toTestRefs([]string{create.EventID})
	if err := tracker.PutEvent(ctx, member); err != nil {
		t.Fatalf("put member: %v", err)
	}

	chain, err := store.AuthChain(ctx, []string{member.EventID})
	if err != nil {
		t.Fatalf("auth chain: %v", err)
	}
	if len(chain) != 1 || chain[0] != create.EventID {
		t.Errorf("expected auth chain %v, got %v", []string{create.EventID}, chain)
	}
}

func TestBackfillOrdersByDepthDescending(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	missingRoot := "$" + uuid.NewString()
	mid := makeEvent(roomID, "$"+uuid.NewString(), 5, missingRoot)
	if err := tracker.PutEvent(ctx, mid); err != nil {
		t.Fatalf("put mid: %v", err)
	}
	other := makeEvent(roomID, "$"+uuid.NewString(), 2, "$"+uuid.NewString())
	if err := tracker.PutEvent(ctx, other); err != nil {
		t.Fatalf("put other: %v", err)
	}

	seeds, err := store.GetOldestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get oldest events: %v", err)
	}
	ids, err := store.Backfill(ctx, roomID, seeds, 10)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 backfill candidates, got %d: %v", len(ids), ids)
	}
	if ids[0] != mid.EventID {
		t.Errorf("expected the higher-depth event %s first, got %s", mid.EventID, ids[0])
	}
}

func TestMissingEventsStopsAtKnownFrontier(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	e1 := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, e1); err != nil {
		t.Fatalf("put e1: %v", err)
	}
	e2 := makeEvent(roomID, "$"+uuid.NewString(), 1, e1.EventID)
	if err := tracker.PutEvent(ctx, e2); err != nil {
		t.Fatalf("put e2: %v", err)
	}
	e3 := makeEvent(roomID, "$"+uuid.NewString(), 2, e2.EventID)
	if err := tracker.PutEvent(ctx, e3); err != nil {
		t.Fatalf("put e3: %v", err)
	}

	ids, err := store.MissingEvents(ctx, roomID, []string{e1.EventID}, []string{e3.EventID}, 10, 0)
	if err != nil {
		t.Fatalf("missing events: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 missing events between e1 (exclusive) and e3 (inclusive), got %d: %v", len(ids), ids)
	}
}

func TestMissingEventsFiltersByMinDepth(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	a := makeEvent(roomID, "$"+uuid.NewString(), 1)
	if err := tracker.PutEvent(ctx, a); err != nil {
		t.Fatalf("put a: %v", err)
	}
	b := makeEvent(roomID, "$"+uuid.NewString(), 2, a.EventID)
	if err := tracker.PutEvent(ctx, b); err != nil {
		t.Fatalf("put b: %v", err)
	}
	c := makeEvent(roomID, "$"+uuid.NewString(), 3, b.EventID)
	if err := tracker.PutEvent(ctx, c); err != nil {
		t.Fatalf("put c: %v", err)
	}
	d := makeEvent(roomID, "$"+uuid.NewString(), 4, c.EventID)
	if err := tracker.PutEvent(ctx, d); err != nil {
		t.Fatalf("put d: %v", err)
	}

	ids, err := store.MissingEvents(ctx, roomID, []string{a.EventID}, []string{d.EventID}, 10, 3)
	if err != nil {
		t.Fatalf("missing events: %v", err)
	}
	want := map[string]bool{c.EventID: true, d.EventID: true}
	if len(ids) != len(want) {
		t.Fatalf("expected %v filtered to depth >= 3, got %v", want, ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected event %s below min_depth 3 in result %v", id, ids)
		}
	}
}

func TestCleanRoomForJoinResetsExtremities(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	tracker := NewTracker(store)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	stale := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, stale); err != nil {
		t.Fatalf("put stale: %v", err)
	}

	join := makeEvent(roomID, "$"+uuid.NewString(), 0)
	if err := tracker.PutEvent(ctx, join); err != nil {
		t.Fatalf("put join: %v", err)
	}

	if err := store.CleanRoomForJoin(ctx, roomID, join.EventID); err != nil {
		t.Fatalf("clean room for join: %v", err)
	}

	forward, err := store.GetLatestEventsInRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("get latest events: %v", err)
	}
	if len(forward) != 1 || forward[0] != join.EventID {
		t.Errorf("expected sole forward extremity %s after join reset, got %v", join.EventID, forward)
	}
}

func TestCleanRoomForJoinRejectsUnknownJoinEvent(t *testing.T) {
	if testStore == nil {
		t.Skip("test database not configured")
	}
	store := NewStore(testStore)
	roomID := newTestRoomID(t)
	ctx := context.Background()

	err := store.CleanRoomForJoin(ctx, roomID, "$"+uuid.NewString())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a join event never stored, got %v", err)
	}
}
