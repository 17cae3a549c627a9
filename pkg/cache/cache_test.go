// Copyright 2025 Relayforge

package cache

import (
	"context"
	"testing"

	"github.com/relayforge/eventgraph/pkg/graph"
)

func TestGetEventReturnsCachedValueWithoutTouchingStore(t *testing.T) {
	c, err := NewCoordinator(nil, 10, 10)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	want := &graph.Event{EventID: "$e1", RoomID: "!r"}
	c.events.Add("$e1", want)

	got, ok, err := c.GetEvent(context.Background(), "$e1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !ok || got != want {
		t.Error("expected cache hit to return the stored event without calling the (nil) store")
	}
}

func TestGetLatestEventsInRoomReturnsCachedValue(t *testing.T) {
	c, err := NewCoordinator(nil, 10, 10)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.forwardExt.Add("!room", []string{"$a", "$b"})

	ids, err := c.GetLatestEventsInRoom(context.Background(), "!room")
	if err != nil {
		t.Fatalf("get latest events: %v", err)
	}
	if len(ids) != 2 || ids[0] != "$a" || ids[1] != "$b" {
		t.Errorf("got %v, want cached [$a $b]", ids)
	}
}

func TestInvalidateClearsBothExtremityCaches(t *testing.T) {
	c, err := NewCoordinator(nil, 10, 10)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.forwardExt.Add("!room", []string{"$a"})
	c.backwardExt.Add("!room", []string{"$b"})

	c.Invalidate("!room")

	if _, ok := c.forwardExt.Get("!room"); ok {
		t.Error("expected forward extremity cache entry to be cleared")
	}
	if _, ok := c.backwardExt.Get("!room"); ok {
		t.Error("expected backward extremity cache entry to be cleared")
	}
}

func TestInvalidateEventClearsEventCache(t *testing.T) {
	c, err := NewCoordinator(nil, 10, 10)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.events.Add("$e1", &graph.Event{EventID: "$e1"})

	c.InvalidateEvent("$e1")

	if _, ok := c.events.Get("$e1"); ok {
		t.Error("expected event cache entry to be cleared")
	}
}
