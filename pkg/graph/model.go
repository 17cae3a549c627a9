// Copyright 2025 Relayforge
//
// Package graph implements the event-graph persistence core: the event
// DAG itself, its forward/backward extremity sets, and the traversal
// queries federation and backfill need.
package graph

import (
	"sort"
)

// EventReference is a (event_id, reference_hashes) pair as carried in a
// prev_events or auth_events list.
type EventReference struct {
	EventID         string
	ReferenceHashes map[string]string // algorithm -> base64 digest
}

// Draft is the mutable, pre-sealed form of an event. EventHasher.SignAndSeal
// populates StateHash, Hashes, and Signatures on a Draft; Seal then yields
// an immutable Event ready for EdgeStore.PutEvent.
//
// StateSnapshot is nil when the event carries no frozen prior-state
// snapshot, and non-nil (possibly empty) when it does -- the discriminated
// union the original's hasattr(event, "old_state_events") check stood in
// for, made explicit here as a tag instead of attribute presence.
type Draft struct {
	EventID        string
	RoomID         string
	Type           string
	StateKey       *string
	Sender         string
	Depth          int64
	Origin         string
	OriginServerTS int64
	Content        map[string]interface{}
	PrevEvents     []EventReference
	AuthEvents     []EventReference
	Outlier        bool

	// StateSnapshot, when non-nil, is the frozen list of prior state event
	// ids this event was created against.
	StateSnapshot []string

	AgeTS        int64
	Unsigned     map[string]interface{}
	Destinations []string

	StateHash  map[string]string            // algorithm -> base64 digest
	Hashes     map[string]string            // algorithm -> base64 digest
	Signatures map[string]map[string]string // server_name -> key_id -> base64 signature
}

// Event is the immutable, sealed form of a Draft as persisted by EdgeStore.
type Event struct {
	EventID        string
	RoomID         string
	Type           string
	StateKey       *string
	Sender         string
	Depth          int64
	Origin         string
	OriginServerTS int64
	Content        map[string]interface{}
	PrevEvents     []EventReference
	AuthEvents     []EventReference
	Outlier        bool

	// StateSnapshot carries over the Draft's frozen prior-state snapshot,
	// nil when the event was not created against one. EdgeStore.PutEvent
	// persists it as is_state = true edges, read back via GetPrevState.
	StateSnapshot []string

	StateHash  map[string]string
	Hashes     map[string]string
	Signatures map[string]map[string]string

	// ReferenceHash is this event's own reference hash (algorithm -> base64
	// digest), computed by EventHasher.SignAndSeal over
	// PruneForReference(event). EdgeStore.PutEvent persists it into
	// event_reference_hashes so later reads of this event as someone
	// else's prev_event can attach it without recomputation.
	ReferenceHash map[string]string

	AgeTS        int64
	Unsigned     map[string]interface{}
	Destinations []string
}

// LatestEvent is one row of GetLatestInRoom: a forward extremity's id,
// depth, and locally cached reference hashes (algorithm -> base64 digest).
type LatestEvent struct {
	EventID         string
	Depth           int64
	ReferenceHashes map[string]string
}

// Seal freezes a Draft into an Event. It does not itself stamp hashes or
// signatures -- callers run EventHasher.SignAndSeal against the Draft
// first.
func (d *Draft) Seal() *Event {
	return &Event{
		EventID:        d.EventID,
		RoomID:         d.RoomID,
		Type:           d.Type,
		StateKey:       d.StateKey,
		Sender:         d.Sender,
		Depth:          d.Depth,
		Origin:         d.Origin,
		OriginServerTS: d.OriginServerTS,
		Content:        d.Content,
		PrevEvents:     d.PrevEvents,
		AuthEvents:     d.AuthEvents,
		Outlier:        d.Outlier,
		StateSnapshot:  d.StateSnapshot,
		StateHash:      d.StateHash,
		Hashes:         d.Hashes,
		Signatures:     d.Signatures,
		AgeTS:          d.AgeTS,
		Unsigned:       d.Unsigned,
		Destinations:   d.Destinations,
	}
}

// dict assembles the full wire-format dict of an event, the input
// CanonicalEncoder pruning operates on. Keys absent in their zero form
// (no state_key, no sender, empty hashes/signatures, etc.) are omitted
// rather than emitted as null/empty, matching the original event's
// get_full_dict semantics.
func dict(
	eventID, roomID, eventType string,
	stateKey *string,
	sender string,
	depth int64,
	origin string,
	originServerTS int64,
	content map[string]interface{},
	prevEvents, authEvents []EventReference,
	outlier bool,
	stateHash, hashes map[string]string,
	signatures map[string]map[string]string,
	ageTS int64,
	unsigned map[string]interface{},
	destinations []string,
) map[string]interface{} {
	d := map[string]interface{}{
		"event_id":         eventID,
		"room_id":          roomID,
		"type":             eventType,
		"depth":            depth,
		"origin":           origin,
		"origin_server_ts": originServerTS,
		"content":          contentOrEmpty(content),
		"prev_events":      referencesToWire(prevEvents),
		"auth_events":      referencesToWire(authEvents),
	}
	if stateKey != nil {
		d["state_key"] = *stateKey
	}
	if sender != "" {
		d["sender"] = sender
	}
	if len(stateHash) > 0 {
		d["state_hash"] = stringMapToWire(stateHash)
	}
	if len(hashes) > 0 {
		d["hashes"] = stringMapToWire(hashes)
	}
	if len(signatures) > 0 {
		d["signatures"] = signaturesToWire(signatures)
	}
	if outlier {
		d["outlier"] = true
	}
	if ageTS != 0 {
		d["age_ts"] = ageTS
	}
	if unsigned != nil {
		d["unsigned"] = unsigned
	}
	if destinations != nil {
		d["destinations"] = stringsToWire(destinations)
	}
	return d
}

// Dict returns the full wire-format dict of the draft as it currently
// stands -- the input to PruneForContentHash.
func (d *Draft) Dict() map[string]interface{} {
	return dict(
		d.EventID, d.RoomID, d.Type, d.StateKey, d.Sender, d.Depth, d.Origin,
		d.OriginServerTS, d.Content, d.PrevEvents, d.AuthEvents, d.Outlier,
		d.StateHash, d.Hashes, d.Signatures, d.AgeTS, d.Unsigned, d.Destinations,
	)
}

// Dict returns the full wire-format dict of a sealed event.
func (e *Event) Dict() map[string]interface{} {
	return dict(
		e.EventID, e.RoomID, e.Type, e.StateKey, e.Sender, e.Depth, e.Origin,
		e.OriginServerTS, e.Content, e.PrevEvents, e.AuthEvents, e.Outlier,
		e.StateHash, e.Hashes, e.Signatures, e.AgeTS, e.Unsigned, e.Destinations,
	)
}

func contentOrEmpty(content map[string]interface{}) map[string]interface{} {
	if content == nil {
		return map[string]interface{}{}
	}
	return content
}

func referencesToWire(refs []EventReference) []interface{} {
	out := make([]interface{}, len(refs))
	for i, r := range refs {
		out[i] = []interface{}{r.EventID, stringMapToWire(r.ReferenceHashes)}
	}
	return out
}

func stringMapToWire(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func signaturesToWire(sigs map[string]map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(sigs))
	for server, byKey := range sigs {
		out[server] = stringMapToWire(byKey)
	}
	return out
}

func stringsToWire(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// SortedStateSnapshot returns a sorted copy of the draft's state snapshot,
// the input to the state_hash computation in SignAndSeal step (a).
func (d *Draft) SortedStateSnapshot() []string {
	out := make([]string, len(d.StateSnapshot))
	copy(out, d.StateSnapshot)
	sort.Strings(out)
	return out
}
