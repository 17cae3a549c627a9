// Copyright 2025 Relayforge
package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/relayforge/eventgraph/pkg/cache"
	"github.com/relayforge/eventgraph/pkg/eventcrypto"
	"github.com/relayforge/eventgraph/pkg/graph"
)

// api wires the graph store, extremity tracker, cache coordinator, and
// signing identity into the small HTTP surface this process exposes for
// submitting events and answering the federation graph queries.
type api struct {
	store   *graph.Store
	tracker *graph.Tracker
	cache   *cache.Coordinator
	hasher  *eventcrypto.Hasher
	keyring *eventcrypto.Keyring
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("/rooms/", a.handleRoom)
}

// handleRoom dispatches /rooms/{roomID}/{op} to the matching graph query,
// and POST /rooms/{roomID}/events to event submission.
func (a *api) handleRoom(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rooms/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	roomID, op := parts[0], parts[1]

	switch {
	case op == "events" && r.Method == http.MethodPost:
		a.submitEvent(w, r, roomID)
	case op == "backfill" && r.Method == http.MethodGet:
		a.backfill(w, r, roomID)
	case op == "missing_events" && r.Method == http.MethodPost:
		a.missingEvents(w, r, roomID)
	case op == "auth_chain" && r.Method == http.MethodPost:
		a.authChain(w, r)
	default:
		http.NotFound(w, r)
	}
}

type draftRequest struct {
	EventID        string                 `json:"event_id"`
	Type           string                 `json:"type"`
	StateKey       *string                `json:"state_key,omitempty"`
	Sender         string                 `json:"sender"`
	Depth          int64                  `json:"depth"`
	Origin         string                 `json:"origin"`
	OriginServerTS int64                  `json:"origin_server_ts"`
	Content        map[string]interface{} `json:"content"`
	PrevEvents     []string               `json:"prev_events"`
	AuthEvents     []string               `json:"auth_events"`
}

func (a *api) submitEvent(w http.ResponseWriter, r *http.Request, roomID string) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	draft := &graph.Draft{
		EventID:        req.EventID,
		RoomID:         roomID,
		Type:           req.Type,
		StateKey:       req.StateKey,
		Sender:         req.Sender,
		Depth:          req.Depth,
		Origin:         req.Origin,
		OriginServerTS: req.OriginServerTS,
		Content:        req.Content,
		PrevEvents:     toReferences(req.PrevEvents),
		AuthEvents:     toReferences(req.AuthEvents),
	}

	sealed, err := a.hasher.SignAndSeal(draft, a.keyring.Key(), eventcrypto.DefaultAlgorithm)
	if err != nil {
		http.Error(w, "seal event: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := a.cache.PutEvent(r.Context(), a.tracker, sealed); err != nil {
		http.Error(w, "persist event: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"event_id": sealed.EventID})
}

func toReferences(ids []string) []graph.EventReference {
	refs := make([]graph.EventReference, len(ids))
	for i, id := range ids {
		refs[i] = graph.EventReference{EventID: id}
	}
	return refs
}

func (a *api) backfill(w http.ResponseWriter, r *http.Request, roomID string) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	seeds := r.URL.Query()["seed"]
	if len(seeds) == 0 {
		var err error
		seeds, err = a.store.GetOldestEventsInRoom(r.Context(), roomID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	ids, err := a.store.Backfill(r.Context(), roomID, seeds, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event_ids": ids})
}

type missingEventsRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
	MinDepth       int64    `json:"min_depth"`
}

func (a *api) missingEvents(w http.ResponseWriter, r *http.Request, roomID string) {
	var req missingEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	ids, err := a.store.MissingEvents(r.Context(), roomID, req.EarliestEvents, req.LatestEvents, req.Limit, req.MinDepth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event_ids": ids})
}

type authChainRequest struct {
	EventIDs []string `json:"event_ids"`
}

func (a *api) authChain(w http.ResponseWriter, r *http.Request) {
	var req authChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ids, err := a.store.AuthChain(r.Context(), req.EventIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event_ids": ids})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
