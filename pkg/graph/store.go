// Copyright 2025 Relayforge

package graph

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/relayforge/eventgraph/pkg/database"
)

// Store is the persistence layer for the event DAG: events, their edges,
// and the extremity/min-depth bookkeeping the rest of this package builds
// on. Read operations run directly against the pool; writes run inside a
// database.Store transaction so an event, its edges, and its extremity
// updates land atomically.
type Store struct {
	db *database.Store
}

// NewStore returns a Store backed by db.
func NewStore(db *database.Store) *Store {
	return &Store{db: db}
}

// DB exposes the underlying database.Store for callers (such as the
// extremity tracker) that need to open their own transactions.
func (s *Store) DB() *database.Store { return s.db }

// ============================================================================
// Reads
// ============================================================================

// GetEvent fetches a single event by id. The second return value is false
// if the event is not known to this server.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*Event, bool, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT event_id, room_id, type, state_key, sender, depth, origin,
		       origin_server_ts, content, hashes, signatures, unsigned, outlier
		FROM events WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("graph: get event %s: %w", eventID, err)
	}
	prev, err := s.GetPrevEventRefs(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	auth, err := s.GetAuthEventRefs(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	e.PrevEvents = prev
	e.AuthEvents = auth
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e                                    Event
		stateKey                             sql.NullString
		contentRaw, hashesRaw, sigsRaw, unsRaw []byte
	)
	if err := row.Scan(&e.EventID, &e.RoomID, &e.Type, &stateKey, &e.Sender, &e.Depth,
		&e.Origin, &e.OriginServerTS, &contentRaw, &hashesRaw, &sigsRaw, &unsRaw, &e.Outlier); err != nil {
		return nil, err
	}
	if stateKey.Valid {
		sk := stateKey.String
		e.StateKey = &sk
	}
	if err := json.Unmarshal(contentRaw, &e.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(hashesRaw) > 0 {
		if err := json.Unmarshal(hashesRaw, &e.Hashes); err != nil {
			return nil, fmt.Errorf("decode hashes: %w", err)
		}
	}
	if len(sigsRaw) > 0 {
		if err := json.Unmarshal(sigsRaw, &e.Signatures); err != nil {
			return nil, fmt.Errorf("decode signatures: %w", err)
		}
	}
	if len(unsRaw) > 0 {
		if err := json.Unmarshal(unsRaw, &e.Unsigned); err != nil {
			return nil, fmt.Errorf("decode unsigned: %w", err)
		}
	}
	return &e, nil
}

// GetDepth returns the recorded depth of eventID.
func (s *Store) GetDepth(ctx context.Context, eventID string) (int64, bool, error) {
	var depth int64
	err := s.db.DB().QueryRowContext(ctx, `SELECT depth FROM events WHERE event_id = $1`, eventID).Scan(&depth)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("graph: get depth of %s: %w", eventID, err)
	}
	return depth, true, nil
}

// GetPrevEvents returns eventID's timeline prev_events edges (is_state =
// false) as bare ids.
func (s *Store) GetPrevEvents(ctx context.Context, eventID string) ([]string, error) {
	return queryIDs(ctx, s.db.DB(), `SELECT prev_event_id FROM event_edges WHERE event_id = $1 AND is_state = FALSE`, eventID)
}

// GetPrevState returns eventID's frozen prior-state-snapshot edges
// (is_state = true) as bare ids -- the same table GetPrevEvents reads,
// filtered to the other side of the split.
func (s *Store) GetPrevState(ctx context.Context, eventID string) ([]string, error) {
	return queryIDs(ctx, s.db.DB(), `SELECT prev_event_id FROM event_edges WHERE event_id = $1 AND is_state = TRUE`, eventID)
}

// GetPrevEventsInRoom is GetPrevEvents scoped to roomID, guarding against a
// caller-supplied event id from a different room being walked by mistake.
func (s *Store) GetPrevEventsInRoom(ctx context.Context, roomID, eventID string) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT prev_event_id FROM event_edges WHERE event_id = $1 AND room_id = $2 AND is_state = FALSE`,
		eventID, roomID)
	if err != nil {
		return nil, fmt.Errorf("graph: query ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAuthEvents returns eventID's auth_events edges as bare ids.
func (s *Store) GetAuthEvents(ctx context.Context, eventID string) ([]string, error) {
	return queryIDs(ctx, s.db.DB(), `SELECT auth_event_id FROM event_auth WHERE event_id = $1`, eventID)
}

// GetPrevEventRefs returns eventID's timeline prev_events edges (is_state
// = false) with their recorded reference hashes.
func (s *Store) GetPrevEventRefs(ctx context.Context, eventID string) ([]EventReference, error) {
	return queryRefs(ctx, s.db.DB(), `SELECT prev_event_id, reference_hashes FROM event_edges WHERE event_id = $1 AND is_state = FALSE`, eventID)
}

// GetAuthEventRefs returns eventID's auth_events edges with their
// recorded reference hashes.
func (s *Store) GetAuthEventRefs(ctx context.Context, eventID string) ([]EventReference, error) {
	return queryRefs(ctx, s.db.DB(), `SELECT auth_event_id, reference_hashes FROM event_auth WHERE event_id = $1`, eventID)
}

func queryRefs(ctx context.Context, db *sql.DB, query string, arg string) ([]EventReference, error) {
	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("graph: query refs: %w", err)
	}
	defer rows.Close()
	var refs []EventReference
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		ref := EventReference{EventID: id}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ref.ReferenceHashes); err != nil {
				return nil, fmt.Errorf("decode reference hashes for %s: %w", id, err)
			}
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// GetChildren returns events that name eventID as a prev_event.
func (s *Store) GetChildren(ctx context.Context, eventID string) ([]string, error) {
	return queryIDs(ctx, s.db.DB(), `SELECT event_id FROM event_edges WHERE prev_event_id = $1`, eventID)
}

// GetLatestEventsInRoom returns the room's current forward extremities as
// bare ids -- the narrow accessor the cache layer uses internally. Callers wanting the full wire-format triple (depth and
// reference hashes included) want GetLatestInRoom instead.
func (s *Store) GetLatestEventsInRoom(ctx context.Context, roomID string) ([]string, error) {
	return queryIDs(ctx, s.db.DB(), `SELECT event_id FROM event_forward_extremities WHERE room_id = $1`, roomID)
}

// GetLatestInRoom returns roomID's forward extremities as
// (event_id, reference_hashes, depth) triples, joining events with
// event_forward_extremities and attaching each event's locally cached
// reference hashes, keyed by algorithm.
func (s *Store) GetLatestInRoom(ctx context.Context, roomID string) ([]LatestEvent, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT e.event_id, e.depth
		FROM events e
		JOIN event_forward_extremities f ON f.event_id = e.event_id AND f.room_id = e.room_id
		WHERE f.room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("graph: get latest in room %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []LatestEvent
	for rows.Next() {
		var le LatestEvent
		if err := rows.Scan(&le.EventID, &le.Depth); err != nil {
			return nil, err
		}
		out = append(out, le)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		hashes, err := s.getReferenceHashes(ctx, out[i].EventID)
		if err != nil {
			return nil, err
		}
		out[i].ReferenceHashes = hashes
	}
	return out, nil
}

// getReferenceHashes returns eventID's locally cached reference hashes,
// keyed by algorithm, from event_reference_hashes.
func (s *Store) getReferenceHashes(ctx context.Context, eventID string) (map[string]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT algorithm, digest FROM event_reference_hashes WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("graph: get reference hashes for %s: %w", eventID, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var algorithm string
		var digest []byte
		if err := rows.Scan(&algorithm, &digest); err != nil {
			return nil, err
		}
		out[algorithm] = base64.StdEncoding.EncodeToString(digest)
	}
	return out, rows.Err()
}

// GetOldestEventsInRoom returns the room's current backward extremities.
func (s *Store) GetOldestEventsInRoom(ctx context.Context, roomID string) ([]string, error) {
	return queryIDs(ctx, s.db.DB(), `SELECT event_id FROM event_backward_extremities WHERE room_id = $1`, roomID)
}

// GetOldestWithDepthInRoom returns roomID's backward extremities mapped to
// the maximum recorded depth of the (non-outlier) events that reference
// each of them as a prev_event.
func (s *Store) GetOldestWithDepthInRoom(ctx context.Context, roomID string) (map[string]int64, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT b.event_id, MAX(e.depth)
		FROM event_backward_extremities b
		JOIN event_edges g ON g.prev_event_id = b.event_id AND g.room_id = b.room_id
		JOIN events e ON e.event_id = g.event_id
		WHERE b.room_id = $1 AND e.outlier = FALSE
		GROUP BY b.event_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("graph: get oldest with depth in %s: %w", roomID, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var id string
		var depth int64
		if err := rows.Scan(&id, &depth); err != nil {
			return nil, err
		}
		out[id] = depth
	}
	return out, rows.Err()
}

// GetMinDepth returns roomID's recorded minimum depth watermark. The
// second return is false when the room has never recorded one -- callers
// must treat that as "unset", not depth zero.
func (s *Store) GetMinDepth(ctx context.Context, roomID string) (int64, bool, error) {
	var depth sql.NullInt64
	err := s.db.DB().QueryRowContext(ctx, `SELECT min_depth FROM room_depth WHERE room_id = $1`, roomID).Scan(&depth)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("graph: get min depth of %s: %w", roomID, err)
	}
	if !depth.Valid {
		return 0, false, nil
	}
	return depth.Int64, true, nil
}

func queryIDs(ctx context.Context, db *sql.DB, query string, arg string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("graph: query ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ============================================================================
// Writes (transaction-scoped; called from extremity.go inside RunInteraction)
// ============================================================================

func insertEvent(ctx context.Context, tx *database.Tx, e *Event) error {
	content, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	hashes, err := json.Marshal(e.Hashes)
	if err != nil {
		return fmt.Errorf("marshal hashes: %w", err)
	}
	sigs, err := json.Marshal(e.Signatures)
	if err != nil {
		return fmt.Errorf("marshal signatures: %w", err)
	}
	unsigned, err := json.Marshal(e.Unsigned)
	if err != nil {
		return fmt.Errorf("marshal unsigned: %w", err)
	}

	var stateKey interface{}
	if e.StateKey != nil {
		stateKey = *e.StateKey
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, room_id, type, state_key, sender, depth, origin,
		                     origin_server_ts, content, hashes, signatures, unsigned, outlier)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.RoomID, e.Type, stateKey, e.Sender, e.Depth, e.Origin,
		e.OriginServerTS, content, hashes, sigs, unsigned, e.Outlier)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func insertEdges(ctx context.Context, tx *database.Tx, eventID, roomID string, prevEvents []EventReference) error {
	for _, ref := range prevEvents {
		hashes, err := json.Marshal(ref.ReferenceHashes)
		if err != nil {
			return fmt.Errorf("marshal reference hashes for %s: %w", ref.EventID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_edges (event_id, prev_event_id, room_id, is_state, reference_hashes) VALUES ($1, $2, $3, FALSE, $4)
			ON CONFLICT DO NOTHING`, eventID, ref.EventID, roomID, hashes); err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", eventID, ref.EventID, err)
		}
	}
	return nil
}

// insertStateEdges persists a draft's frozen prior-state snapshot as
// is_state = true rows in event_edges, so GetPrevState can read it back.
func insertStateEdges(ctx context.Context, tx *database.Tx, eventID, roomID string, stateSnapshot []string) error {
	for _, prevID := range stateSnapshot {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_edges (event_id, prev_event_id, room_id, is_state) VALUES ($1, $2, $3, TRUE)
			ON CONFLICT DO NOTHING`, eventID, prevID, roomID); err != nil {
			return fmt.Errorf("insert state edge %s -> %s: %w", eventID, prevID, err)
		}
	}
	return nil
}

func insertAuthEdges(ctx context.Context, tx *database.Tx, eventID string, authEvents []EventReference) error {
	for _, ref := range authEvents {
		hashes, err := json.Marshal(ref.ReferenceHashes)
		if err != nil {
			return fmt.Errorf("marshal reference hashes for %s: %w", ref.EventID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_auth (event_id, auth_event_id, reference_hashes) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, eventID, ref.EventID, hashes); err != nil {
			return fmt.Errorf("insert auth edge %s -> %s: %w", eventID, ref.EventID, err)
		}
	}
	return nil
}

func eventExistsTx(ctx context.Context, tx *database.Tx, eventID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event exists: %w", err)
	}
	return exists, nil
}

// hasChildTx reports whether any stored edge names eventID as its
// prev_event_id -- i.e. whether some other known event already treats
// eventID as a parent, which disqualifies eventID from becoming a forward
// extremity.
func hasChildTx(ctx context.Context, tx *database.Tx, eventID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM event_edges WHERE prev_event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check for child edge: %w", err)
	}
	return exists, nil
}

func isOutlierTx(ctx context.Context, tx *database.Tx, eventID string) (bool, error) {
	var outlier bool
	err := tx.QueryRow(ctx, `SELECT outlier FROM events WHERE event_id = $1`, eventID).Scan(&outlier)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event outlier: %w", err)
	}
	return outlier, nil
}

func addForwardExtremity(ctx context.Context, tx *database.Tx, roomID, eventID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_forward_extremities (room_id, event_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roomID, eventID)
	return err
}

func removeForwardExtremity(ctx context.Context, tx *database.Tx, roomID, eventID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM event_forward_extremities WHERE room_id = $1 AND event_id = $2`, roomID, eventID)
	return err
}

func addBackwardExtremity(ctx context.Context, tx *database.Tx, roomID, eventID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_backward_extremities (room_id, event_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roomID, eventID)
	return err
}

func removeBackwardExtremity(ctx context.Context, tx *database.Tx, roomID, eventID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM event_backward_extremities WHERE room_id = $1 AND event_id = $2`, roomID, eventID)
	return err
}

// getMinDepthTx reads room_depth.min_depth within tx, returning ok=false
// when the room has no row yet -- distinct from a recorded depth of zero.
func getMinDepthTx(ctx context.Context, tx *database.Tx, roomID string) (int64, bool, error) {
	var depth sql.NullInt64
	err := tx.QueryRow(ctx, `SELECT min_depth FROM room_depth WHERE room_id = $1`, roomID).Scan(&depth)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get min depth: %w", err)
	}
	if !depth.Valid {
		return 0, false, nil
	}
	return depth.Int64, true, nil
}

// setMinDepthTx unconditionally sets roomID's min_depth watermark.
func setMinDepthTx(ctx context.Context, tx *database.Tx, roomID string, depth int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO room_depth (room_id, min_depth) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET min_depth = EXCLUDED.min_depth`, roomID, depth)
	return err
}

func insertReferenceHash(ctx context.Context, tx *database.Tx, eventID, algorithm string, digest []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_reference_hashes (event_id, algorithm, digest) VALUES ($1, $2, $3)
		ON CONFLICT (event_id, algorithm) DO NOTHING`, eventID, algorithm, digest)
	return err
}

// insertReferenceHashes persists e's own precomputed reference hashes
// (algorithm -> base64 digest, as stamped by EventHasher.SignAndSeal) so a
// later read of e as someone else's prev_event can attach them without
// recomputing PruneForReference.
func insertReferenceHashes(ctx context.Context, tx *database.Tx, eventID string, referenceHash map[string]string) error {
	for algorithm, encoded := range referenceHash {
		digest, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode reference hash %s for %s: %w", algorithm, eventID, err)
		}
		if err := insertReferenceHash(ctx, tx, eventID, algorithm, digest); err != nil {
			return err
		}
	}
	return nil
}
