// Copyright 2025 Relayforge

package graph

import "errors"

// Sentinel errors for the event-graph core's error taxonomy.
var (
	// ErrBadHash is returned when the content hash algorithm requested is
	// absent from an event's hashes map.
	ErrBadHash = errors.New("event-graph: hash algorithm not present in event.hashes")

	// ErrBadBase64 is returned when a recorded digest or signature is not
	// valid base64.
	ErrBadBase64 = errors.New("event-graph: recorded digest or signature is not valid base64")

	// ErrHashMismatch names the case of a computed digest that does not
	// equal the recorded digest. eventcrypto.Hasher.VerifyContentHash
	// reports that case as a false result with a nil error, not as this
	// value.
	ErrHashMismatch = errors.New("event-graph: computed hash does not match recorded hash")

	// ErrSignatureMismatch is returned by eventcrypto.Hasher.VerifySignature
	// when the event carries no signature for the requested server name and
	// key id. A signature that is present but does not verify is reported
	// as a false result with a nil error.
	ErrSignatureMismatch = errors.New("event-graph: signature verification failed")

	// ErrTransactionAborted names the case of a transaction runner that has
	// exhausted its retry budget on a transient database error.
	// database.Store.RunInteraction does not return this value; its error
	// for that case wraps the last database error instead.
	ErrTransactionAborted = errors.New("event-graph: transaction aborted after retries")

	// ErrNotFound is returned only where a prior step implied existence;
	// ordinary absence is expressed through the Go return shape (a zero
	// value, an empty slice, or a boolean), never this error.
	ErrNotFound = errors.New("event-graph: expected row not found")

	// ErrIntegrityViolation indicates a constraint violation or an
	// internal invariant break -- a bug, not a caller mistake.
	ErrIntegrityViolation = errors.New("event-graph: integrity violation")

	// ErrSelfReferencingEdge rejects a malformed event whose prev_events
	// or auth_events names its own event_id, closing the gap the
	// original _handle_prev_events left unguarded.
	ErrSelfReferencingEdge = errors.New("event-graph: event references itself as a prev or auth event")
)
