// Copyright 2025 Relayforge
//
// Package eventcrypto computes content and reference hashes over events
// and attaches/verifies the signatures that make the event graph
// tamper-evident.
package eventcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/relayforge/eventgraph/pkg/canonicaljson"
	"github.com/relayforge/eventgraph/pkg/graph"
)

// DefaultAlgorithm is the baseline digest algorithm every implementation
// must support.
const DefaultAlgorithm = "sha256"

var digestAlgorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
}

// RegisterAlgorithm adds support for an additional named digest algorithm,
// so peers that supply hashes/signatures under an algorithm this server
// did not ship with by default can still be verified.
func RegisterAlgorithm(name string, newHash func() hash.Hash) {
	digestAlgorithms[name] = newHash
}

func digestFor(algorithm string) (func() hash.Hash, bool) {
	h, ok := digestAlgorithms[algorithm]
	return h, ok
}

// Key is a local server's signing identity: a key id (e.g. "ed25519:1",
// matching the Matrix server-key convention) and its Ed25519 private key.
type Key struct {
	ServerName string
	ID         string
	Private    ed25519.PrivateKey
}

// Hasher computes and verifies content hashes, reference hashes, and
// signatures over events, using a pluggable redaction rule set for
// PruneForReference's content whitelist.
type Hasher struct {
	Rules canonicaljson.RedactionRules
}

// NewHasher returns a Hasher using the default redaction rules.
func NewHasher() *Hasher {
	return &Hasher{Rules: canonicaljson.DefaultRedactionRules()}
}

// ComputeContentHash runs CanonicalEncoder over PruneForContentHash(event)
// and returns the raw digest bytes.
func (h *Hasher) ComputeContentHash(d *graph.Draft, algorithm string) ([]byte, error) {
	newHash, ok := digestFor(algorithm)
	if !ok {
		return nil, fmt.Errorf("eventcrypto: unknown digest algorithm %q", algorithm)
	}
	pruned := canonicaljson.PruneForContentHash(d.Dict())
	encoded, err := canonicaljson.Encode(pruned)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: encode for content hash: %w", err)
	}
	digest := newHash()
	digest.Write(encoded)
	return digest.Sum(nil), nil
}

// VerifyContentHash reports whether event.Hashes[algorithm] matches a
// freshly computed content hash, in constant time.
func (h *Hasher) VerifyContentHash(e *graph.Event, algorithm string) (bool, error) {
	recorded, ok := e.Hashes[algorithm]
	if !ok {
		return false, graph.ErrBadHash
	}
	recordedBytes, err := decodeBase64(recorded)
	if err != nil {
		return false, graph.ErrBadBase64
	}

	draft := &graph.Draft{
		EventID: e.EventID, RoomID: e.RoomID, Type: e.Type, StateKey: e.StateKey,
		Sender: e.Sender, Depth: e.Depth, Origin: e.Origin, OriginServerTS: e.OriginServerTS,
		Content: e.Content, PrevEvents: e.PrevEvents, AuthEvents: e.AuthEvents, Outlier: e.Outlier,
		StateHash: e.StateHash, AgeTS: e.AgeTS, Unsigned: e.Unsigned, Destinations: e.Destinations,
	}
	computed, err := h.ComputeContentHash(draft, algorithm)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(recordedBytes, computed) == 1, nil
}

// ComputeReferenceHash computes the hash over PruneForReference(event)
// under algorithm, returning the algorithm name alongside the raw digest.
func (h *Hasher) ComputeReferenceHash(e *graph.Event, algorithm string) (string, []byte, error) {
	newHash, ok := digestFor(algorithm)
	if !ok {
		return "", nil, fmt.Errorf("eventcrypto: unknown digest algorithm %q", algorithm)
	}
	pruned := canonicaljson.PruneForReference(e.Dict(), e.Type, h.Rules)
	encoded, err := canonicaljson.Encode(pruned)
	if err != nil {
		return "", nil, fmt.Errorf("eventcrypto: encode for reference hash: %w", err)
	}
	digest := newHash()
	digest.Write(encoded)
	return algorithm, digest.Sum(nil), nil
}

// SignAndSeal mutates draft in place -- stamping state_hash (if the draft
// carries a frozen prior-state snapshot), the content hash, and the
// server's signature -- then returns the sealed, immutable Event.
func (h *Hasher) SignAndSeal(d *graph.Draft, key Key, algorithm string) (*graph.Event, error) {
	newHash, ok := digestFor(algorithm)
	if !ok {
		return nil, fmt.Errorf("eventcrypto: unknown digest algorithm %q", algorithm)
	}

	// (a) frozen prior-state snapshot, if tagged.
	if d.StateSnapshot != nil {
		encoded, err := canonicaljson.Encode(d.SortedStateSnapshot())
		if err != nil {
			return nil, fmt.Errorf("eventcrypto: encode state snapshot: %w", err)
		}
		digest := newHash()
		digest.Write(encoded)
		if d.StateHash == nil {
			d.StateHash = map[string]string{}
		}
		d.StateHash[algorithm] = encodeBase64(digest.Sum(nil))
	}

	// (b) content hash.
	contentDigest, err := h.ComputeContentHash(d, algorithm)
	if err != nil {
		return nil, err
	}
	if d.Hashes == nil {
		d.Hashes = map[string]string{}
	}
	d.Hashes[algorithm] = encodeBase64(contentDigest)

	// (c) signature over the pruned-for-reference form.
	sealed := d.Seal()
	pruned := canonicaljson.PruneForReference(sealed.Dict(), sealed.Type, h.Rules)
	toSign, err := canonicaljson.Encode(pruned)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: encode for signing: %w", err)
	}
	signature := ed25519.Sign(key.Private, toSign)

	if d.Signatures == nil {
		d.Signatures = map[string]map[string]string{}
	}
	if d.Signatures[key.ServerName] == nil {
		d.Signatures[key.ServerName] = map[string]string{}
	}
	d.Signatures[key.ServerName][key.ID] = encodeBase64(signature)

	// (d) reference hash, over the same pruned-for-reference bytes signed
	// above -- PruneForReference strips signatures, so the digest does not
	// depend on the signature just attached.
	refDigest := newHash()
	refDigest.Write(toSign)

	result := d.Seal()
	result.ReferenceHash = map[string]string{algorithm: encodeBase64(refDigest.Sum(nil))}
	return result, nil
}

// VerifySignature checks server_name's signature under key_id against a
// fresh Ed25519 public key, over the same pruned-for-reference encoding
// SignAndSeal produced it from.
func (h *Hasher) VerifySignature(e *graph.Event, serverName, keyID string, public ed25519.PublicKey) (bool, error) {
	byKey, ok := e.Signatures[serverName]
	if !ok {
		return false, graph.ErrSignatureMismatch
	}
	sigB64, ok := byKey[keyID]
	if !ok {
		return false, graph.ErrSignatureMismatch
	}
	sig, err := decodeBase64(sigB64)
	if err != nil {
		return false, graph.ErrBadBase64
	}

	pruned := canonicaljson.PruneForReference(e.Dict(), e.Type, h.Rules)
	signed, err := canonicaljson.Encode(pruned)
	if err != nil {
		return false, fmt.Errorf("eventcrypto: encode for verification: %w", err)
	}
	return ed25519.Verify(public, signed, sig), nil
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// decodeBase64 accepts both padded and unpadded standard base64, since the
// spec requires only that peers' digests/signatures be decodable by a
// standard decoder, not that they use a padded form.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
