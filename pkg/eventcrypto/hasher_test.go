// Copyright 2025 Relayforge

package eventcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"hash"
	"testing"

	"github.com/relayforge/eventgraph/pkg/graph"
)

func newTestHash() hash.Hash { return sha512.New() }

func testKey(t *testing.T) Key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_ = pub
	return Key{ServerName: "example.org", ID: "ed25519:1", Private: priv}
}

func testDraft() *graph.Draft {
	return &graph.Draft{
		EventID:        "$event1",
		RoomID:         "!room:example.org",
		Type:           "m.room.message",
		Sender:         "@alice:example.org",
		Depth:          5,
		Origin:         "example.org",
		OriginServerTS: 1000,
		Content:        map[string]interface{}{"body": "hello"},
	}
}

func TestSignAndSealStampsHashAndSignature(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}

	if _, ok := event.Hashes[DefaultAlgorithm]; !ok {
		t.Error("expected content hash to be stamped")
	}
	sig, ok := event.Signatures[key.ServerName][key.ID]
	if !ok || sig == "" {
		t.Error("expected signature to be stamped under server name and key id")
	}
}

func TestSignAndSealStampsStateHashWhenSnapshotPresent(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()
	draft.StateSnapshot = []string{"$b", "$a"}

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}
	if _, ok := event.StateHash[DefaultAlgorithm]; !ok {
		t.Error("expected state_hash to be stamped when StateSnapshot is non-nil")
	}
}

func TestSignAndSealOmitsStateHashWhenSnapshotAbsent(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}
	if len(event.StateHash) != 0 {
		t.Error("expected no state_hash when StateSnapshot is nil")
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}

	pub := key.Private.Public().(ed25519.PublicKey)
	ok, err := h.VerifySignature(event, key.ServerName, key.ID, pub)
	if err != nil {
		t.Fatalf("verify signature: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify against its own public key")
	}
}

func TestVerifySignatureRejectsTamperedSender(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}
	event.Sender = "@mallory:example.org"

	pub := key.Private.Public().(ed25519.PublicKey)
	ok, err := h.VerifySignature(event, key.ServerName, key.ID, pub)
	if err != nil {
		t.Fatalf("verify signature: %v", err)
	}
	if ok {
		t.Error("expected signature verification to fail after tampering with a signed field")
	}
}

func TestVerifyContentHashRoundTrip(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}

	ok, err := h.VerifyContentHash(event, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("verify content hash: %v", err)
	}
	if !ok {
		t.Error("expected content hash to verify")
	}
}

func TestVerifyContentHashRejectsTamperedContent(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}
	event.Content["body"] = "tampered"

	ok, err := h.VerifyContentHash(event, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("verify content hash: %v", err)
	}
	if ok {
		t.Error("expected content hash mismatch after tampering with content")
	}
}

func TestVerifyContentHashUnknownAlgorithm(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	event, err := h.SignAndSeal(draft, key, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("sign and seal: %v", err)
	}

	if _, err := h.VerifyContentHash(event, "sha512"); err != graph.ErrBadHash {
		t.Errorf("expected ErrBadHash for unrecorded algorithm, got %v", err)
	}
}

func TestRegisterAlgorithmExtendsSupport(t *testing.T) {
	key := testKey(t)
	h := NewHasher()
	draft := testDraft()

	if _, err := h.ComputeContentHash(draft, "blake9000"); err == nil {
		t.Fatal("expected unregistered algorithm to fail before RegisterAlgorithm")
	}

	RegisterAlgorithm("blake9000", newTestHash)
	if _, err := h.ComputeContentHash(draft, "blake9000"); err != nil {
		t.Errorf("expected registered algorithm to succeed, got %v", err)
	}
}
