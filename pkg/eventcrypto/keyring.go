// Copyright 2025 Relayforge
//
// Keyring manages a local server's Ed25519 signing identity: generation,
// on-disk persistence, and loading.

package eventcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Keyring loads or generates the signing key a server uses to seal events
// it originates.
type Keyring struct {
	serverName string
	keyPath    string
	keyID      string
	key        Key
}

// NewKeyring returns a Keyring for serverName that persists its key under
// keyPath, identified by keyID (e.g. "ed25519:1").
func NewKeyring(serverName, keyPath, keyID string) *Keyring {
	return &Keyring{serverName: serverName, keyPath: keyPath, keyID: keyID}
}

// LoadOrGenerate loads the key at keyPath if present, else generates and
// persists a new one.
func (k *Keyring) LoadOrGenerate() error {
	if k.keyPath != "" {
		if _, err := os.Stat(k.keyPath); err == nil {
			return k.Load()
		}
	}
	return k.Generate()
}

// Load reads a hex-encoded 32-byte Ed25519 seed from keyPath and derives
// the private key from it.
func (k *Keyring) Load() error {
	if k.keyPath == "" {
		return fmt.Errorf("eventcrypto: no key path configured")
	}
	data, err := os.ReadFile(k.keyPath)
	if err != nil {
		return fmt.Errorf("eventcrypto: read key file: %w", err)
	}
	raw, err := hex.DecodeString(string(trimNewline(data)))
	if err != nil {
		return fmt.Errorf("eventcrypto: decode key hex: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return fmt.Errorf("eventcrypto: key file has %d bytes, want %d", len(raw), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(raw)
	k.key = Key{ServerName: k.serverName, ID: k.keyID, Private: priv}
	return nil
}

// Generate creates a new random Ed25519 key and persists it if keyPath is set.
func (k *Keyring) Generate() error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("eventcrypto: generate key seed: %w", err)
	}
	k.key = Key{ServerName: k.serverName, ID: k.keyID, Private: ed25519.NewKeyFromSeed(seed)}
	if k.keyPath == "" {
		return nil
	}
	return k.save(seed)
}

func (k *Keyring) save(seed []byte) error {
	dir := filepath.Dir(k.keyPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("eventcrypto: create key directory: %w", err)
	}
	encoded := hex.EncodeToString(seed)
	if err := os.WriteFile(k.keyPath, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("eventcrypto: write key file: %w", err)
	}
	return nil
}

// Key returns the loaded or generated signing key.
func (k *Keyring) Key() Key {
	return k.key
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
