package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"concord/pkg/types"
)

// SigningKey is a server's private Ed25519 key and its published id.
type SigningKey struct {
	ID      types.KeyID
	Private ed25519.PrivateKey
}

// Public returns the verify key for k.
func (k *SigningKey) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// GenerateSigningKey creates a new key named ed25519:<version>.
func GenerateSigningKey(version string) (*SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &SigningKey{ID: types.KeyID("ed25519:" + version), Private: priv}, nil
}

// MarshalText encodes the key as "ed25519 <version> <base64 seed>".
func (k *SigningKey) MarshalText() ([]byte, error) {
	alg, version, ok := strings.Cut(string(k.ID), ":")
	if !ok || alg != "ed25519" {
		return nil, fmt.Errorf("unsupported key id %q", k.ID)
	}
	seed := base64.RawStdEncoding.EncodeToString(k.Private.Seed())
	return []byte(fmt.Sprintf("%s %s %s\n", alg, version, seed)), nil
}

// ParseSigningKey reverses MarshalText.
func ParseSigningKey(text []byte) (*SigningKey, error) {
	fields := strings.Fields(string(text))
	if len(fields) != 3 || fields[0] != "ed25519" {
		return nil, fmt.Errorf("invalid signing key format")
	}
	seed, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("decode signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &SigningKey{
		ID:      types.KeyID("ed25519:" + fields[1]),
		Private: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// EncodeVerifyKey returns the unpadded base64 form of a verify key, the
// form servers exchange out of band.
func EncodeVerifyKey(key ed25519.PublicKey) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

// ParseVerifyKey reverses EncodeVerifyKey. Padded input is accepted too.
func ParseVerifyKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return nil, fmt.Errorf("decode verify key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// LoadSigningKey reads a key file written by SaveSigningKey.
func LoadSigningKey(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// SaveSigningKey writes the key with owner-only permissions.
func SaveSigningKey(path string, key *SigningKey) error {
	text, err := key.MarshalText()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, text, 0o600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	return nil
}

// KeyRing holds the verify keys published by each server. It only answers
// lookups; fetching keys from a remote server is the caller's job.
type KeyRing struct {
	mu      sync.RWMutex
	servers map[types.ServerName]map[types.KeyID]*publishedKey
	now     func() time.Time
}

type publishedKey struct {
	key        ed25519.PublicKey
	validUntil time.Time // zero means no expiry
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		servers: make(map[types.ServerName]map[types.KeyID]*publishedKey),
		now:     time.Now,
	}
}

// AddKey records a verify key for server. A zero validUntil never expires.
func (r *KeyRing) AddKey(server types.ServerName, id types.KeyID, key ed25519.PublicKey, validUntil time.Time) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("verify key for %s/%s has wrong size %d", server, id, len(key))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.servers[server]
	if !ok {
		keys = make(map[types.KeyID]*publishedKey)
		r.servers[server] = keys
	}
	keys[id] = &publishedKey{key: append(ed25519.PublicKey(nil), key...), validUntil: validUntil}
	return nil
}

// AddSigningKey publishes the public half of a local signing key.
func (r *KeyRing) AddSigningKey(server types.ServerName, key *SigningKey) error {
	return r.AddKey(server, key.ID, key.Public(), time.Time{})
}

// RemoveServer forgets all keys for server.
func (r *KeyRing) RemoveServer(server types.ServerName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, server)
}

// HasServer reports whether any key is known for server.
func (r *KeyRing) HasServer(server types.ServerName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers[server]) > 0
}

// VerifyKey implements KeyLookup. Expired or unknown keys yield
// ErrUnknownSigningKey.
func (r *KeyRing) VerifyKey(server types.ServerName, id types.KeyID) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pk, ok := r.servers[server][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSigningKey, server, id)
	}
	if !pk.validUntil.IsZero() && r.now().After(pk.validUntil) {
		return nil, fmt.Errorf("%w: %s/%s expired at %s", ErrUnknownSigningKey, server, id, pk.validUntil.Format(time.RFC3339))
	}
	return pk.key, nil
}
