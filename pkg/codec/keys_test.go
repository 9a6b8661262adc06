package codec

import (
	"path/filepath"
	"testing"
	"time"

	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningKeyTextRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey("v1")
	require.NoError(t, err)
	assert.Equal(t, types.KeyID("ed25519:v1"), key.ID)

	text, err := key.MarshalText()
	require.NoError(t, err)

	parsed, err := ParseSigningKey(text)
	require.NoError(t, err)
	assert.Equal(t, key.ID, parsed.ID)
	assert.Equal(t, key.Private, parsed.Private)
}

func TestParseSigningKeyInvalid(t *testing.T) {
	for _, in := range []string{"", "rsa v1 abc", "ed25519 v1", "ed25519 v1 !!!", "ed25519 v1 YWJj"} {
		_, err := ParseSigningKey([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestSaveAndLoadSigningKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	key, err := GenerateSigningKey("disk")
	require.NoError(t, err)
	require.NoError(t, SaveSigningKey(path, key))

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), loaded.Public())

	_, err = LoadSigningKey(filepath.Join(t.TempDir(), "missing.key"))
	assert.Error(t, err)
}

func TestKeyRing(t *testing.T) {
	key, err := GenerateSigningKey("k1")
	require.NoError(t, err)

	ring := NewKeyRing()
	assert.False(t, ring.HasServer("a.example"))

	require.NoError(t, ring.AddSigningKey("a.example", key))
	assert.True(t, ring.HasServer("a.example"))

	pub, err := ring.VerifyKey("a.example", key.ID)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), pub)

	_, err = ring.VerifyKey("a.example", "ed25519:other")
	assert.ErrorIs(t, err, ErrUnknownSigningKey)

	ring.RemoveServer("a.example")
	_, err = ring.VerifyKey("a.example", key.ID)
	assert.ErrorIs(t, err, ErrUnknownSigningKey)
}

func TestKeyRingExpiry(t *testing.T) {
	key, err := GenerateSigningKey("k1")
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ring := NewKeyRing()
	ring.now = func() time.Time { return now }
	require.NoError(t, ring.AddKey("a.example", key.ID, key.Public(), now.Add(time.Hour)))

	_, err = ring.VerifyKey("a.example", key.ID)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = ring.VerifyKey("a.example", key.ID)
	assert.ErrorIs(t, err, ErrUnknownSigningKey)
}

func TestKeyRingRejectsShortKey(t *testing.T) {
	err := NewKeyRing().AddKey("a.example", "ed25519:k", []byte{1, 2, 3}, time.Time{})
	assert.Error(t, err)
}

func TestVerifyKeyEncoding(t *testing.T) {
	key, err := GenerateSigningKey("v1")
	require.NoError(t, err)

	encoded := EncodeVerifyKey(key.Public())
	assert.NotContains(t, encoded, "=")

	parsed, err := ParseVerifyKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), parsed)

	parsed, err = ParseVerifyKey(" " + encoded + "=\n")
	require.NoError(t, err)
	assert.Equal(t, key.Public(), parsed)

	_, err = ParseVerifyKey("YWJj")
	assert.Error(t, err)
	_, err = ParseVerifyKey("not base64!")
	assert.Error(t, err)
}
