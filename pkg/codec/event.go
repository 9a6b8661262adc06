package codec

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"concord/pkg/types"

	"github.com/tidwall/sjson"
)

// Digest is a SHA-256 content hash.
type Digest [sha256.Size]byte

// Hash computes the content digest of canonical bytes.
func Hash(canonical []byte) Digest {
	return sha256.Sum256(canonical)
}

// EventID encodes a digest as an event identifier.
func EventID(d Digest) types.EventID {
	return types.EventID(string(types.SigilEvent) + base64.RawURLEncoding.EncodeToString(d[:]))
}

// EventCanonical returns the canonical form of ev with the event_id and
// signatures fields removed. This is the byte string that is hashed and
// signed.
func EventCanonical(ev *types.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal event: %v", ErrMalformedContent, err)
	}
	for _, path := range []string{"event_id", "signatures"} {
		raw, err = sjson.DeleteBytes(raw, path)
		if err != nil {
			return nil, fmt.Errorf("%w: strip %s: %v", ErrMalformedContent, path, err)
		}
	}
	return Canonicalize(raw)
}

// EventDigest hashes the canonical form of ev.
func EventDigest(ev *types.Event) (Digest, error) {
	canonical, err := EventCanonical(ev)
	if err != nil {
		return Digest{}, err
	}
	return Hash(canonical), nil
}

// ComputeEventID derives the id ev should carry. Peer-supplied ids are never
// trusted; receivers call this and overwrite.
func ComputeEventID(ev *types.Event) (types.EventID, error) {
	d, err := EventDigest(ev)
	if err != nil {
		return "", err
	}
	return EventID(d), nil
}

// Sign produces an Ed25519 signature over the digest.
func Sign(key ed25519.PrivateKey, d Digest) []byte {
	return ed25519.Sign(key, d[:])
}

// Verify checks an Ed25519 signature over the digest.
func Verify(pub ed25519.PublicKey, d Digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, d[:], sig)
}

// SignEvent fills in ev.EventID and adds the server's signature.
func SignEvent(ev *types.Event, server types.ServerName, key *SigningKey) error {
	d, err := EventDigest(ev)
	if err != nil {
		return err
	}
	ev.EventID = EventID(d)
	if ev.Signatures == nil {
		ev.Signatures = make(types.Signatures)
	}
	if ev.Signatures[server] == nil {
		ev.Signatures[server] = make(map[types.KeyID]string)
	}
	ev.Signatures[server][key.ID] = base64.RawStdEncoding.EncodeToString(Sign(key.Private, d))
	return nil
}

// KeyLookup resolves a server's published verify key.
type KeyLookup interface {
	VerifyKey(server types.ServerName, keyID types.KeyID) (ed25519.PublicKey, error)
}

// VerifyEvent checks every signature the origin server placed on ev. At least
// one is required. It returns the recomputed event id.
func VerifyEvent(ev *types.Event, keys KeyLookup) (types.EventID, error) {
	d, err := EventDigest(ev)
	if err != nil {
		return "", err
	}

	sigs := ev.Signatures[ev.OriginServer]
	if len(sigs) == 0 {
		return "", fmt.Errorf("%w: no signature from origin %s", ErrSignatureInvalid, ev.OriginServer)
	}

	for keyID, encoded := range sigs {
		pub, err := keys.VerifyKey(ev.OriginServer, keyID)
		if err != nil {
			return "", err
		}
		sig, err := base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("%w: decode signature %s: %v", ErrSignatureInvalid, keyID, err)
		}
		if !Verify(pub, d, sig) {
			return "", fmt.Errorf("%w: %s/%s", ErrSignatureInvalid, ev.OriginServer, keyID)
		}
	}
	return EventID(d), nil
}
