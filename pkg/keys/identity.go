package keys

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ErrInvalidIdentity is returned when key bytes or their base58 form do not
// describe an ed25519 public key.
var ErrInvalidIdentity = errors.New("invalid identity")

// PublicKey identifies a principal: a gateway, a server, a carrier or an
// administrative signer. Equality is byte-exact.
type PublicKey struct {
	raw [ed25519.PublicKeySize]byte
}

// ParseBytes validates raw key bytes.
func ParseBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidIdentity, ed25519.PublicKeySize, len(b))
	}
	copy(pk.raw[:], b)
	return pk, nil
}

// Parse decodes a base58 key string.
func Parse(s string) (PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PublicKey{}, fmt.Errorf("%w: empty key", ErrInvalidIdentity)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return ParseBytes(decoded)
}

func FromEd25519(pub ed25519.PublicKey) PublicKey {
	var pk PublicKey
	copy(pk.raw[:], pub)
	return pk
}

func (k PublicKey) Bytes() []byte {
	out := make([]byte, len(k.raw))
	copy(out, k.raw[:])
	return out
}

func (k PublicKey) Ed25519() ed25519.PublicKey {
	return ed25519.PublicKey(k.Bytes())
}

func (k PublicKey) String() string {
	return base58.Encode(k.raw[:])
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

func (k PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(k.raw[:], other.raw[:])
}

// Verify reports whether sig is a valid signature of msg by k. A mismatch
// is a normal false, never an error.
func (k PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(k.raw[:], msg, sig)
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
