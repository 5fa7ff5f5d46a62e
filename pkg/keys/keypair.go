package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errNoPrivateKey is returned by Sign on a zero Keypair.
var errNoPrivateKey = errors.New("signing key unavailable")

// Keypair holds a service or operator signing identity.
type Keypair struct {
	public  PublicKey
	private ed25519.PrivateKey
}

func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Keypair{public: FromEd25519(pub), private: priv}, nil
}

// FromPrivate wraps a 64-byte ed25519 private key.
func FromPrivate(priv []byte) (*Keypair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(priv))
	}
	key := ed25519.PrivateKey(append([]byte(nil), priv...))
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	return &Keypair{public: FromEd25519(pub), private: key}, nil
}

// Load reads a base64 private key, either inline or from path.
func Load(inlineB64, path string) (*Keypair, error) {
	encoded := strings.TrimSpace(inlineB64)
	if encoded == "" && path != "" {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		encoded = strings.TrimSpace(string(content))
	}
	if encoded == "" {
		return nil, errors.New("missing private key")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key b64: %w", err)
	}
	return FromPrivate(decoded)
}

func (k *Keypair) PublicKey() PublicKey {
	return k.public
}

// PrivateB64 encodes the private key for storage by keygen.
func (k *Keypair) PrivateB64() string {
	return base64.StdEncoding.EncodeToString(k.private)
}

func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	if k == nil || len(k.private) != ed25519.PrivateKeySize {
		return nil, errNoPrivateKey
	}
	return ed25519.Sign(k.private, msg), nil
}
