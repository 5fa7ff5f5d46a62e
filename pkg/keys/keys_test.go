package keys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	encoded := kp.PublicKey().String()
	parsed, err := Parse(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(kp.PublicKey()) {
		t.Fatal("parsed key differs from original")
	}
	fromBytes, err := ParseBytes(kp.PublicKey().Bytes())
	if err != nil || fromBytes != parsed {
		t.Fatalf("parse bytes mismatch: %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "0OIl", "abc"} {
		if _, err := Parse(input); !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("expected ErrInvalidIdentity for %q, got %v", input, err)
		}
	}
	if _, err := ParseBytes(make([]byte, 31)); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for short key, got %v", err)
	}
}

func TestTextMarshal(t *testing.T) {
	kp, _ := Generate()
	text, err := kp.PublicKey().MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded PublicKey
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != kp.PublicKey() {
		t.Fatal("text round trip changed key")
	}
}

func TestSignVerify(t *testing.T) {
	kp, _ := Generate()
	sig, err := kp.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !kp.PublicKey().Verify([]byte("payload"), sig) {
		t.Fatal("expected verify")
	}
	if kp.PublicKey().Verify([]byte("payload"), sig[:10]) {
		t.Fatal("short signature must not verify")
	}
	var empty Keypair
	if _, err := empty.Sign([]byte("x")); err == nil {
		t.Fatal("expected error from empty keypair")
	}
}

func TestLoadFromPath(t *testing.T) {
	kp, _ := Generate()
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, []byte(kp.PrivateB64()+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PublicKey() != kp.PublicKey() {
		t.Fatal("loaded key differs")
	}
	inline, err := Load(kp.PrivateB64(), "")
	if err != nil || inline.PublicKey() != kp.PublicKey() {
		t.Fatalf("inline load mismatch: %v", err)
	}
	if _, err := Load("", ""); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestRoleParse(t *testing.T) {
	for _, role := range Roles() {
		parsed, err := ParseRole(role.String())
		if err != nil || parsed != role {
			t.Fatalf("role %s did not round trip: %v", role, err)
		}
	}
	if _, err := ParseRole("superuser"); err == nil {
		t.Fatal("expected unknown role error")
	}
	if Role(42).Valid() {
		t.Fatal("role 42 must not be valid")
	}
}
