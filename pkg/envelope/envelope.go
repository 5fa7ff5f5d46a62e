package envelope

import (
	"errors"
	"fmt"
	"time"

	"meshtrust/pkg/keys"
)

// ErrSigning is returned when a message cannot be signed. A response that
// fails to sign must not be sent.
var ErrSigning = errors.New("signing error")

// Signed carries the signer identity and the signature shared by every
// request and response message. Embed it in a message struct.
type Signed struct {
	Signer    []byte `json:"signer" cbor:"signer"`
	Signature []byte `json:"signature" cbor:"signature"`
}

func (s *Signed) Seal() *Signed { return s }

// Timestamped is the envelope of responses and timestamped requests.
type Timestamped struct {
	Timestamp uint64 `json:"timestamp" cbor:"timestamp"`
	Signed
}

func (t *Timestamped) Stamp() *Timestamped { return t }

// Message is any struct embedding Signed.
type Message interface {
	Seal() *Signed
}

// Stamped is any struct embedding Timestamped.
type Stamped interface {
	Message
	Stamp() *Timestamped
}

// Canonical returns the bytes that are signed for msg: its deterministic
// encoding with the signature field cleared. msg is not modified.
func Canonical[M any, P interface {
	*M
	Message
}](msg P) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	clone := *msg
	P(&clone).Seal().Signature = nil
	raw, err := encMode.Marshal(P(&clone))
	if err != nil {
		return nil, fmt.Errorf("encode canonical message: %w", err)
	}
	return raw, nil
}

// Sign returns the signature of msg by kp without modifying msg.
func Sign[M any, P interface {
	*M
	Message
}](msg P, kp *keys.Keypair) ([]byte, error) {
	raw, err := Canonical[M, P](msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	sig, err := kp.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return sig, nil
}

// SignAs sets the signer to kp and fills in the signature.
func SignAs[M any, P interface {
	*M
	Message
}](msg P, kp *keys.Keypair) error {
	if kp == nil {
		return fmt.Errorf("%w: no keypair", ErrSigning)
	}
	msg.Seal().Signer = kp.PublicKey().Bytes()
	sig, err := Sign[M, P](msg, kp)
	if err != nil {
		return err
	}
	msg.Seal().Signature = sig
	return nil
}

// Verify reports whether sig is pub's signature over msg's canonical form.
// Any failure, including an encoding failure, is false.
func Verify[M any, P interface {
	*M
	Message
}](msg P, sig []byte, pub keys.PublicKey) bool {
	raw, err := Canonical[M, P](msg)
	if err != nil {
		return false
	}
	return pub.Verify(raw, sig)
}

// VerifySelf checks the embedded signature against the embedded signer.
func VerifySelf[M any, P interface {
	*M
	Message
}](msg P) bool {
	if msg == nil {
		return false
	}
	pub, err := keys.ParseBytes(msg.Seal().Signer)
	if err != nil {
		return false
	}
	return Verify[M, P](msg, msg.Seal().Signature, pub)
}

// Verifier canonicalizes msg once and returns a check of its embedded
// signature against any candidate key.
func Verifier[M any, P interface {
	*M
	Message
}](msg P) func(keys.PublicKey) bool {
	raw, err := Canonical[M, P](msg)
	if err != nil {
		return func(keys.PublicKey) bool { return false }
	}
	sig := append([]byte(nil), msg.Seal().Signature...)
	return func(pub keys.PublicKey) bool {
		return pub.Verify(raw, sig)
	}
}

// ResponseSigner is the single writer of outbound signatures.
type ResponseSigner struct {
	kp  *keys.Keypair
	Now func() time.Time
}

func NewResponseSigner(kp *keys.Keypair) *ResponseSigner {
	return &ResponseSigner{kp: kp, Now: time.Now}
}

func (rs *ResponseSigner) PublicKey() keys.PublicKey {
	if rs == nil || rs.kp == nil {
		return keys.PublicKey{}
	}
	return rs.kp.PublicKey()
}

func (rs *ResponseSigner) now() time.Time {
	if rs.Now == nil {
		return time.Now()
	}
	return rs.Now()
}

// SignResponse stamps msg with the current time and the service key, then
// signs it. On error the signature field is left empty.
func SignResponse[M any, P interface {
	*M
	Stamped
}](rs *ResponseSigner, msg P) error {
	if rs == nil || rs.kp == nil {
		return fmt.Errorf("%w: response signer not configured", ErrSigning)
	}
	st := msg.Stamp()
	st.Timestamp = uint64(rs.now().Unix())
	st.Signer = rs.kp.PublicKey().Bytes()
	st.Signature = nil
	sig, err := Sign[M, P](msg, rs.kp)
	if err != nil {
		return err
	}
	st.Signature = sig
	return nil
}
