package auth

import (
	"context"
	"errors"

	"meshtrust/pkg/envelope"
	"meshtrust/pkg/keys"
)

// ErrPermissionDenied covers both an unauthorized signer and a bad
// signature. Callers cannot tell which check failed.
var ErrPermissionDenied = errors.New("permission denied")

// Authorizer is the role lookup the authenticator depends on.
type Authorizer interface {
	IsAuthorized(ctx context.Context, key keys.PublicKey, role keys.Role) bool
}

// Request is the identity-bearing part of an inbound signed message.
type Request struct {
	Signer []byte
	// Subject is the entity the request concerns, nil when there is none.
	Subject []byte
	// Roles lists the roles accepted for a signer other than the subject.
	Roles []keys.Role
	// Verify checks the message signature against a candidate key.
	Verify func(keys.PublicKey) bool
}

type Authenticator struct {
	authz Authorizer
}

func NewAuthenticator(authz Authorizer) *Authenticator {
	return &Authenticator{authz: authz}
}

// Authenticate returns the verified signer. Malformed keys yield an error
// wrapping keys.ErrInvalidIdentity; everything else is ErrPermissionDenied.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (keys.PublicKey, error) {
	signer, err := keys.ParseBytes(req.Signer)
	if err != nil {
		return keys.PublicKey{}, err
	}
	if req.Verify == nil {
		return keys.PublicKey{}, ErrPermissionDenied
	}
	if req.Subject != nil {
		subject, err := keys.ParseBytes(req.Subject)
		if err != nil {
			return keys.PublicKey{}, err
		}
		if subject == signer && req.Verify(signer) {
			return signer, nil
		}
	}
	if !a.hasRole(ctx, signer, req.Roles) {
		return keys.PublicKey{}, ErrPermissionDenied
	}
	if !req.Verify(signer) {
		return keys.PublicKey{}, ErrPermissionDenied
	}
	return signer, nil
}

func (a *Authenticator) hasRole(ctx context.Context, signer keys.PublicKey, roles []keys.Role) bool {
	for _, role := range roles {
		if a.authz.IsAuthorized(ctx, signer, role) {
			return true
		}
	}
	return false
}

// Check authenticates a signed message. subject may be nil.
func Check[M any, P interface {
	*M
	envelope.Message
}](ctx context.Context, a *Authenticator, msg P, subject []byte, roles ...keys.Role) (keys.PublicKey, error) {
	return a.Authenticate(ctx, Request{
		Signer:  msg.Seal().Signer,
		Subject: subject,
		Roles:   roles,
		Verify:  envelope.Verifier[M, P](msg),
	})
}
