package client

import (
	"context"
	"errors"

	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
)

// AuthorizationClient asks configd whether keys hold roles. It implements
// authz.Verifier for services that have no database of their own.
type AuthorizationClient struct {
	*conn
}

func NewAuthorizationClient(opts Options) (*AuthorizationClient, error) {
	c, err := newConn(opts)
	if err != nil {
		return nil, err
	}
	return &AuthorizationClient{conn: c}, nil
}

// Verify reports whether key holds role. A refusal or a failed call is
// false; only a response with a bad signature is an error.
func (a *AuthorizationClient) Verify(ctx context.Context, key keys.PublicKey, role keys.Role) (bool, error) {
	req := &models.AuthorizationVerifyReq{Pubkey: key.Bytes(), Role: role}
	_, err := call[models.AuthorizationVerifyRes](ctx, a.conn, "/v1/authorization/verify", req, a.retries)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrInvalidResponseSignature):
		return false, err
	default:
		a.logger.Debug("authorization check refused", "role", role.String(), "error", err)
		return false, nil
	}
}

func (a *AuthorizationClient) VerifyAuthorizedKey(ctx context.Context, key []byte, role keys.Role) (bool, error) {
	pub, err := keys.ParseBytes(key)
	if err != nil {
		return false, nil
	}
	return a.Verify(ctx, pub, role)
}

// List returns the keys holding role. Malformed keys in the answer are
// skipped.
func (a *AuthorizationClient) List(ctx context.Context, role keys.Role) ([]keys.PublicKey, error) {
	res, err := call[models.AuthorizationListRes](ctx, a.conn, "/v1/authorization/list", &models.AuthorizationListReq{Role: role}, a.retries)
	if err != nil {
		return nil, err
	}
	out := make([]keys.PublicKey, 0, len(res.Pubkeys))
	for _, raw := range res.Pubkeys {
		pub, err := keys.ParseBytes(raw)
		if err != nil {
			a.logger.Debug("skipping malformed listed key", "error", err)
			continue
		}
		out = append(out, pub)
	}
	return out, nil
}
