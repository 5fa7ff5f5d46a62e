package client

import (
	"context"

	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
)

// AdminClient changes the key registry. Its calls are never retried since
// configd rejects a replayed request.
type AdminClient struct {
	*conn
}

func NewAdminClient(opts Options) (*AdminClient, error) {
	c, err := newConn(opts)
	if err != nil {
		return nil, err
	}
	return &AdminClient{conn: c}, nil
}

func (a *AdminClient) AddKey(ctx context.Context, key keys.PublicKey, role keys.Role) error {
	req := &models.AdminAddKeyReq{Pubkey: key.Bytes(), Role: role}
	req.Timestamp = uint64(a.now().Unix())
	_, err := call[models.AdminKeyRes](ctx, a.conn, "/v1/admin/keys/add", req, 0)
	return err
}

func (a *AdminClient) RemoveKey(ctx context.Context, key keys.PublicKey, role keys.Role) error {
	req := &models.AdminRemoveKeyReq{Pubkey: key.Bytes(), Role: role}
	req.Timestamp = uint64(a.now().Unix())
	_, err := call[models.AdminKeyRes](ctx, a.conn, "/v1/admin/keys/remove", req, 0)
	return err
}
