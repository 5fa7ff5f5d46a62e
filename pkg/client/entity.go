package client

import (
	"context"
	"errors"

	"meshtrust/pkg/models"
)

type EntityClient struct {
	*conn
}

func NewEntityClient(opts Options) (*EntityClient, error) {
	c, err := newConn(opts)
	if err != nil {
		return nil, err
	}
	return &EntityClient{conn: c}, nil
}

// Verify reports whether entityID is registered. An unknown entity is
// false with no error.
func (e *EntityClient) Verify(ctx context.Context, entityID []byte) (bool, error) {
	_, err := call[models.EntityVerifyRes](ctx, e.conn, "/v1/entity/verify", &models.EntityVerifyReq{EntityID: entityID}, e.retries)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
