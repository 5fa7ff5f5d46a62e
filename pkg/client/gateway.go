package client

import (
	"context"
	"errors"
	"iter"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"meshtrust/pkg/envelope"
	"meshtrust/pkg/httpx"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
)

// StreamReadLimit bounds one websocket frame.
const StreamReadLimit = 8 << 20

type GatewayClient struct {
	*conn
}

func NewGatewayClient(opts Options) (*GatewayClient, error) {
	c, err := newConn(opts)
	if err != nil {
		return nil, err
	}
	return &GatewayClient{conn: c}, nil
}

// Info returns one gateway, or ErrNotFound.
func (g *GatewayClient) Info(ctx context.Context, address keys.PublicKey) (models.GatewayInfo, error) {
	res, err := call[models.GatewayInfoRes](ctx, g.conn, "/v1/gateways/info", &models.GatewayInfoReq{Address: address.Bytes()}, g.retries)
	if err != nil {
		return models.GatewayInfo{}, err
	}
	return res.Info, nil
}

// InfoBatch yields the gateways for addresses in chunks of at most
// batchSize, in request order. Unknown addresses are left out.
func (g *GatewayClient) InfoBatch(ctx context.Context, addresses []keys.PublicKey, batchSize uint32) iter.Seq2[[]models.GatewayInfo, error] {
	req := &models.GatewayInfoBatchReq{BatchSize: batchSize}
	for _, a := range addresses {
		req.Addresses = append(req.Addresses, a.Bytes())
	}
	return openStream(ctx, g.conn, "/v1/gateways/info/batch", req)
}

// InfoStream yields every gateway in chunks of at most batchSize.
func (g *GatewayClient) InfoStream(ctx context.Context, batchSize uint32) iter.Seq2[[]models.GatewayInfo, error] {
	return openStream(ctx, g.conn, "/v1/gateways/info/stream", &models.GatewayInfoStreamReq{BatchSize: batchSize})
}

// openStream sends req as the first websocket message and yields verified
// chunks until the server closes the stream. A terminal error frame or a
// chunk with a bad signature ends iteration with an error.
func openStream[Q any, PQ interface {
	*Q
	envelope.Message
}](ctx context.Context, c *conn, path string, req PQ) iter.Seq2[[]models.GatewayInfo, error] {
	return func(yield func([]models.GatewayInfo, error) bool) {
		if err := envelope.SignAs[Q, PQ](req, c.kp); err != nil {
			yield(nil, err)
			return
		}
		hc := *c.http
		hc.Timeout = 0
		ws, _, err := websocket.Dial(ctx, c.baseURL+path, &websocket.DialOptions{HTTPClient: &hc})
		if err != nil {
			yield(nil, err)
			return
		}
		defer ws.CloseNow()
		ws.SetReadLimit(StreamReadLimit)
		if err := wsjson.Write(ctx, ws, req); err != nil {
			yield(nil, err)
			return
		}
		for {
			var frame models.StreamFrame
			err := wsjson.Read(ctx, ws, &frame)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if frame.Error != nil {
				yield(nil, streamError(frame.Error))
				return
			}
			if frame.Chunk == nil {
				continue
			}
			if err := verifyResponse(c.server, frame.Chunk); err != nil {
				yield(nil, err)
				return
			}
			if !yield(frame.Chunk.Gateways, nil) {
				_ = ws.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}
}

func streamError(e *models.StreamError) error {
	se := &httpx.StatusError{Code: httpx.Code(e.Code), Message: e.Message}
	if se.Code == httpx.CodeNotFound {
		return errors.Join(ErrNotFound, se)
	}
	return se
}
