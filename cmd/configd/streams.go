package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"meshtrust/pkg/gateway"
	"meshtrust/pkg/httpx"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
	"meshtrust/pkg/stream"
)

const requestReadTimeout = 10 * time.Second

// acceptStream upgrades the connection and reads the signed request that
// must be the first client message.
func (s *Server) acceptStream(w http.ResponseWriter, r *http.Request, req any) (*websocket.Conn, bool) {
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.WSOriginPatterns})
	if err != nil {
		s.logger().Debug("websocket accept failed", "error", err)
		return nil, false
	}
	if s.MaxRequestBodyBytes > 0 {
		conn.SetReadLimit(s.MaxRequestBodyBytes)
	}
	readCtx, cancel := context.WithTimeout(r.Context(), requestReadTimeout)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, req); err != nil {
		s.streamFail(r, conn, httpx.Errorf(httpx.CodeInvalidArgument, "malformed request"))
		_ = conn.CloseNow()
		return nil, false
	}
	return conn, true
}

func (s *Server) gatewayInfoStream(w http.ResponseWriter, r *http.Request) {
	var req models.GatewayInfoStreamReq
	conn, ok := s.acceptStream(w, r, &req)
	if !ok {
		return
	}
	defer conn.CloseNow()
	if _, err := authenticate(s, r, &req, nil, gatewayRoles...); err != nil {
		s.streamFail(r, conn, err)
		return
	}
	s.serveGateways(r, conn, req.BatchSize, s.Gateways.All)
}

func (s *Server) gatewayInfoBatch(w http.ResponseWriter, r *http.Request) {
	var req models.GatewayInfoBatchReq
	conn, ok := s.acceptStream(w, r, &req)
	if !ok {
		return
	}
	defer conn.CloseNow()
	if _, err := authenticate(s, r, &req, nil, gatewayRoles...); err != nil {
		s.streamFail(r, conn, err)
		return
	}
	addresses := make([]string, 0, len(req.Addresses))
	for _, raw := range req.Addresses {
		address, err := keys.ParseBytes(raw)
		if err != nil {
			s.logger().Debug("skipping malformed gateway address", "path", r.URL.Path, "error", err)
			continue
		}
		addresses = append(addresses, address.String())
	}
	s.serveGateways(r, conn, req.BatchSize, func(ctx context.Context) iter.Seq2[gateway.Record, error] {
		return s.Gateways.Batch(ctx, addresses)
	})
}

// serveGateways runs the chunk producer detached from the socket writer.
// A client that goes away cancels the producer; a producer failure is sent
// as the final frame.
func (s *Server) serveGateways(r *http.Request, conn *websocket.Conn, batchSize uint32, source func(context.Context) iter.Seq2[gateway.Record, error]) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	chunker := gateway.Chunker(s.Signer, batchSize, s.logger())
	items := stream.Spawn(ctx, s.StreamCapacity, s.logger(), func(ctx context.Context, out chan<- stream.Item[*models.GatewayInfoStreamRes]) error {
		return chunker.Emit(ctx, out, source(ctx))
	})
	chunks := 0
	err := stream.Forward(ctx, items, func(chunk *models.GatewayInfoStreamRes) error {
		writeCtx, cancelWrite := context.WithTimeout(ctx, s.writeTimeout())
		defer cancelWrite()
		if err := wsjson.Write(writeCtx, conn, models.StreamFrame{Chunk: chunk}); err != nil {
			return fmt.Errorf("%w: %v", stream.ErrConsumerGone, err)
		}
		chunks++
		return nil
	})
	switch {
	case err == nil:
		s.logger().Debug("gateway stream finished", "path", r.URL.Path, "chunks", chunks)
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	case errors.Is(err, stream.ErrConsumerGone) || ctx.Err() != nil:
		s.logger().Debug("gateway stream consumer went away", "path", r.URL.Path, "chunks", chunks)
	default:
		s.streamFail(r, conn, err)
	}
}

func (s *Server) writeTimeout() time.Duration {
	if s.StreamWriteTimeout <= 0 {
		return 5 * time.Second
	}
	return s.StreamWriteTimeout
}

// streamFail sends the terminal error frame and closes the stream.
func (s *Server) streamFail(r *http.Request, conn *websocket.Conn, err error) {
	se := s.statusError(r, err)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.writeTimeout())
	defer cancel()
	frame := models.StreamFrame{Error: &models.StreamError{Code: string(se.Code), Message: se.Message}}
	if werr := wsjson.Write(writeCtx, conn, frame); werr != nil {
		s.logger().Debug("write stream error frame", "error", werr)
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "error")
}
