// Package client calls configd. Requests are signed with the caller's
// keypair and every response must carry the configured server signature.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meshtrust/pkg/envelope"
	"meshtrust/pkg/httpx"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/telemetry"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidResponseSignature = errors.New("invalid response signature")
)

type Options struct {
	// BaseURL is the configd root, for example https://config.example.com.
	BaseURL   string
	ServerKey keys.PublicKey
	Keypair   *keys.Keypair
	// HTTPClient defaults to an instrumented client with a 10s timeout.
	HTTPClient *http.Client
	// Retries applies to read-only calls.
	Retries    int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

type conn struct {
	baseURL    string
	server     keys.PublicKey
	kp         *keys.Keypair
	http       *http.Client
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func newConn(opts Options) (*conn, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base url required")
	}
	if opts.ServerKey.IsZero() {
		return nil, errors.New("client: server key required")
	}
	if opts.Keypair == nil {
		return nil, errors.New("client: keypair required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = telemetry.InstrumentClient(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &conn{
		baseURL:    base,
		server:     opts.ServerKey,
		kp:         opts.Keypair,
		http:       hc,
		retries:    max(opts.Retries, 0),
		retryDelay: delay,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// call signs req, posts it to path and returns the verified response.
// Non-200 answers become *httpx.StatusError, joined with ErrNotFound for a
// not found code.
func call[S any, Q any, PS interface {
	*S
	envelope.Message
}, PQ interface {
	*Q
	envelope.Message
}](ctx context.Context, c *conn, path string, req PQ, retries int) (PS, error) {
	if err := envelope.SignAs[Q, PQ](req, c.kp); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	status, raw, err := httpx.RequestJSON(ctx, c.http, http.MethodPost, c.baseURL+path, body, nil, retries, c.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if status != http.StatusOK {
		se := httpx.ParseError(status, raw)
		if se.Code == httpx.CodeNotFound {
			return nil, errors.Join(ErrNotFound, se)
		}
		return nil, se
	}
	res := PS(new(S))
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if err := verifyResponse[S, PS](c.server, res); err != nil {
		return nil, err
	}
	return res, nil
}

func verifyResponse[S any, PS interface {
	*S
	envelope.Message
}](server keys.PublicKey, res PS) error {
	signer, err := keys.ParseBytes(res.Seal().Signer)
	if err != nil || !signer.Equal(server) || !envelope.VerifySelf[S, PS](res) {
		return ErrInvalidResponseSignature
	}
	return nil
}
