package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"meshtrust/pkg/auth"
	"meshtrust/pkg/authz"
	"meshtrust/pkg/envelope"
	"meshtrust/pkg/gateway"
	"meshtrust/pkg/httpx"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/metrics"
	"meshtrust/pkg/ratelimit"
	"meshtrust/pkg/telemetry"
	"meshtrust/pkg/threshold"
)

var (
	gatewayRoles       = []keys.Role{keys.RoleOracle, keys.RoleAdministrator}
	entityRoles        = []keys.Role{keys.RoleOracle, keys.RoleAdministrator}
	authorizationRoles = []keys.Role{keys.RoleOracle, keys.RoleRouter, keys.RoleAdministrator}
)

type Server struct {
	Oracle   *authz.Oracle
	Auth     *auth.Authenticator
	Gateways *gateway.Store
	Signer   *envelope.ResponseSigner
	Replay   *auth.ReplayGuard
	Limiter  ratelimit.Limiter
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	// Thresholds backs the read-only status API.
	Thresholds          threshold.Querier
	StatusTokens        auth.BearerTokens
	CORSAllowedOrigins  string
	WSOriginPatterns    []string
	MaxRequestBodyBytes int64
	StreamCapacity      int
	StreamWriteTimeout  time.Duration
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("configd"))
	r.Use(httpx.LimitBody(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "configd"})
	})

	r.Post("/v1/gateways/info", s.gatewayInfo)
	r.Get("/v1/gateways/info/batch", s.gatewayInfoBatch)
	r.Get("/v1/gateways/info/stream", s.gatewayInfoStream)
	r.Post("/v1/entity/verify", s.entityVerify)
	r.Post("/v1/authorization/verify", s.authorizationVerify)
	r.Post("/v1/authorization/list", s.authorizationList)
	r.Post("/v1/admin/keys/add", s.addKey)
	r.Post("/v1/admin/keys/remove", s.removeKey)

	r.Group(func(r chi.Router) {
		r.Use(auth.BearerMiddleware(s.StatusTokens))
		r.Get("/metrics", s.Metrics.PrometheusHandler())
		r.Get("/v1/status/hotspots/{pubkey}", s.hotspotStatus)
	})
	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// statusError maps a handler error onto what the caller may see.
func (s *Server) statusError(r *http.Request, err error) *httpx.StatusError {
	var se *httpx.StatusError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, keys.ErrInvalidIdentity):
		return httpx.Errorf(httpx.CodeInvalidArgument, "invalid public key")
	case errors.Is(err, auth.ErrPermissionDenied):
		s.Metrics.IncDenied(r.URL.Path)
		return httpx.Errorf(httpx.CodePermissionDenied, "permission denied")
	case errors.Is(err, gateway.ErrNotFound):
		return httpx.Errorf(httpx.CodeNotFound, "gateway not found")
	case errors.Is(err, envelope.ErrSigning):
		s.logger().Error("response signing failed", "path", r.URL.Path, "error", err)
		return httpx.Errorf(httpx.CodeInternal, "response signing failed")
	default:
		s.logger().Error("request failed", "path", r.URL.Path, "error", err)
		return httpx.Errorf(httpx.CodeInternal, "internal error")
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, s.statusError(r, err))
}

func decode[M any, P interface {
	*M
	envelope.Message
}](r *http.Request) (P, error) {
	msg := P(new(M))
	if err := json.NewDecoder(r.Body).Decode(msg); err != nil {
		return nil, httpx.Errorf(httpx.CodeInvalidArgument, "malformed request")
	}
	return msg, nil
}

// authenticate checks msg's signer and charges it against the rate limit.
func authenticate[M any, P interface {
	*M
	envelope.Message
}](s *Server, r *http.Request, msg P, subject []byte, roles ...keys.Role) (keys.PublicKey, error) {
	signer, err := auth.Check[M, P](r.Context(), s.Auth, msg, subject, roles...)
	if err != nil {
		return keys.PublicKey{}, err
	}
	if s.Limiter != nil {
		if d := s.Limiter.Allow(r.Context(), signer.String()); !d.Allowed {
			return keys.PublicKey{}, httpx.Errorf(httpx.CodeResourceExhausted, "rate limit exceeded")
		}
	}
	return signer, nil
}

func respond[M any, P interface {
	*M
	envelope.Stamped
}](s *Server, w http.ResponseWriter, r *http.Request, msg P) {
	if err := envelope.SignResponse[M, P](s.Signer, msg); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msg)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	s.code = http.StatusSwitchingProtocols
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		s.Metrics.Observe(r.Method+" "+path, rec.code, time.Since(start))
	})
}
