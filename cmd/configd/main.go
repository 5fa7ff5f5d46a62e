// Command configd answers signed configuration queries and applies
// administrator key changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"meshtrust/pkg/auth"
	"meshtrust/pkg/authz"
	"meshtrust/pkg/config"
	"meshtrust/pkg/envelope"
	"meshtrust/pkg/gateway"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/metrics"
	"meshtrust/pkg/ratelimit"
	"meshtrust/pkg/store"
	"meshtrust/pkg/telemetry"
)

type configDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type (
	initTelemetryFunc func(ctx context.Context, service string, logger *slog.Logger) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context, cfg config.DatabaseConfig) (configDB, func(), error)
	openRedisFunc     func(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error)
	listenFunc        func(ctx context.Context, server *http.Server) error
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn initTelemetryFunc = telemetry.Init
	openDBFn        openDBFunc        = func(ctx context.Context, cfg config.DatabaseConfig) (configDB, func(), error) {
		pool, err := store.NewPostgresPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
	openRedisFn openRedisFunc = store.NewRedis
	listenFn    listenFunc    = listenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runConfigd(ctx, os.Args[1:], initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("configd: %v", err)
	}
}

func runConfigd(
	ctx context.Context,
	args []string,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
) error {
	flags := pflag.NewFlagSet("configd", pflag.ContinueOnError)
	cfgPath := flags.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML settings file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.Service == "" {
		cfg.Service = "configd"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateProduction(); err != nil {
		return err
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Service, cfg.LogLevel)
	slog.SetDefault(logger)

	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	shutdown, err := initTelemetry(ctx, cfg.Service, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	kp, err := cfg.SigningKeypair()
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	if cfg.Keys.ServerPubkey != "" {
		expected, _ := keys.Parse(cfg.Keys.ServerPubkey)
		if !expected.Equal(kp.PublicKey()) {
			return errors.New("signing key does not match SERVER_PUBKEY")
		}
	}

	if openDB == nil {
		return errors.New("open db function required")
	}
	db, closeDB, err := openDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if closeDB != nil {
		defer closeDB()
	}

	var redisClient *redis.Client
	if openRedis != nil {
		redisClient, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory replay guard and limits", "error", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	oracle := authz.NewOracle(authz.NewPGStore(db),
		authz.WithLookupTimeout(cfg.Authz.LookupTimeout),
		authz.WithCache(authz.NewKeyCache(cfg.Authz.MaxStaleness)),
		authz.WithLogger(logger),
	)
	for _, admin := range cfg.AdminKeys() {
		if err := oracle.AddKey(ctx, admin, keys.RoleAdministrator); err != nil {
			return fmt.Errorf("register admin key %s: %w", admin, err)
		}
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimit.Window, cfg.RateLimit.Limit)
	} else {
		limiter = ratelimit.NewInMemory(cfg.RateLimit.Window, cfg.RateLimit.Limit)
	}

	s := &Server{
		Oracle:              oracle,
		Auth:                auth.NewAuthenticator(oracle),
		Gateways:            gateway.NewStore(db),
		Signer:              envelope.NewResponseSigner(kp),
		Replay:              auth.NewReplayGuard(store.NewClaims(ctx, redisClient, "replay:"), cfg.Replay.Skew, cfg.Replay.TTL),
		Limiter:             limiter,
		Metrics:             metrics.NewRegistry(),
		Logger:              logger,
		Thresholds:          db,
		StatusTokens:        auth.ParseBearerTokens(cfg.HTTP.StatusTokens),
		CORSAllowedOrigins:  cfg.HTTP.CORSAllowedOrigins,
		WSOriginPatterns:    wsOriginPatterns(cfg.HTTP.CORSAllowedOrigins),
		MaxRequestBodyBytes: cfg.HTTP.MaxRequestBodyBytes,
	}

	refresh := cfg.Authz.RefreshInterval
	if refresh <= 0 {
		refresh = time.Minute
	}
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go func() { _ = oracle.Run(loopCtx, refresh) }()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	logger.Info("configd listening", "addr", cfg.HTTP.Addr, "pubkey", kp.PublicKey().String())
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(ctx, server)
}

// listenAndServe serves until ctx ends, then drains in-flight requests.
func listenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// wsOriginPatterns turns CORS origins into websocket host patterns.
func wsOriginPatterns(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" || p == "*" {
			continue
		}
		if u, err := url.Parse(p); err == nil && u.Host != "" {
			p = u.Host
		}
		out = append(out, p)
	}
	return out
}
