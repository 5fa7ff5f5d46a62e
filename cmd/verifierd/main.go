// Command verifierd ingests radio threshold report files, records accepted
// thresholds and uploads an audit trail of every outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"meshtrust/pkg/audit"
	"meshtrust/pkg/authz"
	"meshtrust/pkg/client"
	"meshtrust/pkg/config"
	"meshtrust/pkg/filebus"
	"meshtrust/pkg/filestore"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/metrics"
	"meshtrust/pkg/models"
	"meshtrust/pkg/store"
	"meshtrust/pkg/telemetry"
	"meshtrust/pkg/threshold"
)

type verifierDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// bucket is one object store bucket: report files are read from the
// incoming bucket and audit files written to the audit bucket.
type bucket interface {
	filestore.Source
	audit.Uploader
}

type (
	initTelemetryFunc func(ctx context.Context, service string, logger *slog.Logger) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context, cfg config.DatabaseConfig) (verifierDB, threshold.Beginner, func(), error)
	openBucketFunc    func(ctx context.Context, cfg config.S3Config, name string) (bucket, error)
	openConsumerFunc  func(cfg config.KafkaConfig) (filebus.Consumer, error)
	listenFunc        func(ctx context.Context, server *http.Server) error
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn initTelemetryFunc = telemetry.Init
	openDBFn        openDBFunc        = func(ctx context.Context, cfg config.DatabaseConfig) (verifierDB, threshold.Beginner, func(), error) {
		pool, err := store.NewPostgresPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return pool, threshold.PoolBeginner{Pool: pool}, pool.Close, nil
	}
	openBucketFn   openBucketFunc   = openMinIO
	openConsumerFn openConsumerFunc = func(cfg config.KafkaConfig) (filebus.Consumer, error) {
		return filebus.NewKafkaConsumer(filebus.KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.Topic, GroupID: cfg.GroupID})
	}
	listenFn listenFunc = listenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	d := deps{
		initTelemetry: initTelemetryFn,
		openDB:        openDBFn,
		openBucket:    openBucketFn,
		openConsumer:  openConsumerFn,
		listen:        listenFn,
	}
	if err := runVerifierd(ctx, os.Args[1:], d); err != nil {
		logFatalf("verifierd: %v", err)
	}
}

type deps struct {
	initTelemetry initTelemetryFunc
	openDB        openDBFunc
	openBucket    openBucketFunc
	openConsumer  openConsumerFunc
	listen        listenFunc
}

func runVerifierd(ctx context.Context, args []string, d deps) error {
	flags := pflag.NewFlagSet("verifierd", pflag.ContinueOnError)
	cfgPath := flags.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML settings file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.Service == "" {
		cfg.Service = "verifierd"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateProduction(); err != nil {
		return err
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Service, cfg.LogLevel)
	slog.SetDefault(logger)

	if d.initTelemetry == nil {
		d.initTelemetry = telemetry.Init
	}
	shutdown, err := d.initTelemetry(ctx, cfg.Service, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if d.openDB == nil || d.openBucket == nil || d.listen == nil {
		return errors.New("database, bucket and listen functions required")
	}
	db, beginner, closeDB, err := d.openDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if closeDB != nil {
		defer closeDB()
	}

	verifier, oracle, err := newVerifier(cfg, db, logger)
	if err != nil {
		return err
	}

	incoming, err := d.openBucket(ctx, cfg.S3, cfg.S3.IncomingBucket)
	if err != nil {
		return fmt.Errorf("incoming bucket: %w", err)
	}
	verified, err := d.openBucket(ctx, cfg.S3, cfg.S3.AuditBucket)
	if err != nil {
		return fmt.Errorf("audit bucket: %w", err)
	}

	reg := metrics.NewRegistry()
	sink, err := audit.NewSink[models.VerifiedReport](audit.Config{
		FileType:     threshold.VerifiedFileType,
		Dir:          cfg.Ingest.AuditDir,
		MaxFileBytes: cfg.Ingest.AuditMaxBytes,
	}, verified, logger, reg)
	if err != nil {
		return err
	}
	poller := filestore.NewPoller[models.IngestReport](incoming, db, filestore.PollerConfig{
		FileType:   threshold.IngestFileType,
		Interval:   cfg.Ingest.PollInterval,
		Lookback:   cfg.Ingest.Lookback,
		StartAfter: cfg.Ingest.StartAfter,
	}, logger)
	ingestor := threshold.NewIngestor(beginner, verifier, sink,
		threshold.WithFileTimeout(cfg.Ingest.FileTimeout),
		threshold.WithLogger(logger),
		threshold.WithMetrics(reg),
	)

	var listener *filebus.Listener
	if cfg.Kafka.Enabled {
		if d.openConsumer == nil {
			return errors.New("kafka enabled without a consumer")
		}
		consumer, err := d.openConsumer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer consumer.Close()
		listener = filebus.NewListener(consumer, logger)
		listener.Route(threshold.IngestFileType, poller)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return ingestor.Run(gctx, poller.Batches()) })
	if oracle != nil {
		refresh := cfg.Authz.RefreshInterval
		if refresh <= 0 {
			refresh = time.Minute
		}
		g.Go(func() error { return oracle.Run(gctx, refresh) })
	}
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           opsRoutes(cfg, reg),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	g.Go(func() error { return d.listen(gctx, server) })
	logger.Info("verifierd started", "addr", cfg.HTTP.Addr, "incoming_bucket", cfg.S3.IncomingBucket, "kafka", cfg.Kafka.Enabled)

	err = g.Wait()
	if sink.Pending() > 0 {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := sink.Commit(flushCtx); ferr != nil {
			logger.Warn("audit files left staged at shutdown", "pending", sink.Pending(), "dir", cfg.Ingest.AuditDir, "error", ferr)
		}
	}
	return err
}

// newVerifier answers carrier checks from configd when AUTHZ_REMOTE_URL is
// set and from the local key table otherwise. The oracle is nil in the
// remote case.
func newVerifier(cfg config.Config, db verifierDB, logger *slog.Logger) (authz.Verifier, *authz.Oracle, error) {
	if cfg.Authz.RemoteURL == "" {
		oracle := authz.NewOracle(authz.NewPGStore(db),
			authz.WithLookupTimeout(cfg.Authz.LookupTimeout),
			authz.WithCache(authz.NewKeyCache(cfg.Authz.MaxStaleness)),
			authz.WithLogger(logger),
		)
		return oracle, oracle, nil
	}
	if cfg.Keys.ServerPubkey == "" {
		return nil, nil, errors.New("AUTHZ_REMOTE_URL requires SERVER_PUBKEY")
	}
	serverKey, err := keys.Parse(cfg.Keys.ServerPubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("server key: %w", err)
	}
	kp, err := cfg.SigningKeypair()
	if err != nil {
		return nil, nil, fmt.Errorf("signing key: %w", err)
	}
	remote, err := client.NewAuthorizationClient(client.Options{
		BaseURL:   cfg.Authz.RemoteURL,
		ServerKey: serverKey,
		Keypair:   kp,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return remote, nil, nil
}
