package threshold

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"meshtrust/pkg/authz"
	"meshtrust/pkg/filestore"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/metrics"
	"meshtrust/pkg/models"
)

const (
	// IngestFileType names incoming report files.
	IngestFileType = "radio_threshold_ingest_report"
	// VerifiedFileType names audit output files.
	VerifiedFileType = "verified_radio_threshold_report"

	DefaultFileTimeout = 5 * time.Minute
)

// AuditSink receives one record per evaluated report.
type AuditSink interface {
	Write(ctx context.Context, rec models.VerifiedReport, tags map[string]string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ingestor verifies radio threshold reports file by file. Accepted reports
// of a file are persisted in one transaction; every report is audited.
type Ingestor struct {
	db          Beginner
	verifier    authz.Verifier
	sink        AuditSink
	fileTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Registry
	now         func() time.Time
}

type Option func(*Ingestor)

func WithFileTimeout(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.fileTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func WithMetrics(reg *metrics.Registry) Option {
	return func(i *Ingestor) { i.metrics = reg }
}

func NewIngestor(db Beginner, verifier authz.Verifier, sink AuditSink, opts ...Option) *Ingestor {
	i := &Ingestor{
		db:          db,
		verifier:    verifier,
		sink:        sink,
		fileTimeout: DefaultFileTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run processes files until ctx is done or files is closed. Shutdown wins
// over a file that is already waiting. A failed file is logged and left
// unrecorded so the poller offers it again.
func (i *Ingestor) Run(ctx context.Context, files <-chan *filestore.Batch[models.IngestReport]) error {
	i.logger.Info("starting radio threshold ingestor")
	defer i.logger.Info("stopping radio threshold ingestor")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-files:
			if !ok {
				return nil
			}
			i.handle(ctx, batch)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, batch *filestore.Batch[models.IngestReport]) {
	start := time.Now()
	err := i.ProcessFile(ctx, batch.Info, batch.Records())
	if cerr := batch.Close(); cerr != nil {
		i.logger.Debug("close report file", "file", batch.Info.Key, "error", cerr)
	}
	if err != nil {
		i.metrics.Inc("files_failed_total")
		i.logger.Error("radio threshold file failed", "file", batch.Info.Key, "error", err)
		return
	}
	i.metrics.Inc("files_processed_total")
	i.logger.Info("processed radio threshold file", "file", batch.Info.Key, "elapsed", time.Since(start))
}

// ProcessFile applies one file. On error nothing from the file is
// persisted and its audit records are discarded.
func (i *Ingestor) ProcessFile(ctx context.Context, info filestore.FileInfo, reports iter.Seq2[models.IngestReport, error]) (err error) {
	ctx, cancel := context.WithTimeout(ctx, i.fileTimeout)
	defer cancel()

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(cleanupCtx); rbErr != nil {
			i.logger.Debug("rollback radio threshold file", "file", info.Key, "error", rbErr)
		}
		if sinkErr := i.sink.Rollback(cleanupCtx); sinkErr != nil {
			err = errors.Join(err, fmt.Errorf("discard audit records: %w", sinkErr))
		}
	}()

	if err = filestore.MarkProcessed(ctx, tx, info); err != nil {
		return err
	}
	count := 0
	for report, readErr := range reports {
		if readErr != nil {
			return fmt.Errorf("read report %d: %w", count, readErr)
		}
		if err = i.apply(ctx, tx, report); err != nil {
			return fmt.Errorf("report %d: %w", count, err)
		}
		count++
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	if sinkErr := i.sink.Commit(ctx); sinkErr != nil {
		// Staged records stay with the sink and go out with its next commit.
		i.logger.Warn("audit commit failed", "file", info.Key, "error", sinkErr)
	}
	i.logger.Debug("applied radio threshold file", "file", info.Key, "reports", count)
	return nil
}

func (i *Ingestor) apply(ctx context.Context, tx Tx, report models.IngestReport) error {
	status, hotspot, err := i.Verify(ctx, tx, report.Report)
	if err != nil {
		return err
	}
	if status.Met() {
		if err := Save(ctx, tx, hotspot, report); err != nil {
			return err
		}
	}
	rec := models.VerifiedReport{
		Report:    report,
		Status:    status,
		Timestamp: uint64(i.now().UnixMilli()),
	}
	if err := i.sink.Write(ctx, rec, map[string]string{"report_status": string(status)}); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Verify computes the outcome of one report. Only a failed legacy lookup
// is an error; a carrier check that cannot be answered counts as an
// unauthorized carrier.
func (i *Ingestor) Verify(ctx context.Context, db RowQuerier, report models.RadioThresholdReport) (models.ReportStatus, keys.PublicKey, error) {
	hotspot, err := keys.ParseBytes(report.HotspotPubkey)
	if err != nil {
		return models.ReportStatusInvalidHotspotKey, keys.PublicKey{}, nil
	}
	legacy, err := IsLegacy(ctx, db, hotspot, report.CbsdID)
	if err != nil {
		return "", keys.PublicKey{}, err
	}
	status := models.ReportStatusValid
	if !i.knownCarrier(ctx, report.CarrierPubkey) {
		status = models.ReportStatusInvalidCarrierKey
	}
	if legacy && status == models.ReportStatusValid {
		status = models.ReportStatusLegacyValid
	}
	return status, hotspot, nil
}

func (i *Ingestor) knownCarrier(ctx context.Context, carrier []byte) bool {
	ok, err := i.verifier.VerifyAuthorizedKey(ctx, carrier, keys.RoleCarrier)
	if err != nil {
		i.logger.Debug("carrier key check failed", "error", err)
		return false
	}
	return ok
}
