package threshold

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"meshtrust/pkg/filestore"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
	"meshtrust/pkg/pgfake"
)

type fakeVerifier struct {
	authorized map[string]bool
	err        error
}

func (f *fakeVerifier) VerifyAuthorizedKey(ctx context.Context, key []byte, role keys.Role) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if role != keys.RoleCarrier {
		return false, nil
	}
	return f.authorized[string(key)], nil
}

type fakeSink struct {
	written    []models.VerifiedReport
	tags       []string
	committed  []models.VerifiedReport
	commits    int
	rollbacks  int
	commitErr  error
	pendingIdx int
}

func (f *fakeSink) Write(ctx context.Context, rec models.VerifiedReport, tags map[string]string) error {
	f.written = append(f.written, rec)
	f.tags = append(f.tags, tags["report_status"])
	return nil
}

func (f *fakeSink) Commit(ctx context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	f.committed = append(f.committed, f.written[f.pendingIdx:]...)
	f.pendingIdx = len(f.written)
	return nil
}

func (f *fakeSink) Rollback(ctx context.Context) error {
	f.rollbacks++
	f.written = f.written[:f.pendingIdx]
	f.tags = f.tags[:f.pendingIdx]
	return nil
}

type fakeBeginner struct {
	tx       *pgfake.Tx
	begins   int
	beginErr error
}

func (f *fakeBeginner) Begin(ctx context.Context) (Tx, error) {
	f.begins++
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

// legacyTx answers the grandfathered lookup from a set of hotspot keys.
func legacyTx(legacy map[string]bool, lookupErr error) *pgfake.Tx {
	tx := &pgfake.Tx{}
	tx.QueryRowFn = func(sql string, args []any) pgx.Row {
		if lookupErr != nil {
			return &pgfake.Row{Err: lookupErr}
		}
		return &pgfake.Row{Values: []any{legacy[args[0].(string)]}}
	}
	return tx
}

func keypair(t *testing.T) keys.PublicKey {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp.PublicKey()
}

func report(hotspot, carrier keys.PublicKey, cbsd string, bytesThreshold uint64) models.IngestReport {
	return models.IngestReport{
		ReceivedTimestamp: 1700000000000,
		Report: models.RadioThresholdReport{
			HotspotPubkey:       hotspot.Bytes(),
			CbsdID:              cbsd,
			BytesThreshold:      bytesThreshold,
			SubscriberThreshold: 3,
			ThresholdTimestamp:  1699990000,
			CarrierPubkey:       carrier.Bytes(),
		},
	}
}

func seq(reports []models.IngestReport, tail error) iter.Seq2[models.IngestReport, error] {
	return func(yield func(models.IngestReport, error) bool) {
		for _, r := range reports {
			if !yield(r, nil) {
				return
			}
		}
		if tail != nil {
			yield(models.IngestReport{}, tail)
		}
	}
}

func upserts(tx *pgfake.Tx) []pgfake.Call {
	var out []pgfake.Call
	for _, c := range tx.Snapshot() {
		if strings.Contains(c.SQL, "INSERT INTO radio_threshold") {
			out = append(out, c)
		}
	}
	return out
}

var fileInfo = filestore.FileInfo{Key: "radio_threshold_ingest_report.1700000000000.gz", FileType: IngestFileType, Timestamp: time.UnixMilli(1700000000000)}

func TestProcessFileScenario(t *testing.T) {
	c1, c2 := keypair(t), keypair(t)
	h1, h2, h2b, h3 := keypair(t), keypair(t), keypair(t), keypair(t)
	verifier := &fakeVerifier{authorized: map[string]bool{string(c1.Bytes()): true}}
	tx := legacyTx(map[string]bool{h2.String(): true, h2b.String(): true}, nil)
	sink := &fakeSink{}
	ing := NewIngestor(&fakeBeginner{tx: tx}, verifier, sink)

	reports := []models.IngestReport{
		report(h1, c1, "", 100),
		report(h2, c1, "cbsd-2", 200),
		report(h2b, c2, "", 250),
		report(h3, c2, "", 300),
	}
	if err := ing.ProcessFile(context.Background(), fileInfo, seq(reports, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	want := []models.ReportStatus{
		models.ReportStatusValid,
		models.ReportStatusLegacyValid,
		models.ReportStatusInvalidCarrierKey,
		models.ReportStatusInvalidCarrierKey,
	}
	if len(sink.committed) != len(reports) {
		t.Fatalf("expected %d audit records, got %d", len(reports), len(sink.committed))
	}
	for idx, rec := range sink.committed {
		if rec.Status != want[idx] {
			t.Fatalf("report %d: expected %s, got %s", idx, want[idx], rec.Status)
		}
		if sink.tags[idx] != string(want[idx]) {
			t.Fatalf("report %d: audit tag %q", idx, sink.tags[idx])
		}
		if !bytes.Equal(rec.Report.Report.HotspotPubkey, reports[idx].Report.HotspotPubkey) {
			t.Fatalf("report %d: audit record must carry the original report", idx)
		}
	}

	saved := upserts(tx)
	if len(saved) != 2 {
		t.Fatalf("expected 2 persisted reports, got %d", len(saved))
	}
	if saved[0].Args[0] != h1.String() || saved[1].Args[0] != h2.String() {
		t.Fatalf("unexpected persisted hotspots %v %v", saved[0].Args[0], saved[1].Args[0])
	}
	if saved[0].Args[1] != (*string)(nil) {
		t.Fatal("missing cbsd_id must be stored as NULL")
	}
	if cbsd, ok := saved[1].Args[1].(*string); !ok || *cbsd != "cbsd-2" {
		t.Fatalf("unexpected cbsd arg %v", saved[1].Args[1])
	}
	if !tx.Committed || tx.RolledBack {
		t.Fatal("transaction must be committed")
	}
	if sink.commits != 1 || sink.rollbacks != 0 {
		t.Fatalf("sink commits=%d rollbacks=%d", sink.commits, sink.rollbacks)
	}
	first := tx.Snapshot()[0]
	if !strings.Contains(first.SQL, "files_processed") || first.Args[0] != fileInfo.Key {
		t.Fatal("file must be recorded inside the transaction")
	}
}

func TestLegacyDoesNotRescueInvalidCarrier(t *testing.T) {
	hotspot, carrier := keypair(t), keypair(t)
	ing := NewIngestor(nil, &fakeVerifier{}, &fakeSink{})
	tx := legacyTx(map[string]bool{hotspot.String(): true}, nil)
	status, _, err := ing.Verify(context.Background(), tx, report(hotspot, carrier, "", 1).Report)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if status != models.ReportStatusInvalidCarrierKey {
		t.Fatalf("expected invalid carrier key, got %s", status)
	}
}

func TestVerifierErrorCountsAsUnauthorized(t *testing.T) {
	hotspot, carrier := keypair(t), keypair(t)
	ing := NewIngestor(nil, &fakeVerifier{err: errors.New("config service unavailable")}, &fakeSink{})
	status, _, err := ing.Verify(context.Background(), legacyTx(nil, nil), report(hotspot, carrier, "", 1).Report)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if status != models.ReportStatusInvalidCarrierKey {
		t.Fatalf("expected invalid carrier key, got %s", status)
	}
}

func TestMalformedHotspotIsAuditedNotPersisted(t *testing.T) {
	carrier := keypair(t)
	rep := report(keypair(t), carrier, "", 1)
	rep.Report.HotspotPubkey = []byte{1, 2, 3}
	tx := legacyTx(nil, nil)
	sink := &fakeSink{}
	ing := NewIngestor(&fakeBeginner{tx: tx}, &fakeVerifier{authorized: map[string]bool{string(carrier.Bytes()): true}}, sink)
	if err := ing.ProcessFile(context.Background(), fileInfo, seq([]models.IngestReport{rep}, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(upserts(tx)) != 0 {
		t.Fatal("malformed hotspot must not be persisted")
	}
	if len(sink.committed) != 1 || sink.committed[0].Status != models.ReportStatusInvalidHotspotKey {
		t.Fatalf("unexpected audit %+v", sink.committed)
	}
}

func TestLegacyLookupFailureRollsBackFile(t *testing.T) {
	c1, h1 := keypair(t), keypair(t)
	tx := legacyTx(nil, errors.New("connection reset"))
	sink := &fakeSink{}
	ing := NewIngestor(&fakeBeginner{tx: tx}, &fakeVerifier{authorized: map[string]bool{string(c1.Bytes()): true}}, sink)
	err := ing.ProcessFile(context.Background(), fileInfo, seq([]models.IngestReport{report(h1, c1, "", 1)}, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if tx.Committed || !tx.RolledBack {
		t.Fatal("transaction must be rolled back")
	}
	if sink.rollbacks != 1 || len(sink.committed) != 0 {
		t.Fatal("audit records of a failed file must be discarded")
	}
}

func TestReadErrorMidFileRollsBack(t *testing.T) {
	c1 := keypair(t)
	tx := legacyTx(nil, nil)
	sink := &fakeSink{}
	ing := NewIngestor(&fakeBeginner{tx: tx}, &fakeVerifier{authorized: map[string]bool{string(c1.Bytes()): true}}, sink)
	reports := []models.IngestReport{report(keypair(t), c1, "", 1), report(keypair(t), c1, "", 2)}
	err := ing.ProcessFile(context.Background(), fileInfo, seq(reports, io.ErrUnexpectedEOF))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected read error, got %v", err)
	}
	if tx.Committed || len(sink.written) != 0 || len(sink.committed) != 0 {
		t.Fatal("nothing from a truncated file may survive")
	}
}

func TestCommitFailureRollsBackAudit(t *testing.T) {
	c1 := keypair(t)
	tx := legacyTx(nil, nil)
	tx.CommitErr = errors.New("serialization failure")
	sink := &fakeSink{}
	ing := NewIngestor(&fakeBeginner{tx: tx}, &fakeVerifier{authorized: map[string]bool{string(c1.Bytes()): true}}, sink)
	if err := ing.ProcessFile(context.Background(), fileInfo, seq([]models.IngestReport{report(keypair(t), c1, "", 1)}, nil)); err == nil {
		t.Fatal("expected commit error")
	}
	if sink.commits != 0 || sink.rollbacks != 1 {
		t.Fatalf("sink commits=%d rollbacks=%d", sink.commits, sink.rollbacks)
	}
}

func TestSinkCommitFailureKeepsPersistedFile(t *testing.T) {
	c1 := keypair(t)
	tx := legacyTx(nil, nil)
	sink := &fakeSink{commitErr: errors.New("upload failed")}
	ing := NewIngestor(&fakeBeginner{tx: tx}, &fakeVerifier{authorized: map[string]bool{string(c1.Bytes()): true}}, sink)
	if err := ing.ProcessFile(context.Background(), fileInfo, seq([]models.IngestReport{report(keypair(t), c1, "", 1)}, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !tx.Committed || sink.rollbacks != 0 || len(sink.written) != 1 {
		t.Fatal("audit records must stay staged after a failed upload")
	}
}

func TestRunPrefersShutdown(t *testing.T) {
	files := make(chan *filestore.Batch[models.IngestReport], 1)
	files <- filestore.NewBatch[models.IngestReport](fileInfo, io.NopCloser(bytes.NewReader(nil)))
	beginner := &fakeBeginner{tx: legacyTx(nil, nil)}
	ing := NewIngestor(beginner, &fakeVerifier{}, &fakeSink{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ing.Run(ctx, files); err != nil {
		t.Fatalf("run: %v", err)
	}
	if beginner.begins != 0 {
		t.Fatal("no file may start after shutdown")
	}
}

func TestRunProcessesFilesUntilClosed(t *testing.T) {
	c1 := keypair(t)
	var body bytes.Buffer
	fw := filestore.NewFrameWriter(&body)
	_ = fw.Write(report(keypair(t), c1, "", 1))
	_ = fw.Close()

	files := make(chan *filestore.Batch[models.IngestReport], 1)
	files <- filestore.NewBatch[models.IngestReport](fileInfo, io.NopCloser(bytes.NewReader(body.Bytes())))
	close(files)
	tx := legacyTx(nil, nil)
	sink := &fakeSink{}
	ing := NewIngestor(&fakeBeginner{tx: tx}, &fakeVerifier{authorized: map[string]bool{string(c1.Bytes()): true}}, sink)
	if err := ing.Run(context.Background(), files); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !tx.Committed || len(sink.committed) != 1 || sink.committed[0].Status != models.ReportStatusValid {
		t.Fatalf("file was not applied: committed=%v audit=%+v", tx.Committed, sink.committed)
	}
}

func TestLoadVerified(t *testing.T) {
	h := keypair(t)
	cbsd := "cbsd-1"
	db := &pgfake.DB{QueryFn: func(sql string, args []any) (pgx.Rows, error) {
		return pgfake.NewRows([]any{h.String(), nil}, []any{h.String(), cbsd}), nil
	}}
	verified, err := LoadVerified(context.Background(), db, time.Now())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !verified.IsVerified(h, "") || !verified.IsVerified(h, cbsd) || verified.IsVerified(h, "other") {
		t.Fatalf("unexpected verified set %v", verified)
	}
}
