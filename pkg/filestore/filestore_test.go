package filestore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"meshtrust/pkg/pgfake"
)

type sample struct {
	ID   uint32 `cbor:"id"`
	Name string `cbor:"name"`
}

func encode(t *testing.T, recs ...sample) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	for _, rec := range recs {
		if err := fw.Write(rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestFramesRoundTrip(t *testing.T) {
	raw := encode(t, sample{1, "a"}, sample{2, "b"}, sample{3, "c"})
	var got []sample
	for rec, err := range ReadFrames[sample](bytes.NewReader(raw)) {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 3 || got[2].Name != "c" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestFramesEmptyFile(t *testing.T) {
	raw := encode(t)
	for _, err := range ReadFrames[sample](bytes.NewReader(raw)) {
		t.Fatalf("expected no records, got err=%v", err)
	}
}

func TestFramesTruncatedIsError(t *testing.T) {
	var plain bytes.Buffer
	fw := NewFrameWriter(&plain)
	_ = fw.Write(sample{1, "a"})
	_ = fw.Close()
	truncated := plain.Bytes()[:plain.Len()-12]
	var sawErr bool
	for _, err := range ReadFrames[sample](bytes.NewReader(truncated)) {
		if err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected an error from a truncated file")
	}
}

func TestParseFileInfo(t *testing.T) {
	info, err := ParseFileInfo("radio_threshold_ingest_report.1700000000123.gz")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.FileType != "radio_threshold_ingest_report" || info.Timestamp.UnixMilli() != 1700000000123 {
		t.Fatalf("unexpected info %+v", info)
	}
	if FileName(info.FileType, info.Timestamp) != info.Key {
		t.Fatal("file name must round trip")
	}
	for _, bad := range []string{"x.gz", "report.abc.gz", "report.123", ".123.gz"} {
		if _, err := ParseFileInfo(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

type fakeSource struct {
	mu     sync.Mutex
	files  map[string][]byte
	listed int
}

func (f *fakeSource) List(ctx context.Context, fileType string, afterMillis int64) ([]FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	var out []FileInfo
	for name := range f.files {
		info, err := ParseFileInfo(name)
		if err != nil || info.Timestamp.UnixMilli() < afterMillis {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.files[name])), nil
}

func processedDB(processed map[string]bool) *pgfake.DB {
	return &pgfake.DB{QueryRowFn: func(sql string, args []any) pgx.Row {
		if strings.Contains(sql, "MAX(file_timestamp)") {
			return &pgfake.Row{Values: []any{nil}}
		}
		return &pgfake.Row{Values: []any{processed[args[0].(string)]}}
	}}
}

func TestPollerDispatchesUnprocessedFiles(t *testing.T) {
	done := FileName("report", time.UnixMilli(1000))
	fresh := FileName("report", time.UnixMilli(2000))
	source := &fakeSource{files: map[string][]byte{
		done:  encode(t, sample{1, "old"}),
		fresh: encode(t, sample{2, "new"}),
	}}
	p := NewPoller[sample](source, processedDB(map[string]bool{done: true}), PollerConfig{FileType: "report", Interval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	select {
	case batch := <-p.Batches():
		if batch.Info.Key != fresh {
			t.Fatalf("unexpected file %s", batch.Info.Key)
		}
		var names []string
		for rec, err := range batch.Records() {
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			names = append(names, rec.Name)
		}
		if len(names) != 1 || names[0] != "new" {
			t.Fatalf("unexpected records %v", names)
		}
		_ = batch.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no batch dispatched")
	}
}

func TestPollerDoesNotRedispatchInflightFile(t *testing.T) {
	fresh := FileName("report", time.UnixMilli(2000))
	source := &fakeSource{files: map[string][]byte{fresh: encode(t, sample{2, "new"})}}
	p := NewPoller[sample](source, processedDB(map[string]bool{}), PollerConfig{FileType: "report", Interval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	first := <-p.Batches()
	p.Wake()
	select {
	case b := <-p.Batches():
		t.Fatalf("file %s dispatched twice while in flight", b.Info.Key)
	case <-time.After(100 * time.Millisecond):
	}
	_ = first.Close()
	p.Wake()
	select {
	case again := <-p.Batches():
		if again.Info.Key != fresh {
			t.Fatalf("unexpected file %s", again.Info.Key)
		}
		_ = again.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("released file was not offered again")
	}
}

func TestPollerClosesBatchesOnShutdown(t *testing.T) {
	p := NewPoller[sample](&fakeSource{files: map[string][]byte{}}, processedDB(nil), PollerConfig{FileType: "report"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	if _, ok := <-p.Batches(); ok {
		t.Fatal("batch channel must be closed")
	}
}

func TestMarkProcessed(t *testing.T) {
	db := &pgfake.DB{}
	info, _ := ParseFileInfo("report.5.gz")
	if err := MarkProcessed(context.Background(), db, info); err != nil {
		t.Fatalf("mark: %v", err)
	}
	calls := db.Snapshot()
	if len(calls) != 1 || calls[0].Args[0] != "report.5.gz" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}
