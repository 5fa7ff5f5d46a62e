package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshtrust/pkg/filestore"
	"meshtrust/pkg/metrics"
)

const DefaultMaxFileBytes = 50 << 20

// Uploader receives finished audit files.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64) error
}

type Config struct {
	// FileType prefixes uploaded object names.
	FileType string
	// Dir holds staged files until they are committed.
	Dir string
	// MaxFileBytes rolls the staged file once its uncompressed size passes
	// this bound.
	MaxFileBytes int64
}

// Sink is an append-only audit trail. Writes are staged locally and only
// become visible downstream on Commit; Rollback discards everything
// written since the last Commit. Committed files that failed to upload are
// never discarded.
type Sink[T any] struct {
	cfg     Config
	up      Uploader
	logger  *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu         sync.Mutex
	current    *stagedFile
	sealed     []*stagedFile
	committed  []*stagedFile
	lastMillis int64
}

type stagedFile struct {
	path string
	file *os.File
	fw   *filestore.FrameWriter
}

func NewSink[T any](cfg Config, up Uploader, logger *slog.Logger, reg *metrics.Registry) (*Sink[T], error) {
	if cfg.FileType == "" {
		return nil, errors.New("audit sink: file type is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "meshtrust-audit")
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit sink: staging dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink[T]{cfg: cfg, up: up, logger: logger, metrics: reg, now: time.Now}, nil
}

// Write stages rec. Tags are recorded as metrics only.
func (s *Sink[T]) Write(ctx context.Context, rec T, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		staged, err := s.open()
		if err != nil {
			return err
		}
		s.current = staged
	}
	if err := s.current.fw.Write(rec); err != nil {
		return fmt.Errorf("audit sink: write: %w", err)
	}
	if status, ok := tags["report_status"]; ok {
		s.metrics.IncOutcome(status)
	}
	if s.current.fw.Bytes() >= s.cfg.MaxFileBytes {
		if err := s.sealCurrent(); err != nil {
			return err
		}
	}
	return nil
}

// Commit uploads every staged file in write order. Files that fail to
// upload stay staged for the next Commit.
func (s *Sink[T]) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sealCurrent(); err != nil {
		return err
	}
	s.committed = append(s.committed, s.sealed...)
	s.sealed = nil
	for len(s.committed) > 0 {
		staged := s.committed[0]
		if err := s.upload(ctx, staged); err != nil {
			return err
		}
		s.committed = s.committed[1:]
		if err := os.Remove(staged.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove uploaded audit file", "path", staged.path, "error", err)
		}
	}
	return nil
}

// Rollback drops everything written since the last Commit. Files from
// earlier Commits still waiting on upload are kept.
func (s *Sink[T]) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.current != nil {
		_ = s.current.fw.Close()
		_ = s.current.file.Close()
		s.sealed = append(s.sealed, s.current)
		s.current = nil
	}
	for _, staged := range s.sealed {
		if err := os.Remove(staged.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.sealed = nil
	return errors.Join(errs...)
}

// Pending reports how many staged files await Commit, including the open
// one.
func (s *Sink[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.committed) + len(s.sealed)
	if s.current != nil {
		n++
	}
	return n
}

func (s *Sink[T]) open() (*stagedFile, error) {
	path := filepath.Join(s.cfg.Dir, uuid.NewString()+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit sink: stage file: %w", err)
	}
	return &stagedFile{path: path, file: f, fw: filestore.NewFrameWriter(f)}, nil
}

func (s *Sink[T]) sealCurrent() error {
	if s.current == nil {
		return nil
	}
	staged := s.current
	s.current = nil
	if err := staged.fw.Close(); err != nil {
		_ = staged.file.Close()
		return fmt.Errorf("audit sink: finish file: %w", err)
	}
	if err := staged.file.Close(); err != nil {
		return fmt.Errorf("audit sink: close file: %w", err)
	}
	s.sealed = append(s.sealed, staged)
	return nil
}

func (s *Sink[T]) upload(ctx context.Context, staged *stagedFile) error {
	f, err := os.Open(staged.path)
	if err != nil {
		return fmt.Errorf("audit sink: reopen: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("audit sink: stat: %w", err)
	}
	name := filestore.FileName(s.cfg.FileType, s.nextTimestamp())
	if err := s.up.Upload(ctx, name, f, info.Size()); err != nil {
		return fmt.Errorf("audit sink: upload: %w", err)
	}
	s.metrics.Inc("audit_files_uploaded_total")
	s.logger.Debug("uploaded audit file", "name", name, "bytes", info.Size())
	return nil
}

// nextTimestamp keeps object names unique when files roll within the same
// millisecond.
func (s *Sink[T]) nextTimestamp() time.Time {
	millis := s.now().UnixMilli()
	if millis <= s.lastMillis {
		millis = s.lastMillis + 1
	}
	s.lastMillis = millis
	return time.UnixMilli(millis)
}
