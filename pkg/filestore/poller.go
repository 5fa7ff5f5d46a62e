package filestore

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// Source lists and opens report files.
type Source interface {
	List(ctx context.Context, fileType string, afterMillis int64) ([]FileInfo, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Batch is one report file handed to a consumer. The consumer must Close
// it whether or not processing succeeded.
type Batch[T any] struct {
	Info    FileInfo
	body    io.ReadCloser
	release func()
	once    sync.Once
}

// NewBatch wraps a file opened outside a poller.
func NewBatch[T any](info FileInfo, body io.ReadCloser) *Batch[T] {
	return &Batch[T]{Info: info, body: body}
}

func (b *Batch[T]) Records() iter.Seq2[T, error] {
	return ReadFrames[T](b.body)
}

// Close releases the file. If it was not recorded as processed it will be
// offered again on a later poll.
func (b *Batch[T]) Close() error {
	var err error
	b.once.Do(func() {
		err = b.body.Close()
		if b.release != nil {
			b.release()
		}
	})
	return err
}

type PollerConfig struct {
	FileType string
	// Interval between polls when not woken early.
	Interval time.Duration
	// Lookback is subtracted from the latest processed timestamp so late
	// arrivals are still seen.
	Lookback time.Duration
	// StartAfter bounds the first poll when nothing has been processed.
	StartAfter time.Time
}

// Poller offers unprocessed files of one type, oldest first.
type Poller[T any] struct {
	source Source
	db     Querier
	cfg    PollerConfig
	logger *slog.Logger

	wake chan struct{}
	out  chan *Batch[T]

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPoller[T any](source Source, db Querier, cfg PollerConfig, logger *slog.Logger) *Poller[T] {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller[T]{
		source:   source,
		db:       db,
		cfg:      cfg,
		logger:   logger.With("file_type", cfg.FileType),
		wake:     make(chan struct{}, 1),
		out:      make(chan *Batch[T]),
		inflight: map[string]struct{}{},
	}
}

func (p *Poller[T]) Batches() <-chan *Batch[T] {
	return p.out
}

// Wake triggers a poll before the next interval. It never blocks.
func (p *Poller[T]) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done, then closes the batch channel.
func (p *Poller[T]) Run(ctx context.Context) error {
	defer close(p.out)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("file poll failed", "error", err)
		}
		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller[T]) poll(ctx context.Context) error {
	after := p.cfg.StartAfter
	latest, ok, err := LatestProcessed(ctx, p.db, p.cfg.FileType)
	if err != nil {
		return err
	}
	if ok {
		after = latest.Add(-p.cfg.Lookback)
	}
	files, err := p.source.List(ctx, p.cfg.FileType, after.UnixMilli())
	if err != nil {
		return err
	}
	for _, info := range files {
		if !p.claim(info.Key) {
			continue
		}
		done, err := IsProcessed(ctx, p.db, info.Key)
		if err != nil || done {
			p.release(info.Key)
			if err != nil {
				return err
			}
			continue
		}
		body, err := p.source.Open(ctx, info.Key)
		if err != nil {
			p.release(info.Key)
			return err
		}
		key := info.Key
		batch := &Batch[T]{Info: info, body: body, release: func() { p.release(key) }}
		select {
		case <-ctx.Done():
			_ = batch.Close()
			return ctx.Err()
		case p.out <- batch:
			p.logger.Debug("dispatched file", "file", info.Key)
		}
	}
	return nil
}

func (p *Poller[T]) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Poller[T]) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}
