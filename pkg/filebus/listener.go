package filebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"

	"meshtrust/pkg/filestore"
)

// Waker is notified when a file of its type lands in the bucket.
type Waker interface {
	Wake()
}

// Listener reads bucket notifications and wakes the poller registered for
// the file type of each created object.
type Listener struct {
	consumer   Consumer
	logger     *slog.Logger
	retryDelay time.Duration

	mu     sync.RWMutex
	routes map[string]Waker
}

func NewListener(consumer Consumer, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		consumer:   consumer,
		logger:     logger,
		retryDelay: 500 * time.Millisecond,
		routes:     map[string]Waker{},
	}
}

func (l *Listener) Route(fileType string, w Waker) {
	l.mu.Lock()
	l.routes[fileType] = w
	l.mu.Unlock()
}

// Run consumes notifications until ctx is done. Read errors are logged
// and retried.
func (l *Listener) Run(ctx context.Context) error {
	for {
		msg, err := l.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("file bus read error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
			continue
		}
		keys, err := ObjectKeys(msg.Value)
		if err != nil {
			l.logger.Warn("file bus decode error", "error", err)
			continue
		}
		for _, key := range keys {
			l.dispatch(key)
		}
	}
}

func (l *Listener) dispatch(key string) {
	info, err := filestore.ParseFileInfo(path.Base(key))
	if err != nil {
		l.logger.Debug("ignoring object", "key", key, "error", err)
		return
	}
	l.mu.RLock()
	w, ok := l.routes[info.FileType]
	l.mu.RUnlock()
	if ok {
		w.Wake()
	}
}

// ObjectKeys extracts the keys of created objects from an S3 style event.
func ObjectKeys(value []byte) ([]string, error) {
	var event struct {
		Records []notification.Event `json:"Records"`
	}
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	out := make([]string, 0, len(event.Records))
	for _, rec := range event.Records {
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "s3:ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode object key: %w", err)
		}
		if key != "" {
			out = append(out, key)
		}
	}
	return out, nil
}
