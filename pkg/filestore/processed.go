package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LatestProcessed returns the newest processed file timestamp of fileType,
// or false when none has been processed.
func LatestProcessed(ctx context.Context, db Querier, fileType string) (time.Time, bool, error) {
	var latest *time.Time
	err := db.QueryRow(ctx,
		`SELECT MAX(file_timestamp) FROM files_processed WHERE file_type=$1`, fileType,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest processed file: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

func IsProcessed(ctx context.Context, db Querier, key string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM files_processed WHERE file_name=$1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed file: %w", err)
	}
	return exists, nil
}

// MarkProcessed records a file. Call it inside the transaction that
// applies the file so both commit together.
func MarkProcessed(ctx context.Context, db Execer, info FileInfo) error {
	_, err := db.Exec(ctx,
		`INSERT INTO files_processed (file_name, file_type, file_timestamp, processed_at)
		 VALUES ($1, $2, $3, NOW())`,
		info.Key, info.FileType, info.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("mark file processed: %w", err)
	}
	return nil
}
