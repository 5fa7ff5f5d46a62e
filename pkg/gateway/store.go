package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"meshtrust/pkg/envelope"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
	"meshtrust/pkg/stream"
)

var ErrNotFound = errors.New("gateway not found")

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is a gateways row as stored.
type Record struct {
	Address    string
	DeviceType string
	Location   *int64
}

const selectColumns = `SELECT g.address, g.device_type, g.location FROM gateways g`

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Get returns a single gateway. A stored row that does not convert is
// reported as an error, not as missing.
func (s *Store) Get(ctx context.Context, address keys.PublicKey) (models.GatewayInfo, error) {
	var rec Record
	err := s.db.QueryRow(ctx, selectColumns+` WHERE g.address=$1`, address.String()).
		Scan(&rec.Address, &rec.DeviceType, &rec.Location)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GatewayInfo{}, ErrNotFound
	}
	if err != nil {
		return models.GatewayInfo{}, fmt.Errorf("query gateway: %w", err)
	}
	return Convert(rec)
}

// Batch streams the gateways for addresses in input order. Addresses with
// no row are absent from the result.
func (s *Store) Batch(ctx context.Context, addresses []string) iter.Seq2[Record, error] {
	return s.scan(ctx,
		`SELECT g.address, g.device_type, g.location
		 FROM unnest($1::text[]) WITH ORDINALITY AS req(address, ord)
		 JOIN gateways g ON g.address = req.address
		 ORDER BY req.ord`,
		addresses,
	)
}

// All streams every gateway. The underlying rows stay open until the
// iteration ends.
func (s *Store) All(ctx context.Context) iter.Seq2[Record, error] {
	return s.scan(ctx, selectColumns+` ORDER BY g.address`)
}

func (s *Store) scan(ctx context.Context, sql string, args ...any) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			yield(Record{}, fmt.Errorf("query gateways: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var rec Record
			if err := rows.Scan(&rec.Address, &rec.DeviceType, &rec.Location); err != nil {
				yield(Record{}, fmt.Errorf("scan gateway: %w", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, fmt.Errorf("read gateways: %w", err))
		}
	}
}

// EntityExists reports whether an entity key is registered to an asset.
func (s *Store) EntityExists(ctx context.Context, entityID []byte) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM key_to_assets WHERE entity_key=$1)`, entityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query entity: %w", err)
	}
	return exists, nil
}

// Convert maps a stored row to its wire form.
func Convert(rec Record) (models.GatewayInfo, error) {
	address, err := keys.Parse(rec.Address)
	if err != nil {
		return models.GatewayInfo{}, fmt.Errorf("gateway address: %w", err)
	}
	deviceType, err := models.ParseDeviceType(rec.DeviceType)
	if err != nil {
		return models.GatewayInfo{}, err
	}
	info := models.GatewayInfo{Address: address.Bytes(), DeviceType: deviceType}
	if rec.Location != nil {
		hex := fmt.Sprintf("%x", uint64(*rec.Location))
		if _, err := models.ParseLocation(hex); err != nil {
			return models.GatewayInfo{}, err
		}
		info.Metadata = &models.GatewayMetadata{Location: hex}
	}
	return info, nil
}

// Chunker builds the emitter that turns gateway rows into signed stream
// chunks.
func Chunker(rs *envelope.ResponseSigner, batchSize uint32, logger *slog.Logger) stream.Batcher[Record, models.GatewayInfo, *models.GatewayInfoStreamRes] {
	if logger == nil {
		logger = slog.Default()
	}
	return stream.Batcher[Record, models.GatewayInfo, *models.GatewayInfoStreamRes]{
		BatchSize: int(batchSize),
		Convert:   Convert,
		Wrap: func(infos []models.GatewayInfo) (*models.GatewayInfoStreamRes, error) {
			res := &models.GatewayInfoStreamRes{Gateways: infos}
			if err := envelope.SignResponse(rs, res); err != nil {
				return nil, err
			}
			return res, nil
		},
		Skipped: func(rec Record, err error) {
			logger.Debug("skipping unconvertible gateway", "address", rec.Address, "error", err)
		},
	}
}
