package threshold

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
)

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Tx is the per-file transaction.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolBeginner opens transactions on a pgx pool.
type PoolBeginner struct {
	Pool *pgxpool.Pool
}

func (p PoolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func nullableCbsd(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// IsLegacy reports whether the radio holds a grandfathered allowance. A
// row without a cbsd_id covers every radio of the hotspot.
func IsLegacy(ctx context.Context, db RowQuerier, hotspot keys.PublicKey, cbsdID string) (bool, error) {
	var legacy bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM grandfathered_radio_threshold
		 WHERE hotspot_pubkey=$1 AND (cbsd_id IS NULL OR cbsd_id=$2))`,
		hotspot.String(), nullableCbsd(cbsdID),
	).Scan(&legacy)
	if err != nil {
		return false, fmt.Errorf("query legacy allowance: %w", err)
	}
	return legacy, nil
}

// Save upserts an accepted report. There is one row per (hotspot, cbsd_id)
// holding the latest accepted thresholds. Thresholds beyond the signed
// column range are stored as the column maximum.
func Save(ctx context.Context, db Execer, hotspot keys.PublicKey, report models.IngestReport) error {
	r := report.Report
	bytesThreshold := int64(min(r.BytesThreshold, math.MaxInt64))
	subscriberThreshold := int32(min(r.SubscriberThreshold, math.MaxInt32))
	_, err := db.Exec(ctx,
		`INSERT INTO radio_threshold (
			hotspot_pubkey, cbsd_id, bytes_threshold, subscriber_threshold,
			threshold_timestamp, threshold_met, recv_timestamp)
		 VALUES ($1, $2, $3, $4, $5, true, $6)
		 ON CONFLICT (hotspot_pubkey, (COALESCE(cbsd_id, '')))
		 DO UPDATE SET
			bytes_threshold = EXCLUDED.bytes_threshold,
			subscriber_threshold = EXCLUDED.subscriber_threshold,
			threshold_timestamp = EXCLUDED.threshold_timestamp,
			recv_timestamp = EXCLUDED.recv_timestamp,
			updated_at = NOW()`,
		hotspot.String(), nullableCbsd(r.CbsdID), bytesThreshold, subscriberThreshold,
		r.ThresholdTime(), report.ReceivedTime(),
	)
	if err != nil {
		return fmt.Errorf("save radio threshold: %w", err)
	}
	return nil
}

// Radio identifies one radio: a hotspot and, for CBRS, its cbsd_id.
type Radio struct {
	Hotspot string
	CbsdID  string
}

// VerifiedRadioThresholds is the set of radios whose threshold was met.
type VerifiedRadioThresholds map[Radio]struct{}

func (v VerifiedRadioThresholds) IsVerified(hotspot keys.PublicKey, cbsdID string) bool {
	_, ok := v[Radio{Hotspot: hotspot.String(), CbsdID: cbsdID}]
	return ok
}

// LoadVerified returns the radios whose threshold was met before periodEnd.
func LoadVerified(ctx context.Context, db Querier, periodEnd time.Time) (VerifiedRadioThresholds, error) {
	rows, err := db.Query(ctx,
		`SELECT hotspot_pubkey, cbsd_id FROM radio_threshold WHERE threshold_timestamp < $1`,
		periodEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("query verified thresholds: %w", err)
	}
	defer rows.Close()
	out := VerifiedRadioThresholds{}
	for rows.Next() {
		var hotspot string
		var cbsd *string
		if err := rows.Scan(&hotspot, &cbsd); err != nil {
			return nil, fmt.Errorf("scan verified threshold: %w", err)
		}
		radio := Radio{Hotspot: hotspot}
		if cbsd != nil {
			radio.CbsdID = *cbsd
		}
		out[radio] = struct{}{}
	}
	return out, rows.Err()
}

// Status is the persisted threshold state of one radio.
type Status struct {
	Hotspot             string    `json:"hotspot_pubkey"`
	CbsdID              string    `json:"cbsd_id,omitempty"`
	BytesThreshold      int64     `json:"bytes_threshold"`
	SubscriberThreshold int32     `json:"subscriber_threshold"`
	ThresholdTimestamp  time.Time `json:"threshold_timestamp"`
	ThresholdMet        bool      `json:"threshold_met"`
	RecvTimestamp       time.Time `json:"recv_timestamp"`
}

// StatusFor lists the radios of a hotspot with a met threshold.
func StatusFor(ctx context.Context, db Querier, hotspot keys.PublicKey) ([]Status, error) {
	rows, err := db.Query(ctx,
		`SELECT hotspot_pubkey, cbsd_id, bytes_threshold, subscriber_threshold,
		        threshold_timestamp, threshold_met, recv_timestamp
		 FROM radio_threshold WHERE hotspot_pubkey=$1 ORDER BY cbsd_id NULLS FIRST`,
		hotspot.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query threshold status: %w", err)
	}
	defer rows.Close()
	out := []Status{}
	for rows.Next() {
		var st Status
		var cbsd *string
		if err := rows.Scan(&st.Hotspot, &cbsd, &st.BytesThreshold, &st.SubscriberThreshold,
			&st.ThresholdTimestamp, &st.ThresholdMet, &st.RecvTimestamp); err != nil {
			return nil, fmt.Errorf("scan threshold status: %w", err)
		}
		if cbsd != nil {
			st.CbsdID = *cbsd
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
