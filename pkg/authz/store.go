package authz

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"meshtrust/pkg/keys"
)

// DB is the subset of pgxpool.Pool used by the key store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists (pubkey, role) rows in registered_keys. Keys are stored
// in base58 and roles by name.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Exists(ctx context.Context, key keys.PublicKey, role keys.Role) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM registered_keys WHERE pubkey=$1 AND key_role=$2)`,
		key.String(), role.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query registered key: %w", err)
	}
	return exists, nil
}

func (s *PGStore) Insert(ctx context.Context, key keys.PublicKey, role keys.Role) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO registered_keys (pubkey, key_role, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (pubkey, key_role) DO NOTHING`,
		key.String(), role.String(),
	)
	if err != nil {
		return fmt.Errorf("insert registered key: %w", err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, key keys.PublicKey, role keys.Role) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM registered_keys WHERE pubkey=$1 AND key_role=$2`,
		key.String(), role.String(),
	)
	if err != nil {
		return fmt.Errorf("delete registered key: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, role keys.Role) ([]keys.PublicKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT pubkey FROM registered_keys WHERE key_role=$1 ORDER BY pubkey`,
		role.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list registered keys: %w", err)
	}
	defer rows.Close()
	out := []keys.PublicKey{}
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan registered key: %w", err)
		}
		key, err := keys.Parse(encoded)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// All loads every registered key grouped by role. Rows with an unparsable
// key or role are skipped.
func (s *PGStore) All(ctx context.Context) (map[keys.Role]map[keys.PublicKey]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT pubkey, key_role FROM registered_keys`)
	if err != nil {
		return nil, fmt.Errorf("load registered keys: %w", err)
	}
	defer rows.Close()
	out := map[keys.Role]map[keys.PublicKey]struct{}{}
	for rows.Next() {
		var encoded, roleName string
		if err := rows.Scan(&encoded, &roleName); err != nil {
			return nil, fmt.Errorf("scan registered key: %w", err)
		}
		key, err := keys.Parse(encoded)
		if err != nil {
			continue
		}
		role, err := keys.ParseRole(roleName)
		if err != nil {
			continue
		}
		if out[role] == nil {
			out[role] = map[keys.PublicKey]struct{}{}
		}
		out[role][key] = struct{}{}
	}
	return out, rows.Err()
}
