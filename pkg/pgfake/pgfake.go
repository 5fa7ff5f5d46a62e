// Package pgfake provides hand-rolled pgx fakes for unit tests.
package pgfake

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records one statement sent to a fake.
type Call struct {
	SQL  string
	Args []any
}

// DB satisfies the narrow Exec/Query/QueryRow interfaces used across the
// repo. Unset hooks return empty results.
type DB struct {
	mu         sync.Mutex
	Calls      []Call
	ExecFn     func(sql string, args []any) (pgconn.CommandTag, error)
	QueryFn    func(sql string, args []any) (pgx.Rows, error)
	QueryRowFn func(sql string, args []any) pgx.Row
}

func (d *DB) record(sql string, args []any) {
	d.mu.Lock()
	d.Calls = append(d.Calls, Call{SQL: sql, Args: append([]any(nil), args...)})
	d.mu.Unlock()
}

// Snapshot returns a copy of the recorded calls.
func (d *DB) Snapshot() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.Calls...)
}

func (d *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.record(sql, args)
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	if d.ExecFn != nil {
		return d.ExecFn(sql, args)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.record(sql, args)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.QueryFn != nil {
		return d.QueryFn(sql, args)
	}
	return NewRows(), nil
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.record(sql, args)
	if err := ctx.Err(); err != nil {
		return &Row{Err: err}
	}
	if d.QueryRowFn != nil {
		return d.QueryRowFn(sql, args)
	}
	return &Row{Err: pgx.ErrNoRows}
}

// Tx is a DB that also tracks commit and rollback.
type Tx struct {
	DB
	CommitErr  error
	Committed  bool
	RolledBack bool
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.CommitErr != nil {
		return t.CommitErr
	}
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.Committed {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

// Row is a single result row.
type Row struct {
	Values []any
	Err    error
}

func (r *Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return assignAll(dest, r.Values)
}

// Rows iterates over fixed data. Fail is returned from Err after the data
// is exhausted.
type Rows struct {
	data   [][]any
	idx    int
	Fail   error
	closed bool
}

func NewRows(data ...[]any) *Rows {
	return &Rows{data: data}
}

func (r *Rows) Close()                                       { r.closed = true }
func (r *Rows) Closed() bool                                 { return r.closed }
func (r *Rows) Err() error                                   { return r.Fail }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.closed || r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return fmt.Errorf("scan called without a current row")
	}
	return assignAll(dest, r.data[r.idx-1])
}

func (r *Rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.data) {
		return nil, fmt.Errorf("no current row")
	}
	return r.data[r.idx-1], nil
}

func assignAll(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, val any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dest)
	}
	target := dv.Elem()
	if val == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	vv := reflect.ValueOf(val)
	switch {
	case vv.Type().AssignableTo(target.Type()):
		target.Set(vv)
	case target.Kind() == reflect.Pointer && vv.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(vv)
		target.Set(p)
	case vv.Type().ConvertibleTo(target.Type()):
		target.Set(vv.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", val, target.Type())
	}
	return nil
}
