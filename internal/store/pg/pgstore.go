package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carebridge.org/internal/store"
)

// Store implements store.Store on Postgres. Every logical table is a
// (id, data jsonb, created_at, updated_at) table; List filters on jsonb
// fields. Create relies on ON CONFLICT DO NOTHING so concurrent creators
// of the same id converge on one row.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Logical table names map one-to-one onto SQL tables; anything else is
// rejected before touching SQL.
var validTables = map[string]bool{
	store.TableConsentTokens: true,
	store.TableActionAudit:   true,
	store.TablePolicyEvents:  true,
	store.TableMedications:   true,
	store.TableAppointments:  true,
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests and cmd wiring.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func checkTable(table string) error {
	if !validTables[table] {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table, id string) (store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`select data from `+table+` where id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(raw)
}

func (s *Store) Create(ctx context.Context, table, id string, rec store.Record) (store.Record, bool, error) {
	if err := checkTable(table); err != nil {
		return nil, false, err
	}
	stored := store.Clone(rec)
	if stored == nil {
		stored = store.Record{}
	}
	stored["id"] = id
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`insert into `+table+`(id, data) values ($1, $2) on conflict (id) do nothing`,
		id, raw)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return stored, true, nil
	}
	// Lost the race: fetch whoever got there first.
	existing, err := s.Get(ctx, table, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch store.Record) (store.Record, error) {
	return s.apply(ctx, table, id, nil, patch)
}

func (s *Store) UpdateIf(ctx context.Context, table, id string, cond map[string]any, patch store.Record) (store.Record, error) {
	return s.apply(ctx, table, id, cond, patch)
}

// apply runs a read-check-merge-write cycle under a row lock so the decision
// to patch and the patch itself are atomic.
func (s *Store) apply(ctx context.Context, table, id string, cond map[string]any, patch store.Record) (store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`select data from `+table+` where id=$1 for update`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	for k, want := range cond {
		if !jsonEqual(rec[k], want) {
			return nil, store.ErrConditionFailed
		}
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	merged, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`update `+table+` set data=$2, updated_at=now() where id=$1`, id, merged); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := `select data from ` + table
	var args []any
	i := 1
	for k, v := range q.Where {
		if !fieldNameOK(k) {
			return nil, fmt.Errorf("invalid filter field %q", k)
		}
		if i == 1 {
			query += ` where `
		} else {
			query += ` and `
		}
		query += fmt.Sprintf(`data->>'%s' = $%d`, k, i)
		args = append(args, fmt.Sprint(v))
		i++
	}
	if q.Desc {
		query += ` order by created_at desc`
	} else {
		query += ` order by created_at asc`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` limit %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRecord(raw []byte) (store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func fieldNameOK(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

// jsonEqual compares values the way they round-trip through jsonb.
func jsonEqual(got, want any) bool {
	if got == nil || want == nil {
		return got == nil && want == nil
	}
	a, errA := json.Marshal(got)
	b, errB := json.Marshal(want)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}
