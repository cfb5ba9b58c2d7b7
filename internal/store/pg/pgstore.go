package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bidroom.org/internal/property"
)

// Store is the Postgres-backed property store used by multi-node deployments.
type Store struct {
	db *sql.DB
}

var _ property.Store = (*Store)(nil)

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

// NewWithDB wraps an existing connection pool (tests use sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(ctx context.Context, caseNo string) (property.Record, error) {
	var created, updated time.Time
	err := s.db.QueryRowContext(ctx,
		`select created_at, updated_at from properties where case_no=$1`, caseNo,
	).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return property.Record{}, property.ErrNotFound
	}
	if err != nil {
		return property.Record{}, err
	}

	fields, err := s.fields(ctx, caseNo)
	if err != nil {
		return property.Record{}, err
	}
	return property.Record{
		CaseNo:    caseNo,
		Fields:    fields,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (s *Store) SetField(ctx context.Context, caseNo, field, value string) (string, error) {
	if strings.TrimSpace(field) == "" {
		return "", property.ErrInvalidField
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`select true from properties where case_no=$1 for update`, caseNo,
	).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", property.ErrNotFound
		}
		return "", err
	}

	var old string
	err = tx.QueryRowContext(ctx,
		`select value from property_fields where case_no=$1 and field=$2`, caseNo, field,
	).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into property_fields(case_no, field, value, updated_at)
		values ($1,$2,$3, now())
		on conflict (case_no, field) do update
		set value = excluded.value, updated_at = now()
	`, caseNo, field, value); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`update properties set updated_at = now() where case_no=$1`, caseNo,
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return old, nil
}

func (s *Store) Put(ctx context.Context, rec property.Record) error {
	if strings.TrimSpace(rec.CaseNo) == "" {
		return property.ErrInvalidField
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into properties(case_no, created_at, updated_at)
		values ($1, now(), now())
		on conflict (case_no) do update set updated_at = now()
	`, rec.CaseNo); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from property_fields where case_no=$1`, rec.CaseNo,
	); err != nil {
		return err
	}
	for field, value := range rec.Fields {
		if _, err := tx.ExecContext(ctx, `
			insert into property_fields(case_no, field, value, updated_at)
			values ($1,$2,$3, now())
		`, rec.CaseNo, field, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]property.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`select case_no, created_at, updated_at from properties order by case_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []property.Record
	for rows.Next() {
		var rec property.Record
		if err := rows.Scan(&rec.CaseNo, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		fields, err := s.fields(ctx, recs[i].CaseNo)
		if err != nil {
			return nil, err
		}
		recs[i].Fields = fields
	}
	return recs, nil
}

func (s *Store) fields(ctx context.Context, caseNo string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select field, value from property_fields where case_no=$1`, caseNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := map[string]string{}
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, err
		}
		fields[f] = v
	}
	return fields, rows.Err()
}
