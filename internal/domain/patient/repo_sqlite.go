package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// timestamps are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS patients (
	id              TEXT PRIMARY KEY,
	first_name      TEXT NOT NULL,
	last_name       TEXT NOT NULL,
	date_of_birth   TEXT,
	email           TEXT,
	medication_list TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patients_created_at ON patients (created_at, id);`

// SQLiteRepo stores patients in a single SQLite file.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepo opens (or creates) the database at path and ensures the schema.
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	if path == "" {
		path = "patients.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent requests
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create patients table: %w", err)
	}
	return &SQLiteRepo{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Ping checks the database handle.
func (r *SQLiteRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) Create(ctx context.Context, p *Patient) error {
	p.ID = newID()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (id, first_name, last_name, date_of_birth, email, medication_list, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.FirstName, p.LastName, formatDate(p.DateOfBirth), p.Email, p.MedicationList,
		p.CreatedAt.Format(sqliteTimeLayout), p.UpdatedAt.Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+patientCols+` FROM patients WHERE id = ?`, id.String())
	p, err := scanSQLitePatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get by id: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepo) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients SET first_name=?, last_name=?, date_of_birth=?, email=?, medication_list=?, updated_at=?
		WHERE id = ?`,
		p.FirstName, p.LastName, formatDate(p.DateOfBirth), p.Email, p.MedicationList,
		p.UpdatedAt.Format(sqliteTimeLayout), p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepo) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient count: %w", err)
	}
	if limit <= 0 || offset < 0 {
		return []*Patient{}, total, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+patientCols+` FROM patients ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	patients := make([]*Patient, 0, limit)
	for rows.Next() {
		p, err := scanSQLitePatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patient list scan: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	return patients, total, nil
}

type sqlScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLitePatient(s sqlScanner) (*Patient, error) {
	var (
		p                    Patient
		id                   string
		dob, email           sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&id, &p.FirstName, &p.LastName, &dob, &email, &p.MedicationList, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id %q: %w", id, err)
	}
	if dob.Valid {
		d, err := time.Parse(DateLayout, dob.String)
		if err != nil {
			return nil, fmt.Errorf("parse date_of_birth %q: %w", dob.String, err)
		}
		p.DateOfBirth = &d
	}
	if email.Valid {
		e := email.String
		p.Email = &e
	}
	if p.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

func formatDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(DateLayout)
}
