package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/attendance-kiosk/internal/models"
)

const rosterSelect = "SELECT subject_id AS id, display_name AS name FROM roster_subjects ORDER BY position"

// SQLRosterStore keeps the roster in roster_subjects ordered by position.
type SQLRosterStore struct {
	db *sqlx.DB
}

// NewSQLRosterStore constructs a SQLRosterStore.
func NewSQLRosterStore(db *sqlx.DB) *SQLRosterStore {
	return &SQLRosterStore{db: db}
}

// Bootstrap creates roster_subjects and seeds it when the table was empty
// and has never been seeded before.
func (r *SQLRosterStore) Bootstrap(ctx context.Context, seed []models.Subject) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS roster_subjects (
    position INTEGER NOT NULL,
    subject_id TEXT NOT NULL,
    display_name TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS kiosk_meta (
    meta_key TEXT PRIMARY KEY,
    meta_value TEXT NOT NULL
)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap roster_subjects: %w", err)
		}
	}
	if len(seed) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin roster seed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO kiosk_meta (meta_key, meta_value) VALUES (?, ?)
ON CONFLICT (meta_key) DO NOTHING`), "roster_seeded", "true")
	if err != nil {
		return fmt.Errorf("mark roster seeded: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return err
	}
	var existing int
	if err := tx.GetContext(ctx, &existing, "SELECT COUNT(1) FROM roster_subjects"); err != nil {
		return fmt.Errorf("count roster: %w", err)
	}
	if existing == 0 {
		if err := r.insertAll(ctx, tx, seed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit roster seed: %w", err)
	}
	return nil
}

// Load returns the roster in position order.
func (r *SQLRosterStore) Load(ctx context.Context) ([]models.Subject, error) {
	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, rosterSelect); err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	if subjects == nil {
		subjects = []models.Subject{}
	}
	return subjects, nil
}

// Save replaces the roster in one transaction.
func (r *SQLRosterStore) Save(ctx context.Context, subjects []models.Subject) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin roster save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM roster_subjects"); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	if err := r.insertAll(ctx, tx, subjects); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit roster save: %w", err)
	}
	return nil
}

// Update applies fn to the roster inside one transaction. PostgreSQL takes
// an exclusive table lock; SQLite already serialises writers.
func (r *SQLRosterStore) Update(ctx context.Context, fn func([]models.Subject) ([]models.Subject, error)) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin roster update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if r.db.DriverName() == "postgres" {
		if _, err := tx.ExecContext(ctx, "LOCK TABLE roster_subjects IN EXCLUSIVE MODE"); err != nil {
			return fmt.Errorf("lock roster: %w", err)
		}
	}
	var current []models.Subject
	if err := tx.SelectContext(ctx, &current, rosterSelect); err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	if current == nil {
		current = []models.Subject{}
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM roster_subjects"); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	if err := r.insertAll(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit roster update: %w", err)
	}
	return nil
}

func (r *SQLRosterStore) insertAll(ctx context.Context, tx *sqlx.Tx, subjects []models.Subject) error {
	query := r.db.Rebind("INSERT INTO roster_subjects (position, subject_id, display_name) VALUES (?, ?, ?)")
	for i, s := range subjects {
		if _, err := tx.ExecContext(ctx, query, i, s.ID, s.Name); err != nil {
			return fmt.Errorf("insert roster subject %s: %w", s.ID, err)
		}
	}
	return nil
}
