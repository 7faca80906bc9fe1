package repository

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

const closeoutKeyPrefix = "closeout:"

// FileCloseoutStore records finished closeouts in a sidecar file next to
// the attendance log, one YYYY-MM-DD line per day.
type FileCloseoutStore struct {
	files *storage.LocalStorage
	name  string
	lock  *storage.FileLock
}

// NewFileCloseoutStore builds a store for the sidecar file name under files.
func NewFileCloseoutStore(files *storage.LocalStorage, name string, lockTimeout time.Duration) *FileCloseoutStore {
	return &FileCloseoutStore{files: files, name: name, lock: files.Lock(name, lockTimeout)}
}

// Closed reports whether day has a closeout record.
func (s *FileCloseoutStore) Closed(ctx context.Context, day time.Time) (bool, error) {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return s.closedLocked(day)
}

// MarkClosed records day. Recording a day twice keeps a single line.
func (s *FileCloseoutStore) MarkClosed(ctx context.Context, day time.Time) error {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	closed, err := s.closedLocked(day)
	if err != nil || closed {
		return err
	}
	return s.files.Append(s.name, []byte(day.Format(models.DateLayout)+"\n"))
}

func (s *FileCloseoutStore) closedLocked(day time.Time) (bool, error) {
	_, ok, err := s.files.Stat(s.name)
	if err != nil || !ok {
		return false, err
	}
	data, err := s.files.ReadFile(s.name)
	if err != nil {
		return false, err
	}
	want := day.Format(models.DateLayout)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// SQLCloseoutStore records finished closeouts as closeout:<date> rows in
// kiosk_meta.
type SQLCloseoutStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLCloseoutStore constructs a SQLCloseoutStore.
func NewSQLCloseoutStore(db *sqlx.DB) *SQLCloseoutStore {
	return &SQLCloseoutStore{db: db, now: time.Now}
}

// Bootstrap creates kiosk_meta when missing.
func (s *SQLCloseoutStore) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kiosk_meta (
    meta_key TEXT PRIMARY KEY,
    meta_value TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("bootstrap kiosk_meta: %w", err)
	}
	return nil
}

// Closed reports whether day has a closeout row.
func (s *SQLCloseoutStore) Closed(ctx context.Context, day time.Time) (bool, error) {
	var count int
	query := s.db.Rebind("SELECT COUNT(1) FROM kiosk_meta WHERE meta_key = ?")
	if err := s.db.GetContext(ctx, &count, query, closeoutKey(day)); err != nil {
		return false, fmt.Errorf("check closeout: %w", err)
	}
	return count > 0, nil
}

// MarkClosed inserts the closeout row for day unless it already exists.
func (s *SQLCloseoutStore) MarkClosed(ctx context.Context, day time.Time) error {
	query := s.db.Rebind(`INSERT INTO kiosk_meta (meta_key, meta_value) VALUES (?, ?)
ON CONFLICT (meta_key) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query, closeoutKey(day), s.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record closeout: %w", err)
	}
	return nil
}

func closeoutKey(day time.Time) string {
	return closeoutKeyPrefix + day.Format(models.DateLayout)
}
