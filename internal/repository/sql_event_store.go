package repository

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/export"
)

const sqlEventColumns = "event_date, subject_id, display_name, status"

type eventRow struct {
	Date   string `db:"event_date"`
	ID     string `db:"subject_id"`
	Name   string `db:"display_name"`
	Status string `db:"status"`
}

func (r eventRow) toModel() (models.AttendanceEvent, error) {
	date, err := models.ParseDate(r.Date)
	if err != nil {
		return models.AttendanceEvent{}, fmt.Errorf("attendance row date %q: %w", r.Date, err)
	}
	return models.AttendanceEvent{Date: date, SubjectID: r.ID, Name: r.Name, Status: models.AttendanceStatus(r.Status)}, nil
}

// SQLEventStore keeps the attendance log in the attendance_events table.
// Rows are ordered by the seq column; a partial unique index on Present
// rows makes insert-if-absent atomic across processes.
type SQLEventStore struct {
	db *sqlx.DB
}

// NewSQLEventStore constructs a SQLEventStore.
func NewSQLEventStore(db *sqlx.DB) *SQLEventStore {
	return &SQLEventStore{db: db}
}

// Bootstrap creates the table and its indexes when missing.
func (r *SQLEventStore) Bootstrap(ctx context.Context) error {
	seq := "seq BIGSERIAL PRIMARY KEY"
	if r.db.DriverName() != "postgres" {
		seq = "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS attendance_events (
    %s,
    event_date TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    status TEXT NOT NULL
)`, seq),
		"CREATE INDEX IF NOT EXISTS idx_attendance_events_date ON attendance_events (event_date)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_attendance_events_present ON attendance_events (event_date, subject_id) WHERE status = 'Present'",
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap attendance_events: %w", err)
		}
	}
	return nil
}

// List returns all events in insertion order.
func (r *SQLEventStore) List(ctx context.Context) ([]models.AttendanceEvent, error) {
	query := fmt.Sprintf("SELECT %s FROM attendance_events ORDER BY seq", sqlEventColumns)
	return r.selectEvents(ctx, query)
}

// ListByDate returns the events of one day in insertion order.
func (r *SQLEventStore) ListByDate(ctx context.Context, date time.Time) ([]models.AttendanceEvent, error) {
	query := r.db.Rebind(fmt.Sprintf("SELECT %s FROM attendance_events WHERE event_date = ? ORDER BY seq", sqlEventColumns))
	return r.selectEvents(ctx, query, date.Format(models.DateLayout))
}

// HasPresent reports whether a Present row exists for the subject and day.
func (r *SQLEventStore) HasPresent(ctx context.Context, date time.Time, subjectID string) (bool, error) {
	query := r.db.Rebind("SELECT COUNT(1) FROM attendance_events WHERE event_date = ? AND subject_id = ? AND status = ?")
	var count int
	if err := r.db.GetContext(ctx, &count, query, date.Format(models.DateLayout), subjectID, string(models.AttendanceStatusPresent)); err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return count > 0, nil
}

// Append inserts events in a single transaction. Present duplicates are
// skipped by the unique index rather than failing the batch.
func (r *SQLEventStore) Append(ctx context.Context, events ...models.AttendanceEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, ev := range events {
		if _, err := r.insert(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// AppendUnlessPresent inserts ev and reports whether a row was written.
func (r *SQLEventStore) AppendUnlessPresent(ctx context.Context, ev models.AttendanceEvent) (bool, error) {
	res, err := r.insert(ctx, r.db, ev)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append attendance rows affected: %w", err)
	}
	return affected > 0, nil
}

// RemoveFirst deletes the lowest-seq row matching ev.
func (r *SQLEventStore) RemoveFirst(ctx context.Context, ev models.AttendanceEvent) (bool, error) {
	query := r.db.Rebind(`DELETE FROM attendance_events WHERE seq = (
    SELECT MIN(seq) FROM attendance_events WHERE event_date = ? AND subject_id = ? AND status = ?
)`)
	res, err := r.db.ExecContext(ctx, query, ev.DateString(), ev.SubjectID, string(ev.Status))
	if err != nil {
		return false, fmt.Errorf("remove attendance row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove attendance rows affected: %w", err)
	}
	return affected > 0, nil
}

// Export renders the table in the id log layout.
func (r *SQLEventStore) Export(ctx context.Context, w io.Writer) error {
	events, err := r.List(ctx)
	if err != nil {
		return err
	}
	dataset := export.Dataset{Headers: LogSchemaWithID.Header()}
	for _, ev := range events {
		dataset.Rows = append(dataset.Rows, []string{ev.DateString(), ev.SubjectID, ev.Name, string(ev.Status)})
	}
	return export.NewCSVExporter().Write(w, dataset)
}

func (r *SQLEventStore) insert(ctx context.Context, exec sqlx.ExecerContext, ev models.AttendanceEvent) (sql.Result, error) {
	query := r.db.Rebind(fmt.Sprintf(`INSERT INTO attendance_events (%s) VALUES (?, ?, ?, ?)
ON CONFLICT (event_date, subject_id) WHERE status = 'Present' DO NOTHING`, sqlEventColumns))
	res, err := exec.ExecContext(ctx, query, ev.DateString(), ev.SubjectID, ev.Name, string(ev.Status))
	if err != nil {
		return nil, fmt.Errorf("append attendance row: %w", err)
	}
	return res, nil
}

func (r *SQLEventStore) selectEvents(ctx context.Context, query string, args ...interface{}) ([]models.AttendanceEvent, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list attendance events: %w", err)
	}
	events := make([]models.AttendanceEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
