package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/repository"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

type memEventStore struct {
	mu     sync.Mutex
	events []models.AttendanceEvent
	err    error
}

func (m *memEventStore) Bootstrap(context.Context) error { return m.err }

func (m *memEventStore) List(context.Context) ([]models.AttendanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]models.AttendanceEvent(nil), m.events...), nil
}

func (m *memEventStore) ListByDate(_ context.Context, date time.Time) ([]models.AttendanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []models.AttendanceEvent
	for _, ev := range m.events {
		if models.SameDay(ev.Date, date) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEventStore) HasPresent(_ context.Context, date time.Time, subjectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.hasPresentLocked(date, subjectID), nil
}

func (m *memEventStore) hasPresentLocked(date time.Time, subjectID string) bool {
	for _, ev := range m.events {
		if ev.Matches(date, subjectID, models.AttendanceStatusPresent) {
			return true
		}
	}
	return false
}

func (m *memEventStore) Append(_ context.Context, events ...models.AttendanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *memEventStore) AppendUnlessPresent(_ context.Context, ev models.AttendanceEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if ev.Status == models.AttendanceStatusPresent && m.hasPresentLocked(ev.Date, ev.SubjectID) {
		return false, nil
	}
	m.events = append(m.events, ev)
	return true, nil
}

func (m *memEventStore) RemoveFirst(_ context.Context, ev models.AttendanceEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.events {
		if existing.Matches(ev.Date, ev.SubjectID, ev.Status) {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memEventStore) Export(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, "Date,Student ID,Name,Status\n")
	return err
}

func (m *memEventStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memRosterStore struct {
	mu       sync.Mutex
	subjects []models.Subject
}

func (m *memRosterStore) Bootstrap(_ context.Context, seed []models.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subjects == nil {
		m.subjects = append([]models.Subject{}, seed...)
	}
	return nil
}

func (m *memRosterStore) Load(context.Context) ([]models.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Subject(nil), m.subjects...), nil
}

func (m *memRosterStore) Update(_ context.Context, fn func([]models.Subject) ([]models.Subject, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(append([]models.Subject(nil), m.subjects...))
	if err != nil {
		return err
	}
	m.subjects = next
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.CheckInEvent
}

func (r *recordingNotifier) Notify(event models.CheckInEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

var ledgerToday = time.Date(2024, time.January, 10, 9, 30, 0, 0, time.UTC)

func newTestLedger(t *testing.T, policy models.RosterPolicy, roster ...models.Subject) (*AttendanceLedger, *memEventStore, *memRosterStore) {
	t.Helper()
	events := &memEventStore{}
	rosterStore := &memRosterStore{subjects: roster}
	ledger := NewAttendanceLedger(events, rosterStore, LedgerOptions{
		Policy: policy,
		Now:    func() time.Time { return ledgerToday },
	})
	return ledger, events, rosterStore
}

func nameRoster(names ...string) []models.Subject {
	roster := make([]models.Subject, len(names))
	for i, n := range names {
		roster[i] = models.Subject{ID: n, Name: n}
	}
	return roster
}

func TestLedgerCheckInThenPresent(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs, nameRoster("Alice", "Bob")...)
	ctx := context.Background()

	res, err := ledger.CheckIn(ctx, CheckInRequest{SubjectID: "Alice", Name: "Alice"}, ledgerToday)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "Welcome, Alice! You're marked Present.", res.Message)

	present, err := ledger.IsPresentToday(ctx, "Alice", ledgerToday)
	require.NoError(t, err)
	assert.True(t, present)

	_, err = ledger.CheckIn(ctx, CheckInRequest{SubjectID: "Alice", Name: "Alice"}, ledgerToday)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDuplicateCheckIn))
	assert.Equal(t, "Alice is already marked Present today.", appErrors.FromError(err).Message)
	assert.Equal(t, 1, events.count())

	count, err := ledger.MarkAllAbsent(ctx, ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	todays, err := ledger.TodayEvents(ctx, ledgerToday)
	require.NoError(t, err)
	require.Len(t, todays, 2)
	assert.Equal(t, "Bob", todays[1].SubjectID)
	assert.Equal(t, models.AttendanceStatusAbsent, todays[1].Status)
}

func TestLedgerAbsentIsNeverDeduplicated(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := ledger.CheckIn(ctx, CheckInRequest{SubjectID: "102", Name: "Bob", Status: "absent"}, ledgerToday)
		require.NoError(t, err)
		assert.Equal(t, "Welcome, Bob! You're marked Absent.", res.Message)
	}
	assert.Equal(t, 3, events.count())

	present, err := ledger.IsPresentToday(ctx, "102", ledgerToday)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestLedgerDedupWindowIsOneDay(t *testing.T) {
	ledger, _, _ := newTestLedger(t, models.RosterUniqueIDs)
	ctx := context.Background()

	_, err := ledger.CheckIn(ctx, CheckInRequest{SubjectID: "101", Name: "Alice"}, ledgerToday)
	require.NoError(t, err)
	_, err = ledger.CheckIn(ctx, CheckInRequest{SubjectID: "101", Name: "Alice"}, ledgerToday.AddDate(0, 0, 1))
	require.NoError(t, err)
}

func TestLedgerCheckInValidation(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs)
	ctx := context.Background()

	_, err := ledger.CheckIn(ctx, CheckInRequest{SubjectID: "  ", Name: "Alice"}, ledgerToday)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = ledger.CheckIn(ctx, CheckInRequest{SubjectID: "101", Name: "Alice", Status: "Late"}, ledgerToday)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = ledger.GuestCheckIn(ctx, "", ledgerToday)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	assert.Zero(t, events.count())
}

func TestLedgerCheckInRoster(t *testing.T) {
	ledger, _, _ := newTestLedger(t, models.RosterUniqueIDs, models.Subject{ID: "101", Name: "Alice"})
	ctx := context.Background()

	res, err := ledger.CheckInRoster(ctx, "101", ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Alice! You're marked Present.", res.Message)

	_, err = ledger.CheckInRoster(ctx, "999", ledgerToday)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	assert.Equal(t, "Student not found.", appErrors.FromError(err).Message)
}

func TestLedgerGuestCheckInNotifies(t *testing.T) {
	events := &memEventStore{}
	notifier := &recordingNotifier{}
	ledger := NewAttendanceLedger(events, &memRosterStore{}, LedgerOptions{Notifier: notifier})

	res, err := ledger.GuestCheckIn(context.Background(), " Visiting Parent ", ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Visiting Parent! You're marked Present.", res.Message)

	require.Len(t, notifier.events, 1)
	published := notifier.events[0]
	assert.True(t, published.Guest)
	assert.Equal(t, "Visiting Parent", published.SubjectID)
	assert.Equal(t, "2024-01-10", published.Date)
	assert.NotEmpty(t, published.ID)
}

func TestLedgerMarkAllAbsentIsNotIdempotent(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs, nameRoster("Alice", "Bob", "Cara")...)
	ctx := context.Background()

	_, err := ledger.CheckIn(ctx, CheckInRequest{SubjectID: "Cara", Name: "Cara"}, ledgerToday)
	require.NoError(t, err)

	count, err := ledger.MarkAllAbsent(ctx, ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = ledger.MarkAllAbsent(ctx, ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 5, events.count())
}

func TestLedgerRetractTodayEntry(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs)
	ctx := context.Background()
	yesterday := ledgerToday.AddDate(0, 0, -1)

	require.NoError(t, events.Append(ctx,
		models.AttendanceEvent{Date: models.Day(yesterday), SubjectID: "Guest", Name: "Guest", Status: models.AttendanceStatusAbsent},
		models.AttendanceEvent{Date: models.Day(ledgerToday), SubjectID: "Guest", Name: "Guest", Status: models.AttendanceStatusAbsent},
		models.AttendanceEvent{Date: models.Day(ledgerToday), SubjectID: "Guest", Name: "Guest", Status: models.AttendanceStatusAbsent},
	))

	_, err := ledger.RetractTodayEntry(ctx, RetractRequest{Date: "2024-01-09", SubjectID: "Guest", Status: "Absent"}, ledgerToday)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	assert.Equal(t, "You can only remove entries from today's attendance.", appErrors.FromError(err).Message)
	assert.Equal(t, 3, events.count())

	res, err := ledger.RetractTodayEntry(ctx, RetractRequest{Date: "2024-01-10", SubjectID: "Guest", Status: "Absent"}, ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, "Removed Guest from today's attendance.", res.Message)
	assert.Equal(t, 2, events.count())

	_, err = ledger.RetractTodayEntry(ctx, RetractRequest{Date: "2024-01-10", SubjectID: "Guest", Status: "Present"}, ledgerToday)
	assert.Equal(t, "No matching entry found to remove.", appErrors.FromError(err).Message)
}

func TestLedgerRosterPolicy(t *testing.T) {
	ctx := context.Background()

	enforced, _, _ := newTestLedger(t, models.RosterUniqueIDs, models.Subject{ID: "101", Name: "Alice"})
	_, err := enforced.AddRosterEntry(ctx, AddRosterEntryRequest{ID: "101", Name: "Another Alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	assert.Equal(t, "That ID already exists.", appErrors.FromError(err).Message)

	res, err := enforced.AddRosterEntry(ctx, AddRosterEntryRequest{ID: "106", Name: "Farah"})
	require.NoError(t, err)
	assert.Equal(t, "Added Farah.", res.Message)

	shadowing, _, store := newTestLedger(t, models.RosterAllowShadowing, nameRoster("Alice")...)
	_, err = shadowing.AddRosterEntry(ctx, AddRosterEntryRequest{Name: "Alice"})
	require.NoError(t, err)
	roster, err := shadowing.ListRoster(ctx)
	require.NoError(t, err)
	assert.Len(t, roster, 2)
	assert.Len(t, store.subjects, 2)

	_, err = shadowing.AddRosterEntry(ctx, AddRosterEntryRequest{ID: "x"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestLedgerRemoveRosterEntryKeepsHistory(t *testing.T) {
	ledger, _, _ := newTestLedger(t, models.RosterUniqueIDs, models.Subject{ID: "101", Name: "Alice"})
	ctx := context.Background()

	_, err := ledger.CheckInRoster(ctx, "101", ledgerToday)
	require.NoError(t, err)

	_, err = ledger.RemoveRosterEntry(ctx, "999")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	res, err := ledger.RemoveRosterEntry(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, "Deleted Alice.", res.Message)

	history, err := ledger.History(ctx, models.EventFilter{SubjectID: "101"})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	present, err := ledger.IsPresentToday(ctx, "101", ledgerToday)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestLedgerBoard(t *testing.T) {
	ledger, _, _ := newTestLedger(t, models.RosterUniqueIDs, models.Subject{ID: "101", Name: "Alice"}, models.Subject{ID: "102", Name: "Bob"})
	ctx := context.Background()

	_, err := ledger.CheckInRoster(ctx, "102", ledgerToday)
	require.NoError(t, err)

	board, err := ledger.Board(ctx, ledgerToday)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", board.Date)
	require.Len(t, board.Entries, 2)
	assert.False(t, board.Entries[0].PresentToday)
	assert.True(t, board.Entries[1].PresentToday)
}

func TestLedgerStorageFailure(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs)
	events.err = errors.New("disk unplugged")

	_, err := ledger.CheckIn(context.Background(), CheckInRequest{SubjectID: "101", Name: "Alice"}, ledgerToday)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrStorageUnavailable))

	_, err = ledger.IsPresentToday(context.Background(), "101", ledgerToday)
	assert.True(t, errors.Is(err, appErrors.ErrStorageUnavailable))
}

func TestLedgerToday(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	ledger := NewAttendanceLedger(&memEventStore{}, &memRosterStore{}, LedgerOptions{
		Location: jakarta,
		Now:      func() time.Time { return time.Date(2024, time.January, 10, 20, 0, 0, 0, time.UTC) },
	})
	assert.Equal(t, "2024-01-11", ledger.Today().Format(models.DateLayout))
}

func newFileLedger(t *testing.T, dir string) *AttendanceLedger {
	t.Helper()
	files, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	events := repository.NewCSVEventStore(files, "attendance.csv", repository.LogSchemaWithID, 5*time.Second, nil)
	roster := repository.NewJSONRosterStore(files, "students.json", repository.RosterFormatObject, 5*time.Second, nil)
	return NewAttendanceLedger(events, roster, LedgerOptions{Seed: repository.DefaultRoster(repository.RosterFormatObject)})
}

func TestLedgerFileBackendBootstrapAndExport(t *testing.T) {
	dir := t.TempDir()
	ledger := newFileLedger(t, dir)
	ctx := context.Background()
	require.NoError(t, ledger.Bootstrap(ctx))

	history, err := ledger.History(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)

	roster, err := ledger.ListRoster(ctx)
	require.NoError(t, err)
	assert.Len(t, roster, 5)

	_, err = ledger.CheckInRoster(ctx, "101", ledgerToday)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, ledger.ExportLog(ctx, buf))
	assert.Equal(t, "Date,Student ID,Name,Status\n2024-01-10,101,Alice,Present\n", buf.String())
}

func TestLedgerConcurrentCheckInsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first := newFileLedger(t, dir)
	second := newFileLedger(t, dir)
	require.NoError(t, first.Bootstrap(ctx))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		ledger := first
		if i%2 == 1 {
			ledger = second
		}
		wg.Add(1)
		go func(l *AttendanceLedger) {
			defer wg.Done()
			_, err := l.CheckInRoster(ctx, "103", ledgerToday)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, appErrors.ErrDuplicateCheckIn))
		}(ledger)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	todays, err := second.TodayEvents(ctx, ledgerToday)
	require.NoError(t, err)
	assert.Len(t, todays, 1)
}

func TestLedgerNameOnlyLogRequiresNameIdentity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attendance.csv"), []byte("Date,Name,Status\n"), 0o644))

	ledger := newFileLedger(t, dir)
	err := ledger.Bootstrap(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNameKeyedLog)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = ledger.CheckIn(ctx, CheckInRequest{SubjectID: "101", Name: "Alice"}, ledgerToday)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = ledger.AddRosterEntry(ctx, AddRosterEntryRequest{ID: "201", Name: "Farah"})
	assert.ErrorIs(t, err, models.ErrNameKeyedLog)

	res, err := ledger.GuestCheckIn(ctx, "Visitor", ledgerToday)
	require.NoError(t, err)
	assert.True(t, res.OK)
}
