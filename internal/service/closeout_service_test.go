package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/repository"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

type stubAbsenceMarker struct {
	calls []time.Time
	err   error
}

func (s *stubAbsenceMarker) MarkAllAbsent(_ context.Context, today time.Time) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, today)
	return 2, nil
}

func TestCloseoutRunsOncePerDayAfterCutoff(t *testing.T) {
	marker := &stubAbsenceMarker{}
	svc, err := NewCloseoutService(marker, nil, config.CloseoutConfig{At: "17:30"}, time.UTC, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	svc.now = func() time.Time { return time.Date(2024, time.January, 10, 17, 29, 0, 0, time.UTC) }
	ran, _, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	svc.now = func() time.Time { return time.Date(2024, time.January, 10, 17, 31, 0, 0, time.UTC) }
	ran, count, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, count)

	ran, _, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	svc.now = func() time.Time { return time.Date(2024, time.January, 11, 18, 0, 0, 0, time.UTC) }
	ran, _, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	require.Len(t, marker.calls, 2)
	assert.Equal(t, "2024-01-10", marker.calls[0].Format("2006-01-02"))
	assert.Equal(t, "2024-01-11", marker.calls[1].Format("2006-01-02"))
}

func TestCloseoutRetriesAfterFailure(t *testing.T) {
	marker := &stubAbsenceMarker{err: errors.New("log locked")}
	svc, err := NewCloseoutService(marker, nil, config.CloseoutConfig{At: "08:00"}, time.UTC, nil, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC) }

	ran, _, err := svc.Tick(context.Background())
	assert.Error(t, err)
	assert.False(t, ran)

	marker.err = nil
	ran, _, err = svc.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCloseoutRejectsBadTime(t *testing.T) {
	_, err := NewCloseoutService(&stubAbsenceMarker{}, nil, config.CloseoutConfig{At: "5pm"}, time.UTC, nil, nil)
	assert.Error(t, err)
}

type memCloseoutStore struct {
	days map[string]bool
	err  error
}

func (m *memCloseoutStore) Closed(_ context.Context, day time.Time) (bool, error) {
	return m.days[day.Format(models.DateLayout)], m.err
}

func (m *memCloseoutStore) MarkClosed(_ context.Context, day time.Time) error {
	if m.days == nil {
		m.days = map[string]bool{}
	}
	m.days[day.Format(models.DateLayout)] = true
	return nil
}

func TestCloseoutSkipsRecordedDay(t *testing.T) {
	marker := &stubAbsenceMarker{}
	marks := &memCloseoutStore{days: map[string]bool{"2024-01-10": true}}
	svc, err := NewCloseoutService(marker, marks, config.CloseoutConfig{At: "08:00"}, time.UTC, nil, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC) }

	ran, _, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, marker.calls)
}

func TestCloseoutCheckFailureIsRetried(t *testing.T) {
	marker := &stubAbsenceMarker{}
	marks := &memCloseoutStore{err: errors.New("meta table locked")}
	svc, err := NewCloseoutService(marker, marks, config.CloseoutConfig{At: "08:00"}, time.UTC, nil, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC) }

	ran, _, err := svc.Tick(context.Background())
	assert.Error(t, err)
	assert.False(t, ran)

	marks.err = nil
	ran, _, err = svc.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, marks.days["2024-01-10"])
}

func TestCloseoutRunsDespiteManualAbsence(t *testing.T) {
	ledger, events, _ := newTestLedger(t, models.RosterUniqueIDs, nameRoster("Alice", "Bob", "Cara")...)
	ctx := context.Background()

	_, err := ledger.CheckIn(ctx, CheckInRequest{SubjectID: "Alice", Name: "Alice", Status: "absent"}, ledgerToday)
	require.NoError(t, err)

	dir := t.TempDir()
	files, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	marks := repository.NewFileCloseoutStore(files, "closeouts", 5*time.Second)

	svc, err := NewCloseoutService(ledger, marks, config.CloseoutConfig{At: "17:00"}, time.UTC, nil, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, time.January, 10, 17, 5, 0, 0, time.UTC) }

	ran, count, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, count)
	assert.Equal(t, 4, events.count())

	restarted, err := NewCloseoutService(ledger, repository.NewFileCloseoutStore(files, "closeouts", 5*time.Second), config.CloseoutConfig{At: "17:00"}, time.UTC, nil, nil)
	require.NoError(t, err)
	restarted.now = svc.now
	ran, _, err = restarted.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 4, events.count())
}
