package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
)

// EventStore persists the attendance log.
type EventStore interface {
	Bootstrap(ctx context.Context) error
	List(ctx context.Context) ([]models.AttendanceEvent, error)
	ListByDate(ctx context.Context, date time.Time) ([]models.AttendanceEvent, error)
	HasPresent(ctx context.Context, date time.Time, subjectID string) (bool, error)
	Append(ctx context.Context, events ...models.AttendanceEvent) error
	AppendUnlessPresent(ctx context.Context, ev models.AttendanceEvent) (bool, error)
	RemoveFirst(ctx context.Context, ev models.AttendanceEvent) (bool, error)
	Export(ctx context.Context, w io.Writer) error
}

// RosterStore persists the roster.
type RosterStore interface {
	Bootstrap(ctx context.Context, seed []models.Subject) error
	Load(ctx context.Context) ([]models.Subject, error)
	Update(ctx context.Context, fn func([]models.Subject) ([]models.Subject, error)) error
}

// nameKeyedStore is implemented by logs that can only identify subjects by
// name.
type nameKeyedStore interface {
	NameKeyed(ctx context.Context) (bool, error)
}

const nameKeyedMessage = "This attendance log records names only, so the ID must match the name."

// CheckInNotifier receives every appended event.
type CheckInNotifier interface {
	Notify(event models.CheckInEvent)
}

// LedgerOptions carries the optional collaborators of the ledger.
type LedgerOptions struct {
	Policy    models.RosterPolicy
	Seed      []models.Subject
	Location  *time.Location
	Now       func() time.Time
	Cache     *CacheService
	Metrics   *MetricsService
	Notifier  CheckInNotifier
	Validator *validator.Validate
	Logger    *zap.Logger
}

// CheckInRequest describes a single check-in. Status defaults to Present.
type CheckInRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=128"`
	Name      string `json:"name" validate:"required,max=128"`
	Status    string `json:"status" validate:"omitempty,attendance_status"`
}

// RetractRequest identifies the log row to retract.
type RetractRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	SubjectID string `json:"subject_id" validate:"required,max=128"`
	Status    string `json:"status" validate:"required,attendance_status"`
}

// AddRosterEntryRequest describes a new roster entry. An empty ID makes the
// name double as the identifier.
type AddRosterEntryRequest struct {
	ID   string `json:"id" validate:"max=64"`
	Name string `json:"name" validate:"required,max=128"`
}

// AttendanceLedger owns the attendance log and the roster. Every mutation is
// serialised by the ledger; the stores close the remaining window between
// processes.
type AttendanceLedger struct {
	events    EventStore
	roster    RosterStore
	policy    models.RosterPolicy
	seed      []models.Subject
	loc       *time.Location
	now       func() time.Time
	cache     *CacheService
	metrics   *MetricsService
	notifier  CheckInNotifier
	validator *validator.Validate
	logger    *zap.Logger

	mu sync.RWMutex
}

// NewAttendanceLedger constructs the ledger over the given stores.
func NewAttendanceLedger(events EventStore, roster RosterStore, opts LedgerOptions) *AttendanceLedger {
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &AttendanceLedger{
		events:    events,
		roster:    roster,
		policy:    opts.Policy,
		seed:      opts.Seed,
		loc:       opts.Location,
		now:       opts.Now,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		validator: opts.Validator,
		logger:    opts.Logger,
	}
	_ = l.validator.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
		_, err := models.ParseAttendanceStatus(fl.Field().String())
		return err == nil
	})
	return l
}

// Today returns the current calendar day in the ledger's timezone.
func (l *AttendanceLedger) Today() time.Time {
	return models.Day(l.now().In(l.loc))
}

// Bootstrap creates the log and the seeded roster when they are missing.
func (l *AttendanceLedger) Bootstrap(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.events.Bootstrap(ctx); err != nil {
		return appErrors.Storage(err, "attendance log unavailable")
	}
	if err := l.roster.Bootstrap(ctx, l.seed); err != nil {
		return appErrors.Storage(err, "roster unavailable")
	}

	keyed, err := l.nameKeyed(ctx)
	if err != nil || !keyed {
		return err
	}
	roster, err := l.loadRoster(ctx)
	if err != nil {
		return err
	}
	for _, s := range roster {
		if s.ID != s.Name {
			return appErrors.Wrap(fmt.Errorf("%w: roster entry %q is named %q", models.ErrNameKeyedLog, s.ID, s.Name),
				appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, nameKeyedMessage)
		}
	}
	return nil
}

// IsPresentToday reports whether subjectID already has a Present event today.
func (l *AttendanceLedger) IsPresentToday(ctx context.Context, subjectID string, today time.Time) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := time.Now()
	present, err := l.events.HasPresent(ctx, models.Day(today), subjectID)
	l.metrics.ObserveStorage("has_present", time.Since(start))
	if err != nil {
		return false, appErrors.Storage(err, "attendance log unavailable")
	}
	return present, nil
}

// CheckIn records one event. A second Present event for the same subject
// and day is rejected with ErrDuplicateCheckIn.
func (l *AttendanceLedger) CheckIn(ctx context.Context, req CheckInRequest, today time.Time) (*models.Result, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Name = strings.TrimSpace(req.Name)
	if err := l.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid check-in")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkInLocked(ctx, req, today, false)
}

// CheckInRoster checks in a roster subject by identifier.
func (l *AttendanceLedger) CheckInRoster(ctx context.Context, subjectID string, today time.Time) (*models.Result, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	roster, err := l.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	idx := models.IndexOf(roster, subjectID)
	if idx < 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "Student not found.")
	}
	return l.checkInLocked(ctx, CheckInRequest{SubjectID: subjectID, Name: roster[idx].Name}, today, false)
}

// GuestCheckIn records a free-text guest whose name is also its identifier.
func (l *AttendanceLedger) GuestCheckIn(ctx context.Context, name string, today time.Time) (*models.Result, error) {
	name = strings.TrimSpace(name)
	req := CheckInRequest{SubjectID: name, Name: name}
	if err := l.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "guest name is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkInLocked(ctx, req, today, true)
}

func (l *AttendanceLedger) checkInLocked(ctx context.Context, req CheckInRequest, today time.Time, guest bool) (*models.Result, error) {
	status := models.AttendanceStatusPresent
	if req.Status != "" {
		parsed, err := models.ParseAttendanceStatus(req.Status)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status")
		}
		status = parsed
	}
	ev := models.AttendanceEvent{Date: models.Day(today), SubjectID: req.SubjectID, Name: req.Name, Status: status}

	start := time.Now()
	appended, err := l.events.AppendUnlessPresent(ctx, ev)
	l.metrics.ObserveStorage("append", time.Since(start))
	if err != nil {
		return nil, appendError(err)
	}
	if !appended {
		l.metrics.RecordCheckIn(string(status), "duplicate")
		return nil, appErrors.Clone(appErrors.ErrDuplicateCheckIn, fmt.Sprintf("%s is already marked Present today.", req.Name))
	}

	l.metrics.RecordCheckIn(string(status), "accepted")
	l.logger.Info("check-in recorded",
		zap.String("subject_id", ev.SubjectID),
		zap.String("status", string(status)),
		zap.String("date", ev.DateString()),
		zap.Bool("guest", guest),
	)
	l.afterAppend(ctx, guest, ev)
	return &models.Result{OK: true, Message: fmt.Sprintf("Welcome, %s! You're marked %s.", req.Name, status)}, nil
}

// MarkAllAbsent appends one Absent event for every roster entry without a
// Present event today and returns how many were appended. Running it twice
// appends the Absent rows twice.
func (l *AttendanceLedger) MarkAllAbsent(ctx context.Context, today time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := models.Day(today)
	roster, err := l.loadRoster(ctx)
	if err != nil {
		return 0, err
	}
	todays, err := l.events.ListByDate(ctx, day)
	if err != nil {
		return 0, appErrors.Storage(err, "attendance log unavailable")
	}
	present := make(map[string]struct{}, len(todays))
	for _, ev := range todays {
		if ev.Status == models.AttendanceStatusPresent {
			present[ev.SubjectID] = struct{}{}
		}
	}

	absences := make([]models.AttendanceEvent, 0, len(roster))
	for _, s := range roster {
		if _, ok := present[s.ID]; ok {
			continue
		}
		absences = append(absences, models.AttendanceEvent{Date: day, SubjectID: s.ID, Name: s.Name, Status: models.AttendanceStatusAbsent})
	}
	if len(absences) == 0 {
		return 0, nil
	}

	start := time.Now()
	err = l.events.Append(ctx, absences...)
	l.metrics.ObserveStorage("append_batch", time.Since(start))
	if err != nil {
		return 0, appendError(err)
	}
	l.metrics.RecordAbsences(len(absences))
	l.logger.Info("absences marked", zap.String("date", day.Format(models.DateLayout)), zap.Int("count", len(absences)))
	l.afterAppend(ctx, false, absences...)
	return len(absences), nil
}

// RetractTodayEntry removes the first event matching the request. Only
// events dated today can be retracted.
func (l *AttendanceLedger) RetractTodayEntry(ctx context.Context, req RetractRequest, today time.Time) (*models.Result, error) {
	req.Date = strings.TrimSpace(req.Date)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if err := l.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid retraction")
	}
	date, err := models.ParseDate(req.Date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid date")
	}
	status, err := models.ParseAttendanceStatus(req.Status)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status")
	}
	if !models.SameDay(date, today) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "You can only remove entries from today's attendance.")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	todays, err := l.events.ListByDate(ctx, models.Day(today))
	if err != nil {
		return nil, appErrors.Storage(err, "attendance log unavailable")
	}
	name, found := "", false
	for _, ev := range todays {
		if ev.Matches(date, req.SubjectID, status) {
			name, found = ev.Name, true
			break
		}
	}
	if !found {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "No matching entry found to remove.")
	}

	target := models.AttendanceEvent{Date: models.Day(date), SubjectID: req.SubjectID, Name: name, Status: status}
	start := time.Now()
	removed, err := l.events.RemoveFirst(ctx, target)
	l.metrics.ObserveStorage("remove_first", time.Since(start))
	if err != nil {
		return nil, appErrors.Storage(err, "attendance log unavailable")
	}
	if !removed {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "No matching entry found to remove.")
	}

	l.logger.Info("attendance entry retracted", zap.String("subject_id", req.SubjectID), zap.String("status", string(status)))
	l.cache.Invalidate(ctx)
	return &models.Result{OK: true, Message: fmt.Sprintf("Removed %s from today's attendance.", name)}, nil
}

// AddRosterEntry appends a subject to the roster. Under RosterUniqueIDs a
// repeated identifier is rejected; otherwise it is stored as a shadow entry.
func (l *AttendanceLedger) AddRosterEntry(ctx context.Context, req AddRosterEntryRequest) (*models.Result, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if err := l.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "Please provide both ID and Name.")
	}
	if req.ID == "" {
		req.ID = req.Name
	}
	subject := models.Subject{ID: req.ID, Name: req.Name}

	l.mu.Lock()
	defer l.mu.Unlock()

	if subject.ID != subject.Name {
		keyed, err := l.nameKeyed(ctx)
		if err != nil {
			return nil, err
		}
		if keyed {
			return nil, appErrors.Wrap(models.ErrNameKeyedLog, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, nameKeyedMessage)
		}
	}

	err := l.roster.Update(ctx, func(current []models.Subject) ([]models.Subject, error) {
		if l.policy == models.RosterUniqueIDs && models.IndexOf(current, subject.ID) >= 0 {
			return nil, appErrors.Clone(appErrors.ErrConflict, "That ID already exists.")
		}
		return append(current, subject), nil
	})
	if err != nil {
		return nil, l.rosterError(err)
	}

	l.logger.Info("roster entry added", zap.String("subject_id", subject.ID))
	l.cache.Invalidate(ctx)
	return &models.Result{OK: true, Message: fmt.Sprintf("Added %s.", subject.Name)}, nil
}

// RemoveRosterEntry removes the first roster entry with subjectID. The log is
// left untouched.
func (l *AttendanceLedger) RemoveRosterEntry(ctx context.Context, subjectID string) (*models.Result, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var removed models.Subject
	err := l.roster.Update(ctx, func(current []models.Subject) ([]models.Subject, error) {
		idx := models.IndexOf(current, subjectID)
		if idx < 0 {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "Student not found.")
		}
		removed = current[idx]
		next := make([]models.Subject, 0, len(current)-1)
		next = append(next, current[:idx]...)
		return append(next, current[idx+1:]...), nil
	})
	if err != nil {
		return nil, l.rosterError(err)
	}

	l.logger.Info("roster entry removed", zap.String("subject_id", removed.ID))
	l.cache.Invalidate(ctx)
	return &models.Result{OK: true, Message: fmt.Sprintf("Deleted %s.", removed.Name)}, nil
}

// ExportLog writes the persisted log to w.
func (l *AttendanceLedger) ExportLog(ctx context.Context, w io.Writer) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.events.Export(ctx, w); err != nil {
		return appErrors.Storage(err, "attendance log unavailable")
	}
	return nil
}

// ListRoster returns the roster in order.
func (l *AttendanceLedger) ListRoster(ctx context.Context) ([]models.Subject, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loadRoster(ctx)
}

// TodayEvents returns today's events in log order.
func (l *AttendanceLedger) TodayEvents(ctx context.Context, today time.Time) ([]models.AttendanceEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events, err := l.events.ListByDate(ctx, models.Day(today))
	if err != nil {
		return nil, appErrors.Storage(err, "attendance log unavailable")
	}
	return events, nil
}

// History returns the events accepted by filter in log order.
func (l *AttendanceLedger) History(ctx context.Context, filter models.EventFilter) ([]models.AttendanceEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all, err := l.events.List(ctx)
	if err != nil {
		return nil, appErrors.Storage(err, "attendance log unavailable")
	}
	events := make([]models.AttendanceEvent, 0, len(all))
	for _, ev := range all {
		if filter.Accepts(ev) {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Board returns the roster annotated with today's presence.
func (l *AttendanceLedger) Board(ctx context.Context, today time.Time) (*models.Board, error) {
	day := models.Day(today)
	if board, ok := l.cache.Board(ctx, day); ok {
		return board, nil
	}

	// The snapshot is cached before the read lock is released; mutations
	// invalidate under the write lock, so a stale board cannot outlive one.
	l.mu.RLock()
	defer l.mu.RUnlock()

	roster, err := l.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	todays, err := l.events.ListByDate(ctx, day)
	if err != nil {
		return nil, appErrors.Storage(err, "attendance log unavailable")
	}

	present := make(map[string]bool, len(todays))
	for _, ev := range todays {
		if ev.Status == models.AttendanceStatusPresent {
			present[ev.SubjectID] = true
		}
	}
	board := &models.Board{Date: day.Format(models.DateLayout), Entries: make([]models.BoardEntry, 0, len(roster))}
	for _, s := range roster {
		board.Entries = append(board.Entries, models.BoardEntry{Subject: s, PresentToday: present[s.ID]})
	}
	l.cache.StoreBoard(ctx, day, board)
	return board, nil
}

func (l *AttendanceLedger) loadRoster(ctx context.Context) ([]models.Subject, error) {
	start := time.Now()
	roster, err := l.roster.Load(ctx)
	l.metrics.ObserveStorage("roster_load", time.Since(start))
	if err != nil {
		return nil, appErrors.Storage(err, "roster unavailable")
	}
	return roster, nil
}

func (l *AttendanceLedger) nameKeyed(ctx context.Context) (bool, error) {
	store, ok := l.events.(nameKeyedStore)
	if !ok {
		return false, nil
	}
	keyed, err := store.NameKeyed(ctx)
	if err != nil {
		return false, appErrors.Storage(err, "attendance log unavailable")
	}
	return keyed, nil
}

func appendError(err error) error {
	if errors.Is(err, models.ErrNameKeyedLog) {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, nameKeyedMessage)
	}
	return appErrors.Storage(err, "attendance log unavailable")
}

func (l *AttendanceLedger) rosterError(err error) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Storage(err, "roster unavailable")
}

func (l *AttendanceLedger) afterAppend(ctx context.Context, guest bool, events ...models.AttendanceEvent) {
	l.cache.Invalidate(ctx)
	if l.notifier == nil {
		return
	}
	recordedAt := l.now().UTC()
	for _, ev := range events {
		l.notifier.Notify(models.CheckInEvent{
			ID:         uuid.NewString(),
			Date:       ev.DateString(),
			SubjectID:  ev.SubjectID,
			Name:       ev.Name,
			Status:     ev.Status,
			Guest:      guest,
			RecordedAt: recordedAt,
		})
	}
}
