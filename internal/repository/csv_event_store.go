package repository

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

// LogSchema names the column layout of a new attendance log.
type LogSchema string

const (
	// LogSchemaWithID writes Date,Student ID,Name,Status.
	LogSchemaWithID LogSchema = "id"
	// LogSchemaNameOnly writes Date,Name,Status; the name doubles as the id.
	LogSchemaNameOnly LogSchema = "name"
)

// Header returns the header row written for the schema.
func (s LogSchema) Header() []string {
	if s == LogSchemaNameOnly {
		return []string{"Date", "Name", "Status"}
	}
	return []string{"Date", "Student ID", "Name", "Status"}
}

const utf8BOM = "\ufeff"

type logColumns struct {
	date, id, name, status int
}

func (c logColumns) width() int {
	max := c.date
	for _, v := range []int{c.id, c.name, c.status} {
		if v > max {
			max = v
		}
	}
	return max + 1
}

type logRow struct {
	raw   []string
	event models.AttendanceEvent
	valid bool
}

type presenceKey struct {
	date string
	id   string
}

// fileStamp identifies one version of the log on disk. The file identity
// catches an atomic rewrite by another process that kept size and mtime.
type fileStamp struct {
	size    int64
	modTime time.Time
	info    os.FileInfo
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), modTime: info.ModTime(), info: info}
}

func (f fileStamp) same(other fileStamp) bool {
	if f.info == nil || other.info == nil {
		return false
	}
	return f.size == other.size && f.modTime.Equal(other.modTime) && os.SameFile(f.info, other.info)
}

// CSVEventStore keeps the attendance log in a CSV file with a header row.
// The whole file is mirrored in memory together with an index of Present
// keys; the mirror is reloaded whenever another process changed the file.
type CSVEventStore struct {
	files   *storage.LocalStorage
	name    string
	schema  LogSchema
	lock    *storage.FileLock
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	loaded  bool
	stamp   fileStamp
	header  []string
	bom     bool
	crlf    bool
	columns logColumns
	rows    []logRow
	present map[presenceKey]int

	// unterminated is set when the last line on disk lacks a newline.
	unterminated bool
}

// NewCSVEventStore builds a store for the log file name under files.
func NewCSVEventStore(files *storage.LocalStorage, name string, schema LogSchema, lockTimeout time.Duration, logger *zap.Logger) *CSVEventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schema != LogSchemaNameOnly {
		schema = LogSchemaWithID
	}
	return &CSVEventStore{
		files:   files,
		name:    name,
		schema:  schema,
		lock:    files.Lock(name, lockTimeout),
		logger:  logger,
		timeout: lockTimeout,
	}
}

// Bootstrap creates the log with its header when missing or empty.
func (s *CSVEventStore) Bootstrap(ctx context.Context) error {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok, err := s.files.Stat(s.name)
	if err != nil {
		return err
	}
	if !ok || info.Size() == 0 {
		if err := s.files.WriteAtomic(s.name, s.encode(s.schema.Header(), nil, false, false)); err != nil {
			return err
		}
		s.logger.Info("attendance log created", zap.String("path", s.files.Path(s.name)), zap.String("schema", string(s.schema)))
	}
	return s.refreshLocked()
}

// NameKeyed reports whether the log on disk has no identifier column, in
// which case every subject is identified by its name.
func (s *CSVEventStore) NameKeyed(ctx context.Context) (bool, error) {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return false, err
	}
	if s.header == nil {
		return s.schema == LogSchemaNameOnly, nil
	}
	return s.columns.id < 0, nil
}

// List returns every well-formed event in log order.
func (s *CSVEventStore) List(ctx context.Context) ([]models.AttendanceEvent, error) {
	return s.collect(ctx, func(models.AttendanceEvent) bool { return true })
}

// ListByDate returns the events recorded for one calendar day.
func (s *CSVEventStore) ListByDate(ctx context.Context, date time.Time) ([]models.AttendanceEvent, error) {
	return s.collect(ctx, func(e models.AttendanceEvent) bool { return models.SameDay(e.Date, date) })
}

// HasPresent answers from the in-memory Present index.
func (s *CSVEventStore) HasPresent(ctx context.Context, date time.Time, subjectID string) (bool, error) {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return false, err
	}
	return s.present[keyFor(date, subjectID)] > 0, nil
}

// Append adds events to the end of the log unconditionally.
func (s *CSVEventStore) Append(ctx context.Context, events ...models.AttendanceEvent) error {
	if len(events) == 0 {
		return nil
	}
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return err
	}
	return s.appendLocked(events)
}

// AppendUnlessPresent appends ev unless it is a Present event and the
// subject already has one for that day. The check and the append happen
// under the same exclusive file lock.
func (s *CSVEventStore) AppendUnlessPresent(ctx context.Context, ev models.AttendanceEvent) (bool, error) {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return false, err
	}
	if ev.Status == models.AttendanceStatusPresent && s.present[keyFor(ev.Date, ev.SubjectID)] > 0 {
		return false, nil
	}
	if err := s.appendLocked([]models.AttendanceEvent{ev}); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFirst deletes the first event matching date, subject and status and
// rewrites the file atomically.
func (s *CSVEventStore) RemoveFirst(ctx context.Context, ev models.AttendanceEvent) (bool, error) {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return false, err
	}
	idx := -1
	for i, row := range s.rows {
		if row.valid && row.event.Matches(ev.Date, ev.SubjectID, ev.Status) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	remaining := make([]logRow, 0, len(s.rows)-1)
	remaining = append(remaining, s.rows[:idx]...)
	remaining = append(remaining, s.rows[idx+1:]...)
	raws := make([][]string, len(remaining))
	for i, row := range remaining {
		raws[i] = row.raw
	}
	if err := s.files.WriteAtomic(s.name, s.encode(s.header, raws, s.bom, s.crlf)); err != nil {
		return false, err
	}

	removed := s.rows[idx].event
	s.rows = remaining
	if removed.Status == models.AttendanceStatusPresent {
		key := keyFor(removed.Date, removed.SubjectID)
		if s.present[key]--; s.present[key] <= 0 {
			delete(s.present, key)
		}
	}
	return true, s.restampLocked()
}

// Export copies the persisted log verbatim.
func (s *CSVEventStore) Export(ctx context.Context, w io.Writer) error {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.files.CopyTo(s.name, w)
}

func (s *CSVEventStore) collect(ctx context.Context, keep func(models.AttendanceEvent) bool) ([]models.AttendanceEvent, error) {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	events := make([]models.AttendanceEvent, 0, len(s.rows))
	for _, row := range s.rows {
		if row.valid && keep(row.event) {
			events = append(events, row.event)
		}
	}
	return events, nil
}

func (s *CSVEventStore) appendLocked(events []models.AttendanceEvent) error {
	needHeader := s.header == nil
	if needHeader {
		s.useHeader(s.schema.Header())
	}
	if s.columns.id < 0 {
		for _, ev := range events {
			if ev.SubjectID != ev.Name {
				if needHeader {
					s.header = nil
				}
				return fmt.Errorf("%w: %q is not %q", models.ErrNameKeyedLog, ev.SubjectID, ev.Name)
			}
		}
	}
	rows := make([]logRow, len(events))
	raws := make([][]string, len(events))
	for i, ev := range events {
		raw := s.record(ev)
		rows[i] = logRow{raw: raw, event: ev, valid: true}
		raws[i] = raw
	}

	var payload []byte
	if needHeader {
		payload = s.encode(s.header, raws, false, s.crlf)
	} else {
		payload = s.encode(nil, raws, false, s.crlf)
	}
	if s.unterminated {
		payload = append([]byte(s.lineEnding()), payload...)
	}
	if err := s.files.Append(s.name, payload); err != nil {
		return err
	}
	s.unterminated = false

	for _, row := range rows {
		s.rows = append(s.rows, row)
		if row.event.Status == models.AttendanceStatusPresent {
			s.present[keyFor(row.event.Date, row.event.SubjectID)]++
		}
	}
	return s.restampLocked()
}

// refreshLocked reloads the mirror when the file changed on disk.
func (s *CSVEventStore) refreshLocked() error {
	info, ok, err := s.files.Stat(s.name)
	if err != nil {
		return err
	}
	if !ok {
		s.reset()
		s.loaded = true
		s.stamp = fileStamp{}
		return nil
	}
	stamp := stampOf(info)
	if s.loaded && stamp.same(s.stamp) {
		return nil
	}

	data, err := s.files.ReadFile(s.name)
	if err != nil {
		return err
	}
	if err := s.parse(data); err != nil {
		return err
	}
	s.loaded = true
	s.stamp = stamp
	return nil
}

func (s *CSVEventStore) restampLocked() error {
	info, ok, err := s.files.Stat(s.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("attendance log %s vanished", s.name)
	}
	s.stamp = stampOf(info)
	return nil
}

func (s *CSVEventStore) reset() {
	s.header = nil
	s.bom = false
	s.crlf = false
	s.unterminated = false
	s.rows = nil
	s.present = make(map[presenceKey]int)
}

func (s *CSVEventStore) parse(data []byte) error {
	s.reset()
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if bytes.HasPrefix(data, []byte(utf8BOM)) {
		s.bom = true
		data = data[len(utf8BOM):]
	}
	if nl := bytes.IndexByte(data, '\n'); nl > 0 && data[nl-1] == '\r' {
		s.crlf = true
	}
	s.unterminated = len(data) > 0 && data[len(data)-1] != '\n'

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("parse %s: %w", s.name, err)
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.useHeader(records[0]); err != nil {
		return err
	}

	skipped := 0
	for _, raw := range records[1:] {
		row := logRow{raw: raw}
		if ev, ok := s.decode(raw); ok {
			row.event, row.valid = ev, true
			if ev.Status == models.AttendanceStatusPresent {
				s.present[keyFor(ev.Date, ev.SubjectID)]++
			}
		} else {
			skipped++
		}
		s.rows = append(s.rows, row)
	}
	if skipped > 0 {
		s.logger.Warn("attendance log has malformed rows", zap.String("path", s.files.Path(s.name)), zap.Int("skipped", skipped))
	}
	return nil
}

func (s *CSVEventStore) useHeader(header []string) error {
	cols := logColumns{date: -1, id: -1, name: -1, status: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "date":
			cols.date = i
		case "student id", "subject id", "id":
			cols.id = i
		case "name":
			cols.name = i
		case "status":
			cols.status = i
		}
	}
	if cols.date < 0 || cols.name < 0 || cols.status < 0 {
		return fmt.Errorf("attendance log %s: unrecognised header %q", s.name, strings.Join(header, ","))
	}
	s.header = append([]string(nil), header...)
	s.columns = cols
	return nil
}

func (s *CSVEventStore) decode(raw []string) (models.AttendanceEvent, bool) {
	if len(raw) < s.columns.width() {
		return models.AttendanceEvent{}, false
	}
	date, err := models.ParseDate(raw[s.columns.date])
	if err != nil {
		return models.AttendanceEvent{}, false
	}
	name := raw[s.columns.name]
	id := name
	if s.columns.id >= 0 {
		id = raw[s.columns.id]
	}
	status := models.AttendanceStatus(strings.TrimSpace(raw[s.columns.status]))
	return models.AttendanceEvent{Date: date, SubjectID: id, Name: name, Status: status}, true
}

func (s *CSVEventStore) record(ev models.AttendanceEvent) []string {
	raw := make([]string, len(s.header))
	raw[s.columns.date] = ev.DateString()
	raw[s.columns.name] = ev.Name
	raw[s.columns.status] = string(ev.Status)
	if s.columns.id >= 0 {
		raw[s.columns.id] = ev.SubjectID
	}
	return raw
}

func (s *CSVEventStore) encode(header []string, rows [][]string, bom, crlf bool) []byte {
	buf := &bytes.Buffer{}
	if bom {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(buf)
	w.UseCRLF = crlf
	if header != nil {
		_ = w.Write(header)
	}
	for _, row := range rows {
		_ = w.Write(row)
	}
	w.Flush()
	return buf.Bytes()
}

func (s *CSVEventStore) lineEnding() string {
	if s.crlf {
		return "\r\n"
	}
	return "\n"
}

func keyFor(date time.Time, subjectID string) presenceKey {
	return presenceKey{date: date.Format(models.DateLayout), id: subjectID}
}
