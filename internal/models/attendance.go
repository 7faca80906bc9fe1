package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-day format used by the attendance log.
const DateLayout = "2006-01-02"

// AttendanceStatus represents the status recorded for a check-in event.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "Present"
	AttendanceStatusAbsent  AttendanceStatus = "Absent"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusAbsent:
		return true
	default:
		return false
	}
}

// ParseAttendanceStatus normalises user input such as "present" or "ABSENT".
func ParseAttendanceStatus(raw string) (AttendanceStatus, error) {
	trimmed := strings.TrimSpace(raw)
	for _, s := range []AttendanceStatus{AttendanceStatusPresent, AttendanceStatusAbsent} {
		if strings.EqualFold(trimmed, string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown attendance status %q", raw)
}

// AttendanceEvent is one immutable row of the attendance log.
type AttendanceEvent struct {
	Date      time.Time        `json:"date"`
	SubjectID string           `json:"subject_id"`
	Name      string           `json:"name"`
	Status    AttendanceStatus `json:"status"`
}

// DateString renders the event date as YYYY-MM-DD.
func (e AttendanceEvent) DateString() string {
	return e.Date.Format(DateLayout)
}

type attendanceEventJSON struct {
	Date      string           `json:"date"`
	SubjectID string           `json:"subject_id"`
	Name      string           `json:"name"`
	Status    AttendanceStatus `json:"status"`
}

// MarshalJSON writes the date as a calendar day.
func (e AttendanceEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(attendanceEventJSON{Date: e.DateString(), SubjectID: e.SubjectID, Name: e.Name, Status: e.Status})
}

// UnmarshalJSON accepts the form written by MarshalJSON.
func (e *AttendanceEvent) UnmarshalJSON(data []byte) error {
	var raw attendanceEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	date, err := ParseDate(raw.Date)
	if err != nil {
		return fmt.Errorf("event date: %w", err)
	}
	*e = AttendanceEvent{Date: date, SubjectID: raw.SubjectID, Name: raw.Name, Status: raw.Status}
	return nil
}

// Matches reports whether the event has the same day, subject and status.
func (e AttendanceEvent) Matches(date time.Time, subjectID string, status AttendanceStatus) bool {
	return SameDay(e.Date, date) && e.SubjectID == subjectID && e.Status == status
}

// Day truncates t to its calendar date, keeping t's location for the
// year/month/day split and returning a UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay compares calendar dates.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// EventFilter scopes history queries. Zero values mean unbounded.
type EventFilter struct {
	From      *time.Time
	To        *time.Time
	SubjectID string
	Status    *AttendanceStatus
}

// Accepts reports whether the event passes the filter.
func (f EventFilter) Accepts(e AttendanceEvent) bool {
	if f.From != nil && Day(e.Date).Before(Day(*f.From)) {
		return false
	}
	if f.To != nil && Day(e.Date).After(Day(*f.To)) {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	return true
}

// Result is the user-facing outcome of a ledger operation.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// CheckInEvent is published after a check-in is recorded.
type CheckInEvent struct {
	ID         string           `json:"id"`
	Date       string           `json:"date"`
	SubjectID  string           `json:"subject_id"`
	Name       string           `json:"name"`
	Status     AttendanceStatus `json:"status"`
	Guest      bool             `json:"guest"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// DailySummary aggregates one day of the log.
type DailySummary struct {
	Date         string `json:"date"`
	Present      int    `json:"present"`
	Absent       int    `json:"absent"`
	RosterSize   int    `json:"roster_size"`
	NotCheckedIn int    `json:"not_checked_in"`
	Guests       int    `json:"guests"`
}
