package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttendanceStatus(t *testing.T) {
	s, err := ParseAttendanceStatus(" present ")
	require.NoError(t, err)
	assert.Equal(t, AttendanceStatusPresent, s)

	s, err = ParseAttendanceStatus("ABSENT")
	require.NoError(t, err)
	assert.Equal(t, AttendanceStatusAbsent, s)

	_, err = ParseAttendanceStatus("Late")
	assert.Error(t, err)
}

func TestDayIgnoresClock(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	evening := time.Date(2024, 1, 10, 23, 30, 0, 0, loc)
	assert.Equal(t, "2024-01-10", Day(evening).Format(DateLayout))
	assert.True(t, SameDay(Day(evening), time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)))
}

func TestEventFilter(t *testing.T) {
	day := func(s string) time.Time {
		d, err := ParseDate(s)
		require.NoError(t, err)
		return d
	}
	from, to := day("2024-01-09"), day("2024-01-10")
	present := AttendanceStatusPresent
	f := EventFilter{From: &from, To: &to, Status: &present}

	assert.True(t, f.Accepts(AttendanceEvent{Date: day("2024-01-10"), SubjectID: "101", Status: AttendanceStatusPresent}))
	assert.False(t, f.Accepts(AttendanceEvent{Date: day("2024-01-11"), SubjectID: "101", Status: AttendanceStatusPresent}))
	assert.False(t, f.Accepts(AttendanceEvent{Date: day("2024-01-09"), SubjectID: "101", Status: AttendanceStatusAbsent}))
	assert.True(t, EventFilter{}.Accepts(AttendanceEvent{Date: day("2001-01-01")}))
}

func TestIndexOf(t *testing.T) {
	roster := []Subject{{ID: "101", Name: "Alice"}, {ID: "102", Name: "Bob"}, {ID: "101", Name: "Alice II"}}
	assert.Equal(t, 0, IndexOf(roster, "101"))
	assert.Equal(t, 1, IndexOf(roster, "102"))
	assert.Equal(t, -1, IndexOf(roster, "999"))
}

func TestAttendanceEventJSONUsesCalendarDay(t *testing.T) {
	date, err := ParseDate("2024-01-10")
	require.NoError(t, err)
	raw, err := json.Marshal(AttendanceEvent{Date: date, SubjectID: "101", Name: "Alice", Status: AttendanceStatusPresent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-01-10","subject_id":"101","name":"Alice","status":"Present"}`, string(raw))

	var back AttendanceEvent
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Matches(date, "101", AttendanceStatusPresent))
}
