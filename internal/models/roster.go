package models

import "errors"

// ErrNameKeyedLog is returned when an attendance log without an identifier
// column is asked to record a subject whose id differs from its name.
var ErrNameKeyedLog = errors.New("attendance log records names only, so the subject id must equal the name")

// Subject is a roster entry. When the roster has no separate identifiers,
// ID equals Name.
type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BoardEntry is a roster subject annotated with today's presence.
type BoardEntry struct {
	Subject
	PresentToday bool `json:"present_today"`
}

// Board is the kiosk view of the roster for one day.
type Board struct {
	Date    string       `json:"date"`
	Entries []BoardEntry `json:"entries"`
}

// RosterPolicy decides whether duplicate identifiers are accepted.
type RosterPolicy int

const (
	// RosterUniqueIDs rejects an entry whose identifier already exists.
	RosterUniqueIDs RosterPolicy = iota
	// RosterAllowShadowing appends duplicate identifiers as shadow entries.
	RosterAllowShadowing
)

// IndexOf returns the position of the first subject with the given id.
func IndexOf(roster []Subject, id string) int {
	for i, s := range roster {
		if s.ID == id {
			return i
		}
	}
	return -1
}
