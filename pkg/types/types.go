package types

import (
	"sort"
	"time"
)

// Top-level collections mirrored by the cache and the persisted layout
// ARCHITECTURAL DISCOVERY: Path constants defined once so that the store server,
// the adapter clients and the cache agree on the same layout
const (
	PathClasses         = "classes"
	PathStudents        = "students"
	PathRecords         = "records"
	PathUserPreferences = "userPreferences"
	PathAdminRoles      = "adminRoles"
	PathUserDirectory   = "userDirectory"
)

// Soft capacity limits enforced by the write gateway
const (
	MaxClasses          = 15
	MaxStudentsPerClass = 40
	MaxDailyDepartures  = 10
	MinHour             = 1
	MaxHour             = 6
)

// DateLayout is the canonical CalendarDate representation used as record keys
const DateLayout = "2006-01-02"

// ClassID identifies a classroom group, e.g. "1º ESO A"
type ClassID = string

// Student is one roster entry keyed by (ClassID, StudentID)
type Student struct {
	DisplayName string `json:"displayName"`
}

// Departure is one recorded instance of a student leaving class during an hour
// FUNCTIONAL DISCOVERY: ActorIdentity is the only ownership information available,
// the store itself has no notion of who created a value
type Departure struct {
	Hour          int       `json:"hour"`
	ActorIdentity string    `json:"actorIdentity"`
	Timestamp     time.Time `json:"timestamp"`
}

// VisitRecord holds the departures of one student on one calendar date
type VisitRecord struct {
	Departures []Departure `json:"departures"`
}

// Find returns the index of the departure recorded for hour, or -1
func (r VisitRecord) Find(hour int) int {
	for i, d := range r.Departures {
		if d.Hour == hour {
			return i
		}
	}
	return -1
}

// Count returns the number of departures in the record
func (r VisitRecord) Count() int {
	return len(r.Departures)
}

// Students maps StudentID -> Student for one class
type Students map[string]Student

// StudentRecords maps CalendarDate -> VisitRecord for one student
type StudentRecords map[string]VisitRecord

// Dates returns the record dates in ascending order
func (r StudentRecords) Dates() []string {
	dates := make([]string, 0, len(r))
	for date := range r {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

// RosterRow is one already-parsed row of a roster import
type RosterRow struct {
	DisplayName string `json:"displayName" validate:"required"`
	ClassID     string `json:"classId" validate:"required"`
}

// SkippedRow reports a roster row rejected during import
type SkippedRow struct {
	Row    int       `json:"row"`
	Input  RosterRow `json:"input"`
	Reason string    `json:"reason"`
}

// ImportReport summarizes a roster import
type ImportReport struct {
	ClassCount   int          `json:"classCount"`
	StudentCount int          `json:"studentCount"`
	Skipped      []SkippedRow `json:"skipped,omitempty"`
}

// UserActivityStat aggregates departures logged by one actor over a date range
type UserActivityStat struct {
	ActorIdentity string         `json:"actorIdentity"`
	Email         string         `json:"email,omitempty"`
	Total         int            `json:"total"`
	ByDate        map[string]int `json:"byDate"`
}

// UserPreference is stored under userPreferences/{sanitizedEmail}
type UserPreference struct {
	LastVisitedClass string    `json:"lastVisitedClass"`
	LastVisit        time.Time `json:"lastVisit"`
}

// DailyCount is one point of a per-student departure series
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
