// Package school holds the collaborator records the attendance core reads
// (schools, classes, rosters, parents and holiday calendars) but does not own.
package school

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// errors
	ErrNotFound         = errors.New("not found")
	ErrIntakeKeyMissing = errors.New("intake key not configured")
)

type School struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Timezone       string `json:"timezone"`
	FinalizeCutoff string `json:"finalize_cutoff"` // school-local HH:MM, empty means global default
	IntakeEnabled  bool   `json:"intake_enabled"`
	IntakeKeyHash  []byte `json:"-"`
}

// HashIntakeKey returns the bcrypt hash stored for a school's capture intake secret.
func HashIntakeKey(key string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
}

// CheckIntakeKey compares the given secret against the school's stored hash.
func (s School) CheckIntakeKey(key string) error {
	if len(s.IntakeKeyHash) == 0 {
		return ErrIntakeKeyMissing
	}
	return bcrypt.CompareHashAndPassword(s.IntakeKeyHash, []byte(key))
}

type Class struct {
	ID                   string `json:"id"`
	SchoolID             string `json:"school_id"`
	Name                 string `json:"name"`
	Grade                string `json:"grade"`
	Section              string `json:"section"`
	IsActive             bool   `json:"is_active"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	SendAfterTime        string `json:"send_after_time"` // school-local HH:MM
}

func (c Class) Audience() Audience {
	return Audience{Grade: c.Grade, Section: c.Section}
}

type Student struct {
	ID        string `json:"id"`
	SchoolID  string `json:"school_id"`
	ClassID   string `json:"class_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Grade     string `json:"grade"`
	Section   string `json:"section"`
	IsActive  bool   `json:"is_active"`
}

func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

func (s Student) Audience() Audience {
	return Audience{Grade: s.Grade, Section: s.Section}
}

type Parent struct {
	UserID                 string `json:"user_id"` // empty for malformed parent records
	StudentID              string `json:"student_id"`
	Name                   string `json:"name"`
	Phone                  string `json:"phone"`
	AttendanceAlertsOptOut bool   `json:"attendance_alerts_opt_out"`
}

// CanReceiveAlerts reports whether the parent wants attendance alerts and can be reached.
func (p Parent) CanReceiveAlerts() bool {
	return !p.AttendanceAlertsOptOut && strings.TrimSpace(p.Phone) != ""
}

// Audience scopes a holiday to a grade and/or section.
// An empty field only matches holidays that are not scoped on that field.
type Audience struct {
	Grade   string
	Section string
}

type Holiday struct {
	SchoolID string `json:"school_id"`
	DateKey  string `json:"date"`
	Name     string `json:"name"`
	Grade    string `json:"grade"`   // empty: all grades
	Section  string `json:"section"` // empty: all sections
}

// Covers reports whether the holiday applies to the given audience.
func (h Holiday) Covers(aud Audience) bool {
	return (h.Grade == "" || h.Grade == aud.Grade) && (h.Section == "" || h.Section == aud.Section)
}

type (
	ClassFilter struct {
		SchoolID             string
		NotificationsEnabled bool
	}

	// StudentFilter only ever matches active students.
	StudentFilter struct {
		SchoolID string
		ClassID  string
		Grade    string
		Section  string
		IDs      []string
	}
)
