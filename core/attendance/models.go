package attendance

import (
	"time"
)

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
	StatusPending Status = "pending"
)

// Markable reports whether a teacher may record the status.
func (s Status) Markable() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	default:
		return false
	}
}

// Resolved reports whether the status stands on its own at finalization time.
func (s Status) Resolved() bool {
	switch s {
	case StatusPresent, StatusLate, StatusExcused:
		return true
	default:
		return false
	}
}

type Source string

const (
	SourceAuto      Source = "auto"
	SourceTeacher   Source = "teacher"
	SourceFinalizer Source = "finalizer"
)

// HistoryEntry is one immutable step of a day-status row.
type HistoryEntry struct {
	Status   Status            `json:"status"`
	Source   Source            `json:"source"`
	MarkedAt time.Time         `json:"marked_at"` // UTC
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DayKey identifies a day-status row.
type DayKey struct {
	SchoolID  string `json:"school_id"`
	StudentID string `json:"student_id"`
	DateKey   string `json:"date"`
}

// DayAttendance is the canonical per-student-per-day attendance record.
type DayAttendance struct {
	ID        string `json:"id"`
	SchoolID  string `json:"school_id"`
	StudentID string `json:"student_id"`
	DateKey   string `json:"date"` // school-local calendar date

	AutoStatus        Status     `json:"auto_status,omitempty"`
	AutoMarkedAt      *time.Time `json:"auto_marked_at,omitempty"`
	AutoSourceEventID string     `json:"auto_source_event_id,omitempty"`

	TeacherStatus   Status     `json:"teacher_status,omitempty"`
	TeacherMarkedAt *time.Time `json:"teacher_marked_at,omitempty"`
	TeacherMarkedBy string     `json:"teacher_marked_by,omitempty"`
	TeacherOverride bool       `json:"teacher_override"`

	FinalStatus Status     `json:"final_status"`
	FinalSource Source     `json:"final_source,omitempty"`
	Finalized   bool       `json:"finalized"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	History   []HistoryEntry `json:"history"`
	CreatedAt time.Time      `json:"created_at"` // UTC
	UpdatedAt time.Time      `json:"updated_at"` // UTC
}

func (d DayAttendance) Key() DayKey {
	return DayKey{SchoolID: d.SchoolID, StudentID: d.StudentID, DateKey: d.DateKey}
}

// IsNew reports whether the row has not been through any transition yet.
func (d DayAttendance) IsNew() bool {
	return len(d.History) == 0
}

// Clone returns a deep copy, safe to hand out of a store.
func (d DayAttendance) Clone() DayAttendance {
	c := d
	c.History = make([]HistoryEntry, len(d.History))
	for i, h := range d.History {
		c.History[i] = h
		if h.Metadata != nil {
			c.History[i].Metadata = make(map[string]string, len(h.Metadata))
			for k, v := range h.Metadata {
				c.History[i].Metadata[k] = v
			}
		}
	}
	c.AutoMarkedAt = cloneTime(d.AutoMarkedAt)
	c.TeacherMarkedAt = cloneTime(d.TeacherMarkedAt)
	c.FinalizedAt = cloneTime(d.FinalizedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type EventStatus string

const (
	EventCaptured   EventStatus = "captured"
	EventReviewed   EventStatus = "reviewed"
	EventSuperseded EventStatus = "superseded"
	EventIgnored    EventStatus = "ignored"
)

// Event is one raw capture signal, immutable once stored apart from its triage fields.
type Event struct {
	ID         string      `json:"id"`
	EventID    string      `json:"event_id"`
	SchoolID   string      `json:"school_id"`
	StudentID  string      `json:"student_id"`
	Resolved   bool        `json:"resolved"` // student found in the roster at intake
	Merged     bool        `json:"merged"`   // capture applied to the day status
	Grade      string      `json:"grade"`
	Section    string      `json:"section"`
	DateKey    string      `json:"date"`
	CapturedAt time.Time   `json:"captured_at"` // UTC
	Payload    Envelope    `json:"payload"`
	Status     EventStatus `json:"status"`
	Notes      string      `json:"notes,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TeacherMark is one manual entry for a student in a class period.
type TeacherMark struct {
	ID        string    `json:"id"`
	SchoolID  string    `json:"school_id"`
	ClassID   string    `json:"class_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	StudentID string    `json:"student_id"`
	Grade     string    `json:"grade"`
	Section   string    `json:"section"`
	DateKey   string    `json:"date"`
	Period    int       `json:"period"`
	Status    Status    `json:"status"`
	MarkedBy  string    `json:"marked_by"`
	MarkedAt  time.Time `json:"marked_at"` // UTC
}

type (
	EventFilter struct {
		SchoolID string
		DateKey  string
		Grade    string
		Section  string
	}

	MarkFilter struct {
		SchoolID string
		DateKey  string
		Grade    string
		Section  string
		Period   *int
	}
)
