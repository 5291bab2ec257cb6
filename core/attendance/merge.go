package attendance

import (
	"time"
)

// Outcome is the result of merging one write into a day-status row.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	// OutcomeSuperseded: an auto write landed on a teacher-overridden row.
	// Only the auto bookkeeping changed; the derived status did not.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeUnchanged: the capture was applied to the row already.
	OutcomeUnchanged Outcome = "unchanged"
)

// Mark is one write on the auto or teacher channel.
type Mark struct {
	SchoolID  string
	StudentID string
	DateKey   string
	Source    Source // SourceAuto or SourceTeacher
	Status    Status // ignored for the auto channel, capture implies presence
	MarkedAt  time.Time
	MarkedBy  string // teacher user id
	EventID   string // capture event id
	Metadata  map[string]string
}

func (m Mark) Key() DayKey {
	return DayKey{SchoolID: m.SchoolID, StudentID: m.StudentID, DateKey: m.DateKey}
}

// NewDay returns the placeholder row a first write is applied to.
func NewDay(key DayKey, now time.Time) DayAttendance {
	return DayAttendance{
		SchoolID:    key.SchoolID,
		StudentID:   key.StudentID,
		DateKey:     key.DateKey,
		FinalStatus: StatusPending,
		History:     []HistoryEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Apply merges m into day following source precedence: a teacher write always
// wins and re-opens the row, an auto write only moves the derived status while
// no teacher override is in force.
func Apply(day *DayAttendance, m Mark) Outcome {
	outcome := OutcomeUpdated
	if day.IsNew() {
		outcome = OutcomeCreated
	}
	at := m.MarkedAt.UTC()

	switch m.Source {
	case SourceTeacher:
		day.TeacherStatus = m.Status
		day.TeacherMarkedAt = &at
		day.TeacherMarkedBy = m.MarkedBy
		day.TeacherOverride = true
		day.setFinal(m.Status, SourceTeacher, at, m.Metadata)
	default:
		if m.EventID != "" && day.AutoSourceEventID == m.EventID {
			return OutcomeUnchanged
		}
		day.AutoStatus = StatusPresent
		day.AutoMarkedAt = &at
		day.AutoSourceEventID = m.EventID
		if day.TeacherOverride {
			day.UpdatedAt = at
			return OutcomeSuperseded
		}
		day.setFinal(StatusPresent, SourceAuto, at, m.Metadata)
	}
	return outcome
}

func (d *DayAttendance) setFinal(st Status, src Source, at time.Time, meta map[string]string) {
	d.FinalStatus = st
	d.FinalSource = src
	d.Finalized = false
	d.FinalizedAt = nil
	d.UpdatedAt = at
	d.History = append(d.History, HistoryEntry{Status: st, Source: src, MarkedAt: at, Metadata: meta})
}

// Finalize closes an unresolved row with the absent default.
// It reports false, leaving the row untouched, for overridden or already closed rows.
func Finalize(day *DayAttendance, now time.Time) bool {
	if day.TeacherOverride || day.Finalized {
		return false
	}
	now = now.UTC()
	if !day.FinalStatus.Resolved() {
		day.FinalStatus = StatusAbsent
		day.FinalSource = SourceFinalizer
		day.History = append(day.History, HistoryEntry{
			Status:   StatusAbsent,
			Source:   SourceFinalizer,
			MarkedAt: now,
			Metadata: map[string]string{"reason": "cutoff"},
		})
	}
	day.Finalized = true
	day.FinalizedAt = &now
	day.UpdatedAt = now
	return true
}

// DefaultAbsence is the row materialized for a student with no signal at all by the cutoff.
func DefaultAbsence(key DayKey, now time.Time) DayAttendance {
	now = now.UTC()
	day := NewDay(key, now)
	day.FinalStatus = StatusAbsent
	day.FinalSource = SourceFinalizer
	day.Finalized = true
	day.FinalizedAt = &now
	day.History = append(day.History, DefaultAbsenceEntry(now))
	return day
}

// DefaultAbsenceEntry is the synthetic history entry of a materialized absence.
func DefaultAbsenceEntry(now time.Time) HistoryEntry {
	return HistoryEntry{
		Status:   StatusAbsent,
		Source:   SourceFinalizer,
		MarkedAt: now.UTC(),
		Metadata: map[string]string{"reason": "no_signal"},
	}
}
