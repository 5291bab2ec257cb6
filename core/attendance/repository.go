package attendance

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// errors
	ErrEventNotFound = errors.New("attendance event not found")
	ErrEventExists   = errors.New("attendance event already exists")
)

type (
	EventRepository interface {
		EventExists(ctx context.Context, eventID string) (bool, error)
		// InsertEvent stores evt if its EventID is new, it returns ErrEventExists otherwise.
		InsertEvent(ctx context.Context, evt Event) (Event, error)
		GetEvent(ctx context.Context, eventID string) (Event, error)
		// UpdateEventTriage only ever changes the triage status and notes.
		UpdateEventTriage(ctx context.Context, eventID string, status EventStatus, notes string, at time.Time) (Event, error)
		QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	}

	DayRepository interface {
		// ApplyMark atomically merges m into its day-status row, creating the row if needed.
		// A capture mark flags its event as merged in the same write.
		ApplyMark(ctx context.Context, m Mark) (DayAttendance, Outcome, error)
		QueryDays(ctx context.Context, filter DayFilter) ([]DayAttendance, error)

		IsDayClosed(ctx context.Context, schoolID, dateKey string) (bool, error)
		// CountOpenDays counts rows that are neither finalized nor teacher overridden.
		CountOpenDays(ctx context.Context, schoolID, dateKey string) (int, error)
		// ExistingStudentIDs returns which of studentIDs already have a row for the date.
		ExistingStudentIDs(ctx context.Context, schoolID, dateKey string, studentIDs []string) ([]string, error)
		// InsertDefaultAbsences bulk inserts finalized absent rows, skipping keys that exist already.
		InsertDefaultAbsences(ctx context.Context, schoolID, dateKey string, studentIDs []string, now time.Time) (int, error)
		// FinalizeOpenDays closes the open, non overridden rows of studentIDs.
		FinalizeOpenDays(ctx context.Context, schoolID, dateKey string, studentIDs []string, now time.Time) (int, error)
		CloseDay(ctx context.Context, schoolID, dateKey string, now time.Time) error
	}

	MarkRepository interface {
		// UpsertTeacherMarks replaces marks on (school, student, date, period).
		UpsertTeacherMarks(ctx context.Context, marks []TeacherMark) error
		QueryTeacherMarks(ctx context.Context, filter MarkFilter) ([]TeacherMark, error)
	}

	Repository interface {
		EventRepository
		DayRepository
		MarkRepository
	}

	DayFilter struct {
		SchoolID   string
		DateKey    string
		StudentIDs []string // nil: all students
		Status     Status   // empty: any
	}
)
