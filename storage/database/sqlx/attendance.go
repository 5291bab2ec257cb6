package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/storage/database"
)

type (
	eventRow struct {
		ID         string         `db:"id"`
		EventID    string         `db:"event_id"`
		SchoolID   string         `db:"school_id"`
		StudentID  string         `db:"student_id"`
		Resolved   bool           `db:"resolved"`
		Merged     bool           `db:"merged"`
		Grade      string         `db:"grade"`
		Section    string         `db:"section"`
		DateKey    string         `db:"date_key"`
		CapturedAt time.Time      `db:"captured_at"`
		Payload    types.JSONText `db:"payload"`
		Status     string         `db:"status"`
		Notes      string         `db:"notes"`
		CreatedAt  time.Time      `db:"created_at"`
		UpdatedAt  time.Time      `db:"updated_at"`
	}

	dayRow struct {
		ID                string         `db:"id"`
		SchoolID          string         `db:"school_id"`
		StudentID         string         `db:"student_id"`
		DateKey           string         `db:"date_key"`
		AutoStatus        null.String    `db:"auto_status"`
		AutoMarkedAt      null.Time      `db:"auto_marked_at"`
		AutoSourceEventID null.String    `db:"auto_source_event_id"`
		TeacherStatus     null.String    `db:"teacher_status"`
		TeacherMarkedAt   null.Time      `db:"teacher_marked_at"`
		TeacherMarkedBy   null.String    `db:"teacher_marked_by"`
		TeacherOverride   bool           `db:"teacher_override"`
		FinalStatus       string         `db:"final_status"`
		FinalSource       null.String    `db:"final_source"`
		Finalized         bool           `db:"finalized"`
		FinalizedAt       null.Time      `db:"finalized_at"`
		History           types.JSONText `db:"history"`
		CreatedAt         time.Time      `db:"created_at"`
		UpdatedAt         time.Time      `db:"updated_at"`
	}

	markRow struct {
		ID        string      `db:"id"`
		SchoolID  string      `db:"school_id"`
		ClassID   string      `db:"class_id"`
		SubjectID null.String `db:"subject_id"`
		StudentID string      `db:"student_id"`
		Grade     string      `db:"grade"`
		Section   string      `db:"section"`
		DateKey   string      `db:"date_key"`
		Period    int         `db:"period"`
		Status    string      `db:"status"`
		MarkedBy  string      `db:"marked_by"`
		MarkedAt  time.Time   `db:"marked_at"`
	}
)

const (
	eventColumns = "id, event_id, school_id, student_id, resolved, merged, grade, section, date_key, captured_at, payload, status, notes, created_at, updated_at"
	dayColumns   = "id, school_id, student_id, date_key, auto_status, auto_marked_at, auto_source_event_id, " +
		"teacher_status, teacher_marked_at, teacher_marked_by, teacher_override, final_status, final_source, " +
		"finalized, finalized_at, history, created_at, updated_at"
	markColumns = "id, school_id, class_id, subject_id, student_id, grade, section, date_key, period, status, marked_by, marked_at"
)

func newEventRow(evt attendance.Event) (eventRow, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return eventRow{}, errors.Wrap(err, "encoding payload")
	}
	return eventRow{
		ID:         evt.ID,
		EventID:    evt.EventID,
		SchoolID:   evt.SchoolID,
		StudentID:  evt.StudentID,
		Resolved:   evt.Resolved,
		Merged:     evt.Merged,
		Grade:      evt.Grade,
		Section:    evt.Section,
		DateKey:    evt.DateKey,
		CapturedAt: evt.CapturedAt.UTC(),
		Payload:    payload,
		Status:     string(evt.Status),
		Notes:      evt.Notes,
		CreatedAt:  evt.CreatedAt.UTC(),
		UpdatedAt:  evt.UpdatedAt.UTC(),
	}, nil
}

func (r eventRow) toEvent() (attendance.Event, error) {
	var env attendance.Envelope
	if err := r.Payload.Unmarshal(&env); err != nil {
		return attendance.Event{}, errors.Wrapf(err, "decoding payload of event %s", r.EventID)
	}
	return attendance.Event{
		ID:         r.ID,
		EventID:    r.EventID,
		SchoolID:   r.SchoolID,
		StudentID:  r.StudentID,
		Resolved:   r.Resolved,
		Merged:     r.Merged,
		Grade:      r.Grade,
		Section:    r.Section,
		DateKey:    r.DateKey,
		CapturedAt: r.CapturedAt.UTC(),
		Payload:    env,
		Status:     attendance.EventStatus(r.Status),
		Notes:      r.Notes,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}, nil
}

func newDayRow(d attendance.DayAttendance) (dayRow, error) {
	history := d.History
	if history == nil {
		history = []attendance.HistoryEntry{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return dayRow{}, errors.Wrap(err, "encoding history")
	}
	return dayRow{
		ID:                d.ID,
		SchoolID:          d.SchoolID,
		StudentID:         d.StudentID,
		DateKey:           d.DateKey,
		AutoStatus:        null.NewString(string(d.AutoStatus), d.AutoStatus != ""),
		AutoMarkedAt:      null.TimeFromPtr(d.AutoMarkedAt),
		AutoSourceEventID: null.NewString(d.AutoSourceEventID, d.AutoSourceEventID != ""),
		TeacherStatus:     null.NewString(string(d.TeacherStatus), d.TeacherStatus != ""),
		TeacherMarkedAt:   null.TimeFromPtr(d.TeacherMarkedAt),
		TeacherMarkedBy:   null.NewString(d.TeacherMarkedBy, d.TeacherMarkedBy != ""),
		TeacherOverride:   d.TeacherOverride,
		FinalStatus:       string(d.FinalStatus),
		FinalSource:       null.NewString(string(d.FinalSource), d.FinalSource != ""),
		Finalized:         d.Finalized,
		FinalizedAt:       null.TimeFromPtr(d.FinalizedAt),
		History:           hist,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (r dayRow) toDay() (attendance.DayAttendance, error) {
	history := make([]attendance.HistoryEntry, 0)
	if len(r.History) > 0 {
		if err := r.History.Unmarshal(&history); err != nil {
			return attendance.DayAttendance{}, errors.Wrapf(err, "decoding history of day %s", r.ID)
		}
	}
	return attendance.DayAttendance{
		ID:                r.ID,
		SchoolID:          r.SchoolID,
		StudentID:         r.StudentID,
		DateKey:           r.DateKey,
		AutoStatus:        attendance.Status(r.AutoStatus.String),
		AutoMarkedAt:      utcPtr(r.AutoMarkedAt),
		AutoSourceEventID: r.AutoSourceEventID.String,
		TeacherStatus:     attendance.Status(r.TeacherStatus.String),
		TeacherMarkedAt:   utcPtr(r.TeacherMarkedAt),
		TeacherMarkedBy:   r.TeacherMarkedBy.String,
		TeacherOverride:   r.TeacherOverride,
		FinalStatus:       attendance.Status(r.FinalStatus),
		FinalSource:       attendance.Source(r.FinalSource.String),
		Finalized:         r.Finalized,
		FinalizedAt:       utcPtr(r.FinalizedAt),
		History:           history,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

func toDays(rows []dayRow) ([]attendance.DayAttendance, error) {
	days := make([]attendance.DayAttendance, 0, len(rows))
	for _, r := range rows {
		day, err := r.toDay()
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, nil
}

func (r markRow) toMark() attendance.TeacherMark {
	return attendance.TeacherMark{
		ID:        r.ID,
		SchoolID:  r.SchoolID,
		ClassID:   r.ClassID,
		SubjectID: r.SubjectID.String,
		StudentID: r.StudentID,
		Grade:     r.Grade,
		Section:   r.Section,
		DateKey:   r.DateKey,
		Period:    r.Period,
		Status:    attendance.Status(r.Status),
		MarkedBy:  r.MarkedBy,
		MarkedAt:  r.MarkedAt.UTC(),
	}
}

type attendanceRepository struct {
	db core.DB
}

var _ attendance.Repository = (*attendanceRepository)(nil)

func NewAttendanceRepository(db core.DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

// Events

func (repo *attendanceRepository) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := repo.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM attendance_events WHERE event_id = $1)", eventID); err != nil {
		return false, errors.Wrap(err, "checking event")
	}
	return exists, nil
}

func (repo *attendanceRepository) InsertEvent(ctx context.Context, evt attendance.Event) (attendance.Event, error) {
	evt.ID = uuid.New().String()
	row, err := newEventRow(evt)
	if err != nil {
		return attendance.Event{}, err
	}
	q := `INSERT INTO attendance_events (` + eventColumns + `)
		VALUES (:id, :event_id, :school_id, :student_id, :resolved, :merged, :grade, :section, :date_key,
			:captured_at, :payload, :status, :notes, :created_at, :updated_at)`
	if _, err = repo.db.NamedExecContext(ctx, q, row); err != nil {
		if database.IsUniqueViolation(err) {
			return attendance.Event{}, attendance.ErrEventExists
		}
		return attendance.Event{}, errors.Wrap(err, "inserting event")
	}
	return evt, nil
}

func (repo *attendanceRepository) GetEvent(ctx context.Context, eventID string) (attendance.Event, error) {
	var row eventRow
	if err := repo.db.GetContext(ctx, &row, "SELECT "+eventColumns+" FROM attendance_events WHERE event_id = $1", eventID); err != nil {
		if err == sql.ErrNoRows {
			return attendance.Event{}, attendance.ErrEventNotFound
		}
		return attendance.Event{}, errors.Wrap(err, "selecting event")
	}
	return row.toEvent()
}

func (repo *attendanceRepository) UpdateEventTriage(ctx context.Context, eventID string, status attendance.EventStatus, notes string, at time.Time) (attendance.Event, error) {
	var row eventRow
	q := `UPDATE attendance_events SET status = $2, notes = $3, updated_at = $4
		WHERE event_id = $1 RETURNING ` + eventColumns
	if err := repo.db.GetContext(ctx, &row, q, eventID, string(status), notes, at.UTC()); err != nil {
		if err == sql.ErrNoRows {
			return attendance.Event{}, attendance.ErrEventNotFound
		}
		return attendance.Event{}, errors.Wrap(err, "updating event triage")
	}
	return row.toEvent()
}

func (repo *attendanceRepository) QueryEvents(ctx context.Context, filter attendance.EventFilter) ([]attendance.Event, error) {
	var w where
	w.add("school_id = ?", filter.SchoolID)
	w.addIf(filter.DateKey != "", "date_key = ?", filter.DateKey)
	w.addIf(filter.Grade != "", "grade = ?", filter.Grade)
	w.addIf(filter.Section != "", "section = ?", filter.Section)

	var rows []eventRow
	q := "SELECT " + eventColumns + " FROM attendance_events" + w.String() + " ORDER BY captured_at, event_id"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting events")
	}
	events := make([]attendance.Event, 0, len(rows))
	for _, r := range rows {
		evt, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// Day statuses

func (repo *attendanceRepository) ApplyMark(ctx context.Context, m attendance.Mark) (attendance.DayAttendance, attendance.Outcome, error) {
	var day attendance.DayAttendance
	var outcome attendance.Outcome

	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		key := m.Key()
		placeholder := attendance.NewDay(key, m.MarkedAt.UTC())
		placeholder.ID = uuid.New().String()
		if _, err := insertDay(ctx, tx, placeholder); err != nil {
			return err
		}

		var row dayRow
		q := "SELECT " + dayColumns + " FROM day_attendance WHERE school_id = $1 AND student_id = $2 AND date_key = $3 FOR UPDATE"
		if err := tx.GetContext(ctx, &row, q, key.SchoolID, key.StudentID, key.DateKey); err != nil {
			return errors.Wrap(err, "locking day")
		}
		var err error
		if day, err = row.toDay(); err != nil {
			return err
		}
		outcome = attendance.Apply(&day, m)
		if err = updateDay(ctx, tx, day); err != nil {
			return err
		}
		if m.Source == attendance.SourceAuto && m.EventID != "" {
			if _, err = tx.ExecContext(ctx, "UPDATE attendance_events SET merged = TRUE WHERE event_id = $1", m.EventID); err != nil {
				return errors.Wrap(err, "flagging event merged")
			}
		}
		return nil
	})
	if err != nil {
		return attendance.DayAttendance{}, "", err
	}
	return day, outcome, nil
}

// insertDay inserts d unless its key is taken already, and reports whether it did.
func insertDay(ctx context.Context, ext sqlx.ExtContext, d attendance.DayAttendance) (bool, error) {
	row, err := newDayRow(d)
	if err != nil {
		return false, err
	}
	q := `INSERT INTO day_attendance (` + dayColumns + `)
		VALUES (:id, :school_id, :student_id, :date_key, :auto_status, :auto_marked_at, :auto_source_event_id,
			:teacher_status, :teacher_marked_at, :teacher_marked_by, :teacher_override, :final_status, :final_source,
			:finalized, :finalized_at, :history, :created_at, :updated_at)
		ON CONFLICT (school_id, student_id, date_key) DO NOTHING`
	res, err := sqlx.NamedExecContext(ctx, ext, q, row)
	if err != nil {
		return false, errors.Wrap(err, "inserting day")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "inserting day")
	}
	return n > 0, nil
}

func updateDay(ctx context.Context, ext sqlx.ExtContext, d attendance.DayAttendance) error {
	row, err := newDayRow(d)
	if err != nil {
		return err
	}
	q := `UPDATE day_attendance SET
			auto_status = :auto_status, auto_marked_at = :auto_marked_at, auto_source_event_id = :auto_source_event_id,
			teacher_status = :teacher_status, teacher_marked_at = :teacher_marked_at, teacher_marked_by = :teacher_marked_by,
			teacher_override = :teacher_override, final_status = :final_status, final_source = :final_source,
			finalized = :finalized, finalized_at = :finalized_at, history = :history, updated_at = :updated_at
		WHERE id = :id`
	if _, err = sqlx.NamedExecContext(ctx, ext, q, row); err != nil {
		return errors.Wrap(err, "updating day")
	}
	return nil
}

func (repo *attendanceRepository) QueryDays(ctx context.Context, filter attendance.DayFilter) ([]attendance.DayAttendance, error) {
	if filter.StudentIDs != nil && len(filter.StudentIDs) == 0 {
		return []attendance.DayAttendance{}, nil
	}
	var w where
	w.add("school_id = ?", filter.SchoolID)
	w.addIf(filter.DateKey != "", "date_key = ?", filter.DateKey)
	w.addIf(filter.Status != "", "final_status = ?", string(filter.Status))
	if filter.StudentIDs != nil {
		w.in("student_id", filter.StudentIDs)
	}

	var rows []dayRow
	q := "SELECT " + dayColumns + " FROM day_attendance" + w.String() + " ORDER BY date_key, student_id"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting days")
	}
	return toDays(rows)
}

func (repo *attendanceRepository) IsDayClosed(ctx context.Context, schoolID, dateKey string) (bool, error) {
	var closed bool
	q := "SELECT EXISTS (SELECT 1 FROM attendance_day_closures WHERE school_id = $1 AND date_key = $2)"
	if err := repo.db.GetContext(ctx, &closed, q, schoolID, dateKey); err != nil {
		return false, errors.Wrap(err, "checking day closure")
	}
	return closed, nil
}

func (repo *attendanceRepository) CountOpenDays(ctx context.Context, schoolID, dateKey string) (int, error) {
	var count int
	q := `SELECT COUNT(*) FROM day_attendance
		WHERE school_id = $1 AND date_key = $2 AND NOT finalized AND NOT teacher_override`
	if err := repo.db.GetContext(ctx, &count, q, schoolID, dateKey); err != nil {
		return 0, errors.Wrap(err, "counting open days")
	}
	return count, nil
}

func (repo *attendanceRepository) ExistingStudentIDs(ctx context.Context, schoolID, dateKey string, studentIDs []string) ([]string, error) {
	existing := make([]string, 0)
	if len(studentIDs) == 0 {
		return existing, nil
	}
	var w where
	w.add("school_id = ?", schoolID)
	w.add("date_key = ?", dateKey)
	w.in("student_id", studentIDs)
	if err := repo.db.SelectContext(ctx, &existing, "SELECT student_id FROM day_attendance"+w.String(), w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting existing days")
	}
	return existing, nil
}

func (repo *attendanceRepository) InsertDefaultAbsences(ctx context.Context, schoolID, dateKey string, studentIDs []string, now time.Time) (int, error) {
	var inserted int
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		for _, id := range studentIDs {
			day := attendance.DefaultAbsence(attendance.DayKey{SchoolID: schoolID, StudentID: id, DateKey: dateKey}, now)
			day.ID = uuid.New().String()
			ok, err := insertDay(ctx, tx, day)
			if err != nil {
				return errors.Wrap(err, "inserting default absence")
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (repo *attendanceRepository) FinalizeOpenDays(ctx context.Context, schoolID, dateKey string, studentIDs []string, now time.Time) (int, error) {
	if len(studentIDs) == 0 {
		return 0, nil
	}
	var updated int
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var w where
		w.add("school_id = ?", schoolID)
		w.add("date_key = ?", dateKey)
		w.add("NOT finalized")
		w.add("NOT teacher_override")
		w.in("student_id", studentIDs)

		var rows []dayRow
		q := "SELECT " + dayColumns + " FROM day_attendance" + w.String() + " ORDER BY student_id FOR UPDATE"
		if err := tx.SelectContext(ctx, &rows, q, w.args...); err != nil {
			return errors.Wrap(err, "locking open days")
		}
		days, err := toDays(rows)
		if err != nil {
			return err
		}
		for i := range days {
			if !attendance.Finalize(&days[i], now) {
				continue
			}
			if err = updateDay(ctx, tx, days[i]); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (repo *attendanceRepository) CloseDay(ctx context.Context, schoolID, dateKey string, now time.Time) error {
	q := `INSERT INTO attendance_day_closures (school_id, date_key, closed_at) VALUES ($1, $2, $3)
		ON CONFLICT (school_id, date_key) DO UPDATE SET closed_at = EXCLUDED.closed_at`
	if _, err := repo.db.ExecContext(ctx, q, schoolID, dateKey, now.UTC()); err != nil {
		return errors.Wrap(err, "closing day")
	}
	return nil
}

// Teacher marks

func (repo *attendanceRepository) UpsertTeacherMarks(ctx context.Context, marks []attendance.TeacherMark) error {
	return withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		q := `INSERT INTO teacher_marks (` + markColumns + `)
			VALUES (:id, :school_id, :class_id, :subject_id, :student_id, :grade, :section, :date_key, :period, :status, :marked_by, :marked_at)
			ON CONFLICT (school_id, student_id, date_key, period) DO UPDATE SET
				class_id = EXCLUDED.class_id, subject_id = EXCLUDED.subject_id, grade = EXCLUDED.grade,
				section = EXCLUDED.section, status = EXCLUDED.status, marked_by = EXCLUDED.marked_by,
				marked_at = EXCLUDED.marked_at`
		for _, m := range marks {
			row := markRow{
				ID:        uuid.New().String(),
				SchoolID:  m.SchoolID,
				ClassID:   m.ClassID,
				SubjectID: null.NewString(m.SubjectID, m.SubjectID != ""),
				StudentID: m.StudentID,
				Grade:     m.Grade,
				Section:   m.Section,
				DateKey:   m.DateKey,
				Period:    m.Period,
				Status:    string(m.Status),
				MarkedBy:  m.MarkedBy,
				MarkedAt:  m.MarkedAt.UTC(),
			}
			if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
				return errors.Wrapf(err, "upserting mark of student %s", m.StudentID)
			}
		}
		return nil
	})
}

func (repo *attendanceRepository) QueryTeacherMarks(ctx context.Context, filter attendance.MarkFilter) ([]attendance.TeacherMark, error) {
	var w where
	w.add("school_id = ?", filter.SchoolID)
	w.addIf(filter.DateKey != "", "date_key = ?", filter.DateKey)
	w.addIf(filter.Grade != "", "grade = ?", filter.Grade)
	w.addIf(filter.Section != "", "section = ?", filter.Section)
	if filter.Period != nil {
		w.add("period = ?", *filter.Period)
	}

	var rows []markRow
	q := "SELECT " + markColumns + " FROM teacher_marks" + w.String() + " ORDER BY student_id, period"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting teacher marks")
	}
	marks := make([]attendance.TeacherMark, 0, len(rows))
	for _, r := range rows {
		marks = append(marks, r.toMark())
	}
	return marks, nil
}
