package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/rollcall/core/attendance"
)

type attendanceRepository struct {
	db *attendanceTables
}

var _ attendance.Repository = (*attendanceRepository)(nil)

func NewAttendanceRepository(db *DB) *attendanceRepository {
	return &attendanceRepository{db: db.attendance}
}

func cloneEvent(evt *attendance.Event) attendance.Event {
	e := *evt
	e.Payload.Data = append([]byte(nil), evt.Payload.Data...)
	return e
}

func (repo *attendanceRepository) EventExists(_ context.Context, eventID string) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	_, ok := repo.db.events[eventID]
	return ok, nil
}

func (repo *attendanceRepository) InsertEvent(_ context.Context, evt attendance.Event) (attendance.Event, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.events[evt.EventID]; ok {
		return attendance.Event{}, attendance.ErrEventExists
	}
	evt.ID = uuid.New().String()
	stored := cloneEvent(&evt)
	repo.db.events[evt.EventID] = &stored
	return evt, nil
}

func (repo *attendanceRepository) GetEvent(_ context.Context, eventID string) (attendance.Event, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if evt, ok := repo.db.events[eventID]; ok {
		return cloneEvent(evt), nil
	}
	return attendance.Event{}, attendance.ErrEventNotFound
}

func (repo *attendanceRepository) UpdateEventTriage(_ context.Context, eventID string, status attendance.EventStatus, notes string, at time.Time) (attendance.Event, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	evt, ok := repo.db.events[eventID]
	if !ok {
		return attendance.Event{}, attendance.ErrEventNotFound
	}
	evt.Status = status
	evt.Notes = notes
	evt.UpdatedAt = at
	return cloneEvent(evt), nil
}

func (repo *attendanceRepository) QueryEvents(_ context.Context, filter attendance.EventFilter) ([]attendance.Event, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	events := make([]attendance.Event, 0)
	for _, evt := range repo.db.events {
		if evt.SchoolID != filter.SchoolID ||
			(filter.DateKey != "" && evt.DateKey != filter.DateKey) ||
			(filter.Grade != "" && evt.Grade != filter.Grade) ||
			(filter.Section != "" && evt.Section != filter.Section) {
			continue
		}
		events = append(events, cloneEvent(evt))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CapturedAt.Before(events[j].CapturedAt) })
	return events, nil
}

func (repo *attendanceRepository) ApplyMark(_ context.Context, m attendance.Mark) (attendance.DayAttendance, attendance.Outcome, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := m.Key()
	day, ok := repo.db.days[key]
	if !ok {
		d := attendance.NewDay(key, m.MarkedAt.UTC())
		d.ID = uuid.New().String()
		day = &d
		repo.db.days[key] = day
	}
	outcome := attendance.Apply(day, m)
	if evt, ok := repo.db.events[m.EventID]; ok && m.Source == attendance.SourceAuto {
		evt.Merged = true
	}
	return day.Clone(), outcome, nil
}

func (repo *attendanceRepository) QueryDays(_ context.Context, filter attendance.DayFilter) ([]attendance.DayAttendance, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	days := make([]attendance.DayAttendance, 0)
	for key, day := range repo.db.days {
		if key.SchoolID != filter.SchoolID ||
			(filter.DateKey != "" && key.DateKey != filter.DateKey) ||
			(filter.StudentIDs != nil && !contains(filter.StudentIDs, key.StudentID)) ||
			(filter.Status != "" && day.FinalStatus != filter.Status) {
			continue
		}
		days = append(days, day.Clone())
	}
	sort.Slice(days, func(i, j int) bool {
		if days[i].DateKey != days[j].DateKey {
			return days[i].DateKey < days[j].DateKey
		}
		return days[i].StudentID < days[j].StudentID
	})
	return days, nil
}

func (repo *attendanceRepository) IsDayClosed(_ context.Context, schoolID, dateKey string) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	_, ok := repo.db.closures[closureKey{schoolID: schoolID, dateKey: dateKey}]
	return ok, nil
}

func (repo *attendanceRepository) CountOpenDays(_ context.Context, schoolID, dateKey string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var count int
	for key, day := range repo.db.days {
		if key.SchoolID == schoolID && key.DateKey == dateKey && !day.Finalized && !day.TeacherOverride {
			count++
		}
	}
	return count, nil
}

func (repo *attendanceRepository) ExistingStudentIDs(_ context.Context, schoolID, dateKey string, studentIDs []string) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	existing := make([]string, 0)
	for _, id := range studentIDs {
		if _, ok := repo.db.days[attendance.DayKey{SchoolID: schoolID, StudentID: id, DateKey: dateKey}]; ok {
			existing = append(existing, id)
		}
	}
	return existing, nil
}

func (repo *attendanceRepository) InsertDefaultAbsences(_ context.Context, schoolID, dateKey string, studentIDs []string, now time.Time) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var inserted int
	for _, id := range studentIDs {
		key := attendance.DayKey{SchoolID: schoolID, StudentID: id, DateKey: dateKey}
		if _, ok := repo.db.days[key]; ok {
			continue
		}
		day := attendance.DefaultAbsence(key, now)
		day.ID = uuid.New().String()
		repo.db.days[key] = &day
		inserted++
	}
	return inserted, nil
}

func (repo *attendanceRepository) FinalizeOpenDays(_ context.Context, schoolID, dateKey string, studentIDs []string, now time.Time) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var updated int
	for _, id := range studentIDs {
		day, ok := repo.db.days[attendance.DayKey{SchoolID: schoolID, StudentID: id, DateKey: dateKey}]
		if ok && attendance.Finalize(day, now) {
			updated++
		}
	}
	return updated, nil
}

func (repo *attendanceRepository) CloseDay(_ context.Context, schoolID, dateKey string, now time.Time) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.closures[closureKey{schoolID: schoolID, dateKey: dateKey}] = now
	return nil
}

func (repo *attendanceRepository) UpsertTeacherMarks(_ context.Context, marks []attendance.TeacherMark) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, m := range marks {
		key := markKey{schoolID: m.SchoolID, studentID: m.StudentID, dateKey: m.DateKey, period: m.Period}
		if prev, ok := repo.db.marks[key]; ok {
			m.ID = prev.ID
		} else {
			m.ID = uuid.New().String()
		}
		mark := m
		repo.db.marks[key] = &mark
	}
	return nil
}

func (repo *attendanceRepository) QueryTeacherMarks(_ context.Context, filter attendance.MarkFilter) ([]attendance.TeacherMark, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	marks := make([]attendance.TeacherMark, 0)
	for _, m := range repo.db.marks {
		if m.SchoolID != filter.SchoolID ||
			(filter.DateKey != "" && m.DateKey != filter.DateKey) ||
			(filter.Grade != "" && m.Grade != filter.Grade) ||
			(filter.Section != "" && m.Section != filter.Section) ||
			(filter.Period != nil && m.Period != *filter.Period) {
			continue
		}
		marks = append(marks, *m)
	}
	sort.Slice(marks, func(i, j int) bool {
		if marks[i].StudentID != marks[j].StudentID {
			return marks[i].StudentID < marks[j].StudentID
		}
		return marks[i].Period < marks[j].Period
	})
	return marks, nil
}
