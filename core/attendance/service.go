// Package attendance merges capture events and teacher marks into one day
// status per student, closes days after the school cutoff and reports the
// disagreements between both sources.
package attendance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/school"
)

var NowFunc = time.Now // mockable

var (
	// errors
	ErrIntakeUnauthorized = errors.New("invalid intake key")
	ErrIntakeDisabled     = errors.New("attendance intake disabled for this school")
	ErrEventRace          = errors.New("event is being processed concurrently")
	ErrClassNotFound      = errors.New("class not found")
)

type (
	// Actor is the authenticated teacher or admin a request is made for.
	Actor struct {
		UserID   string
		SchoolID string
	}

	IngestResult struct {
		Processed bool    `json:"processed"`
		Duplicate bool    `json:"duplicate"`
		Message   string  `json:"message"`
		EventID   string  `json:"eventId"`
		DateKey   string  `json:"date,omitempty"`
		Outcome   Outcome `json:"outcome,omitempty"`
	}

	NewMarks struct {
		ClassID   string        `json:"classId" validate:"required"`
		SubjectID string        `json:"subjectId"`
		Date      string        `json:"date" validate:"required,datekey"`
		Period    int           `json:"period" validate:"min=0,max=24"`
		Students  []StudentMark `json:"students" validate:"required,min=1,dive"`
	}

	StudentMark struct {
		StudentID string `json:"studentId" validate:"required"`
		Status    Status `json:"status" validate:"required,markstatus"`
	}

	MarksResult struct {
		Date     string          `json:"date"`
		Recorded int             `json:"recorded"`
		Days     []DayAttendance `json:"days"`
	}

	EventTriage struct {
		Status EventStatus `json:"status" validate:"required,oneof=reviewed superseded ignored"`
		Notes  string      `json:"notes" validate:"max=2000"`
	}
)

type Service struct {
	conf      *core.Config
	repo      Repository
	dir       school.Directory
	loc       *school.Locator
	log       core.Logger
	finalizer *Finalizer
}

func NewService(conf *core.Config, repo Repository, dir school.Directory, loc *school.Locator, logger core.Logger) *Service {
	return &Service{
		conf:      conf,
		repo:      repo,
		dir:       dir,
		loc:       loc,
		log:       logger,
		finalizer: NewFinalizer(conf, repo, dir, loc, logger),
	}
}

func (svc *Service) Finalizer() *Finalizer {
	return svc.finalizer
}

// AuthorizeIntake resolves the school of an intake request and checks its shared secret.
func (svc *Service) AuthorizeIntake(ctx context.Context, schoolRef, key string) (school.School, error) {
	sch, err := svc.dir.GetSchool(ctx, core.CleanString(schoolRef))
	if err != nil {
		if errors.Cause(err) == school.ErrNotFound {
			return school.School{}, ErrIntakeUnauthorized
		}
		return school.School{}, errors.Wrap(err, "getting school")
	}
	if strings.TrimSpace(key) == "" || sch.CheckIntakeKey(key) != nil {
		return school.School{}, ErrIntakeUnauthorized
	}
	if !sch.IntakeEnabled {
		return school.School{}, ErrIntakeDisabled
	}
	return sch, nil
}

// IngestEvent stores a capture event once and merges it into the student's day status.
// Redelivered events are acknowledged without any further effect, unless the merge of
// an earlier delivery did not complete, in which case it is run again.
func (svc *Service) IngestEvent(ctx context.Context, sch school.School, p CapturePayload) (IngestResult, error) {
	res := IngestResult{EventID: p.Event.EventID}
	if p.Test {
		res.Message = "test event acknowledged"
		return res, nil
	}

	capturedAt, err := p.Event.CapturedTimestamp()
	if err != nil {
		return res, core.NewFieldValidationError("capturedAt", err.Error())
	}

	exists, err := svc.repo.EventExists(ctx, p.Event.EventID)
	if err != nil {
		return res, errors.Wrap(err, "checking event")
	}
	if exists {
		evt, err := svc.repo.GetEvent(ctx, p.Event.EventID)
		if err != nil {
			return res, errors.Wrap(err, "getting event")
		}
		res.Processed = true
		res.Duplicate = true
		if !evt.Resolved || evt.Merged || evt.SchoolID != sch.ID {
			svc.log.Info("duplicate attendance event", map[string]interface{}{"event_id": evt.EventID, "school_id": sch.ID})
			res.Message = "event already processed"
			return res, nil
		}
		svc.log.Warn("resuming merge of attendance event", map[string]interface{}{"event_id": evt.EventID, "school_id": sch.ID})
		res.DateKey = evt.DateKey
		return svc.mergeEvent(ctx, sch, evt, p.Source.DeviceID, res)
	}

	students, err := svc.dir.QueryStudents(ctx, school.StudentFilter{SchoolID: sch.ID, IDs: []string{p.Event.StudentID}})
	if err != nil {
		return res, errors.Wrap(err, "resolving student")
	}
	var stud *school.Student
	if len(students) == 1 {
		stud = &students[0]
	}

	info := svc.loc.InfoFor(sch)
	dateKey := school.DateKey(capturedAt, info.Location)
	env, err := NewCaptureEnvelope(p)
	if err != nil {
		return res, err
	}

	now := NowFunc().UTC()
	evt := Event{
		EventID:    p.Event.EventID,
		SchoolID:   sch.ID,
		StudentID:  p.Event.StudentID,
		Resolved:   stud != nil,
		Grade:      p.Event.Grade,
		Section:    p.Event.Section,
		DateKey:    dateKey,
		CapturedAt: capturedAt,
		Payload:    env,
		Status:     EventCaptured,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if stud != nil {
		evt.Grade, evt.Section = stud.Grade, stud.Section
	}
	if _, err = svc.repo.InsertEvent(ctx, evt); err != nil {
		if errors.Cause(err) == ErrEventExists {
			svc.log.Info("attendance event insert race", map[string]interface{}{"event_id": evt.EventID, "school_id": sch.ID})
			return res, ErrEventRace
		}
		return res, errors.Wrap(err, "inserting event")
	}
	res.Processed = true
	res.DateKey = dateKey

	if stud == nil {
		svc.log.Warn("attendance event for unknown student stored for triage", map[string]interface{}{
			"event_id":   evt.EventID,
			"school_id":  sch.ID,
			"student_id": evt.StudentID,
		})
		res.Message = "event stored, student not found"
		return res, nil
	}

	return svc.mergeEvent(ctx, sch, evt, p.Source.DeviceID, res)
}

// mergeEvent applies a stored capture of a rostered student to the day status.
func (svc *Service) mergeEvent(ctx context.Context, sch school.School, evt Event, deviceID string, res IngestResult) (IngestResult, error) {
	day, outcome, err := svc.repo.ApplyMark(ctx, Mark{
		SchoolID:  sch.ID,
		StudentID: evt.StudentID,
		DateKey:   evt.DateKey,
		Source:    SourceAuto,
		Status:    StatusPresent,
		MarkedAt:  evt.CapturedAt,
		EventID:   evt.EventID,
		Metadata:  map[string]string{"event_id": evt.EventID, "device_id": deviceID},
	})
	if err != nil {
		return res, errors.Wrap(err, "merging event")
	}
	res.Outcome = outcome
	res.Message = "event processed"
	if outcome == OutcomeSuperseded {
		svc.log.Info("capture superseded by teacher override", map[string]interface{}{
			"event_id":     evt.EventID,
			"student_id":   evt.StudentID,
			"date":         evt.DateKey,
			"final_status": day.FinalStatus,
		})
	}

	svc.finalizeQuietly(ctx, sch, evt.DateKey)
	return res, nil
}

// RecordTeacherMarks stores a batch of manual marks for one class period and
// merges each of them into the day status through the teacher channel.
func (svc *Service) RecordTeacherMarks(ctx context.Context, actor Actor, nm NewMarks) (MarksResult, error) {
	cls, err := svc.dir.GetClass(ctx, nm.ClassID)
	if err != nil {
		if errors.Cause(err) == school.ErrNotFound {
			return MarksResult{}, ErrClassNotFound
		}
		return MarksResult{}, errors.Wrap(err, "getting class")
	}
	if cls.SchoolID != actor.SchoolID || !cls.IsActive {
		return MarksResult{}, ErrClassNotFound
	}

	info, err := svc.loc.Info(ctx, actor.SchoolID)
	if err != nil {
		return MarksResult{}, err
	}
	if err = svc.checkMarkDate(ctx, actor.SchoolID, nm.Date, cls.Audience(), info.Location); err != nil {
		return MarksResult{}, err
	}

	roster, err := svc.dir.QueryStudents(ctx, school.StudentFilter{SchoolID: actor.SchoolID, ClassID: cls.ID})
	if err != nil {
		return MarksResult{}, errors.Wrap(err, "loading class roster")
	}
	inClass := make(map[string]school.Student, len(roster))
	for _, stud := range roster {
		inClass[stud.ID] = stud
	}

	var fldErrs []core.FieldError
	seen := make(map[string]bool, len(nm.Students))
	for i, sm := range nm.Students {
		field := fmt.Sprintf("students[%d].studentId", i)
		if _, ok := inClass[sm.StudentID]; !ok {
			fldErrs = append(fldErrs, core.FieldError{Field: field, Error: "student is not enrolled in this class"})
		} else if seen[sm.StudentID] {
			fldErrs = append(fldErrs, core.FieldError{Field: field, Error: "student is listed more than once"})
		}
		seen[sm.StudentID] = true
	}
	if len(fldErrs) > 0 {
		return MarksResult{}, core.NewValidationError(errors.New("invalid students"), fldErrs...)
	}

	now := NowFunc().UTC()
	marks := make([]TeacherMark, 0, len(nm.Students))
	for _, sm := range nm.Students {
		stud := inClass[sm.StudentID]
		marks = append(marks, TeacherMark{
			SchoolID:  actor.SchoolID,
			ClassID:   cls.ID,
			SubjectID: nm.SubjectID,
			StudentID: stud.ID,
			Grade:     stud.Grade,
			Section:   stud.Section,
			DateKey:   nm.Date,
			Period:    nm.Period,
			Status:    sm.Status,
			MarkedBy:  actor.UserID,
			MarkedAt:  now,
		})
	}
	if err = svc.repo.UpsertTeacherMarks(ctx, marks); err != nil {
		return MarksResult{}, errors.Wrap(err, "storing teacher marks")
	}

	res := MarksResult{Date: nm.Date, Days: make([]DayAttendance, 0, len(marks))}
	for _, tm := range marks {
		day, _, err := svc.repo.ApplyMark(ctx, Mark{
			SchoolID:  tm.SchoolID,
			StudentID: tm.StudentID,
			DateKey:   tm.DateKey,
			Source:    SourceTeacher,
			Status:    tm.Status,
			MarkedAt:  tm.MarkedAt,
			MarkedBy:  tm.MarkedBy,
			Metadata: map[string]string{
				"class_id":   tm.ClassID,
				"subject_id": tm.SubjectID,
				"period":     strconv.Itoa(tm.Period),
			},
		})
		if err != nil {
			return res, errors.Wrapf(err, "merging mark of student %s", tm.StudentID)
		}
		res.Recorded++
		res.Days = append(res.Days, day)
	}

	if sch, err := svc.dir.GetSchool(ctx, actor.SchoolID); err == nil {
		svc.finalizeQuietly(ctx, sch, nm.Date)
	}
	return res, nil
}

// checkMarkDate rejects holidays, dates after tomorrow and dates older than the lock window.
func (svc *Service) checkMarkDate(ctx context.Context, schoolID, dateKey string, aud school.Audience, loc *time.Location) error {
	day, err := school.ParseDateKey(dateKey, loc)
	if err != nil {
		return core.NewFieldValidationError("date", "date must be formatted as YYYY-MM-DD")
	}
	today, _ := school.ParseDateKey(school.DateKey(NowFunc(), loc), loc)
	if day.After(today.AddDate(0, 0, 1)) {
		return core.NewFieldValidationError("date", "date cannot be after tomorrow")
	}
	if lock := svc.conf.Attendance.MarkLockDays; lock > 0 && day.Before(today.AddDate(0, 0, -lock)) {
		return core.NewFieldValidationError("date", fmt.Sprintf("attendance older than %d days is locked", lock))
	}
	holiday, err := svc.dir.IsHoliday(ctx, schoolID, dateKey, aud)
	if err != nil {
		return errors.Wrap(err, "checking holiday")
	}
	if holiday {
		return core.NewFieldValidationError("date", "date is a holiday")
	}
	return nil
}

// DayStatuses returns the day-status rows of a grade/section, closing the day first if it is due.
func (svc *Service) DayStatuses(ctx context.Context, schoolID, dateKey, grade, section string) ([]DayAttendance, error) {
	sch, err := svc.dir.GetSchool(ctx, schoolID)
	if err != nil {
		return nil, errors.Wrap(err, "getting school")
	}
	svc.finalizeQuietly(ctx, sch, dateKey)

	filter := DayFilter{SchoolID: schoolID, DateKey: dateKey}
	if grade != "" || section != "" {
		roster, err := svc.dir.QueryStudents(ctx, school.StudentFilter{SchoolID: schoolID, Grade: grade, Section: section})
		if err != nil {
			return nil, errors.Wrap(err, "loading roster")
		}
		filter.StudentIDs = make([]string, 0, len(roster))
		for _, stud := range roster {
			filter.StudentIDs = append(filter.StudentIDs, stud.ID)
		}
		if len(filter.StudentIDs) == 0 {
			return []DayAttendance{}, nil
		}
	}
	return svc.repo.QueryDays(ctx, filter)
}

// TriageEvent records a human review of a stored capture event.
func (svc *Service) TriageEvent(ctx context.Context, schoolID, eventID string, et EventTriage) (Event, error) {
	evt, err := svc.repo.GetEvent(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if evt.SchoolID != schoolID {
		return Event{}, ErrEventNotFound
	}
	return svc.repo.UpdateEventTriage(ctx, eventID, et.Status, core.CleanString(et.Notes), NowFunc().UTC())
}

func (svc *Service) finalizeQuietly(ctx context.Context, sch school.School, dateKey string) {
	if _, err := svc.finalizer.Finalize(ctx, sch, dateKey); err != nil {
		svc.log.Error("finalizing attendance day", err, map[string]interface{}{"school_id": sch.ID, "date": dateKey})
	}
}
