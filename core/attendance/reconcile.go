package attendance

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core/school"
)

type DiscrepancyKind string

const (
	// seen by a camera, never marked by a teacher
	KindCameraOnly DiscrepancyKind = "camera_only"
	// marked absent by a teacher despite being seen by a camera
	KindStatusConflict DiscrepancyKind = "status_conflict"
	// marked present (or late, excused) by a teacher, never seen by a camera
	KindTeacherOnly DiscrepancyKind = "teacher_only"
)

var kindOrder = map[DiscrepancyKind]int{KindStatusConflict: 0, KindCameraOnly: 1, KindTeacherOnly: 2}

type (
	ReconcileQuery struct {
		SchoolID string
		DateKey  string
		Grade    string
		Section  string
		Period   *int
	}

	Discrepancy struct {
		Kind          DiscrepancyKind `json:"kind"`
		StudentID     string          `json:"student_id"`
		StudentName   string          `json:"student_name,omitempty"`
		TeacherStatus Status          `json:"teacher_status,omitempty"`
		MarkedBy      string          `json:"marked_by,omitempty"`
		Period        *int            `json:"period,omitempty"`
		EventID       string          `json:"event_id,omitempty"`
		CapturedAt    *time.Time      `json:"captured_at,omitempty"`
	}

	ReconcileSummary struct {
		Matched       int `json:"matched"`
		CameraOnly    int `json:"camera_only"`
		TeacherOnly   int `json:"teacher_only"`
		Mismatches    int `json:"mismatches"`
		TeacherMarked int `json:"teacher_marked"`
		CameraSeen    int `json:"camera_seen"`
	}

	Report struct {
		SchoolID      string           `json:"school_id"`
		DateKey       string           `json:"date"`
		Grade         string           `json:"grade"`
		Section       string           `json:"section"`
		Period        *int             `json:"period,omitempty"`
		Summary       ReconcileSummary `json:"summary"`
		Discrepancies []Discrepancy    `json:"discrepancies"`
	}
)

// Reconcile diffs the teacher channel against the camera channel.
// It never writes: disagreements are reported for a human to settle.
func (svc *Service) Reconcile(ctx context.Context, q ReconcileQuery) (Report, error) {
	sch, err := svc.dir.GetSchool(ctx, q.SchoolID)
	if err != nil {
		return Report{}, errors.Wrap(err, "getting school")
	}
	svc.finalizeQuietly(ctx, sch, q.DateKey)

	marks, err := svc.repo.QueryTeacherMarks(ctx, MarkFilter{
		SchoolID: q.SchoolID,
		DateKey:  q.DateKey,
		Grade:    q.Grade,
		Section:  q.Section,
		Period:   q.Period,
	})
	if err != nil {
		return Report{}, errors.Wrap(err, "loading teacher marks")
	}
	events, err := svc.repo.QueryEvents(ctx, EventFilter{SchoolID: q.SchoolID, DateKey: q.DateKey, Grade: q.Grade, Section: q.Section})
	if err != nil {
		return Report{}, errors.Wrap(err, "loading capture events")
	}

	summary, discrepancies := Reconcile(marks, events)

	roster, err := svc.dir.QueryStudents(ctx, school.StudentFilter{SchoolID: q.SchoolID, Grade: q.Grade, Section: q.Section})
	if err != nil {
		return Report{}, errors.Wrap(err, "loading roster")
	}
	names := make(map[string]string, len(roster))
	for _, stud := range roster {
		names[stud.ID] = stud.FullName()
	}
	for i := range discrepancies {
		discrepancies[i].StudentName = names[discrepancies[i].StudentID]
	}

	return Report{
		SchoolID:      q.SchoolID,
		DateKey:       q.DateKey,
		Grade:         q.Grade,
		Section:       q.Section,
		Period:        q.Period,
		Summary:       summary,
		Discrepancies: discrepancies,
	}, nil
}

// Reconcile keys the latest teacher mark and the first capture by student and compares them.
func Reconcile(marks []TeacherMark, events []Event) (ReconcileSummary, []Discrepancy) {
	teacher := make(map[string]TeacherMark, len(marks))
	for _, m := range marks {
		prev, ok := teacher[m.StudentID]
		if !ok || m.MarkedAt.After(prev.MarkedAt) || (m.MarkedAt.Equal(prev.MarkedAt) && m.Period > prev.Period) {
			teacher[m.StudentID] = m
		}
	}
	camera := make(map[string]Event, len(events))
	for _, evt := range events {
		if evt.Status == EventIgnored {
			continue
		}
		if prev, ok := camera[evt.StudentID]; !ok || evt.CapturedAt.Before(prev.CapturedAt) {
			camera[evt.StudentID] = evt
		}
	}

	summary := ReconcileSummary{TeacherMarked: len(teacher), CameraSeen: len(camera)}
	discrepancies := make([]Discrepancy, 0)

	for studID, evt := range camera {
		m, marked := teacher[studID]
		switch {
		case !marked:
			summary.CameraOnly++
			discrepancies = append(discrepancies, cameraDiscrepancy(KindCameraOnly, evt))
		case m.Status == StatusAbsent:
			summary.Mismatches++
			d := cameraDiscrepancy(KindStatusConflict, evt)
			withMark(&d, m)
			discrepancies = append(discrepancies, d)
		default:
			summary.Matched++
		}
	}
	for studID, m := range teacher {
		if _, seen := camera[studID]; seen {
			continue
		}
		if m.Status == StatusAbsent {
			summary.Matched++
			continue
		}
		summary.TeacherOnly++
		d := Discrepancy{Kind: KindTeacherOnly, StudentID: studID}
		withMark(&d, m)
		discrepancies = append(discrepancies, d)
	}

	sort.Slice(discrepancies, func(i, j int) bool {
		di, dj := discrepancies[i], discrepancies[j]
		if di.Kind != dj.Kind {
			return kindOrder[di.Kind] < kindOrder[dj.Kind]
		}
		return di.StudentID < dj.StudentID
	})
	return summary, discrepancies
}

func cameraDiscrepancy(kind DiscrepancyKind, evt Event) Discrepancy {
	at := evt.CapturedAt
	return Discrepancy{Kind: kind, StudentID: evt.StudentID, EventID: evt.EventID, CapturedAt: &at}
}

func withMark(d *Discrepancy, m TeacherMark) {
	period := m.Period
	d.TeacherStatus = m.Status
	d.MarkedBy = m.MarkedBy
	d.Period = &period
}
