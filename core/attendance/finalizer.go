package attendance

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/school"
)

// Reasons a finalization run did nothing.
const (
	SkipBeforeCutoff = "before_cutoff"
	SkipHoliday      = "holiday"
	SkipIdle         = "idle"
)

type FinalizeResult struct {
	SchoolID  string `json:"school_id"`
	DateKey   string `json:"date"`
	Skipped   string `json:"skipped,omitempty"`
	Created   int    `json:"created"`
	Finalized int    `json:"finalized"`
}

// Finalizer closes a school day once the school-local cutoff has passed.
// It is safe to call any number of times, concurrently included: every write
// it does is an insert-if-absent or a filtered update.
type Finalizer struct {
	conf *core.Config
	repo DayRepository
	dir  school.Directory
	loc  *school.Locator
	log  core.Logger
}

func NewFinalizer(conf *core.Config, repo DayRepository, dir school.Directory, loc *school.Locator, logger core.Logger) *Finalizer {
	return &Finalizer{conf: conf, repo: repo, dir: dir, loc: loc, log: logger}
}

func (f *Finalizer) FinalizeSchool(ctx context.Context, schoolID, dateKey string) (FinalizeResult, error) {
	sch, err := f.dir.GetSchool(ctx, schoolID)
	if err != nil {
		return FinalizeResult{SchoolID: schoolID, DateKey: dateKey}, errors.Wrap(err, "getting school")
	}
	return f.Finalize(ctx, sch, dateKey)
}

func (f *Finalizer) Finalize(ctx context.Context, sch school.School, dateKey string) (FinalizeResult, error) {
	res := FinalizeResult{SchoolID: sch.ID, DateKey: dateKey}

	loc := f.loc.InfoFor(sch).Location
	cutoff, err := school.LocalMoment(dateKey, school.ResolveCutoff(sch.FinalizeCutoff, f.conf.Attendance.FinalizeCutoff), loc)
	if err != nil {
		return res, errors.Wrap(err, "computing cutoff")
	}
	if NowFunc().Before(cutoff) {
		res.Skipped = SkipBeforeCutoff
		return res, nil
	}

	closed, err := f.repo.IsDayClosed(ctx, sch.ID, dateKey)
	if err != nil {
		return res, errors.Wrap(err, "checking day closure")
	}
	if closed {
		open, err := f.repo.CountOpenDays(ctx, sch.ID, dateKey)
		if err != nil {
			return res, errors.Wrap(err, "counting open days")
		}
		if open == 0 {
			res.Skipped = SkipIdle
			return res, nil
		}
	}

	if holiday, err := f.dir.IsHoliday(ctx, sch.ID, dateKey, school.Audience{}); err != nil {
		return res, errors.Wrap(err, "checking holiday")
	} else if holiday {
		res.Skipped = SkipHoliday
		return res, nil
	}

	studentIDs, err := f.eligibleStudents(ctx, sch.ID, dateKey)
	if err != nil {
		return res, err
	}

	now := NowFunc().UTC()
	if len(studentIDs) > 0 {
		// phase 1: default the students that never got a row
		existing, err := f.repo.ExistingStudentIDs(ctx, sch.ID, dateKey, studentIDs)
		if err != nil {
			return res, errors.Wrap(err, "diffing roster")
		}
		if missing := diff(studentIDs, existing); len(missing) > 0 {
			if res.Created, err = f.repo.InsertDefaultAbsences(ctx, sch.ID, dateKey, missing, now); err != nil {
				return res, errors.Wrap(err, "inserting default absences")
			}
		}

		// phase 2: close the open rows left by the auto channel
		if res.Finalized, err = f.repo.FinalizeOpenDays(ctx, sch.ID, dateKey, studentIDs, now); err != nil {
			return res, errors.Wrap(err, "finalizing open days")
		}
	}

	if err = f.repo.CloseDay(ctx, sch.ID, dateKey, now); err != nil {
		return res, errors.Wrap(err, "closing day")
	}
	if res.Created > 0 || res.Finalized > 0 {
		f.log.Info("attendance day finalized", map[string]interface{}{
			"school_id": sch.ID,
			"date":      dateKey,
			"created":   res.Created,
			"finalized": res.Finalized,
		})
	}
	return res, nil
}

// eligibleStudents is the active roster minus the students whose grade or section is on holiday.
func (f *Finalizer) eligibleStudents(ctx context.Context, schoolID, dateKey string) ([]string, error) {
	roster, err := f.dir.QueryStudents(ctx, school.StudentFilter{SchoolID: schoolID})
	if err != nil {
		return nil, errors.Wrap(err, "loading roster")
	}

	holidays := make(map[school.Audience]bool)
	ids := make([]string, 0, len(roster))
	for _, stud := range roster {
		aud := stud.Audience()
		off, ok := holidays[aud]
		if !ok {
			if off, err = f.dir.IsHoliday(ctx, schoolID, dateKey, aud); err != nil {
				return nil, errors.Wrap(err, "checking holiday")
			}
			holidays[aud] = off
		}
		if !off {
			ids = append(ids, stud.ID)
		}
	}
	return ids, nil
}

func diff(all, existing []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	var missing []string
	for _, id := range all {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
