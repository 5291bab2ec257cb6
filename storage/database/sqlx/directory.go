package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/school"
)

type (
	schoolRow struct {
		ID             string `db:"id"`
		Slug           string `db:"slug"`
		Name           string `db:"name"`
		Timezone       string `db:"timezone"`
		FinalizeCutoff string `db:"finalize_cutoff"`
		IntakeEnabled  bool   `db:"intake_enabled"`
		IntakeKeyHash  []byte `db:"intake_key_hash"`
	}

	classRow struct {
		ID                   string `db:"id"`
		SchoolID             string `db:"school_id"`
		Name                 string `db:"name"`
		Grade                string `db:"grade"`
		Section              string `db:"section"`
		IsActive             bool   `db:"is_active"`
		NotificationsEnabled bool   `db:"notifications_enabled"`
		SendAfterTime        string `db:"send_after_time"`
	}

	holidayRow struct {
		SchoolID string `db:"school_id"`
		DateKey  string `db:"date_key"`
		Name     string `db:"name"`
		Grade    string `db:"grade"`
		Section  string `db:"section"`
	}

	studentRow struct {
		ID        string      `db:"id"`
		SchoolID  string      `db:"school_id"`
		ClassID   null.String `db:"class_id"`
		FirstName string      `db:"first_name"`
		LastName  string      `db:"last_name"`
		Grade     string      `db:"grade"`
		Section   string      `db:"section"`
		IsActive  bool        `db:"is_active"`
	}

	parentRow struct {
		UserID                 null.String `db:"user_id"`
		StudentID              string      `db:"student_id"`
		Name                   string      `db:"name"`
		Phone                  string      `db:"phone"`
		AttendanceAlertsOptOut bool        `db:"attendance_alerts_opt_out"`
	}
)

func (r schoolRow) toSchool() school.School {
	return school.School(r)
}

func (r studentRow) toStudent() school.Student {
	return school.Student{
		ID:        r.ID,
		SchoolID:  r.SchoolID,
		ClassID:   r.ClassID.String,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Grade:     r.Grade,
		Section:   r.Section,
		IsActive:  r.IsActive,
	}
}

func (r parentRow) toParent() school.Parent {
	return school.Parent{
		UserID:                 r.UserID.String,
		StudentID:              r.StudentID,
		Name:                   r.Name,
		Phone:                  r.Phone,
		AttendanceAlertsOptOut: r.AttendanceAlertsOptOut,
	}
}

const (
	schoolColumns  = "id, slug, name, timezone, finalize_cutoff, intake_enabled, intake_key_hash"
	classColumns   = "id, school_id, name, grade, section, is_active, notifications_enabled, send_after_time"
	studentColumns = "id, school_id, class_id, first_name, last_name, grade, section, is_active"
)

type directoryRepository struct {
	db core.DB
}

var (
	_ school.Directory = (*directoryRepository)(nil)
	_ school.Registry  = (*directoryRepository)(nil)
)

func NewDirectoryRepository(db core.DB) *directoryRepository {
	return &directoryRepository{db: db}
}

func (repo *directoryRepository) GetSchool(ctx context.Context, idOrSlug string) (school.School, error) {
	var row schoolRow
	q := "SELECT " + schoolColumns + " FROM schools WHERE id = $1 OR slug = $1 ORDER BY (id = $1) DESC LIMIT 1"
	if err := repo.db.GetContext(ctx, &row, q, idOrSlug); err != nil {
		if err == sql.ErrNoRows {
			return school.School{}, school.ErrNotFound
		}
		return school.School{}, errors.Wrap(err, "selecting school")
	}
	return row.toSchool(), nil
}

func (repo *directoryRepository) SetIntakeKeyHash(ctx context.Context, schoolID string, hash []byte) error {
	res, err := repo.db.ExecContext(ctx, "UPDATE schools SET intake_key_hash = $2, updated_at = NOW() WHERE id = $1", schoolID, hash)
	if err != nil {
		return errors.Wrap(err, "updating intake key")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return school.ErrNotFound
	}
	return nil
}

func (repo *directoryRepository) GetClass(ctx context.Context, classID string) (school.Class, error) {
	var row classRow
	if err := repo.db.GetContext(ctx, &row, "SELECT "+classColumns+" FROM classes WHERE id = $1", classID); err != nil {
		if err == sql.ErrNoRows {
			return school.Class{}, school.ErrNotFound
		}
		return school.Class{}, errors.Wrap(err, "selecting class")
	}
	return school.Class(row), nil
}

func (repo *directoryRepository) QueryClasses(ctx context.Context, filter school.ClassFilter) ([]school.Class, error) {
	var w where
	w.add("is_active")
	w.addIf(filter.SchoolID != "", "school_id = ?", filter.SchoolID)
	w.addIf(filter.NotificationsEnabled, "notifications_enabled")

	var rows []classRow
	q := "SELECT " + classColumns + " FROM classes" + w.String() + " ORDER BY id"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting classes")
	}
	classes := make([]school.Class, 0, len(rows))
	for _, r := range rows {
		classes = append(classes, school.Class(r))
	}
	return classes, nil
}

func (repo *directoryRepository) QueryStudents(ctx context.Context, filter school.StudentFilter) ([]school.Student, error) {
	if filter.IDs != nil && len(filter.IDs) == 0 {
		return []school.Student{}, nil
	}
	var w where
	w.add("is_active")
	w.addIf(filter.SchoolID != "", "school_id = ?", filter.SchoolID)
	w.addIf(filter.ClassID != "", "class_id = ?", filter.ClassID)
	w.addIf(filter.Grade != "", "grade = ?", filter.Grade)
	w.addIf(filter.Section != "", "section = ?", filter.Section)
	if filter.IDs != nil {
		w.in("id", filter.IDs)
	}

	var rows []studentRow
	q := "SELECT " + studentColumns + " FROM students" + w.String() + " ORDER BY id"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting students")
	}
	students := make([]school.Student, 0, len(rows))
	for _, r := range rows {
		students = append(students, r.toStudent())
	}
	return students, nil
}

func (repo *directoryRepository) QueryParents(ctx context.Context, studentIDs []string) ([]school.Parent, error) {
	if len(studentIDs) == 0 {
		return []school.Parent{}, nil
	}
	var w where
	w.in("student_id", studentIDs)

	var rows []parentRow
	q := "SELECT user_id, student_id, name, phone, attendance_alerts_opt_out FROM parents" + w.String() + " ORDER BY id"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting parents")
	}
	parents := make([]school.Parent, 0, len(rows))
	for _, r := range rows {
		parents = append(parents, r.toParent())
	}
	return parents, nil
}

func (repo *directoryRepository) IsHoliday(ctx context.Context, schoolID, dateKey string, aud school.Audience) (bool, error) {
	var holiday bool
	q := `SELECT EXISTS (
		SELECT 1 FROM holidays
		WHERE school_id = $1 AND date_key = $2 AND (grade = '' OR grade = $3) AND (section = '' OR section = $4)
	)`
	if err := repo.db.GetContext(ctx, &holiday, q, schoolID, dateKey, aud.Grade, aud.Section); err != nil {
		return false, errors.Wrap(err, "checking holiday")
	}
	return holiday, nil
}

func (repo *directoryRepository) CreateSchool(ctx context.Context, sch school.School) (school.School, error) {
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	q := `INSERT INTO schools (id, slug, name, timezone, finalize_cutoff, intake_enabled, intake_key_hash)
		VALUES (:id, :slug, :name, :timezone, :finalize_cutoff, :intake_enabled, :intake_key_hash)`
	if _, err := repo.db.NamedExecContext(ctx, q, schoolRow(sch)); err != nil {
		return school.School{}, errors.Wrap(err, "inserting school")
	}
	return sch, nil
}

func (repo *directoryRepository) CreateClass(ctx context.Context, cls school.Class) (school.Class, error) {
	if cls.ID == "" {
		cls.ID = uuid.New().String()
	}
	q := `INSERT INTO classes (` + classColumns + `)
		VALUES (:id, :school_id, :name, :grade, :section, :is_active, :notifications_enabled, :send_after_time)`
	if _, err := repo.db.NamedExecContext(ctx, q, classRow(cls)); err != nil {
		return school.Class{}, errors.Wrap(err, "inserting class")
	}
	return cls, nil
}

func (repo *directoryRepository) CreateStudent(ctx context.Context, stud school.Student) (school.Student, error) {
	if stud.ID == "" {
		stud.ID = uuid.New().String()
	}
	row := studentRow{
		ID:        stud.ID,
		SchoolID:  stud.SchoolID,
		ClassID:   null.NewString(stud.ClassID, stud.ClassID != ""),
		FirstName: stud.FirstName,
		LastName:  stud.LastName,
		Grade:     stud.Grade,
		Section:   stud.Section,
		IsActive:  stud.IsActive,
	}
	q := `INSERT INTO students (` + studentColumns + `)
		VALUES (:id, :school_id, :class_id, :first_name, :last_name, :grade, :section, :is_active)`
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return school.Student{}, errors.Wrap(err, "inserting student")
	}
	return stud, nil
}

func (repo *directoryRepository) CreateParent(ctx context.Context, p school.Parent) (school.Parent, error) {
	row := parentRow{
		UserID:                 null.NewString(p.UserID, p.UserID != ""),
		StudentID:              p.StudentID,
		Name:                   p.Name,
		Phone:                  p.Phone,
		AttendanceAlertsOptOut: p.AttendanceAlertsOptOut,
	}
	q := `INSERT INTO parents (user_id, student_id, name, phone, attendance_alerts_opt_out)
		VALUES (:user_id, :student_id, :name, :phone, :attendance_alerts_opt_out)`
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return school.Parent{}, errors.Wrap(err, "inserting parent")
	}
	return p, nil
}

func (repo *directoryRepository) CreateHoliday(ctx context.Context, h school.Holiday) (school.Holiday, error) {
	q := `INSERT INTO holidays (school_id, date_key, name, grade, section)
		VALUES (:school_id, :date_key, :name, :grade, :section)`
	if _, err := repo.db.NamedExecContext(ctx, q, holidayRow(h)); err != nil {
		return school.Holiday{}, errors.Wrap(err, "inserting holiday")
	}
	return h, nil
}
