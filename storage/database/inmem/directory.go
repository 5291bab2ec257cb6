package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trezcool/rollcall/core/school"
)

type directoryRepository struct {
	db *directoryTables
}

var (
	_ school.Directory = (*directoryRepository)(nil)
	_ school.Registry  = (*directoryRepository)(nil)
)

func NewDirectoryRepository(db *DB) *directoryRepository {
	return &directoryRepository{db: db.directory}
}

func (repo *directoryRepository) GetSchool(_ context.Context, idOrSlug string) (school.School, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sch, ok := repo.db.schools[idOrSlug]; ok {
		return *sch, nil
	}
	for _, sch := range repo.db.schools {
		if sch.Slug == idOrSlug {
			return *sch, nil
		}
	}
	return school.School{}, school.ErrNotFound
}

func (repo *directoryRepository) SetIntakeKeyHash(_ context.Context, schoolID string, hash []byte) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	sch, ok := repo.db.schools[schoolID]
	if !ok {
		return school.ErrNotFound
	}
	sch.IntakeKeyHash = append([]byte(nil), hash...)
	return nil
}

func (repo *directoryRepository) GetClass(_ context.Context, classID string) (school.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if cls, ok := repo.db.classes[classID]; ok {
		return *cls, nil
	}
	return school.Class{}, school.ErrNotFound
}

func (repo *directoryRepository) QueryClasses(_ context.Context, filter school.ClassFilter) ([]school.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	classes := make([]school.Class, 0)
	for _, cls := range repo.db.classes {
		if !cls.IsActive ||
			(filter.SchoolID != "" && cls.SchoolID != filter.SchoolID) ||
			(filter.NotificationsEnabled && !cls.NotificationsEnabled) {
			continue
		}
		classes = append(classes, *cls)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].ID < classes[j].ID })
	return classes, nil
}

func (repo *directoryRepository) QueryStudents(_ context.Context, filter school.StudentFilter) ([]school.Student, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	students := make([]school.Student, 0)
	for _, stud := range repo.db.students {
		if !stud.IsActive ||
			(filter.SchoolID != "" && stud.SchoolID != filter.SchoolID) ||
			(filter.ClassID != "" && stud.ClassID != filter.ClassID) ||
			(filter.Grade != "" && stud.Grade != filter.Grade) ||
			(filter.Section != "" && stud.Section != filter.Section) ||
			(filter.IDs != nil && !contains(filter.IDs, stud.ID)) {
			continue
		}
		students = append(students, *stud)
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })
	return students, nil
}

func (repo *directoryRepository) QueryParents(_ context.Context, studentIDs []string) ([]school.Parent, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	parents := make([]school.Parent, 0)
	for _, p := range repo.db.parents {
		if contains(studentIDs, p.StudentID) {
			parents = append(parents, p)
		}
	}
	return parents, nil
}

func (repo *directoryRepository) IsHoliday(_ context.Context, schoolID, dateKey string, aud school.Audience) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, h := range repo.db.holidays {
		if h.SchoolID == schoolID && h.DateKey == dateKey && h.Covers(aud) {
			return true, nil
		}
	}
	return false, nil
}

func (repo *directoryRepository) CreateSchool(_ context.Context, sch school.School) (school.School, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	repo.db.schools[sch.ID] = &sch
	return sch, nil
}

func (repo *directoryRepository) CreateClass(_ context.Context, cls school.Class) (school.Class, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if cls.ID == "" {
		cls.ID = uuid.New().String()
	}
	repo.db.classes[cls.ID] = &cls
	return cls, nil
}

func (repo *directoryRepository) CreateStudent(_ context.Context, stud school.Student) (school.Student, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if stud.ID == "" {
		stud.ID = uuid.New().String()
	}
	repo.db.students[stud.ID] = &stud
	return stud, nil
}

func (repo *directoryRepository) CreateParent(_ context.Context, p school.Parent) (school.Parent, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.parents = append(repo.db.parents, p)
	return p, nil
}

func (repo *directoryRepository) CreateHoliday(_ context.Context, h school.Holiday) (school.Holiday, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.holidays = append(repo.db.holidays, h)
	return h, nil
}
