package school

import "context"

// Directory is the read side of the institution records owned by the CRUD collaborators.
type Directory interface {
	// GetSchool finds a school by ID or slug.
	GetSchool(ctx context.Context, idOrSlug string) (School, error)
	SetIntakeKeyHash(ctx context.Context, schoolID string, hash []byte) error
	GetClass(ctx context.Context, classID string) (Class, error)
	// QueryClasses returns active classes only.
	QueryClasses(ctx context.Context, filter ClassFilter) ([]Class, error)
	QueryStudents(ctx context.Context, filter StudentFilter) ([]Student, error)
	QueryParents(ctx context.Context, studentIDs []string) ([]Parent, error)
	IsHoliday(ctx context.Context, schoolID, dateKey string, aud Audience) (bool, error)
}

// Registry is the write side of the directory, used for seeding and fixtures.
type Registry interface {
	CreateSchool(ctx context.Context, sch School) (School, error)
	CreateClass(ctx context.Context, cls Class) (Class, error)
	CreateStudent(ctx context.Context, stud Student) (Student, error)
	CreateParent(ctx context.Context, p Parent) (Parent, error)
	CreateHoliday(ctx context.Context, h Holiday) (Holiday, error)
}
