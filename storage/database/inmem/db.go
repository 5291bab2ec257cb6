// Package inmemdb implements the repositories in memory, with the same
// semantics as the SQL ones. It backs the tests and debug runs.
package inmemdb

import (
	"sync"
	"time"

	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
)

type (
	DB struct {
		directory  *directoryTables
		attendance *attendanceTables
		delivery   *deliveryTable
	}

	directoryTables struct {
		sync.RWMutex
		schools  map[string]*school.School
		classes  map[string]*school.Class
		students map[string]*school.Student
		parents  []school.Parent
		holidays []school.Holiday
	}

	closureKey struct {
		schoolID string
		dateKey  string
	}

	markKey struct {
		schoolID  string
		studentID string
		dateKey   string
		period    int
	}

	attendanceTables struct {
		sync.RWMutex
		events   map[string]*attendance.Event // by provider event id
		days     map[attendance.DayKey]*attendance.DayAttendance
		closures map[closureKey]time.Time
		marks    map[markKey]*attendance.TeacherMark
	}

	deliveryTable struct {
		sync.RWMutex
		table map[notify.DeliveryKey]*notify.Delivery
	}
)

func Open() (*DB, error) {
	db := &DB{
		directory: &directoryTables{
			schools:  make(map[string]*school.School),
			classes:  make(map[string]*school.Class),
			students: make(map[string]*school.Student),
		},
		attendance: &attendanceTables{
			events:   make(map[string]*attendance.Event),
			days:     make(map[attendance.DayKey]*attendance.DayAttendance),
			closures: make(map[closureKey]time.Time),
			marks:    make(map[markKey]*attendance.TeacherMark),
		},
		delivery: &deliveryTable{table: make(map[notify.DeliveryKey]*notify.Delivery)},
	}
	return db, nil
}

func contains(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
