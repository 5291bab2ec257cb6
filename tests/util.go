package testutil

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
	"github.com/trezcool/rollcall/services/logger"
	"github.com/trezcool/rollcall/storage/database/inmem"
)

// NewConfig returns a fixed configuration, independent of the environment.
func NewConfig() *core.Config {
	return &core.Config{
		Debug:     false,
		TestMode:  true,
		Env:       "TEST",
		Build:     "test",
		AppName:   "Rollcall",
		SecretKey: "test-secret-key",
		Server: core.ServerConfig{
			Address:            ":0",
			Host:               "localhost",
			ShutdownTimeout:    time.Second,
			JWTExpirationDelta: time.Hour,
			DisableReqLogs:     true,
		},
		Database: core.DatabaseConfig{Engine: "postgres"},
		Attendance: core.AttendanceConfig{
			DefaultTimezone: "UTC",
			FinalizeCutoff:  "17:00",
			MarkLockDays:    7,
			IntakeKeyHeader: "X-Api-Key",
		},
		Notify: core.NotifyConfig{
			SweepInterval:    time.Minute,
			MinSweepInterval: 30 * time.Second,
			DefaultSendAfter: "10:00",
			MaxAttempts:      5,
			RetryBackoff:     5 * time.Minute,
			ClaimTimeout:     10 * time.Minute,
			LeaseBackend:     "local",
			LeaseTTL:         5 * time.Minute,
			SMSSender:        "Rollcall",
			AlertEmail:       "ops@test.cd",
		},
	}
}

// NewLogger returns a silent logger with rollbar disabled.
func NewLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), conf)
	logger.Enable(false)
	return logger
}

// NewValidator returns a validator set up like the API's.
func NewValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	attendance.RegisterValidators(validate, translator)
	return validate, translator
}

type Directory interface {
	school.Directory
	school.Registry
}

// Env wires the in-memory repositories the services run on in tests.
type Env struct {
	Conf       *core.Config
	Logger     core.Logger
	DB         *inmemdb.DB
	Dir        Directory
	Attendance attendance.Repository
	Deliveries notify.Repository
	Locator    *school.Locator
}

func NewEnv(t *testing.T) *Env {
	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	conf := NewConfig()
	dir := inmemdb.NewDirectoryRepository(db)
	return &Env{
		Conf:       conf,
		Logger:     NewLogger(conf),
		DB:         db,
		Dir:        dir,
		Attendance: inmemdb.NewAttendanceRepository(db),
		Deliveries: inmemdb.NewDeliveryRepository(db),
		Locator:    school.NewLocator(dir, conf.Attendance.DefaultTimezone, 16, time.Minute),
	}
}

// SetNow freezes the clocks of the attendance and notify packages until the test ends.
func SetNow(t *testing.T, now time.Time) {
	prevAtt, prevNotify := attendance.NowFunc, notify.NowFunc
	attendance.NowFunc = func() time.Time { return now }
	notify.NowFunc = func() time.Time { return now }
	t.Cleanup(func() {
		attendance.NowFunc, notify.NowFunc = prevAtt, prevNotify
	})
}

func CreateSchool(t *testing.T, reg school.Registry, slug, tz, intakeKey string) school.School {
	sch := school.School{
		ID:            slug + "-id",
		Slug:          slug,
		Name:          "School " + slug,
		Timezone:      tz,
		IntakeEnabled: true,
	}
	if intakeKey != "" {
		hash, err := school.HashIntakeKey(intakeKey)
		if err != nil {
			t.Fatalf("HashIntakeKey() failed: %v", err)
		}
		sch.IntakeKeyHash = hash
	}
	sch, err := reg.CreateSchool(context.Background(), sch)
	if err != nil {
		t.Fatalf("createSchool() failed: %v", err)
	}
	return sch
}

func CreateClass(t *testing.T, reg school.Registry, schoolID, id, grade, section string, notifications bool) school.Class {
	cls, err := reg.CreateClass(context.Background(), school.Class{
		ID:                   id,
		SchoolID:             schoolID,
		Name:                 grade + section,
		Grade:                grade,
		Section:              section,
		IsActive:             true,
		NotificationsEnabled: notifications,
	})
	if err != nil {
		t.Fatalf("createClass() failed: %v", err)
	}
	return cls
}

func CreateStudent(t *testing.T, reg school.Registry, cls school.Class, id, firstName, lastName string) school.Student {
	stud, err := reg.CreateStudent(context.Background(), school.Student{
		ID:        id,
		SchoolID:  cls.SchoolID,
		ClassID:   cls.ID,
		FirstName: firstName,
		LastName:  lastName,
		Grade:     cls.Grade,
		Section:   cls.Section,
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("createStudent() failed: %v", err)
	}
	return stud
}

func CreateParent(t *testing.T, reg school.Registry, studentID, userID, name, phone string, optOut bool) school.Parent {
	p, err := reg.CreateParent(context.Background(), school.Parent{
		UserID:                 userID,
		StudentID:              studentID,
		Name:                   name,
		Phone:                  phone,
		AttendanceAlertsOptOut: optOut,
	})
	if err != nil {
		t.Fatalf("createParent() failed: %v", err)
	}
	return p
}

func CreateHoliday(t *testing.T, reg school.Registry, schoolID, dateKey, grade, section string) school.Holiday {
	h, err := reg.CreateHoliday(context.Background(), school.Holiday{
		SchoolID: schoolID,
		DateKey:  dateKey,
		Name:     "Holiday",
		Grade:    grade,
		Section:  section,
	})
	if err != nil {
		t.Fatalf("createHoliday() failed: %v", err)
	}
	return h
}

// SMSTransportMock records the messages it is asked to send.
// Numbers listed in Failures get a failed result with the given error text.
type SMSTransportMock struct {
	mu       sync.Mutex
	Sent     []notify.SMS
	Failures map[string]string
	Err      error // returned by every Send when set
}

var _ notify.Transport = (*SMSTransportMock)(nil)

func NewSMSTransportMock() *SMSTransportMock {
	return &SMSTransportMock{Failures: make(map[string]string)}
}

func (m *SMSTransportMock) Send(_ context.Context, msg notify.SMS) (notify.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, msg)
	if m.Err != nil {
		return notify.SendResult{}, m.Err
	}
	if reason, ok := m.Failures[msg.To]; ok {
		return notify.SendResult{Status: notify.StatusFailed, Error: reason}, nil
	}
	return notify.SendResult{Status: notify.StatusSent, ResourceID: "sms-" + msg.Ref}, nil
}

func (m *SMSTransportMock) SentTo(phone string) []notify.SMS {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]notify.SMS, 0)
	for _, msg := range m.Sent {
		if msg.To == phone {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (m *SMSTransportMock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
