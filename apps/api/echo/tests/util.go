package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	. "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
	"github.com/trezcool/rollcall/services/email"
	"github.com/trezcool/rollcall/tests"
)

const (
	today     = "2025-04-15"
	intakeKey = "s3cr3t"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

// at is a time of the test day; schools run on UTC here.
func at(h, m int) time.Time {
	return time.Date(2025, 4, 15, h, m, 0, 0, time.UTC)
}

type testApp struct {
	env   *testutil.Env
	att   *attendance.Service
	sms   *testutil.SMSTransportMock
	lease *notify.LocalLease
	app   *Server

	sch   school.School
	cls   school.Class
	other school.School

	adminToken   string
	teacherToken string
	parentToken  string
}

func setup(t *testing.T) *testApp {
	env := testutil.NewEnv(t)
	validate, translator := testutil.NewValidator()

	ta := &testApp{
		env:   env,
		att:   attendance.NewService(env.Conf, env.Attendance, env.Dir, env.Locator, env.Logger),
		sms:   testutil.NewSMSTransportMock(),
		lease: notify.NewLocalLease(),
	}
	dispatcher := notify.NewDispatcher(
		env.Conf, env.Deliveries, env.Attendance, env.Dir, env.Locator,
		ta.sms, ta.lease, emailsvc.NewConsoleServiceMock(env.Conf), env.Logger,
	)
	ta.app = NewServer(ServerDeps{
		Conf:       env.Conf,
		Logger:     env.Logger,
		Validate:   validate,
		Translator: translator,
		Attendance: ta.att,
		Dispatcher: dispatcher,
	})

	ta.sch = testutil.CreateSchool(t, env.Dir, "gombe", "", intakeKey)
	ta.cls = testutil.CreateClass(t, env.Dir, ta.sch.ID, "5a", "5", "A", true)
	ta.other = testutil.CreateSchool(t, env.Dir, "other", "", intakeKey)

	ta.adminToken = ta.token(t, "admin-1", ta.sch.ID, RoleAdmin)
	ta.teacherToken = ta.token(t, "teacher-1", ta.sch.ID, RoleTeacher)
	ta.parentToken = ta.token(t, "parent-1", ta.sch.ID)
	return ta
}

func (ta *testApp) token(t *testing.T, userID, schoolID string, roles ...string) string {
	token, err := GenerateToken(ta.env.Conf, NewClaims(ta.env.Conf, userID, schoolID, roles...))
	if err != nil {
		t.Fatalf("token() failed: %v", err)
	}
	return token
}

func (ta *testApp) ingest(t *testing.T, eventID, studentID string, capturedAt time.Time) {
	_, err := ta.att.IngestEvent(context.Background(), ta.sch, capturePayload(eventID, studentID, capturedAt))
	if err != nil {
		t.Fatalf("ingest() failed: %v", err)
	}
}

func (ta *testApp) mark(t *testing.T, st attendance.Status, studentIDs ...string) {
	nm := attendance.NewMarks{ClassID: ta.cls.ID, Date: today, Period: 1}
	for _, id := range studentIDs {
		nm.Students = append(nm.Students, attendance.StudentMark{StudentID: id, Status: st})
	}
	_, err := ta.att.RecordTeacherMarks(context.Background(), attendance.Actor{UserID: "teacher-1", SchoolID: ta.sch.ID}, nm)
	if err != nil {
		t.Fatalf("mark() failed: %v", err)
	}
}

func capturePayload(eventID, studentID string, capturedAt time.Time) attendance.CapturePayload {
	return attendance.CapturePayload{
		Event: attendance.CaptureEvent{
			EventID:    eventID,
			StudentID:  studentID,
			FirstName:  "Amani",
			CapturedAt: capturedAt.Format(time.RFC3339),
		},
		Source: attendance.CaptureSource{App: "gate", Version: "1.2.0", DeviceID: "cam-1"},
	}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func newIntakeRequest(path, key string, data []byte) (*http.Request, *httptest.ResponseRecorder) {
	req, rec := newRequest(http.MethodPost, path, data)
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	return req, rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
