package notify_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
	"github.com/trezcool/rollcall/services/email"
	"github.com/trezcool/rollcall/tests"
)

const today = "2025-04-15"

var kinshasa, _ = time.LoadLocation("Africa/Kinshasa")

func local(h, m int) time.Time {
	return time.Date(2025, 4, 15, h, m, 0, 0, kinshasa)
}

type fixture struct {
	env   *testutil.Env
	att   *attendance.Service
	sms   *testutil.SMSTransportMock
	mail  *emailsvc.ConsoleServiceMock
	lease *notify.LocalLease
	disp  *notify.Dispatcher
	sch   school.School
	cls   school.Class
}

func setup(t *testing.T, configure ...func(conf *core.Config)) fixture {
	env := testutil.NewEnv(t)
	for _, fn := range configure {
		fn(env.Conf)
	}

	sch := testutil.CreateSchool(t, env.Dir, "gombe", "Africa/Kinshasa", "")
	cls := testutil.CreateClass(t, env.Dir, sch.ID, "5a", "5", "A", true)
	cls.SendAfterTime = "11:00"
	cls, err := env.Dir.CreateClass(context.Background(), cls)
	require.NoError(t, err)

	f := fixture{
		env:   env,
		att:   attendance.NewService(env.Conf, env.Attendance, env.Dir, env.Locator, env.Logger),
		sms:   testutil.NewSMSTransportMock(),
		mail:  emailsvc.NewConsoleServiceMock(env.Conf),
		lease: notify.NewLocalLease(),
		sch:   sch,
		cls:   cls,
	}
	f.disp = notify.NewDispatcher(env.Conf, env.Deliveries, env.Attendance, env.Dir, env.Locator, f.sms, f.lease, f.mail, env.Logger)
	return f
}

// markAbsent records a 09:00 teacher absence for the students of cls.
func (f fixture) markAbsent(t *testing.T, cls school.Class, studentIDs ...string) {
	t.Helper()
	testutil.SetNow(t, local(9, 0))
	nm := attendance.NewMarks{ClassID: cls.ID, Date: today}
	for _, id := range studentIDs {
		nm.Students = append(nm.Students, attendance.StudentMark{StudentID: id, Status: attendance.StatusAbsent})
	}
	_, err := f.att.RecordTeacherMarks(context.Background(), attendance.Actor{UserID: "teacher-1", SchoolID: f.sch.ID}, nm)
	require.NoError(t, err)
}

func (f fixture) sweep(t *testing.T, at time.Time) notify.SweepResult {
	t.Helper()
	testutil.SetNow(t, at)
	res, err := f.disp.Sweep(context.Background())
	require.NoError(t, err)
	return res
}

func (f fixture) deliveries(t *testing.T) []notify.Delivery {
	t.Helper()
	ds, err := f.env.Deliveries.QueryDeliveries(context.Background(), notify.DeliveryFilter{SchoolID: f.sch.ID, DateKey: today})
	require.NoError(t, err)
	return ds
}

func TestDispatcher_Sweep_SendsOncePerParent(t *testing.T) {
	f := setup(t)
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateStudent(t, f.env.Dir, f.cls, "s2", "Bora", "Tshala")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "Mama Amani", "+243810000001", false)
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u2", "Papa Amani", "+243810000002", false)
	f.markAbsent(t, f.cls, s1.ID)

	res := f.sweep(t, local(11, 1))
	assert.Equal(t, 1, res.Classes)
	assert.Equal(t, 2, res.Sent)
	assert.Zero(t, res.Failed)
	require.Equal(t, 2, f.sms.Count())

	wantBody, err := notify.AbsenceMessage{
		ParentName:  "Mama Amani",
		StudentName: "Amani Kabila",
		SchoolName:  "School gombe",
		Date:        today,
	}.Render()
	require.NoError(t, err)
	msgs := f.sms.SentTo("+243810000001")
	require.Len(t, msgs, 1)
	assert.Equal(t, wantBody, msgs[0].Body)

	ds := f.deliveries(t)
	require.Len(t, ds, 2)
	for _, d := range ds {
		assert.Equal(t, notify.StatusSent, d.Status)
		assert.Equal(t, 1, d.Attempts)
		assert.Equal(t, s1.ID, d.StudentID)
		assert.Equal(t, f.cls.ID, d.ClassID)
		assert.Equal(t, "sms-"+d.ID, d.ProviderMessageID)
	}

	// later sweeps are no-ops for the same day
	res = f.sweep(t, local(11, 6))
	assert.Zero(t, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, f.sms.Count())
	assert.Len(t, f.deliveries(t), 2)
	assert.Empty(t, f.mail.SentMessages())
}

func TestDispatcher_Sweep_SendAfter(t *testing.T) {
	f := setup(t)
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "", "+243810000001", false)

	// no class send-after time, the configured default (10:00) applies
	cls6 := testutil.CreateClass(t, f.env.Dir, f.sch.ID, "6a", "6", "A", true)
	s6 := testutil.CreateStudent(t, f.env.Dir, cls6, "s6", "Espoir", "Ilunga")
	testutil.CreateParent(t, f.env.Dir, s6.ID, "u6", "", "+243810000006", false)

	f.markAbsent(t, f.cls, s1.ID)
	f.markAbsent(t, cls6, s6.ID)

	res := f.sweep(t, local(10, 59))
	assert.Equal(t, 2, res.Classes)
	assert.Equal(t, 1, res.ClassesSkipped)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.sms.SentTo("+243810000006"), 1)
	assert.Empty(t, f.sms.SentTo("+243810000001"))

	msgs := f.sms.SentTo("+243810000006")
	assert.Contains(t, msgs[0].Body, "Dear Parent,")
}

func TestDispatcher_Sweep_Eligibility(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	stud := func(id string) school.Student {
		return testutil.CreateStudent(t, f.env.Dir, f.cls, id, "Student", id)
	}
	optedOut, noPhone, noUser, seen, present, absent := stud("s1"), stud("s2"), stud("s3"), stud("s4"), stud("s5"), stud("s6")
	testutil.CreateParent(t, f.env.Dir, optedOut.ID, "u1", "", "+243810000001", true)
	testutil.CreateParent(t, f.env.Dir, noPhone.ID, "u2", "", "  ", false)
	testutil.CreateParent(t, f.env.Dir, noUser.ID, "", "", "+243810000003", false)
	testutil.CreateParent(t, f.env.Dir, seen.ID, "u4", "", "+243810000004", false)
	testutil.CreateParent(t, f.env.Dir, present.ID, "u5", "", "+243810000005", false)
	testutil.CreateParent(t, f.env.Dir, absent.ID, "u6", "", "+243810000006", false)

	// no notifications for this class
	quiet := testutil.CreateClass(t, f.env.Dir, f.sch.ID, "6a", "6", "A", false)
	muted := testutil.CreateStudent(t, f.env.Dir, quiet, "s7", "Muted", "")
	testutil.CreateParent(t, f.env.Dir, muted.ID, "u7", "", "+243810000007", false)

	testutil.SetNow(t, local(8, 10))
	for i, id := range []string{seen.ID, present.ID} {
		_, err := f.att.IngestEvent(ctx, f.sch, attendance.CapturePayload{
			Event:  attendance.CaptureEvent{EventID: "evt-" + id, StudentID: id, CapturedAt: local(8, i).UTC().Format(time.RFC3339)},
			Source: attendance.CaptureSource{App: "gate", Version: "1.0"},
		})
		require.NoError(t, err)
	}
	f.markAbsent(t, f.cls, optedOut.ID, noPhone.ID, noUser.ID, seen.ID, absent.ID)
	f.markAbsent(t, quiet, muted.ID)

	res := f.sweep(t, local(11, 1))
	assert.Equal(t, 1, res.Classes)
	assert.Equal(t, 1, res.Sent)
	require.Equal(t, 1, f.sms.Count())
	assert.Len(t, f.sms.SentTo("+243810000006"), 1)

	ds := f.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, absent.ID, ds[0].StudentID)
}

func TestDispatcher_Sweep_Holiday(t *testing.T) {
	f := setup(t)
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "", "+243810000001", false)
	f.markAbsent(t, f.cls, s1.ID)
	testutil.CreateHoliday(t, f.env.Dir, f.sch.ID, today, "5", "A")

	res := f.sweep(t, local(11, 1))
	assert.Equal(t, 1, res.ClassesSkipped)
	assert.Zero(t, f.sms.Count())
	assert.Empty(t, f.deliveries(t))
}

func TestDispatcher_Sweep_RetryAfterBackoff(t *testing.T) {
	f := setup(t)
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "", "+243810000001", false)
	f.markAbsent(t, f.cls, s1.ID)
	f.sms.Failures["+243810000001"] = "unknown subscriber"

	res := f.sweep(t, local(11, 1))
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "unknown subscriber", res.Failures[0].Error)

	ds := f.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, notify.StatusFailed, ds[0].Status)
	assert.Equal(t, 1, ds[0].Attempts)
	assert.Equal(t, "unknown subscriber", ds[0].Error)

	alerts := f.mail.SentMessages()
	require.Len(t, alerts, 1)
	assert.Equal(t, "ops@test.cd", alerts[0].To[0].Address)
	assert.Equal(t, "1 absence SMS failed", alerts[0].Subject)
	assert.Contains(t, alerts[0].TextContent, "unknown subscriber")

	// still backing off
	res = f.sweep(t, local(11, 3))
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, f.sms.Count())

	delete(f.sms.Failures, "+243810000001")
	res = f.sweep(t, local(11, 7))
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, f.sms.Count())

	ds = f.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, notify.StatusSent, ds[0].Status)
	assert.Equal(t, 2, ds[0].Attempts)
	assert.Empty(t, ds[0].Error)
}

func TestDispatcher_Sweep_Exhausted(t *testing.T) {
	f := setup(t, func(conf *core.Config) {
		conf.Notify.MaxAttempts = 2
		conf.Notify.RetryBackoff = 0
	})
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "", "+243810000001", false)
	f.markAbsent(t, f.cls, s1.ID)
	f.sms.Err = errors.New("network down")

	for i := 1; i <= 2; i++ {
		res := f.sweep(t, local(11, i))
		assert.Equal(t, 1, res.Failed)
	}
	ds := f.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, notify.StatusFailed, ds[0].Status)
	assert.Equal(t, 2, ds[0].Attempts)
	assert.Equal(t, "network down", ds[0].Error)

	res := f.sweep(t, local(12, 0))
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, f.sms.Count())
}

func TestDispatcher_Sweep_AbandonedClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "", "+243810000001", false)
	f.markAbsent(t, f.cls, s1.ID)

	// a sweep that died between claiming and sending
	_, ok, err := f.env.Deliveries.ClaimDelivery(ctx, notify.Delivery{
		SchoolID:     f.sch.ID,
		ClassID:      f.cls.ID,
		StudentID:    s1.ID,
		ParentUserID: "u1",
		DateKey:      today,
		Phone:        "+243810000001",
	}, nil, local(11, 0))
	require.NoError(t, err)
	require.True(t, ok)

	res := f.sweep(t, local(11, 1))
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, f.sms.Count())

	res = f.sweep(t, local(11, 11))
	assert.Equal(t, 1, res.Sent)
	ds := f.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, notify.StatusSent, ds[0].Status)
	assert.Equal(t, 2, ds[0].Attempts)
}

func TestDispatcher_Sweep_Isolation(t *testing.T) {
	f := setup(t)
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "Mama Amani", "+243810000001", false)
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u2", "Papa Amani", "+243810000002", false)
	f.sms.Failures["+243810000001"] = "unreachable handset"

	broken := testutil.CreateClass(t, f.env.Dir, f.sch.ID, "5b", "5", "B", true)
	broken.SendAfterTime = "lol"
	broken, err := f.env.Dir.CreateClass(context.Background(), broken)
	require.NoError(t, err)
	s2 := testutil.CreateStudent(t, f.env.Dir, broken, "s2", "Bora", "Tshala")
	testutil.CreateParent(t, f.env.Dir, s2.ID, "u3", "Mama Bora", "+243810000003", false)

	f.markAbsent(t, f.cls, s1.ID)
	f.markAbsent(t, broken, s2.ID)

	res := f.sweep(t, local(11, 1))
	assert.Equal(t, 2, res.Classes)
	assert.Equal(t, 1, res.ClassErrors)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, f.sms.SentTo("+243810000001"), 1)
	assert.Len(t, f.sms.SentTo("+243810000002"), 1)
	assert.Empty(t, f.sms.SentTo("+243810000003"))
}

// reclaimingTransport lets another sweep take over the delivery row while a send is in flight.
type reclaimingTransport struct {
	*testutil.SMSTransportMock
	repo notify.Repository
	at   time.Time
}

func (tr *reclaimingTransport) Send(ctx context.Context, msg notify.SMS) (notify.SendResult, error) {
	ds, err := tr.repo.QueryDeliveries(ctx, notify.DeliveryFilter{})
	if err != nil {
		return notify.SendResult{}, err
	}
	for i := range ds {
		if ds[i].ID == msg.Ref {
			if _, _, err = tr.repo.ClaimDelivery(ctx, ds[i], &ds[i], tr.at); err != nil {
				return notify.SendResult{}, err
			}
		}
	}
	return tr.SMSTransportMock.Send(ctx, msg)
}

func TestDispatcher_Sweep_ReclaimedDuringSend(t *testing.T) {
	f := setup(t)
	s1 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s1", "Amani", "Kabila")
	testutil.CreateParent(t, f.env.Dir, s1.ID, "u1", "Mama Amani", "+243810000001", false)
	f.markAbsent(t, f.cls, s1.ID)

	tr := &reclaimingTransport{SMSTransportMock: f.sms, repo: f.env.Deliveries, at: local(11, 1)}
	disp := notify.NewDispatcher(f.env.Conf, f.env.Deliveries, f.env.Attendance, f.env.Dir, f.env.Locator, tr, f.lease, f.mail, f.env.Logger)

	testutil.SetNow(t, local(11, 1))
	res, err := disp.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Failures)

	ds := f.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, notify.StatusPending, ds[0].Status)
	assert.Equal(t, 2, ds[0].Attempts)
}

func TestDispatcher_Sweep_LeaseHeld(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.SetNow(t, local(11, 1))

	token, ok, err := f.lease.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.disp.Sweep(ctx)
	assert.Equal(t, notify.ErrSweepInProgress, errors.Cause(err))

	require.NoError(t, f.lease.Release(ctx, token))
	_, err = f.disp.Sweep(ctx)
	assert.NoError(t, err)
}

func TestDispatcher_SendTest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.disp.SendTest(ctx, "  ", "")
	vErr, ok := errors.Cause(err).(*core.ValidationError)
	require.True(t, ok)
	assert.Equal(t, "phone", vErr.Fields[0].Field)

	res, err := f.disp.SendTest(ctx, "+243810000009", "")
	require.NoError(t, err)
	assert.Equal(t, notify.StatusSent, res.Status)
	msgs := f.sms.SentTo("+243810000009")
	require.Len(t, msgs, 1)
	assert.Equal(t, "This is a test message from Rollcall.", msgs[0].Body)

	f.sms.Err = errors.New("network down")
	res, err = f.disp.SendTest(ctx, "+243810000009", "ping")
	require.NoError(t, err)
	assert.Equal(t, notify.StatusFailed, res.Status)
	assert.Equal(t, "network down", res.Error)

	assert.Empty(t, f.deliveries(t))
}
