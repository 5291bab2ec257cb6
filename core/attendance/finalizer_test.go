package attendance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/tests"
)

func TestFinalizer_BeforeCutoff(t *testing.T) {
	f := setup(t)
	testutil.SetNow(t, local(16, 59))

	res, err := f.svc.Finalizer().Finalize(context.Background(), f.sch, today)
	require.NoError(t, err)
	assert.Equal(t, attendance.SkipBeforeCutoff, res.Skipped)

	days, err := f.env.Attendance.QueryDays(context.Background(), attendance.DayFilter{SchoolID: f.sch.ID})
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestFinalizer_DefaultAbsence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	testutil.SetNow(t, local(17, 1))
	res, err := f.svc.Finalizer().FinalizeSchool(ctx, f.sch.ID, today)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 2, res.Created)

	day, ok := f.day(t, f.s2.ID, today)
	require.True(t, ok)
	assert.Equal(t, attendance.StatusAbsent, day.FinalStatus)
	assert.Equal(t, attendance.SourceFinalizer, day.FinalSource)
	assert.True(t, day.Finalized)
	require.Len(t, day.History, 1)
	assert.Equal(t, attendance.SourceFinalizer, day.History[0].Source)

	// nothing left to do
	res, err = f.svc.Finalizer().FinalizeSchool(ctx, f.sch.ID, today)
	require.NoError(t, err)
	assert.Equal(t, attendance.SkipIdle, res.Skipped)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Finalized)
}

func TestFinalizer_Completeness(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s3 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s3", "Chance", "Mbuyi")
	s4 := testutil.CreateStudent(t, f.env.Dir, f.cls, "s4", "Dieu", "Ngoy")

	testutil.SetNow(t, local(8, 10))
	_, err := f.svc.IngestEvent(ctx, f.sch, capture("evt-1", f.s1.ID, local(8, 5)))
	require.NoError(t, err)

	testutil.SetNow(t, local(9, 0))
	_, err = f.svc.RecordTeacherMarks(ctx, attendance.Actor{UserID: "teacher-1", SchoolID: f.sch.ID}, attendance.NewMarks{
		ClassID: f.cls.ID,
		Date:    today,
		Students: []attendance.StudentMark{
			{StudentID: s3.ID, Status: attendance.StatusExcused},
			{StudentID: s4.ID, Status: attendance.StatusAbsent},
		},
	})
	require.NoError(t, err)

	testutil.SetNow(t, local(17, 30))
	res, err := f.svc.Finalizer().Finalize(ctx, f.sch, today)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Finalized)

	days, err := f.env.Attendance.QueryDays(ctx, attendance.DayFilter{SchoolID: f.sch.ID, DateKey: today})
	require.NoError(t, err)
	require.Len(t, days, 4)

	want := map[string]struct {
		status    attendance.Status
		finalized bool
	}{
		f.s1.ID: {attendance.StatusPresent, true},
		f.s2.ID: {attendance.StatusAbsent, true},
		s3.ID:   {attendance.StatusExcused, false},
		s4.ID:   {attendance.StatusAbsent, false},
	}
	for _, day := range days {
		w := want[day.StudentID]
		assert.Equal(t, w.status, day.FinalStatus, day.StudentID)
		assert.Equal(t, w.finalized, day.Finalized, day.StudentID)
		assert.NotEqual(t, attendance.StatusPending, day.FinalStatus, day.StudentID)
	}

	// the present row is closed without a new history entry
	day, _ := f.day(t, f.s1.ID, today)
	assert.Len(t, day.History, 1)
}

func TestFinalizer_Holidays(t *testing.T) {
	t.Run("whole school", func(t *testing.T) {
		f := setup(t)
		testutil.CreateHoliday(t, f.env.Dir, f.sch.ID, today, "", "")
		testutil.SetNow(t, local(17, 1))

		res, err := f.svc.Finalizer().Finalize(context.Background(), f.sch, today)
		require.NoError(t, err)
		assert.Equal(t, attendance.SkipHoliday, res.Skipped)
		_, ok := f.day(t, f.s1.ID, today)
		assert.False(t, ok)
	})

	t.Run("one grade", func(t *testing.T) {
		f := setup(t)
		cls6 := testutil.CreateClass(t, f.env.Dir, f.sch.ID, "6a", "6", "A", true)
		s6 := testutil.CreateStudent(t, f.env.Dir, cls6, "s6", "Espoir", "Ilunga")
		testutil.CreateHoliday(t, f.env.Dir, f.sch.ID, today, "5", "")
		testutil.SetNow(t, local(17, 1))

		res, err := f.svc.Finalizer().Finalize(context.Background(), f.sch, today)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Created)
		_, ok := f.day(t, f.s1.ID, today)
		assert.False(t, ok)
		day, ok := f.day(t, s6.ID, today)
		require.True(t, ok)
		assert.Equal(t, attendance.StatusAbsent, day.FinalStatus)
	})
}

func TestService_DayStatuses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cls6 := testutil.CreateClass(t, f.env.Dir, f.sch.ID, "6a", "6", "A", true)
	testutil.CreateStudent(t, f.env.Dir, cls6, "s6", "Espoir", "Ilunga")

	testutil.SetNow(t, local(8, 10))
	_, err := f.svc.IngestEvent(ctx, f.sch, capture("evt-1", f.s1.ID, local(8, 5)))
	require.NoError(t, err)

	days, err := f.svc.DayStatuses(ctx, f.sch.ID, today, "5", "")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, f.s1.ID, days[0].StudentID)

	days, err = f.svc.DayStatuses(ctx, f.sch.ID, today, "7", "")
	require.NoError(t, err)
	assert.Empty(t, days)

	// reading after the cutoff closes the day first
	testutil.SetNow(t, local(17, 5))
	days, err = f.svc.DayStatuses(ctx, f.sch.ID, today, "", "")
	require.NoError(t, err)
	require.Len(t, days, 3)
	for _, day := range days {
		assert.True(t, day.Finalized, day.StudentID)
	}
}

func TestService_TriageEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.SetNow(t, local(8, 10))
	_, err := f.svc.IngestEvent(ctx, f.sch, capture("evt-1", "ghost", local(8, 5)))
	require.NoError(t, err)

	_, err = f.svc.TriageEvent(ctx, "other-id", "evt-1", attendance.EventTriage{Status: attendance.EventIgnored})
	assert.Equal(t, attendance.ErrEventNotFound, err)
	_, err = f.svc.TriageEvent(ctx, f.sch.ID, "nope", attendance.EventTriage{Status: attendance.EventIgnored})
	assert.Equal(t, attendance.ErrEventNotFound, err)

	evt, err := f.svc.TriageEvent(ctx, f.sch.ID, "evt-1", attendance.EventTriage{Status: attendance.EventIgnored, Notes: "  visitor  "})
	require.NoError(t, err)
	assert.Equal(t, attendance.EventIgnored, evt.Status)
	assert.Equal(t, "visitor", evt.Notes)
}
