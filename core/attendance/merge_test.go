package attendance

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey = DayKey{SchoolID: "sch", StudentID: "s1", DateKey: "2025-04-15"}
	t0      = time.Date(2025, 4, 15, 8, 10, 0, 0, time.UTC)
)

func autoMark(at time.Time, eventID string) Mark {
	return Mark{SchoolID: testKey.SchoolID, StudentID: testKey.StudentID, DateKey: testKey.DateKey, Source: SourceAuto, MarkedAt: at, EventID: eventID}
}

func teacherMark(at time.Time, st Status) Mark {
	return Mark{SchoolID: testKey.SchoolID, StudentID: testKey.StudentID, DateKey: testKey.DateKey, Source: SourceTeacher, Status: st, MarkedAt: at, MarkedBy: "t1"}
}

func assertFinalMatchesHistory(t *testing.T, day DayAttendance) {
	t.Helper()
	if len(day.History) == 0 {
		assert.Equal(t, StatusPending, day.FinalStatus)
		return
	}
	last := day.History[len(day.History)-1]
	assert.Equal(t, last.Status, day.FinalStatus)
	assert.Equal(t, last.Source, day.FinalSource)
}

func TestApply_Scenario(t *testing.T) {
	day := NewDay(testKey, t0)

	// camera at 08:10
	assert.Equal(t, OutcomeCreated, Apply(&day, autoMark(t0, "evt-1")))
	assert.Equal(t, StatusPresent, day.FinalStatus)
	assert.Equal(t, SourceAuto, day.FinalSource)
	assert.False(t, day.Finalized)

	// teacher marks absent at 09:00
	assert.Equal(t, OutcomeUpdated, Apply(&day, teacherMark(t0.Add(50*time.Minute), StatusAbsent)))
	assert.Equal(t, StatusAbsent, day.FinalStatus)
	assert.Equal(t, SourceTeacher, day.FinalSource)
	assert.True(t, day.TeacherOverride)
	assert.False(t, day.Finalized)

	// a later camera event only touches auto bookkeeping
	assert.Equal(t, OutcomeSuperseded, Apply(&day, autoMark(t0.Add(2*time.Hour), "evt-2")))
	assert.Equal(t, StatusAbsent, day.FinalStatus)
	assert.Equal(t, SourceTeacher, day.FinalSource)
	assert.Equal(t, "evt-2", day.AutoSourceEventID)
	assert.Len(t, day.History, 2)
	assertFinalMatchesHistory(t, day)
}

func TestApply_SameCaptureTwice(t *testing.T) {
	day := NewDay(testKey, t0)
	require.Equal(t, OutcomeCreated, Apply(&day, autoMark(t0, "evt-1")))

	assert.Equal(t, OutcomeUnchanged, Apply(&day, autoMark(t0, "evt-1")))
	assert.Len(t, day.History, 1)
	assert.Equal(t, StatusPresent, day.FinalStatus)

	assert.Equal(t, OutcomeUpdated, Apply(&day, autoMark(t0.Add(time.Minute), "evt-2")))
	assert.Len(t, day.History, 2)
	assertFinalMatchesHistory(t, day)
}

func TestApply_TeacherFirst(t *testing.T) {
	day := NewDay(testKey, t0)
	assert.Equal(t, OutcomeCreated, Apply(&day, teacherMark(t0, StatusExcused)))
	assert.Equal(t, StatusExcused, day.FinalStatus)
	assert.Equal(t, SourceTeacher, day.FinalSource)
	assert.Empty(t, day.AutoStatus)
}

func TestApply_ReopensFinalized(t *testing.T) {
	t.Run("auto reopens a finalizer default", func(t *testing.T) {
		day := DefaultAbsence(testKey, t0)
		require.True(t, day.Finalized)

		assert.Equal(t, OutcomeUpdated, Apply(&day, autoMark(t0.Add(time.Hour), "late-walk-in")))
		assert.Equal(t, StatusPresent, day.FinalStatus)
		assert.Equal(t, SourceAuto, day.FinalSource)
		assert.False(t, day.Finalized)
		assert.Nil(t, day.FinalizedAt)
		assertFinalMatchesHistory(t, day)
	})

	t.Run("teacher correction reopens", func(t *testing.T) {
		day := NewDay(testKey, t0)
		Apply(&day, autoMark(t0, "evt"))
		require.True(t, Finalize(&day, t0.Add(9*time.Hour)))
		require.True(t, day.Finalized)

		Apply(&day, teacherMark(t0.Add(10*time.Hour), StatusLate))
		assert.Equal(t, StatusLate, day.FinalStatus)
		assert.False(t, day.Finalized)
	})
}

func TestFinalize(t *testing.T) {
	cutoff := t0.Add(9 * time.Hour)

	tests := []struct {
		name       string
		marks      []Mark
		wantClosed bool
		wantStatus Status
		wantSource Source
	}{
		{name: "pending placeholder", wantClosed: true, wantStatus: StatusAbsent, wantSource: SourceFinalizer},
		{name: "camera present", marks: []Mark{autoMark(t0, "e")}, wantClosed: true, wantStatus: StatusPresent, wantSource: SourceAuto},
		{name: "teacher override untouched", marks: []Mark{teacherMark(t0, StatusExcused)}, wantClosed: false, wantStatus: StatusExcused, wantSource: SourceTeacher},
		{name: "teacher absent untouched", marks: []Mark{teacherMark(t0, StatusAbsent)}, wantClosed: false, wantStatus: StatusAbsent, wantSource: SourceTeacher},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			day := NewDay(testKey, t0)
			for _, m := range tt.marks {
				Apply(&day, m)
			}
			assert.Equal(t, tt.wantClosed, Finalize(&day, cutoff))
			assert.Equal(t, tt.wantClosed, day.Finalized)
			assert.Equal(t, tt.wantStatus, day.FinalStatus)
			assert.Equal(t, tt.wantSource, day.FinalSource)
			assertFinalMatchesHistory(t, day)

			// converges
			hist := len(day.History)
			assert.False(t, Finalize(&day, cutoff.Add(time.Minute)))
			assert.Len(t, day.History, hist)
		})
	}
}

// Any interleaving of writes ends on the last teacher status if there was one,
// else on the last auto status, else pending.
func TestApply_Precedence(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	statuses := []Status{StatusPresent, StatusAbsent, StatusLate, StatusExcused}

	for i := 0; i < 500; i++ {
		day := NewDay(testKey, t0)
		var lastTeacher, lastAuto Status
		n := rnd.Intn(8)
		at := t0
		for j := 0; j < n; j++ {
			at = at.Add(time.Duration(rnd.Intn(60)) * time.Minute)
			if rnd.Intn(2) == 0 {
				st := statuses[rnd.Intn(len(statuses))]
				Apply(&day, teacherMark(at, st))
				lastTeacher = st
			} else {
				Apply(&day, autoMark(at, "evt"))
				lastAuto = StatusPresent
			}
		}

		switch {
		case lastTeacher != "":
			assert.Equal(t, lastTeacher, day.FinalStatus)
			assert.Equal(t, SourceTeacher, day.FinalSource)
		case lastAuto != "":
			assert.Equal(t, lastAuto, day.FinalStatus)
			assert.Equal(t, SourceAuto, day.FinalSource)
		default:
			assert.Equal(t, StatusPending, day.FinalStatus)
		}
		assertFinalMatchesHistory(t, day)
	}
}

func TestDayAttendance_Clone(t *testing.T) {
	day := NewDay(testKey, t0)
	Apply(&day, Mark{Source: SourceTeacher, Status: StatusAbsent, MarkedAt: t0, Metadata: map[string]string{"period": "1"}})

	c := day.Clone()
	c.History[0].Metadata["period"] = "2"
	*c.TeacherMarkedAt = t0.Add(time.Hour)

	assert.Equal(t, "1", day.History[0].Metadata["period"])
	assert.Equal(t, t0, *day.TeacherMarkedAt)
}
