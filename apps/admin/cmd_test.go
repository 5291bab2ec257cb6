package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
	"github.com/trezcool/rollcall/services/email"
	"github.com/trezcool/rollcall/tests"
)

var kinshasa, _ = time.LoadLocation("Africa/Kinshasa")

func local(h, m int) time.Time {
	return time.Date(2025, 4, 15, h, m, 0, 0, kinshasa)
}

type fixture struct {
	cli *commandLine
	out *bytes.Buffer
	env *testutil.Env
	sms *testutil.SMSTransportMock
	sch school.School
	cls school.Class
}

func setup(t *testing.T) fixture {
	env := testutil.NewEnv(t)
	sch := testutil.CreateSchool(t, env.Dir, "gombe", "Africa/Kinshasa", "old-key")
	cls := testutil.CreateClass(t, env.Dir, sch.ID, "5a", "5", "A", true)
	testutil.CreateStudent(t, env.Dir, cls, "s1", "Amani", "Kabila")

	sms := testutil.NewSMSTransportMock()
	att := attendance.NewService(env.Conf, env.Attendance, env.Dir, env.Locator, env.Logger)
	disp := notify.NewDispatcher(
		env.Conf, env.Deliveries, env.Attendance, env.Dir, env.Locator,
		sms, notify.NewLocalLease(), emailsvc.NewConsoleServiceMock(env.Conf), env.Logger,
	)

	out := new(bytes.Buffer)
	return fixture{
		cli: &commandLine{
			conf: env.Conf,
			out:  out,
			db:   new(sql.DB), // only handed to the goose mock
			dir:  env.Dir,
			loc:  env.Locator,
			att:  att,
			disp: disp,
		},
		out: out,
		env: env,
		sms: sms,
		sch: sch,
		cls: cls,
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func (tt cliTest) check(t *testing.T, err error) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		assert.Equal(t, tt.wantErr, errors.Cause(err))
	case tt.wantErrStr != "":
		if assert.Error(t, err) {
			assert.Equal(t, tt.wantErrStr, err.Error())
		}
	default:
		assert.NoError(t, err)
	}
}

func Test_commandLine_run(t *testing.T) {
	f := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "finalize: no school", args: []string{"finalize"}, wantErr: errHelp},
		{name: "token: no args", args: []string{"token"}, wantErr: errHelp},
		{name: "token: no role", args: []string{"token", "-user", "u1", "-school", "gombe-id"}, wantErr: errHelp},
		{name: "setintakekey: no school", args: []string{"setintakekey"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, f.cli.run(args))
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	f := setup(t)

	prevRun := gooseRunFunc
	t.Cleanup(func() { gooseRunFunc = prevRun })
	gooseRunFunc = func(command string, db *sql.DB, fsys fs.FS, dir string, args ...string) error {
		if dir != "migrations" {
			return fmt.Errorf("unexpected migrations dir %q", dir)
		}
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "holidays", "sql"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, f.cli.run(args))
		})
	}

	t.Run("memory engine", func(t *testing.T) {
		cli := *f.cli
		cli.db = nil
		assert.Equal(t, errNoSQLDatabase, cli.run([]string{"admin", "migrate", "up"}))
	})
}

func Test_commandLine_setIntakeKey(t *testing.T) {
	f := setup(t)

	prevRead := readPasswordFunc
	t.Cleanup(func() { readPasswordFunc = prevRead })

	type extra struct {
		key string
	}
	tests := []cliTest{
		{name: "school but no key", args: []string{"setintakekey", "-school", "gombe"}, wantErr: errHelp},
		{name: "school not found", args: []string{"setintakekey", "-school", "lol"}, extra: extra{key: "k1"}, wantErr: school.ErrNotFound},
		{name: "by slug", args: []string{"setintakekey", "-school", "gombe"}, extra: extra{key: "n3w-k3y"}},
		{name: "by id", args: []string{"setintakekey", "-school", f.sch.ID}, extra: extra{key: "n3w3r-k3y"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			x, hasKey := tt.extra.(extra)
			readPasswordFunc = func(fd int) ([]byte, error) {
				if hasKey {
					return []byte(x.key), nil
				}
				return nil, nil
			}

			err := f.cli.run(args)
			tt.check(t, err)
			if err != nil {
				return
			}
			sch, err := f.env.Dir.GetSchool(context.Background(), f.sch.ID)
			require.NoError(t, err)
			assert.NoError(t, sch.CheckIntakeKey(x.key))
			assert.Error(t, sch.CheckIntakeKey("old-key"))
		})
	}
}

func Test_commandLine_finalize(t *testing.T) {
	f := setup(t)
	testutil.SetNow(t, local(18, 0))

	run := func(t *testing.T, args ...string) (attendance.FinalizeResult, error) {
		t.Helper()
		f.out.Reset()
		var res attendance.FinalizeResult
		if err := f.cli.run(append([]string{"admin", "finalize"}, args...)); err != nil {
			return res, err
		}
		require.NoError(t, json.Unmarshal(f.out.Bytes(), &res))
		return res, nil
	}

	_, err := run(t, "-school", "gombe", "-date", "15/04/2025")
	assert.Equal(t, errInvalidDate, err)

	_, err = run(t, "-school", "lol")
	assert.Equal(t, school.ErrNotFound, errors.Cause(err))

	// defaults to the school's current day
	res, err := run(t, "-school", "gombe")
	require.NoError(t, err)
	assert.Equal(t, "2025-04-15", res.DateKey)
	assert.Equal(t, 1, res.Created)

	res, err = run(t, "-school", f.sch.ID, "-date", "2025-04-15")
	require.NoError(t, err)
	assert.Equal(t, attendance.SkipIdle, res.Skipped)

	res, err = run(t, "-school", "gombe", "-date", "2025-04-16")
	require.NoError(t, err)
	assert.Equal(t, attendance.SkipBeforeCutoff, res.Skipped)
}

func Test_commandLine_dispatch(t *testing.T) {
	f := setup(t)
	testutil.CreateParent(t, f.env.Dir, "s1", "p1", "Mama Amani", "+243810000001", false)

	testutil.SetNow(t, local(9, 0))
	_, err := f.cli.att.RecordTeacherMarks(context.Background(), attendance.Actor{UserID: "teacher-1", SchoolID: f.sch.ID}, attendance.NewMarks{
		ClassID:  f.cls.ID,
		Date:     "2025-04-15",
		Students: []attendance.StudentMark{{StudentID: "s1", Status: attendance.StatusAbsent}},
	})
	require.NoError(t, err)

	testutil.SetNow(t, local(10, 30))
	require.NoError(t, f.cli.run([]string{"admin", "dispatch"}))

	var res notify.SweepResult
	require.NoError(t, json.Unmarshal(f.out.Bytes(), &res))
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.sms.SentTo("+243810000001"), 1)
}

func Test_commandLine_token(t *testing.T) {
	f := setup(t)

	err := f.cli.run([]string{"admin", "token", "-user", "u1", "-school", f.sch.ID, "-role", "parent"})
	assert.Equal(t, errInvalidRole, err)

	f.out.Reset()
	require.NoError(t, f.cli.run([]string{"admin", "token", "-user", "u1", "-school", f.sch.ID, "-role", echoapi.RoleAdmin}))

	claims := new(echoapi.Claims)
	_, err = jwt.ParseWithClaims(strings.TrimSpace(f.out.String()), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(f.env.Conf.SecretKey), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, f.sch.ID, claims.SchoolID)
	assert.True(t, claims.IsAdmin)
	assert.False(t, claims.IsTeacher)
}
