package main

import (
	"context"
	"errors"
	"fmt"

	echoapi "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/school"
)

var (
	errInvalidDate = errors.New("date must be formatted as YYYY-MM-DD")
	errInvalidRole = errors.New("role must be admin or teacher")
)

func (cli *commandLine) setIntakeKey(schoolRef, key string) error {
	ctx := context.Background()
	sch, err := cli.dir.GetSchool(ctx, schoolRef)
	if err != nil {
		return err
	}
	hash, err := school.HashIntakeKey(key)
	if err != nil {
		return err
	}
	if err = cli.dir.SetIntakeKeyHash(ctx, sch.ID, hash); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "intake key of %s updated\n", sch.Slug)
	return nil
}

func (cli *commandLine) finalize(schoolRef, dateKey string) error {
	ctx := context.Background()
	sch, err := cli.dir.GetSchool(ctx, schoolRef)
	if err != nil {
		return err
	}
	loc := cli.loc.InfoFor(sch).Location
	if dateKey == "" {
		dateKey = school.DateKey(attendance.NowFunc(), loc)
	} else if _, err = school.ParseDateKey(dateKey, loc); err != nil {
		return errInvalidDate
	}

	res, err := cli.att.Finalizer().Finalize(ctx, sch, dateKey)
	if err != nil {
		return err
	}
	return cli.printJSON(res)
}

func (cli *commandLine) dispatch() error {
	res, err := cli.disp.Sweep(context.Background())
	if err != nil {
		return err
	}
	return cli.printJSON(res)
}

func (cli *commandLine) token(userID, schoolID, role string) error {
	if role != echoapi.RoleAdmin && role != echoapi.RoleTeacher {
		return errInvalidRole
	}
	token, err := echoapi.GenerateToken(cli.conf, echoapi.NewClaims(cli.conf, userID, schoolID, role))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, token)
	return err
}
