package main

import (
	"errors"

	"github.com/trezcool/goose"

	"github.com/trezcool/rollcall/fs"
)

var (
	gooseRunFunc = goose.RunFS // mockable

	errNoSQLDatabase = errors.New("migrations need a SQL database engine")
)

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoSQLDatabase
	}
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, appfs.FS, "migrations", arguments...)
}
