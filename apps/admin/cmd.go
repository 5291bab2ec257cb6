package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/term"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf *core.Config
	out  io.Writer
	db   *sql.DB // nil on the memory engine
	dir  school.Directory
	loc  *school.Locator
	att  *attendance.Service
	disp *notify.Dispatcher
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  setintakekey -school SLUG - set the secret of a school's capture intake")
	fmt.Fprintln(cli.out, "  finalize -school ID [-date YYYY-MM-DD] - close a school day")
	fmt.Fprintln(cli.out, "  dispatch - run one absence notification sweep")
	fmt.Fprintln(cli.out, "  token -user ID -school ID -role admin|teacher - mint an API token")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	setIntakeKeyCmd := flag.NewFlagSet("setintakekey", flag.ContinueOnError)
	setIntakeKeySchool := setIntakeKeyCmd.String("school", "", "The school's slug or ID. The intake key will be prompted next.")

	finalizeCmd := flag.NewFlagSet("finalize", flag.ContinueOnError)
	finalizeSchool := finalizeCmd.String("school", "", "The school's slug or ID.")
	finalizeDate := finalizeCmd.String("date", "", "The day to close, defaults to the school's current day.")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenUser := tokenCmd.String("user", "", "The user ID the token is issued to.")
	tokenSchool := tokenCmd.String("school", "", "The school ID the token is scoped to.")
	tokenRole := tokenCmd.String("role", "", "admin or teacher.")

	for _, fs := range []*flag.FlagSet{setIntakeKeyCmd, finalizeCmd, tokenCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "setintakekey":
		if err := setIntakeKeyCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *setIntakeKeySchool == "" {
			setIntakeKeyCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter intake key:")
		key, err := readPasswordFunc(syscall.Stdin)
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(key) == 0 {
			setIntakeKeyCmd.Usage()
			return errHelp
		}
		return cli.setIntakeKey(*setIntakeKeySchool, string(key))

	case "finalize":
		if err := finalizeCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *finalizeSchool == "" {
			finalizeCmd.Usage()
			return errHelp
		}
		return cli.finalize(*finalizeSchool, *finalizeDate)

	case "dispatch":
		return cli.dispatch()

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenUser == "" || *tokenSchool == "" || *tokenRole == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenUser, *tokenSchool, *tokenRole)

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, string(data))
	return err
}
