package main

import (
	"context"
	"log"
	"os"

	"github.com/trezcool/rollcall/apps/di"
	"github.com/trezcool/rollcall/core"
)

func main() {
	conf := core.NewConfig()

	deps, err := di.New(context.Background(), conf, di.Options{LogPrefix: "ADMIN", SkipMigrations: true})
	if err != nil {
		log.Fatalf("setting up dependencies: %v", err)
	}

	// start CLI
	cli := commandLine{
		conf: conf,
		out:  os.Stdout,
		dir:  deps.Directory,
		loc:  deps.Locator,
		att:  deps.Attendance,
		disp: deps.Dispatcher,
	}
	if deps.DB != nil {
		cli.db = deps.DB.DB
	}

	err = cli.run(os.Args)
	deps.Close()
	if err != nil {
		if err != errHelp {
			deps.Logger.Info("\nerror: " + err.Error())
		}
		os.Exit(1)
	}
}
