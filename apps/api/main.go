package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof on the default mux

	echoapi "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/apps/di"
	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/services/scheduler"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	deps, err := di.New(context.Background(), conf, di.Options{LogPrefix: "API"})
	if err != nil {
		log.Fatalf("setting up dependencies: %v", err)
	}
	defer deps.Close()
	logger := deps.Logger

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("database").Set(conf.Database.Engine)
	expvar.NewString("lease").Set(conf.Notify.LeaseBackend)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Dispatch Sweeps

	sweeps := scheduler.New(conf, deps.Dispatcher, logger)
	if err = sweeps.Start(); err != nil {
		logger.Fatal(fmt.Sprintf("starting scheduler: %v", err), err)
	}

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Validate:   deps.Validate,
			Translator: deps.Translator,
			Attendance: deps.Attendance,
			Dispatcher: deps.Dispatcher,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests and the running sweep a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
		sweeps.Stop(ctx)
	}
}
