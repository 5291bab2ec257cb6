// Package scheduler drives the periodic dispatch sweeps.
package scheduler

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/notify"
)

// Sweeper is satisfied by *notify.Dispatcher.
type Sweeper interface {
	Sweep(ctx context.Context) (notify.SweepResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	log     core.Logger
	spec    string
}

// New schedules a sweep every Notify.SweepInterval, never more often than Notify.MinSweepInterval.
// A tick that fires while the previous sweep still runs is skipped.
func New(conf *core.Config, sweeper Sweeper, logger core.Logger) *Scheduler {
	cl := cronLogger{log: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		sweeper: sweeper,
		log:     logger,
		spec:    "@every " + notify.EffectiveInterval(conf.Notify.SweepInterval, conf.Notify.MinSweepInterval).String(),
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.Run); err != nil {
		return errors.Wrapf(err, "scheduling sweeps %q", s.spec)
	}
	s.cron.Start()
	s.log.Info(fmt.Sprintf("dispatch sweeps scheduled: %s", s.spec))
	return nil
}

// Stop stops scheduling and waits for a running sweep, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run does one sweep and logs how it went.
func (s *Scheduler) Run() {
	res, err := s.sweeper.Sweep(context.Background())
	switch {
	case errors.Cause(err) == notify.ErrSweepInProgress:
		s.log.Info("dispatch sweep skipped: another sweep holds the lease")
	case err != nil:
		s.log.Error("dispatch sweep failed", err)
	case res.Sent > 0 || res.Failed > 0:
		s.log.Info("dispatch sweep done", map[string]interface{}{
			"classes":  res.Classes,
			"sent":     res.Sent,
			"failed":   res.Failed,
			"skipped":  res.Skipped,
			"duration": res.Duration.String(),
		})
	}
}

// cronLogger forwards cron's own logs to core.Logger.
type cronLogger struct {
	log core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvMap(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, err, kvMap(keysAndValues))
}

func kvMap(keysAndValues []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		m[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return m
}
