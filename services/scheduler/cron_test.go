package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/notify"
)

type fakeSweeper struct {
	res   notify.SweepResult
	err   error
	calls int
}

func (f *fakeSweeper) Sweep(context.Context) (notify.SweepResult, error) {
	f.calls++
	return f.res, f.err
}

type entry struct {
	level string
	msg   string
}

type memLogger struct {
	mu      sync.Mutex
	entries []entry
}

func (l *memLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry{level, msg})
}

func (l *memLogger) Debug(msg string, _ ...interface{}) { l.add("debug", msg) }
func (l *memLogger) Info(msg string, _ ...interface{})  { l.add("info", msg) }
func (l *memLogger) Warn(msg string, _ ...interface{})  { l.add("warn", msg) }
func (l *memLogger) Error(msg string, _ ...interface{}) { l.add("error", msg) }
func (l *memLogger) Fatal(msg string, _ ...interface{}) { l.add("fatal", msg) }

func TestNew_IntervalFloor(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		floor    time.Duration
		want     string
	}{
		{name: "above floor", interval: 2 * time.Minute, floor: 30 * time.Second, want: "@every 2m0s"},
		{name: "below floor", interval: 5 * time.Second, floor: 30 * time.Second, want: "@every 30s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := &core.Config{Notify: core.NotifyConfig{SweepInterval: tt.interval, MinSweepInterval: tt.floor}}
			s := New(conf, &fakeSweeper{}, &memLogger{})
			assert.Equal(t, tt.want, s.spec)
		})
	}
}

func TestScheduler_Run(t *testing.T) {
	tests := []struct {
		name      string
		res       notify.SweepResult
		err       error
		wantLevel string
	}{
		{name: "lease held elsewhere", err: errors.Wrap(notify.ErrSweepInProgress, "sweeping"), wantLevel: "info"},
		{name: "failure", err: errors.New("db down"), wantLevel: "error"},
		{name: "sent", res: notify.SweepResult{Sent: 2}, wantLevel: "info"},
		{name: "nothing to do", wantLevel: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &memLogger{}
			sw := &fakeSweeper{res: tt.res, err: tt.err}
			New(&core.Config{}, sw, logger).Run()

			assert.Equal(t, 1, sw.calls)
			if tt.wantLevel == "" {
				assert.Empty(t, logger.entries)
				return
			}
			if assert.Len(t, logger.entries, 1) {
				assert.Equal(t, tt.wantLevel, logger.entries[0].level)
			}
		})
	}
}
