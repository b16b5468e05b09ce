// Package scheduler triggers runs on a cron expression or a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one run over the job list.
type Task func(ctx context.Context)

// Scheduler runs a Task right away and then on every tick. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	sched   cron.Schedule
	desc    string
	task    Task
	log     *slog.Logger
	running atomic.Bool
	wg      sync.WaitGroup
	skipped atomic.Int64
}

// New builds a Scheduler. A non-empty cron expression wins over interval.
func New(expr string, interval time.Duration, task Task, log *slog.Logger) (*Scheduler, error) {
	if task == nil {
		return nil, errors.New("scheduler: nil task")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{task: task, log: log}
	switch {
	case expr != "":
		sc, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse %q: %w", expr, err)
		}
		s.sched, s.desc = sc, expr
	case interval > 0:
		s.sched, s.desc = cron.Every(interval), "@every "+interval.String()
	default:
		return nil, errors.New("scheduler: need a cron expression or a positive interval")
	}
	return s, nil
}

// Run triggers the first run immediately and keeps scheduling until ctx is
// done. It returns after the in-flight run finished.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{s.log}))
	c.Schedule(s.sched, cron.FuncJob(func() { s.trigger(ctx) }))

	s.log.Info("scheduler started", "schedule", s.desc)
	s.trigger(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped", "skipped", s.skipped.Load())
	return nil
}

// Skipped returns the number of ticks dropped because a run was in flight.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("previous run still in progress, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("run panicked", "panic", r)
			}
		}()
		s.task(ctx)
	}()
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
