package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobCalendarSync    = "calendar-sync"
	JobCalendarCleanup = "calendar-cleanup"

	DefaultSyncSchedule    = "@every 30m"
	DefaultCleanupSchedule = "@daily"

	// cleanup is a single purge; sync is bounded per user instead
	cleanupTimeout = 10 * time.Minute
)

// Jobs registers the periodic sync and cleanup runs on a cron scheduler.
type Jobs struct {
	cron    *cron.Cron
	orch    *Orchestrator
	entries map[string]cron.EntryID
}

// NewJobs registers calendar-sync and calendar-cleanup with the given schedules.
func NewJobs(orch *Orchestrator, syncSchedule, cleanupSchedule string, loc *time.Location) (*Jobs, error) {
	if loc == nil {
		loc = time.UTC
	}
	if syncSchedule == "" {
		syncSchedule = DefaultSyncSchedule
	}
	if cleanupSchedule == "" {
		cleanupSchedule = DefaultCleanupSchedule
	}

	logger := cron.PrintfLogger(zap.NewStdLog(zap.L()))
	j := &Jobs{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		orch:    orch,
		entries: make(map[string]cron.EntryID),
	}

	if err := j.add(JobCalendarSync, syncSchedule, 0, j.RunSync); err != nil {
		return nil, err
	}
	if err := j.add(JobCalendarCleanup, cleanupSchedule, cleanupTimeout, j.RunCleanup); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Jobs) add(name, schedule string, timeout time.Duration, run func(context.Context) error) error {
	id, err := j.cron.AddFunc(schedule, func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), timeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		defer cancel()
		started := time.Now()
		if err := run(ctx); err != nil {
			zap.S().Warnf("Job %s failed after %s: %v", name, time.Since(started).Round(time.Millisecond), err)
			return
		}
		zap.S().Debugf("Job %s finished in %s", name, time.Since(started).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s (%q): %w", name, schedule, err)
	}
	j.entries[name] = id
	return nil
}

// RunSync is the calendar-sync handler.
func (j *Jobs) RunSync(ctx context.Context) error {
	batch, err := j.orch.SyncAllUsers(ctx)
	if err != nil {
		return err
	}
	if batch.ErrorCount > 0 {
		zap.S().Warnf("Job %s: %d of %d users failed", JobCalendarSync, batch.ErrorCount, batch.ErrorCount+batch.SyncedCount)
	}
	return nil
}

// RunCleanup is the calendar-cleanup handler.
func (j *Jobs) RunCleanup(ctx context.Context) error {
	_, err := j.orch.CleanupOldEvents(ctx)
	return err
}

// Next reports the next scheduled run of a job, zero if unknown or not started.
func (j *Jobs) Next(name string) time.Time {
	id, ok := j.entries[name]
	if !ok {
		return time.Time{}
	}
	return j.cron.Entry(id).Next
}

func (j *Jobs) Start() {
	j.cron.Start()
	zap.S().Infof("Calendar jobs started: %s, %s", JobCalendarSync, JobCalendarCleanup)
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (j *Jobs) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		zap.S().Warnf("Calendar jobs: stop timed out with jobs still running")
	}
}
