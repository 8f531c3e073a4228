// Package scheduler runs the job substrate: a tick loop selects due jobs,
// inserts execution records, and dispatches them to a bounded worker pool. A
// janitor times out executions that never reached a terminal state. The
// database rows are the source of truth; the in-process queue only carries
// work to the workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/audit"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

const janitorSweepInterval = time.Minute

// Config tunes the scheduler loops and its worker pool.
type Config struct {
	TickInterval time.Duration // due-job sweep cadence
	Workers      int           // pool size
	QueueSize    int           // dispatch buffer
	StaleTimeout time.Duration // queued|running older than this are timed out
	StopGrace    time.Duration // drain budget on Stop
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 4
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
	return c
}

// Scheduler owns the tick loop, the stale janitor, and the worker pool.
type Scheduler struct {
	store   *store.Store
	pool    *Pool
	metrics *metrics.Metrics
	cfg     Config

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler. Handlers must be registered on the registry before
// Start. The task deadline matches the stale timeout so a handler unwinds
// around the time the janitor would flip its row.
func New(cfg Config, st *store.Store, registry *Registry, broadcaster Broadcaster) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:   st,
		pool:    newPool(st, registry, broadcaster, cfg.Workers, cfg.QueueSize, cfg.StaleTimeout),
		metrics: metrics.Get(),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Pool exposes the worker pool for status reporting and health rules.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// Start launches the workers and the tick loop.
func (s *Scheduler) Start() {
	s.pool.Start()
	go s.run()
	log.Info().
		Dur("tick", s.cfg.TickInterval).
		Int("workers", s.cfg.Workers).
		Dur("staleTimeout", s.cfg.StaleTimeout).
		Msg("Scheduler started")
}

// Stop halts the tick loop first so nothing new is dispatched, then drains
// the pool.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.pool.Stop(s.cfg.StopGrace)
		log.Info().Msg("Scheduler stopped")
	})
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	janitor := time.NewTicker(janitorSweepInterval)
	defer janitor.Stop()

	for {
		select {
		case now := <-tick.C:
			s.tick(now)
		case <-janitor.C:
			s.sweepStale()
		case <-s.stopCh:
			return
		}
	}
}

// tick selects due jobs and dispatches each one. Per-job errors are logged
// and the tick moves on to the next job.
func (s *Scheduler) tick(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list due jobs")
		return
	}

	for _, job := range jobs {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.dispatch(ctx, job, now); err != nil {
			log.Error().Err(err).Str("job", job.Name).Msg("Failed to dispatch job")
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job models.SchedulerJob, now time.Time) error {
	run := &Run{
		JobName:  job.Name,
		TaskName: job.TaskName,
		TaskID:   ulid.Make().String(),
		Config:   job.Config,
		store:    s.store,
	}

	execID, err := s.store.InsertExecution(ctx, job.Name, job.TaskName, run.TaskID, audit.ActorFrom(ctx).User)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	run.ExecutionID = execID
	s.metrics.RecordJobDispatched()

	if err := s.pool.Dispatch(run); err != nil {
		return err
	}

	if err := s.store.UpdateJobAfterDispatch(ctx, job.Name, now, s.nextRun(job, now)); err != nil {
		return err
	}

	log.Debug().
		Str("job", job.Name).
		Str("task", job.TaskName).
		Int64("executionId", execID).
		Msg("Job dispatched")
	return nil
}

// nextRun computes the following occurrence. A malformed cron expression
// pushes the job out an hour instead of hot-looping the tick; an interval
// below the tick cadence runs every tick.
func (s *Scheduler) nextRun(job models.SchedulerJob, now time.Time) *time.Time {
	if job.ScheduleType == models.ScheduleCron && job.CronExpression != "" {
		sched, err := cron.ParseStandard(job.CronExpression)
		if err != nil {
			log.Error().
				Err(err).
				Str("job", job.Name).
				Str("cron", job.CronExpression).
				Msg("Invalid cron expression, retrying in an hour")
			retry := now.Add(time.Hour)
			return &retry
		}
		next := sched.Next(now)
		return &next
	}

	interval := time.Duration(job.IntervalSeconds) * time.Second
	if interval < s.cfg.TickInterval {
		interval = s.cfg.TickInterval
	}
	next := now.Add(interval)
	return &next
}

// RunNow dispatches a job outside its schedule. The schedule itself is not
// advanced; the actor on the context is recorded as the trigger.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (int64, error) {
	job, err := s.store.GetJob(ctx, jobName)
	if err != nil {
		return 0, err
	}

	run := &Run{
		JobName:  job.Name,
		TaskName: job.TaskName,
		TaskID:   ulid.Make().String(),
		Config:   job.Config,
		store:    s.store,
	}
	execID, err := s.store.InsertExecution(ctx, job.Name, job.TaskName, run.TaskID, audit.ActorFrom(ctx).User)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution: %w", err)
	}
	run.ExecutionID = execID
	s.metrics.RecordJobDispatched()

	if err := s.pool.Dispatch(run); err != nil {
		return 0, err
	}

	audit.Record(ctx, "job.run_now", fmt.Sprintf("job %s execution %d", jobName, execID))
	return execID, nil
}

// CancelExecution flips a queued or running execution to failed. A running
// worker notices at its next progress tick and unwinds.
func (s *Scheduler) CancelExecution(ctx context.Context, id int64) error {
	if err := s.store.CompleteExecution(ctx, id, models.ExecFailed, "", "Cancelled by operator", time.Now()); err != nil {
		return err
	}
	audit.Record(ctx, "execution.cancel", fmt.Sprintf("execution %d", id))
	return nil
}

func (s *Scheduler) sweepStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := s.store.RecoverStaleExecutions(ctx, time.Now().Add(-s.cfg.StaleTimeout))
	if err != nil {
		log.Error().Err(err).Msg("Failed to recover stale executions")
		return
	}
	if recovered > 0 {
		for i := int64(0); i < recovered; i++ {
			s.metrics.RecordExecution("timeout")
		}
		log.Warn().Int64("count", recovered).Msg("Recovered stale executions")
	}
}
