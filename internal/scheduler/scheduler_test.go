package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type fakeBroadcaster struct {
	started  atomic.Int32
	finished atomic.Int32
}

func (b *fakeBroadcaster) BroadcastExecutionStarted(*models.Execution)  { b.started.Add(1) }
func (b *fakeBroadcaster) BroadcastExecutionFinished(*models.Execution) { b.finished.Add(1) }

func TestTickDispatchesDueJob(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	ran := make(chan string, 4)
	reg.Register("test.echo", func(ctx context.Context, run *Run) error {
		ran <- run.JobName
		run.SetResult("ok")
		return nil
	})

	bc := &fakeBroadcaster{}
	s := New(Config{Workers: 2}, st, reg, bc)
	s.pool.Start()
	defer s.pool.Stop(time.Second)

	ctx := context.Background()
	if err := st.SaveJob(ctx, models.SchedulerJob{
		Name:            "echo-job",
		TaskName:        "test.echo",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
		Enabled:         true,
	}); err != nil {
		t.Fatalf("save job: %v", err)
	}

	s.tick(time.Now())

	select {
	case name := <-ran:
		if name != "echo-job" {
			t.Errorf("handler saw job %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, 2*time.Second, func() bool {
		execs, err := st.ListExecutions(ctx, "echo-job", 10)
		return err == nil && len(execs) == 1 && execs[0].Status == models.ExecSuccess
	})

	execs, _ := st.ListExecutions(ctx, "echo-job", 10)
	exec := execs[0]
	if exec.Result != "ok" {
		t.Errorf("result = %q", exec.Result)
	}
	if exec.Worker == "" {
		t.Error("worker not recorded")
	}
	if exec.TaskID == "" {
		t.Error("task id not recorded")
	}
	if exec.TriggeredBy != "system" {
		t.Errorf("triggeredBy = %q", exec.TriggeredBy)
	}
	if exec.StartedAt == nil || exec.FinishedAt == nil {
		t.Error("started/finished timestamps missing")
	}

	job, err := st.GetJob(ctx, "echo-job")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.RunCount != 1 {
		t.Errorf("runCount = %d, want 1", job.RunCount)
	}
	if job.LastRunAt == nil {
		t.Error("lastRunAt not set")
	}
	if job.NextRunAt == nil || !job.NextRunAt.After(time.Now().Add(30*time.Second)) {
		t.Error("nextRunAt not advanced by the interval")
	}

	if bc.started.Load() == 0 || bc.finished.Load() == 0 {
		t.Error("execution lifecycle not broadcast")
	}
}

func TestMaxRunsNotExceeded(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("test.echo", func(ctx context.Context, run *Run) error { return nil })

	s := New(Config{Workers: 1}, st, reg, nil)
	s.pool.Start()
	defer s.pool.Stop(time.Second)

	ctx := context.Background()
	maxRuns := int64(1)
	if err := st.SaveJob(ctx, models.SchedulerJob{
		Name:            "once-job",
		TaskName:        "test.echo",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 0, // due again every tick, but max_runs caps it
		Enabled:         true,
		MaxRuns:         &maxRuns,
	}); err != nil {
		t.Fatalf("save job: %v", err)
	}

	s.tick(time.Now())
	s.tick(time.Now().Add(time.Minute))

	execs, err := st.ListExecutions(ctx, "once-job", 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1 (max_runs reached)", len(execs))
	}
}

func TestDueSelection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	jobs := []models.SchedulerJob{
		{Name: "ran-before", TaskName: "t", ScheduleType: models.ScheduleInterval, IntervalSeconds: 1, Enabled: true, NextRunAt: &past},
		{Name: "never-ran", TaskName: "t", ScheduleType: models.ScheduleInterval, IntervalSeconds: 1, Enabled: true},
		{Name: "disabled", TaskName: "t", ScheduleType: models.ScheduleInterval, IntervalSeconds: 1, Enabled: false},
		{Name: "not-started", TaskName: "t", ScheduleType: models.ScheduleInterval, IntervalSeconds: 1, Enabled: true, StartAt: &future},
		{Name: "ended", TaskName: "t", ScheduleType: models.ScheduleInterval, IntervalSeconds: 1, Enabled: true, EndAt: &past},
	}
	for _, j := range jobs {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("save %s: %v", j.Name, err)
		}
	}

	due, err := st.ListDueJobs(ctx, time.Now())
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		names := make([]string, 0, len(due))
		for _, j := range due {
			names = append(names, j.Name)
		}
		t.Fatalf("due jobs = %v, want [never-ran ran-before]", names)
	}
	if due[0].Name != "never-ran" {
		t.Errorf("never-run jobs must sort first, got %s", due[0].Name)
	}
}

func TestRunProgressFlush(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.InsertExecution(ctx, "j", "t", "task-1", "test")
	if err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	run := &Run{ExecutionID: id, JobName: "j", TaskName: "t", store: st}

	if err := run.StartStep(ctx, "collect"); err != nil {
		t.Fatalf("start step: %v", err)
	}
	if err := run.SetPercent(ctx, 40); err != nil {
		t.Fatalf("set percent: %v", err)
	}
	if err := run.FinishStep(ctx, "collect", models.StepDone, "12 items"); err != nil {
		t.Fatalf("finish step: %v", err)
	}

	exec, err := st.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Progress == nil || len(exec.Progress.Steps) != 1 {
		t.Fatalf("progress = %+v", exec.Progress)
	}
	step := exec.Progress.Steps[0]
	if step.Name != "collect" || step.Status != models.StepDone || step.Message != "12 items" {
		t.Errorf("step = %+v", step)
	}
	if exec.Progress.Percent != 40 {
		t.Errorf("percent = %d", exec.Progress.Percent)
	}
	if exec.Progress.CurrentStep != "collect" {
		t.Errorf("currentStep = %q", exec.Progress.CurrentStep)
	}
}

func TestRunFlushSeesCancellation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.InsertExecution(ctx, "j", "t", "task-1", "test")
	if err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	if err := st.CompleteExecution(ctx, id, models.ExecFailed, "", "Cancelled by operator", time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	run := &Run{ExecutionID: id, store: st}
	if err := run.SetPercent(ctx, 10); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	// The terminal row must not pick up progress written after the flip.
	exec, err := st.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Progress != nil {
		t.Errorf("progress written past cancellation: %+v", exec.Progress)
	}
}

func TestCancelledExecutionUnwinds(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	started := make(chan int64, 1)
	finished := make(chan error, 1)
	reg.Register("test.loop", func(ctx context.Context, run *Run) error {
		started <- run.ExecutionID
		for {
			select {
			case <-ctx.Done():
				finished <- ctx.Err()
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			if err := run.SetPercent(ctx, 10); err != nil {
				finished <- err
				return err
			}
		}
	})

	s := New(Config{Workers: 1}, st, reg, nil)
	s.pool.Start()
	defer s.pool.Stop(time.Second)

	ctx := context.Background()
	if err := st.SaveJob(ctx, models.SchedulerJob{
		Name:            "loop-job",
		TaskName:        "test.loop",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 3600,
		Enabled:         true,
	}); err != nil {
		t.Fatalf("save job: %v", err)
	}

	execID, err := s.RunNow(ctx, "loop-job")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}

	select {
	case id := <-started:
		if id != execID {
			t.Fatalf("handler saw execution %d, want %d", id, execID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	if err := s.CancelExecution(ctx, execID); err != nil {
		t.Fatalf("cancel execution: %v", err)
	}

	select {
	case err := <-finished:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("handler unwound with %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed the cancellation")
	}

	exec, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecFailed || exec.ErrorMessage != "Cancelled by operator" {
		t.Errorf("operator status overwritten: %s %q", exec.Status, exec.ErrorMessage)
	}
}

func TestPanickingTaskFailsExecutionOnly(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("test.panic", func(ctx context.Context, run *Run) error { panic("boom") })
	reg.Register("test.ok", func(ctx context.Context, run *Run) error { return nil })

	s := New(Config{Workers: 1}, st, reg, nil)
	s.pool.Start()
	defer s.pool.Stop(time.Second)

	ctx := context.Background()
	for _, j := range []models.SchedulerJob{
		{Name: "panic-job", TaskName: "test.panic", ScheduleType: models.ScheduleInterval, IntervalSeconds: 3600, Enabled: true},
		{Name: "ok-job", TaskName: "test.ok", ScheduleType: models.ScheduleInterval, IntervalSeconds: 3600, Enabled: true},
	} {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("save %s: %v", j.Name, err)
		}
	}

	panicID, err := s.RunNow(ctx, "panic-job")
	if err != nil {
		t.Fatalf("run panic-job: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		exec, err := st.GetExecution(ctx, panicID)
		return err == nil && exec.Status == models.ExecFailed
	})
	exec, _ := st.GetExecution(ctx, panicID)
	if !strings.Contains(exec.ErrorMessage, "task panicked") {
		t.Errorf("errorMessage = %q", exec.ErrorMessage)
	}

	// The single worker survived the panic.
	okID, err := s.RunNow(ctx, "ok-job")
	if err != nil {
		t.Fatalf("run ok-job: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		exec, err := st.GetExecution(ctx, okID)
		return err == nil && exec.Status == models.ExecSuccess
	})
}

func TestStaleExecutionsTimeOut(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stuckID, err := st.InsertExecution(ctx, "stuck-job", "t", "task-1", "system")
	if err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	doneID, err := st.InsertExecution(ctx, "done-job", "t", "task-2", "system")
	if err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	if err := st.CompleteExecution(ctx, doneID, models.ExecSuccess, "fine", "", time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	s := New(Config{StaleTimeout: time.Millisecond}, st, NewRegistry(), nil)
	// created_at has second resolution; wait for the cutoff to pass it.
	time.Sleep(1200 * time.Millisecond)
	s.sweepStale()

	stuck, err := st.GetExecution(ctx, stuckID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stuck.Status != models.ExecTimeout {
		t.Errorf("status = %s, want timeout", stuck.Status)
	}
	if stuck.ErrorMessage != "Execution timed out" {
		t.Errorf("errorMessage = %q", stuck.ErrorMessage)
	}
	if stuck.FinishedAt == nil {
		t.Error("finishedAt not set")
	}

	done, err := st.GetExecution(ctx, doneID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != models.ExecSuccess || done.Result != "fine" {
		t.Errorf("terminal row was touched: %s %q", done.Status, done.Result)
	}
}

func TestNextRunSchedules(t *testing.T) {
	s := New(Config{}, nil, NewRegistry(), nil)
	now := time.Date(2026, 6, 1, 10, 2, 30, 0, time.UTC)

	next := s.nextRun(models.SchedulerJob{
		Name: "interval", ScheduleType: models.ScheduleInterval, IntervalSeconds: 300,
	}, now)
	if next == nil || !next.Equal(now.Add(5*time.Minute)) {
		t.Errorf("interval next = %v", next)
	}

	next = s.nextRun(models.SchedulerJob{
		Name: "floor", ScheduleType: models.ScheduleInterval, IntervalSeconds: 1,
	}, now)
	if next == nil || !next.Equal(now.Add(5*time.Second)) {
		t.Errorf("sub-tick interval must floor to the tick cadence, got %v", next)
	}

	next = s.nextRun(models.SchedulerJob{
		Name: "cron", ScheduleType: models.ScheduleCron, CronExpression: "*/15 * * * *",
	}, now)
	want := time.Date(2026, 6, 1, 10, 15, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Errorf("cron next = %v, want %v", next, want)
	}

	next = s.nextRun(models.SchedulerJob{
		Name: "bad", ScheduleType: models.ScheduleCron, CronExpression: "not a cron",
	}, now)
	if next == nil || !next.Equal(now.Add(time.Hour)) {
		t.Errorf("invalid cron must back off an hour, got %v", next)
	}
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()

	var mu sync.Mutex
	var order []string
	reg.Register("test.record", func(ctx context.Context, run *Run) error {
		var cfg struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(run.Config, &cfg); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, cfg.Tag)
		mu.Unlock()
		return nil
	})
	reg.Register(TaskWorkflowRun, NewWorkflowHandler(reg))

	ctx := context.Background()
	id, err := st.InsertExecution(ctx, "wf", TaskWorkflowRun, "task-1", "test")
	if err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	run := &Run{
		ExecutionID: id,
		JobName:     "wf",
		TaskName:    TaskWorkflowRun,
		Config:      []byte(`{"steps":[{"name":"first","task":"test.record","config":{"tag":"a"}},{"name":"second","task":"test.record","config":{"tag":"b"}}]}`),
		store:       st,
	}

	if err := NewWorkflowHandler(reg)(ctx, run); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("step order = %v", order)
	}
	if run.result != "2 steps completed" {
		t.Errorf("result = %q", run.result)
	}

	exec, err := st.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Progress == nil || exec.Progress.Percent != 100 {
		t.Fatalf("progress = %+v", exec.Progress)
	}

	// Unknown tasks abort the workflow before any step runs.
	run2 := &Run{
		ExecutionID: id,
		Config:      []byte(`{"steps":[{"task":"nope"}]}`),
		store:       st,
	}
	if err := NewWorkflowHandler(reg)(ctx, run2); err == nil || !strings.Contains(err.Error(), "unknown task") {
		t.Errorf("err = %v, want unknown task", err)
	}
}

func TestWorkerCountReflectsPoolState(t *testing.T) {
	st := newTestStore(t)
	s := New(Config{Workers: 3}, st, NewRegistry(), nil)

	if _, err := s.pool.WorkerCount(); err == nil {
		t.Fatal("unstarted pool must report an error")
	}

	s.pool.Start()
	n, err := s.pool.WorkerCount()
	if err != nil || n != 3 {
		t.Fatalf("workerCount = %d, %v", n, err)
	}
	stats := s.pool.Stats()
	if stats.Workers != 3 {
		t.Errorf("stats.Workers = %d", stats.Workers)
	}

	s.pool.Stop(time.Second)
	if _, err := s.pool.WorkerCount(); err == nil {
		t.Fatal("stopped pool must report an error")
	}
	if err := s.pool.Dispatch(&Run{}); err == nil {
		t.Fatal("dispatch to stopped pool must fail")
	}
}
