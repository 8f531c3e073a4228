package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

// ErrCancelled reports that an operator flipped the execution to a terminal
// state while the handler was still running. Handlers see it at their next
// progress tick and unwind.
var ErrCancelled = errors.New("execution cancelled")

// HandlerFunc executes one dispatched task. Progress and the result summary
// go through the run handle.
type HandlerFunc func(ctx context.Context, run *Run) error

// Registry maps task names to handlers. Registration happens during wiring,
// before the pool starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register installs a handler under the given task name, replacing any
// previous one.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler for a task name, or nil.
func (r *Registry) Get(name string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names lists the registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Run is the handle a handler works through while its execution runs. Each
// progress call is one tick: it checks for operator cancellation, then writes
// the blob back. The worker goroutine is the only writer; a lost intermediate
// tick is acceptable.
type Run struct {
	ExecutionID int64
	JobName     string
	TaskName    string
	TaskID      string
	Config      json.RawMessage

	store    *store.Store
	progress models.Progress
	result   string
}

// StartStep appends a running progress step and flushes.
func (r *Run) StartStep(ctx context.Context, name string) error {
	r.progress.StartStep(name, time.Now())
	return r.flush(ctx)
}

// FinishStep closes the newest step with the given name and flushes.
func (r *Run) FinishStep(ctx context.Context, name string, st models.StepStatus, msg string) error {
	r.progress.FinishStep(name, st, msg, time.Now())
	return r.flush(ctx)
}

// SetPercent updates overall completion and flushes.
func (r *Run) SetPercent(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	r.progress.Percent = pct
	return r.flush(ctx)
}

// SetResult records the summary stored when the execution completes.
func (r *Run) SetResult(result string) {
	r.result = result
}

func (r *Run) flush(ctx context.Context) error {
	status, err := r.store.ExecutionStatus(ctx, r.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to check execution status: %w", err)
	}
	if status.Terminal() {
		return ErrCancelled
	}
	if err := r.store.UpdateExecutionProgress(ctx, r.ExecutionID, &r.progress); err != nil {
		return err
	}
	return nil
}

// Broadcaster publishes execution lifecycle events to live observers. Nil
// disables publishing.
type Broadcaster interface {
	BroadcastExecutionStarted(exec *models.Execution)
	BroadcastExecutionFinished(exec *models.Execution)
}

// Pool executes dispatched runs on a fixed set of workers. Tasks queue on a
// bounded channel; Dispatch blocks when the pool is saturated so the tick
// loop naturally throttles.
type Pool struct {
	store       *store.Store
	registry    *Registry
	metrics     *metrics.Metrics
	broadcaster Broadcaster

	workers     int
	taskTimeout time.Duration
	tasks       chan *Run

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	active   atomic.Int32
	started  atomic.Bool
	stopOnce sync.Once
}

func newPool(st *store.Store, registry *Registry, broadcaster Broadcaster, workers, queueSize int, taskTimeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:       st,
		registry:    registry,
		metrics:     metrics.Get(),
		broadcaster: broadcaster,
		workers:     workers,
		taskTimeout: taskTimeout,
		tasks:       make(chan *Run, queueSize),
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Start spawns the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.started.Store(true)
	p.metrics.SetWorkerCount(p.workers)
	log.Info().Int("workers", p.workers).Strs("tasks", p.registry.Names()).Msg("Worker pool started")
}

// Stop drains queued work and waits for in-flight tasks up to the grace
// period, then abandons them.
func (p *Pool) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		// Taking the write lock waits out any dispatch already in flight, so
		// nothing can send on the channel once it closes.
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Info().Msg("Worker pool drained")
		case <-time.After(grace):
			log.Warn().Dur("grace", grace).Msg("Worker pool drain timed out, abandoning in-flight tasks")
		}
		p.cancel()
		p.started.Store(false)
		p.metrics.SetWorkerCount(0)
	})
}

// Dispatch queues a run for execution, blocking while the pool is saturated.
// Dispatching after Stop returns an error.
func (p *Pool) Dispatch(run *Run) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("worker pool stopped")
	}
	p.tasks <- run
	p.metrics.SetSchedulerQueueDepth(len(p.tasks))
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	name := fmt.Sprintf("worker-%d", id)
	for run := range p.tasks {
		p.metrics.SetSchedulerQueueDepth(len(p.tasks))
		p.execute(name, run)
	}
}

func (p *Pool) execute(worker string, run *Run) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.taskTimeout)
	defer cancel()

	claimed, err := p.store.MarkExecutionStarted(ctx, run.ExecutionID, worker, time.Now())
	if err != nil {
		log.Error().Err(err).Int64("executionId", run.ExecutionID).Msg("Failed to claim execution")
		return
	}
	if !claimed {
		// Cancelled, or timed out by the janitor, before a worker got to it.
		log.Debug().Int64("executionId", run.ExecutionID).Msg("Execution no longer queued, skipping")
		return
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	log.Debug().
		Str("worker", worker).
		Str("job", run.JobName).
		Str("task", run.TaskName).
		Int64("executionId", run.ExecutionID).
		Msg("Execution started")
	p.broadcastStarted(ctx, run.ExecutionID)

	p.finish(run, p.invoke(ctx, run))
}

// invoke runs the handler with panic containment. A panicking task fails its
// execution; the worker lives on.
func (p *Pool) invoke(ctx context.Context, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			log.Error().
				Str("task", run.TaskName).
				Int64("executionId", run.ExecutionID).
				Interface("panic", r).
				Msg("Task handler panicked")
		}
	}()

	handler := p.registry.Get(run.TaskName)
	if handler == nil {
		return fmt.Errorf("no handler registered for task %q", run.TaskName)
	}
	return handler(ctx, run)
}

func (p *Pool) finish(run *Run, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case errors.Is(execErr, ErrCancelled):
		// The row is already terminal; leave the operator's status in place.
		p.metrics.RecordExecution("cancelled")
		log.Info().Int64("executionId", run.ExecutionID).Msg("Execution cancelled by operator")
	case execErr != nil:
		if err := p.store.CompleteExecution(ctx, run.ExecutionID, models.ExecFailed, "", execErr.Error(), time.Now()); err != nil {
			log.Error().Err(err).Int64("executionId", run.ExecutionID).Msg("Failed to record execution failure")
		}
		p.metrics.RecordExecution("failed")
		log.Error().
			Err(execErr).
			Str("job", run.JobName).
			Int64("executionId", run.ExecutionID).
			Msg("Execution failed")
	default:
		if err := p.store.CompleteExecution(ctx, run.ExecutionID, models.ExecSuccess, run.result, "", time.Now()); err != nil {
			log.Error().Err(err).Int64("executionId", run.ExecutionID).Msg("Failed to record execution success")
		}
		p.metrics.RecordExecution("success")
		log.Info().
			Str("job", run.JobName).
			Int64("executionId", run.ExecutionID).
			Msg("Execution finished")
	}

	p.broadcastFinished(ctx, run.ExecutionID)
}

func (p *Pool) broadcastStarted(ctx context.Context, execID int64) {
	if p.broadcaster == nil {
		return
	}
	exec, err := p.store.GetExecution(ctx, execID)
	if err != nil {
		return
	}
	p.broadcaster.BroadcastExecutionStarted(exec)
}

func (p *Pool) broadcastFinished(ctx context.Context, execID int64) {
	if p.broadcaster == nil {
		return
	}
	exec, err := p.store.GetExecution(ctx, execID)
	if err != nil {
		return
	}
	p.broadcaster.BroadcastExecutionFinished(exec)
}

// Stats is a point-in-time snapshot of the pool and system memory.
type Stats struct {
	Workers       int     `json:"workers"`
	Active        int     `json:"active"`
	QueueDepth    int     `json:"queueDepth"`
	MemoryUsedGB  float64 `json:"memoryUsedGb"`
	MemoryTotalGB float64 `json:"memoryTotalGb"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// Stats reports worker occupancy, queue depth, and system memory.
func (p *Pool) Stats() Stats {
	st := Stats{
		Workers:    p.workers,
		Active:     int(p.active.Load()),
		QueueDepth: len(p.tasks),
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		st.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		st.MemoryUsedGB = float64(vm.Used) / 1024 / 1024 / 1024
		st.MemoryPercent = vm.UsedPercent
	}
	return st
}

// WorkerCount reports live workers for health rules. An error means the pool
// is not running and must be read as zero workers.
func (p *Pool) WorkerCount() (int, error) {
	if !p.started.Load() {
		return 0, fmt.Errorf("worker pool not running")
	}
	return p.workers, nil
}
