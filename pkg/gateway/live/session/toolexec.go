package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) terminal() bool { return s == JobCompleted || s == JobFailed }

var (
	errToolQueueFull = errors.New("tool queue full")
	errToolAbandoned = errors.New("tool job abandoned at session close")
	errExecutorDone  = errors.New("tool executor closed")
)

// ToolJob is one model-requested tool call and its outcome.
type ToolJob struct {
	CallID     string
	Name       string
	Arguments  json.RawMessage
	Generation uint64

	State    JobState
	Content  string
	EndCall  bool
	Err      error
	Started  time.Time
	Finished time.Time
}

// ToolRunner executes one call. *tools.Registry satisfies it.
type ToolRunner interface {
	Execute(ctx context.Context, call types.ToolCall, scope tools.Scope) (string, tools.Result, error)
}

// ToolExecutor runs a session's tool jobs one at a time, in submission order.
// Finished jobs are delivered on Results.
type ToolExecutor struct {
	runner  ToolRunner
	scope   tools.Scope
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	queue   chan *ToolJob
	results chan ToolJob
	done    chan struct{}

	mu     sync.Mutex
	jobs   []*ToolJob
	closed bool
}

func NewToolExecutor(runner ToolRunner, scope tools.Scope, queueSize int, timeout time.Duration, now func() time.Time, logger *slog.Logger, m *metrics.Metrics) *ToolExecutor {
	if queueSize <= 0 {
		queueSize = 16
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ToolExecutor{
		runner:  runner,
		scope:   scope,
		timeout: timeout,
		now:     now,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *ToolJob, queueSize),
		// one slot per queued job plus the running one, so the worker never blocks
		results: make(chan ToolJob, queueSize+1),
		done:    make(chan struct{}),
	}
}

// Results delivers each job once it is Completed or Failed.
func (e *ToolExecutor) Results() <-chan ToolJob { return e.results }

// Submit queues call without blocking. A job that cannot be queued fails at once
// and is still delivered on Results.
func (e *ToolExecutor) Submit(generation uint64, call types.ToolCall) {
	job := &ToolJob{
		CallID:     call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
		Generation: generation,
		State:      JobQueued,
	}

	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	if e.closed {
		e.failLocked(job, errExecutorDone)
		e.mu.Unlock()
		return
	}
	select {
	case e.queue <- job:
		e.mu.Unlock()
	default:
		e.failLocked(job, errToolQueueFull)
		e.mu.Unlock()
		e.deliver(*job)
	}
}

// Run executes queued jobs until Close.
func (e *ToolExecutor) Run() {
	defer close(e.done)
	for job := range e.queue {
		e.run(job)
	}
}

func (e *ToolExecutor) run(job *ToolJob) {
	e.mu.Lock()
	if job.State.terminal() {
		e.mu.Unlock()
		return
	}
	if e.ctx.Err() != nil {
		e.failLocked(job, errToolAbandoned)
		e.mu.Unlock()
		return
	}
	job.State = JobRunning
	job.Started = e.now()
	call := types.ToolCall{ID: job.CallID, Name: job.Name, Arguments: job.Arguments}
	e.mu.Unlock()

	ctx := e.ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	content, res, err := e.execute(ctx, call)

	e.mu.Lock()
	if job.State.terminal() {
		// abandoned while running
		e.mu.Unlock()
		return
	}
	job.Finished = e.now()
	if err != nil {
		job.State = JobFailed
		job.Err = err
		job.Content = tools.ErrorContent(job.Name, err)
	} else {
		job.State = JobCompleted
		job.Content = content
		job.EndCall = res.EndCall
	}
	snapshot := *job
	e.mu.Unlock()

	e.metrics.ToolJob(job.Name, string(snapshot.State), snapshot.Finished.Sub(snapshot.Started))
	if err != nil {
		e.logger.Warn("tool job failed", "tool", job.Name, "call_id", job.CallID, "error", err)
	} else {
		e.logger.Info("tool job completed", "tool", job.Name, "call_id", job.CallID, "duration", snapshot.Finished.Sub(snapshot.Started))
	}
	e.deliver(snapshot)
}

func (e *ToolExecutor) execute(ctx context.Context, call types.ToolCall) (content string, res tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tools.ToolError{Tool: call.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e.runner == nil {
		return "", tools.Result{}, &tools.ValidationError{Tool: call.Name, Reason: "unknown tool"}
	}
	return e.runner.Execute(ctx, call, e.scope)
}

func (e *ToolExecutor) deliver(job ToolJob) {
	select {
	case e.results <- job:
	default:
		e.logger.Warn("tool result dropped, results buffer full", "tool", job.Name, "call_id", job.CallID)
	}
}

// failLocked marks job Failed. e.mu must be held.
func (e *ToolExecutor) failLocked(job *ToolJob, err error) {
	job.State = JobFailed
	job.Err = err
	job.Content = tools.ErrorContent(job.Name, err)
	job.Finished = e.now()
}

// Close stops accepting jobs and lets queued ones finish for up to grace.
// Jobs still queued or running after that are abandoned and marked Failed.
func (e *ToolExecutor) Close(grace time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-e.done:
			e.cancel()
			return
		case <-t.C:
		}
	}

	e.cancel()
	e.mu.Lock()
	abandoned := 0
	for _, job := range e.jobs {
		if !job.State.terminal() {
			e.failLocked(job, errToolAbandoned)
			abandoned++
		}
	}
	e.mu.Unlock()
	if abandoned > 0 {
		e.logger.Info("abandoned tool jobs at close", "count", abandoned)
	}
}

// Jobs returns a copy of every job submitted so far.
func (e *ToolExecutor) Jobs() []ToolJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ToolJob, len(e.jobs))
	for i, j := range e.jobs {
		out[i] = *j
	}
	return out
}
