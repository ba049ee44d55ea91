// Package inproc provides an in-memory workflow.Engine adapter.
// Runs live for the lifetime of the process: steps are checkpointed so a
// retried run never repeats a completed step, topic mailboxes back
// Send/Recv and named queue lanes bound concurrency. It is intended for
// single-process deployments and tests, not for crash durability.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provenant/provenant/workflow"
	"golang.org/x/sync/semaphore"
)

const mailboxBuffer = 16

// Engine is an in-memory workflow engine.
type Engine struct {
	log     *slog.Logger
	laneCap int64

	lock  sync.Mutex
	runs  map[string]*run
	lanes map[string]*semaphore.Weighted
}

var _ workflow.Engine = new(Engine)

// New creates an engine bounding every queue lane to laneConcurrency
// concurrent runs.
func New(log *slog.Logger, laneConcurrency int64) *Engine {
	if laneConcurrency < 1 {
		laneConcurrency = 1
	}
	return &Engine{
		log:     log,
		laneCap: laneConcurrency,
		runs:    map[string]*run{},
		lanes:   map[string]*semaphore.Weighted{},
	}
}

type run struct {
	id, name string
	done     chan struct{}

	lock      sync.Mutex
	status    workflow.Status
	result    any
	err       error
	steps     map[string]stepResult
	mailboxes map[string]chan any
}

type stepResult struct {
	value any
	err   error
}

var _ workflow.Handle = new(run)

func (r *run) ID() string { return r.id }

func (r *run) Status(ctx context.Context) (workflow.Status, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.status, nil
}

func (r *run) Result(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func (r *run) mailbox(topic string) chan any {
	r.lock.Lock()
	defer r.lock.Unlock()
	mb, ok := r.mailboxes[topic]
	if !ok {
		mb = make(chan any, mailboxBuffer)
		r.mailboxes[topic] = mb
	}
	return mb
}

func (e *Engine) newRun(name string) *run {
	r := &run{
		id:        uuid.NewString(),
		name:      name,
		done:      make(chan struct{}),
		status:    workflow.StatusPending,
		steps:     map[string]stepResult{},
		mailboxes: map[string]chan any{},
	}
	e.lock.Lock()
	e.runs[r.id] = r
	e.lock.Unlock()
	return r
}

func (e *Engine) runByID(id string) (*run, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

func (e *Engine) lane(name string) *semaphore.Weighted {
	e.lock.Lock()
	defer e.lock.Unlock()
	l, ok := e.lanes[name]
	if !ok {
		l = semaphore.NewWeighted(e.laneCap)
		e.lanes[name] = l
	}
	return l
}

// Start begins fn as a background run and returns its handle immediately.
func (e *Engine) Start(
	ctx context.Context, name string, fn workflow.Fn, args map[string]any,
) (workflow.Handle, error) {
	r := e.newRun(name)
	go e.execute(context.WithoutCancel(ctx), r, fn, args)
	return r, nil
}

// Run executes fn and blocks until it finished.
func (e *Engine) Run(
	ctx context.Context, name string, fn workflow.Fn, args map[string]any,
) (any, error) {
	r := e.newRun(name)
	e.execute(ctx, r, fn, args)
	return r.Result(ctx)
}

// Queue enqueues fn under a named concurrency-controlled lane.
func (e *Engine) Queue(
	ctx context.Context, lane, name string, fn workflow.Fn, args map[string]any,
) (workflow.Handle, error) {
	r := e.newRun(name)
	sem := e.lane(lane)
	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := sem.Acquire(ctx, 1); err != nil {
			e.finish(r, nil, fmt.Errorf("acquiring lane %q: %w", lane, err))
			return
		}
		defer sem.Release(1)
		e.execute(ctx, r, fn, args)
	}()
	return r, nil
}

func (e *Engine) execute(
	ctx context.Context, r *run, fn workflow.Fn, args map[string]any,
) {
	r.lock.Lock()
	r.status = workflow.StatusRunning
	r.lock.Unlock()

	defer func() {
		if p := recover(); p != nil {
			e.finish(r, nil, fmt.Errorf("workflow %q panicked: %v", r.name, p))
		}
	}()

	result, err := fn(ctx, &runtime{engine: e, run: r}, args)
	e.finish(r, result, err)
}

func (e *Engine) finish(r *run, result any, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.status == workflow.StatusSuccess || r.status == workflow.StatusError {
		return
	}
	r.result, r.err = result, err
	if err != nil {
		r.status = workflow.StatusError
		e.log.Error("workflow failed",
			slog.String("workflow", r.name),
			slog.String("workflow.id", r.id),
			slog.Any("err", err))
	} else {
		r.status = workflow.StatusSuccess
	}
	close(r.done)
}

type runtime struct {
	engine *Engine
	run    *run
}

var _ workflow.Runtime = new(runtime)

// Step executes fn once per run. A step that already recorded a result,
// during this execution or a previous retry of the same run, returns the
// recorded result without re-executing.
func (rt *runtime) Step(
	ctx context.Context, name string, fn func(context.Context) (any, error),
) (any, error) {
	rt.run.lock.Lock()
	if res, ok := rt.run.steps[name]; ok {
		rt.run.lock.Unlock()
		return res.value, res.err
	}
	rt.run.lock.Unlock()

	value, err := fn(ctx)

	rt.run.lock.Lock()
	rt.run.steps[name] = stepResult{value: value, err: err}
	rt.run.lock.Unlock()
	return value, err
}

func (rt *runtime) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (rt *runtime) Send(
	ctx context.Context, target, topic string, value any,
) error {
	r, ok := rt.engine.runByID(target)
	if !ok {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownWorkflow, target)
	}
	select {
	case r.mailbox(topic) <- value:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *runtime) Recv(
	ctx context.Context, topic string, timeout time.Duration,
) (any, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-rt.run.mailbox(topic):
		return v, nil
	case <-t.C:
		return nil, fmt.Errorf("%w: receiving on %q", workflow.ErrTimeout, topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
