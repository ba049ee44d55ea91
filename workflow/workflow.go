// Package workflow defines the abstract contract for the durable workflow
// collaborator. Core code depends on Engine only, never on a concrete
// backend.
package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Recv when no value arrives in time.
	ErrTimeout = errors.New("timed out")

	// ErrNotFinished is returned by Handle.Result while the workflow
	// is still in flight.
	ErrNotFinished = errors.New("workflow not finished")

	// ErrUnknownWorkflow is returned when a handle references no known
	// workflow run.
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// Status of a workflow run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// Fn is a durable, resumable unit of work. Externally visible side
// effects belong into rt.Step calls so that a crashed and resumed run
// never repeats them.
type Fn func(ctx context.Context, rt Runtime, args map[string]any) (any, error)

// Runtime is the capability set available inside a running workflow.
type Runtime interface {
	// Step executes fn as a checkpointed sub-step. On resume after a
	// crash a step that already completed returns its recorded result
	// without re-executing, giving exactly-once semantics per run.
	Step(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error)

	// Sleep suspends the workflow durably.
	Sleep(ctx context.Context, d time.Duration) error

	// Send delivers value to topic of the target workflow run.
	Send(ctx context.Context, target, topic string, value any) error

	// Recv waits for a value on topic. Returns ErrTimeout when timeout
	// expires first.
	Recv(ctx context.Context, topic string, timeout time.Duration) (any, error)
}

// Handle references a started workflow run.
type Handle interface {
	// ID returns the unique run identity.
	ID() string

	// Status returns the run's current status.
	Status(ctx context.Context) (Status, error)

	// Result blocks until the run finished and returns its result.
	Result(ctx context.Context) (any, error)
}

// Engine starts and runs durable workflows.
type Engine interface {
	// Start begins fn as a durable background run and returns immediately.
	Start(ctx context.Context, name string, fn Fn, args map[string]any) (Handle, error)

	// Run executes fn durably and blocks until it finished.
	Run(ctx context.Context, name string, fn Fn, args map[string]any) (any, error)

	// Queue enqueues fn under a named concurrency-controlled lane.
	Queue(ctx context.Context, lane, name string, fn Fn, args map[string]any) (Handle, error)
}
