// Package job maps the generic background-job lifecycle onto a stream
// session: run drives the copy loop, prepare collapses the chain on
// error-free completion only, and clean always runs.
package job

import (
	"context"
	"sync/atomic"
)

// Driver is the callback surface a job executes. stream.Session satisfies it.
type Driver interface {
	Run(ctx context.Context) error
	Prepare() error
	Clean()
}

// Status is the job's coarse lifecycle state.
type Status int32

const (
	StatusCreated Status = iota
	StatusRunning
	StatusFinalizing
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusFinalizing:
		return "finalizing"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the job outcome. Cancelled is not an error: a partial stream is
// a valid, resumable state and the chain is left untouched.
type Result struct {
	Err       error
	Cancelled bool
}

// Run executes the driver's lifecycle synchronously: run, then prepare
// (only on full, error-free completion), then clean unconditionally.
func Run(ctx context.Context, d Driver) Result {
	err := d.Run(ctx)
	cancelled := ctx.Err() != nil

	if err == nil && !cancelled {
		err = d.Prepare()
	}
	d.Clean()
	return Result{Err: err, Cancelled: cancelled}
}

// Job wraps a driver with observable status for presenters.
type Job struct {
	id     string
	d      Driver
	status atomic.Int32
	result Result
	done   chan struct{}
}

// New creates a job in the created state.
func New(id string, d Driver) *Job {
	return &Job{id: id, d: d, done: make(chan struct{})}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Status returns the current lifecycle state.
func (j *Job) Status() Status { return Status(j.status.Load()) }

// Start runs the lifecycle in a goroutine; Wait blocks for the result.
func (j *Job) Start(ctx context.Context) {
	go func() {
		defer close(j.done)
		j.status.Store(int32(StatusRunning))

		err := j.d.Run(ctx)
		cancelled := ctx.Err() != nil

		if err == nil && !cancelled {
			j.status.Store(int32(StatusFinalizing))
			err = j.d.Prepare()
		}
		j.d.Clean()

		j.result = Result{Err: err, Cancelled: cancelled}
		switch {
		case err != nil:
			j.status.Store(int32(StatusFailed))
		case cancelled:
			j.status.Store(int32(StatusCancelled))
		default:
			j.status.Store(int32(StatusDone))
		}
	}()
}

// Wait blocks until the job finishes and returns its result.
func (j *Job) Wait() Result {
	<-j.done
	return j.result
}
