package job_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chainstream/internal/job"
)

// fakeDriver records lifecycle calls in order.
type fakeDriver struct {
	runErr      error
	prepareErr  error
	cancelOnRun context.CancelFunc

	calls []string
}

func (d *fakeDriver) Run(ctx context.Context) error {
	d.calls = append(d.calls, "run")
	if d.cancelOnRun != nil {
		d.cancelOnRun()
	}
	return d.runErr
}

func (d *fakeDriver) Prepare() error {
	d.calls = append(d.calls, "prepare")
	return d.prepareErr
}

func (d *fakeDriver) Clean() {
	d.calls = append(d.calls, "clean")
}

func TestRun_SuccessPreparesThenCleans(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}

	res := job.Run(context.Background(), d)
	require.NoError(t, res.Err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, []string{"run", "prepare", "clean"}, d.calls)
}

func TestRun_ErrorSkipsPrepare(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{runErr: errors.New("copy failed")}

	res := job.Run(context.Background(), d)
	require.Error(t, res.Err)
	assert.Equal(t, []string{"run", "clean"}, d.calls)
}

func TestRun_CancellationSkipsPrepare(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	// The driver observes cancellation mid-run and returns nil, matching
	// the copy loop's clean-stop behavior.
	d := &fakeDriver{cancelOnRun: cancel}

	res := job.Run(ctx, d)
	require.NoError(t, res.Err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"run", "clean"}, d.calls)
}

func TestRun_PrepareFailureSurfaces(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{prepareErr: errors.New("backing rewrite failed")}

	res := job.Run(context.Background(), d)
	require.ErrorContains(t, res.Err, "backing rewrite failed")
	assert.Equal(t, []string{"run", "prepare", "clean"}, d.calls)
}

func TestJob_StatusTransitions(t *testing.T) {
	t.Parallel()

	t.Run("done", func(t *testing.T) {
		t.Parallel()
		j := job.New("j1", &fakeDriver{})
		assert.Equal(t, job.StatusCreated, j.Status())

		j.Start(context.Background())
		res := j.Wait()
		require.NoError(t, res.Err)
		assert.Equal(t, job.StatusDone, j.Status())
	})

	t.Run("failed", func(t *testing.T) {
		t.Parallel()
		j := job.New("j2", &fakeDriver{runErr: errors.New("boom")})
		j.Start(context.Background())
		res := j.Wait()
		require.Error(t, res.Err)
		assert.Equal(t, job.StatusFailed, j.Status())
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		j := job.New("j3", &fakeDriver{cancelOnRun: cancel})
		j.Start(ctx)
		res := j.Wait()
		require.NoError(t, res.Err)
		assert.True(t, res.Cancelled)
		assert.Equal(t, job.StatusCancelled, j.Status())
	})
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "running", job.StatusRunning.String())
	assert.Equal(t, "finalizing", job.StatusFinalizing.String())
	assert.Equal(t, "unknown", job.Status(42).String())
}
