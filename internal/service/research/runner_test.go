package research

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/testutil"
)

func TestRunnerDrivesToCompletion(t *testing.T) {
	e := newTestEnv(t)
	e.stepper.steps = 3
	runner := NewRunner(context.Background(), e.worker, testutil.TestLogger())
	e.ctrl.launcher = runner

	created := e.submit(t, "alice")

	require.Eventually(t, func() bool {
		return e.get(t, created.ID).Status == model.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return runner.Count() == 0 }, time.Second, time.Millisecond)

	runner.Stop()
	require.NoError(t, runner.Wait())
}

func TestRunnerDeduplicatesAndStops(t *testing.T) {
	e := newTestEnv(t)
	e.stepper.started = make(chan struct{}, 16)
	e.stepper.gate = make(chan struct{})
	runner := NewRunner(context.Background(), e.worker, testutil.TestLogger())

	created := e.submit(t, "alice")
	rs := e.get(t, created.ID)

	assert.True(t, runner.Launch(rs))
	assert.False(t, runner.Launch(rs), "one worker per session")
	assert.True(t, runner.Active(rs.ID))
	assert.Equal(t, 1, runner.Count())

	<-e.stepper.started
	runner.Stop()
	require.NoError(t, runner.Wait())

	assert.False(t, runner.Active(rs.ID))
	assert.False(t, runner.Launch(rs), "no launches after Stop")
	assert.Equal(t, model.StatusRunning, e.get(t, rs.ID).Status)
}
