package research

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelododaro/open-deep-research/internal/ctxutil"
	"github.com/angelododaro/open-deep-research/internal/model"
)

type recordingLauncher struct {
	launched []model.ResearchSession
}

func (l *recordingLauncher) Launch(s model.ResearchSession) bool {
	l.launched = append(l.launched, s)
	return true
}

func TestSubmitStartsRunningSession(t *testing.T) {
	e := newTestEnv(t)
	launcher := &recordingLauncher{}
	e.ctrl.launcher = launcher

	created, err := e.ctrl.Submit(context.Background(), "alice", model.CreateResearchRequest{Topic: "  tidal energy  "})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StatusRunning, created.Status)
	assert.Equal(t, "tidal energy", created.Topic)
	assert.Equal(t, 270, created.TimeLimitSeconds)
	assert.True(t, created.StartTime.Equal(t0))

	require.Len(t, launcher.launched, 1)
	assert.Equal(t, created.ID, launcher.launched[0].ID)
	assert.Equal(t, []string{"submit"}, e.auditOps(created.ID))
}

func TestSubmitBudget(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	created, err := e.ctrl.Submit(ctx, "alice", model.CreateResearchRequest{Topic: "x", TimeLimitSeconds: 600})
	require.NoError(t, err)
	assert.Equal(t, 600, created.TimeLimitSeconds)

	created, err = e.ctrl.Submit(ctx, "alice", model.CreateResearchRequest{Topic: "x", TimeLimitSeconds: 99999})
	require.NoError(t, err)
	assert.Equal(t, 3600, created.TimeLimitSeconds, "capped at the configured maximum")

	created, err = e.ctrl.Submit(ctx, "alice", model.CreateResearchRequest{Topic: "x", TimeLimitSeconds: 1 << 40})
	require.NoError(t, err)
	assert.Equal(t, 3600, created.TimeLimitSeconds, "huge budgets are capped, not wrapped")
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.ctrl.Submit(ctx, "", model.CreateResearchRequest{Topic: "x"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = e.ctrl.Submit(ctx, "alice", model.CreateResearchRequest{Topic: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.ctrl.Submit(ctx, "alice", model.CreateResearchRequest{Topic: strings.Repeat("q", model.MaxTopicLen+1)})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTerminateIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	_, err := e.worker.Tick(ctx, created.ID, "alice")
	require.NoError(t, err)
	before := e.get(t, created.ID)

	first, err := e.ctrl.Terminate(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusManuallyTerminated, first.Status)
	assert.True(t, first.Changed)
	assert.False(t, first.AlreadyTerminal)

	afterFirst := e.get(t, created.ID)

	second, err := e.ctrl.Terminate(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusManuallyTerminated, second.Status)
	assert.False(t, second.Changed)
	assert.True(t, second.AlreadyTerminal)

	afterSecond := e.get(t, created.ID)
	assert.Equal(t, afterFirst, afterSecond, "second terminate changes nothing")
	assert.True(t, before.StartTime.Equal(afterSecond.StartTime))
	assert.Equal(t, before.Topic, afterSecond.Topic)
	assert.Equal(t, before.CompletedSteps, afterSecond.CompletedSteps)
	assert.Equal(t, before.CurrentDepth, afterSecond.CurrentDepth)

	assert.Equal(t, []string{"submit", "terminate"}, e.auditOps(created.ID), "one terminate transition")
}

func TestTerminateFinishedSessionIsNoop(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	e.clock.Set(270 * time.Second)
	res, err := e.worker.Tick(ctx, created.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.StatusTimedOut, res.Session.Status)

	cmd, err := e.ctrl.Terminate(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, cmd.Status)
	assert.True(t, cmd.AlreadyTerminal)
	assert.Equal(t, model.StatusTimedOut, e.get(t, created.ID).Status)
}

func TestExtendTimeoutRegistersSignalOnly(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	cmd, err := e.ctrl.ExtendTimeout(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.True(t, cmd.Changed)
	assert.Equal(t, model.StatusRunning, cmd.Status)

	pending, err := e.registry.Pending(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, 270, e.get(t, created.ID).TimeLimitSeconds, "the controller never changes the budget")
	assert.Equal(t, []string{"submit", "extend_timeout"}, e.auditOps(created.ID))
}

func TestExtendTimeoutOnTerminalSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")
	_, err := e.ctrl.Terminate(ctx, created.ID, "alice")
	require.NoError(t, err)

	cmd, err := e.ctrl.ExtendTimeout(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.True(t, cmd.AlreadyTerminal)
	assert.False(t, cmd.Changed)

	pending, err := e.registry.Pending(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, pending)
}

// A caller who does not own a session gets exactly the error they would get
// for an id that does not exist.
func TestOwnershipIsolation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	for _, id := range []string{created.ID, "00000000-0000-0000-0000-000000000000"} {
		_, err := e.ctrl.Terminate(ctx, id, "bob")
		assert.Equal(t, ErrNotFoundOrForbidden, err)

		_, err = e.ctrl.ExtendTimeout(ctx, id, "bob")
		assert.Equal(t, ErrNotFoundOrForbidden, err)

		_, err = e.ctrl.GetStatus(ctx, id, "bob")
		assert.Equal(t, ErrNotFoundOrForbidden, err)
	}

	// Scenario D: the owner's session is untouched.
	rs := e.get(t, created.ID)
	assert.Equal(t, model.StatusRunning, rs.Status)
	pending, err := e.registry.Pending(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, []string{"submit"}, e.auditOps(created.ID))
}

func TestCommandsRequireCaller(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	_, err := e.ctrl.Terminate(ctx, created.ID, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = e.ctrl.ExtendTimeout(ctx, created.ID, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = e.ctrl.GetStatus(ctx, created.ID, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = e.ctrl.List(ctx, "", 10)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = e.ctrl.Apply(ctx, created.ID, "", "pause")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestApplyDispatch(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	_, err := e.ctrl.Apply(ctx, created.ID, "alice", "pause")
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = e.ctrl.Apply(ctx, "", "alice", model.ActionTerminate)
	assert.ErrorIs(t, err, ErrInvalidInput)

	res, err := e.ctrl.Apply(ctx, created.ID, "alice", model.ActionExtendTimeout)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = e.ctrl.Apply(ctx, created.ID, "alice", model.ActionTerminate)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManuallyTerminated, res.Status)
}

func TestGetStatusProjection(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	created := e.submit(t, "alice")

	for range 3 {
		_, err := e.worker.Tick(ctx, created.ID, "alice")
		require.NoError(t, err)
	}

	view, err := e.ctrl.GetStatus(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, view.ID)
	assert.Equal(t, model.StatusRunning, view.Status)
	assert.Equal(t, "perovskite solar cells", view.Topic)
	assert.Equal(t, model.Progress{CurrentDepth: 2, CompletedSteps: 3, TotalSteps: 10}, view.Progress)
	assert.True(t, view.StartTime.Equal(t0))
}

func TestListReturnsOnlyCallersSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a1 := e.submit(t, "alice")
	a2 := e.submit(t, "alice")
	e.submit(t, "bob")

	views, err := e.ctrl.List(ctx, "alice", 10)
	require.NoError(t, err)
	ids := []string{}
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, ids)
}

func TestAuditCarriesRequestMetadata(t *testing.T) {
	e := newTestEnv(t)
	ctx := ctxutil.WithAuditMeta(context.Background(), ctxutil.AuditMeta{
		RequestID:  "req-42",
		HTTPMethod: "POST",
		Endpoint:   "/research",
	})
	created := e.submit(t, "alice")

	_, err := e.ctrl.Terminate(ctx, created.ID, "alice")
	require.NoError(t, err)

	var found bool
	for _, a := range e.backend.MutationAudit() {
		if a.ResourceID == created.ID && a.Operation == "terminate" {
			found = true
			assert.Equal(t, "req-42", a.RequestID)
			assert.Equal(t, "POST", a.HTTPMethod)
			assert.Equal(t, "/research", a.Endpoint)
			assert.Equal(t, "alice", a.ActorUserID)
			assert.Equal(t, "research_session", a.ResourceType)
		}
	}
	assert.True(t, found)
}
