package deepresearch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelododaro/open-deep-research/internal/config"
	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/ratelimit"
	"github.com/angelododaro/open-deep-research/internal/service/research"
)

type countingStepper struct {
	steps int

	mu        sync.Mutex
	seen      []Session
	finalized []Session
}

func (c *countingStepper) Step(_ context.Context, s Session) (StepOutcome, error) {
	c.mu.Lock()
	c.seen = append(c.seen, s)
	c.mu.Unlock()
	done := s.CompletedSteps + 1
	return StepOutcome{
		CurrentDepth:       1,
		CompletedSteps:     done,
		TotalExpectedSteps: c.steps,
		Done:               done >= c.steps,
	}, nil
}

func (c *countingStepper) Finalize(_ context.Context, s Session) error {
	c.mu.Lock()
	c.finalized = append(c.finalized, s)
	c.mu.Unlock()
	return nil
}

func (c *countingStepper) finalizedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finalized)
}

type plainStepper struct{}

func (plainStepper) Step(context.Context, Session) (StepOutcome, error) {
	return StepOutcome{}, errors.New("engine unavailable")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// isolateEnv points the App at in-process backends regardless of the
// developer's environment.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "DEEPRESEARCH_SQLITE_PATH", "REDIS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"DEEPRESEARCH_JWT_PRIVATE_KEY", "DEEPRESEARCH_JWT_PUBLIC_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("DEEPRESEARCH_WORKER_POLL_INTERVAL", "10ms")
}

func TestStepperAdapterConvertsBothWays(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rs := model.ResearchSession{
		ID:               "r1",
		UserID:           "u1",
		Topic:            "tidal power",
		Status:           model.StatusRunning,
		StartTime:        start,
		TimeLimitSeconds: 270,
		CompletedSteps:   2,
	}

	cs := &countingStepper{steps: 3}
	adapted := newStepperAdapter(cs)
	_, ok := adapted.(research.Finalizer)
	require.True(t, ok, "a Finalizer must stay visible through the adapter")

	out, err := adapted.Step(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, research.StepOutcome{CurrentDepth: 1, CompletedSteps: 3, TotalExpectedSteps: 3, Done: true}, out)

	require.Len(t, cs.seen, 1)
	got := cs.seen[0]
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 2, got.CompletedSteps)
	assert.Equal(t, 70*time.Second, got.Remaining(start.Add(200*time.Second)))

	require.NoError(t, adapted.(research.Finalizer).Finalize(context.Background(), rs))
	assert.Equal(t, 1, cs.finalizedCount())
}

func TestStepperAdapterWithoutFinalizer(t *testing.T) {
	adapted := newStepperAdapter(plainStepper{})
	_, ok := adapted.(research.Finalizer)
	assert.False(t, ok)

	_, err := adapted.Step(context.Background(), model.ResearchSession{ID: "r1"})
	require.Error(t, err)
}

func TestStatusIsTerminalMatchesModel(t *testing.T) {
	for _, s := range []model.Status{
		model.StatusPending, model.StatusRunning, model.StatusManuallyTerminated,
		model.StatusTimedOut, model.StatusCompleted, model.StatusFailed,
	} {
		assert.Equal(t, s.IsTerminal(), Status(s).IsTerminal(), s)
	}
}

func TestAppDrivesSessionWithInjectedStepper(t *testing.T) {
	isolateEnv(t)
	cs := &countingStepper{steps: 2}

	app, err := New(WithStepper(cs), WithLogger(quietLogger()), WithVersion("test"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, app.Init(ctx))

	created, err := app.controller.Submit(ctx, "alice", model.CreateResearchRequest{Topic: "grid storage"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, created.Status)

	require.Eventually(t, func() bool {
		v, err := app.controller.GetStatus(ctx, created.ID, "alice")
		return err == nil && v.Status == model.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return cs.finalizedCount() == 1 }, time.Second, 10*time.Millisecond)

	v, err := app.controller.GetStatus(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.Progress{CurrentDepth: 1, CompletedSteps: 2, TotalSteps: 2}, v.Progress)

	require.NoError(t, app.Shutdown(ctx))
}

func TestAppServesHealth(t *testing.T) {
	isolateEnv(t)
	app, err := New(WithLogger(quietLogger()), WithVersion("1.2.3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	require.NoError(t, app.Init(context.Background()))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.2.3"`)
	assert.Contains(t, rec.Body.String(), `"storage":"memory"`)
}

func TestMiddlewareOptionWrapsRoutes(t *testing.T) {
	isolateEnv(t)
	var hits int
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			next.ServeHTTP(w, r)
		})
	}
	app, err := New(WithLogger(quietLogger()), WithMiddleware(mw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 1, hits)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	isolateEnv(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	app, err := New(WithLogger(quietLogger()), WithPort(port))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewLimiterSelection(t *testing.T) {
	logger := quietLogger()

	l := newLimiter(config.Config{RateLimitRPS: 0}, nil, logger)
	assert.IsType(t, ratelimit.NoopLimiter{}, l)

	l = newLimiter(config.Config{RateLimitRPS: 5, RateLimitBurst: 20}, nil, logger)
	mem, ok := l.(*ratelimit.MemoryLimiter)
	require.True(t, ok)
	require.NoError(t, mem.Close())
}

func TestContextWithOptionalTimeout(t *testing.T) {
	ctx, cancel := contextWithOptionalTimeout(context.Background(), 0)
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	cancel()

	ctx, cancel = contextWithOptionalTimeout(context.Background(), time.Minute)
	defer cancel()
	_, hasDeadline = ctx.Deadline()
	assert.True(t, hasDeadline)
}

func TestWaitContextGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	err := waitContext(ctx, func() error { <-release; return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, waitContext(context.Background(), func() error { return nil }))
}
