package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/session"
	"github.com/angelododaro/open-deep-research/internal/storage"
	"github.com/angelododaro/open-deep-research/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	s := session.NewStore(storage.NewMemory(), testutil.TestLogger())
	require.NoError(t, s.Init(context.Background()))
	return s
}

func newSession(owner string) model.ResearchSession {
	return model.ResearchSession{
		ID:                 uuid.NewString(),
		UserID:             owner,
		Status:             model.StatusRunning,
		Topic:              "solid-state electrolytes",
		StartTime:          t0,
		TimeLimitSeconds:   model.DefaultTimeLimitSeconds,
		TotalExpectedSteps: 10,
	}
}

func worker(owner string) session.Actor {
	return session.Actor{UserID: owner, Kind: session.ActorWorker}
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")

	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	got, err := s.Get(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, rs.Topic, got.Topic)
	assert.True(t, rs.StartTime.Equal(got.StartTime))
	assert.Equal(t, model.StatusRunning, got.Status)

	_, err = s.Create(ctx, rs)
	assert.ErrorIs(t, err, session.ErrAlreadyExists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCreateValidates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	bad := newSession("alice")
	bad.UserID = ""
	_, err := s.Create(ctx, bad)
	require.Error(t, err)

	bad = newSession("alice")
	bad.TimeLimitSeconds = 0
	_, err = s.Create(ctx, bad)
	require.Error(t, err)

	bad = newSession("alice")
	bad.Status = model.StatusCompleted
	_, err = s.Create(ctx, bad)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestGetOwned(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	_, err = s.GetOwned(ctx, rs.ID, "alice")
	require.NoError(t, err)

	_, err = s.GetOwned(ctx, rs.ID, "mallory")
	assert.ErrorIs(t, err, session.ErrForbidden)

	_, err = s.GetOwned(ctx, "missing", "alice")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMutateOwnership(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	_, err = s.Mutate(ctx, rs.ID, session.Actor{UserID: "mallory", Kind: session.ActorUser},
		func(r *model.ResearchSession) error {
			r.Status = model.StatusManuallyTerminated
			return nil
		})
	assert.ErrorIs(t, err, session.ErrForbidden)

	got, err := s.Get(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)

	_, err = s.Mutate(ctx, "missing", worker("alice"), func(*model.ResearchSession) error { return nil })
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMutateRejectsInvariantViolations(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		fn   session.MutateFunc
	}{
		{"topic", func(r *model.ResearchSession) error { r.Topic = "other"; return nil }},
		{"start time", func(r *model.ResearchSession) error { r.StartTime = r.StartTime.Add(time.Second); return nil }},
		{"owner", func(r *model.ResearchSession) error { r.UserID = "bob"; return nil }},
		{"budget decrease", func(r *model.ResearchSession) error { r.TimeLimitSeconds--; return nil }},
		{"progress decrease", func(r *model.ResearchSession) error { r.CompletedSteps = -1; return nil }},
		{"back to pending", func(r *model.ResearchSession) error { r.Status = model.StatusPending; return nil }},
		{"unknown status", func(r *model.ResearchSession) error { r.Status = "paused"; return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			rs := newSession("alice")
			_, err := s.Create(ctx, rs)
			require.NoError(t, err)

			_, err = s.Mutate(ctx, rs.ID, worker("alice"), tt.fn)
			assert.ErrorIs(t, err, session.ErrInvalidTransition)
		})
	}
}

func TestMutateTerminalIsFrozen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	done, err := s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
		r.Status = model.StatusManuallyTerminated
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, done.FinishedAt)

	for _, fn := range []session.MutateFunc{
		func(r *model.ResearchSession) error { r.Status = model.StatusCompleted; return nil },
		func(r *model.ResearchSession) error { r.TimeLimitSeconds += 300; return nil },
		func(r *model.ResearchSession) error { r.CompletedSteps++; return nil },
	} {
		_, err := s.Mutate(ctx, rs.ID, worker("alice"), fn)
		assert.ErrorIs(t, err, session.ErrInvalidTransition)
	}

	// A no-op on a terminal session is not an error.
	_, err = s.Mutate(ctx, rs.ID, worker("alice"), func(*model.ResearchSession) error { return nil })
	require.NoError(t, err)

	got, err := s.Get(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManuallyTerminated, got.Status)
	assert.Equal(t, rs.TimeLimitSeconds, got.TimeLimitSeconds)
}

func TestMutateFuncErrorReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	boom := errors.New("boom")
	got, err := s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
		r.CompletedSteps = 5
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, got.CompletedSteps)
	assert.Equal(t, rs.ID, got.ID)
}

func TestMutateLinearizable(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")
	rs.TotalExpectedSteps = 1000
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
				r.CompletedSteps++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.CompletedSteps, "no increment may be lost")
}

func TestMutateAcrossStoresSharingABackend(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	a := session.NewStore(backend, testutil.TestLogger())
	b := session.NewStore(backend, testutil.TestLogger())

	rs := newSession("alice")
	_, err := a.Create(ctx, rs)
	require.NoError(t, err)

	const perStore = 10
	var wg sync.WaitGroup
	for _, s := range []*session.Store{a, b} {
		for range perStore {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
					r.CompletedSteps++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	got, err := a.Get(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*perStore, got.CompletedSteps)
}

func TestTerminateRacesComplete(t *testing.T) {
	ctx := context.Background()
	for range 20 {
		s := newStore(t)
		rs := newSession("alice")
		_, err := s.Create(ctx, rs)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var wins atomic.Int32
		for _, target := range []model.Status{model.StatusManuallyTerminated, model.StatusCompleted} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
					if r.Status.IsTerminal() {
						return session.ErrAlreadyTerminal
					}
					r.Status = target
					return nil
				})
				if err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, session.ErrAlreadyTerminal)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	}
}

func TestSubscribeSeesCommits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var mu sync.Mutex
	var seen []model.Status
	s.Subscribe(func(rs model.ResearchSession) {
		mu.Lock()
		seen = append(seen, rs.Status)
		mu.Unlock()
	})

	rs := newSession("alice")
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)
	_, err = s.Mutate(ctx, rs.ID, worker("alice"), func(*model.ResearchSession) error { return nil })
	require.NoError(t, err)
	_, err = s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
		r.Status = model.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.Status{model.StatusRunning, model.StatusCompleted}, seen, "no-op mutations are not published")
}

func TestSubscribeSeesCommitsInOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rs := newSession("alice")
	_, err := s.Create(ctx, rs)
	require.NoError(t, err)

	var mu sync.Mutex
	var steps []int
	s.Subscribe(func(r model.ResearchSession) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		steps = append(steps, r.CompletedSteps)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, rs.ID, worker("alice"), func(r *model.ResearchSession) error {
				r.CompletedSteps++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, steps)
}

func TestListByOwnerAndActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a1 := newSession("alice")
	a2 := newSession("alice")
	a2.Status = model.StatusPending
	b1 := newSession("bob")
	for _, rs := range []model.ResearchSession{a1, a2, b1} {
		_, err := s.Create(ctx, rs)
		require.NoError(t, err)
	}
	_, err := s.Mutate(ctx, b1.ID, worker("bob"), func(r *model.ResearchSession) error {
		r.Status = model.StatusTimedOut
		return nil
	})
	require.NoError(t, err)

	mine, err := s.ListByOwner(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	active, err := s.ListActive(ctx, 10)
	require.NoError(t, err)
	ids := []string{}
	for _, rs := range active {
		ids = append(ids, rs.ID)
	}
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, ids)
}

func TestInitIdempotentAndConcurrent(t *testing.T) {
	ctx := context.Background()
	lite, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "s.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close(ctx) })

	s := session.NewStore(lite, testutil.TestLogger())
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Init(ctx))
		}()
	}
	wg.Wait()
	require.NoError(t, s.Init(ctx))

	rs := newSession("alice")
	_, err = s.Create(ctx, rs)
	require.NoError(t, err)
}

type failingBackend struct {
	*storage.Memory
	failures int
	calls    int
}

func (f *failingBackend) Migrate(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("schema unavailable")
	}
	return nil
}

func TestInitRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	fb := &failingBackend{Memory: storage.NewMemory(), failures: 1}
	s := session.NewStore(fb, testutil.TestLogger())

	require.Error(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))
	assert.Equal(t, 2, fb.calls, "success is cached")
}
