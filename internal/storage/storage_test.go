package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelododaro/open-deep-research/internal/storage"
	"github.com/angelododaro/open-deep-research/internal/testutil"
)

// pgDB is the shared PostgreSQL backend, nil when Docker is unavailable.
var pgDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Printf("Docker not available, postgres tests will be skipped: %v\n", err)
	} else {
		pgDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
		if err != nil {
			fmt.Printf("postgres unavailable, postgres tests will be skipped: %v\n", err)
		}
	}

	code := m.Run()

	if pgDB != nil {
		pgDB.Close(ctx)
	}
	tc.Terminate()
	os.Exit(code)
}

// backends returns every backend available in this environment, each freshly
// migrated.
func backends(t *testing.T) map[string]storage.Backend {
	t.Helper()
	ctx := context.Background()

	lite, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "sessions.db"), testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, lite.Migrate(ctx))
	t.Cleanup(func() { lite.Close(ctx) })

	out := map[string]storage.Backend{
		"memory": storage.NewMemory(),
		"sqlite": lite,
	}
	if pgDB != nil {
		out["postgres"] = pgDB
	}
	return out
}

func newDoc(owner, status string) storage.Document {
	return storage.Document{
		ID:      uuid.NewString(),
		OwnerID: owner,
		Status:  status,
		Body:    []byte(`{"topic":"tidal power"}`),
	}
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			doc := newDoc("u-"+uuid.NewString(), "pending")
			created, err := b.Create(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, int64(1), created.Version)
			assert.False(t, created.CreatedAt.IsZero())

			got, err := b.Load(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, doc.OwnerID, got.OwnerID)
			assert.Equal(t, "pending", got.Status)
			assert.JSONEq(t, string(doc.Body), string(got.Body))
			assert.Equal(t, int64(1), got.Version)

			_, err = b.Create(ctx, doc)
			assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load(ctx, uuid.NewString())
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestSaveCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := b.Create(ctx, newDoc("u1", "pending"))
			require.NoError(t, err)

			next := created
			next.Status = "running"
			next.Body = []byte(`{"topic":"tidal power","completedSteps":1}`)
			saved, err := b.Save(ctx, next)
			require.NoError(t, err)
			assert.Equal(t, int64(2), saved.Version)
			assert.Equal(t, "running", saved.Status)

			// The stale copy still carries version 1.
			stale := created
			stale.Status = "completed"
			_, err = b.Save(ctx, stale)
			assert.ErrorIs(t, err, storage.ErrVersionConflict)

			got, err := b.Load(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, "running", got.Status)
			assert.Equal(t, int64(2), got.Version)

			missing := newDoc("u1", "pending")
			missing.Version = 1
			_, err = b.Save(ctx, missing)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestSaveConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := b.Create(ctx, newDoc("u1", "pending"))
			require.NoError(t, err)

			const writers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				wins      int
				conflicts int
			)
			for i := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d := created
					d.Body = []byte(fmt.Sprintf(`{"writer":%d}`, i))
					_, err := b.Save(ctx, d)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case assert.ErrorIs(t, err, storage.ErrVersionConflict):
						conflicts++
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
			assert.Equal(t, writers-1, conflicts)
		})
	}
}

func TestListByOwnerAndStatus(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			owner := "owner-" + uuid.NewString()
			other := "other-" + uuid.NewString()

			first, err := b.Create(ctx, newDoc(owner, "running"))
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
			second, err := b.Create(ctx, newDoc(owner, "completed"))
			require.NoError(t, err)
			_, err = b.Create(ctx, newDoc(other, "running"))
			require.NoError(t, err)

			mine, err := b.ListByOwner(ctx, owner, 10)
			require.NoError(t, err)
			require.Len(t, mine, 2)
			assert.Equal(t, second.ID, mine[0].ID, "newest first")
			assert.Equal(t, first.ID, mine[1].ID)

			running, err := b.ListByStatus(ctx, []string{"running", "pending"}, 1000)
			require.NoError(t, err)
			ids := make(map[string]bool)
			for _, d := range running {
				assert.Contains(t, []string{"running", "pending"}, d.Status)
				ids[d.ID] = true
			}
			assert.True(t, ids[first.ID])
			assert.False(t, ids[second.ID])

			none, err := b.ListByStatus(ctx, nil, 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestInsertMutationAudit(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := b.InsertMutationAudit(ctx, storage.MutationAuditEntry{
				RequestID:    "req-1",
				ActorUserID:  "u1",
				ActorKind:    "user",
				HTTPMethod:   "POST",
				Endpoint:     "/research",
				Operation:    "terminate",
				ResourceType: "research_session",
				ResourceID:   "r1",
				BeforeData:   map[string]any{"status": "running"},
				AfterData:    map[string]any{"status": "manually_terminated"},
			})
			require.NoError(t, err)
		})
	}

	// Unmarshalable payloads fail before reaching the database.
	err := storage.NewMemory().InsertMutationAudit(ctx, storage.MutationAuditEntry{
		BeforeData: map[string]any{"ch": make(chan int)},
	})
	require.Error(t, err)
}

func TestMemoryMutationAuditRecorded(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.InsertMutationAudit(context.Background(), storage.MutationAuditEntry{
		Operation: "extend_timeout", ResourceID: "r1",
	}))
	entries := m.MutationAudit()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "extend_timeout", entries[0].Operation)
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Migrate(ctx))
			require.NoError(t, b.Migrate(ctx))
			require.NoError(t, b.Ping(ctx))
		})
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("wrapped: %w", storage.ErrVersionConflict)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return storage.ErrNotFound
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, calls, "non-retriable errors return immediately")

	calls = 0
	err = storage.WithRetry(ctx, 2, time.Millisecond, func() error {
		calls++
		return storage.ErrVersionConflict
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, 3, calls)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	logger := testutil.TestLogger()

	b, err := storage.Open(ctx, "", "", logger)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Kind())

	b, err = storage.Open(ctx, "", filepath.Join(t.TempDir(), "x.db"), logger)
	require.NoError(t, err)
	defer b.Close(ctx)
	assert.Equal(t, "sqlite", b.Kind())
}
