package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newStores returns every backend testable without external services. The
// mongo backend shares AppendExchange semantics by contract but needs a
// running server, so it is exercised in deployment, not here.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func turn(role Role, content string, count int) Turn {
	return Turn{Role: role, Content: content, TokenCount: count, CreatedAt: time.Now().UTC()}
}

func TestStore_CreateThenGet(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := store.Create(ctx, Identity{UserID: "S1", DisplayName: "Sari"}, "m", "v1")
			require.NoError(t, err)
			require.NotEmpty(t, created.ID)

			got, err := store.Get(ctx, created.ID)
			require.NoError(t, err)
			require.Equal(t, Identity{UserID: "S1", DisplayName: "Sari"}, got.Identity)
			require.Equal(t, "m", got.Model)
			require.Equal(t, "v1", got.PromptVersion)
			require.Empty(t, got.Transcript)
			require.Empty(t, got.UsageLog)
			require.Zero(t, got.TotalInputTokens)
			require.Zero(t, got.TotalOutputTokens)
		})
	}
}

func TestStore_GetUnknownID(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "no-such-session")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AppendExchangeUnknownID(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.AppendExchange(context.Background(), "no-such-session",
				turn(RoleUser, "hi", 1), turn(RoleAssistant, "hello", 1), 1, 1)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestStore_UsageAccumulation runs the canonical two-exchange scenario:
// totals must equal the sums over the usage log and the transcript must stay
// in strict user/assistant order.
func TestStore_UsageAccumulation(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess, err := store.Create(ctx, Identity{UserID: "S1", DisplayName: "Sari"}, "m", "v1")
			require.NoError(t, err)

			err = store.AppendExchange(ctx, sess.ID,
				turn(RoleUser, "first question", 3), turn(RoleAssistant, "first answer", 20), 10, 20)
			require.NoError(t, err)
			err = store.AppendExchange(ctx, sess.ID,
				turn(RoleUser, "second question", 2), turn(RoleAssistant, "second answer", 8), 5, 8)
			require.NoError(t, err)

			got, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)

			require.Equal(t, 15, got.TotalInputTokens)
			require.Equal(t, 28, got.TotalOutputTokens)
			require.Len(t, got.UsageLog, 2)
			require.Equal(t, 30, got.UsageLog[0].TotalTokens)
			require.Equal(t, 13, got.UsageLog[1].TotalTokens)

			require.Len(t, got.Transcript, 4)
			require.Equal(t, "first question", got.Transcript[0].Content)
			require.Equal(t, "first answer", got.Transcript[1].Content)
			require.Equal(t, "second question", got.Transcript[2].Content)
			require.Equal(t, "second answer", got.Transcript[3].Content)
			for i, tr := range got.Transcript {
				if i%2 == 0 {
					require.Equal(t, RoleUser, tr.Role, "turn %d", i)
				} else {
					require.Equal(t, RoleAssistant, tr.Role, "turn %d", i)
				}
			}

			// the invariant, not just the scenario numbers
			var in, out int
			for _, e := range got.UsageLog {
				in += e.InputTokens
				out += e.OutputTokens
			}
			require.Equal(t, got.TotalInputTokens, in)
			require.Equal(t, got.TotalOutputTokens, out)
		})
	}
}

// TestStore_ConcurrentAppends verifies no lost updates: every concurrent
// exchange lands, in some serialized order, with every usage delta reflected.
func TestStore_ConcurrentAppends(t *testing.T) {
	const workers = 16

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess, err := store.Create(ctx, Identity{UserID: "S1", DisplayName: "Sari"}, "m", "v1")
			require.NoError(t, err)

			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- store.AppendExchange(ctx, sess.ID,
						turn(RoleUser, fmt.Sprintf("q%d", i), 1),
						turn(RoleAssistant, fmt.Sprintf("a%d", i), 2),
						1, 2)
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, got.Transcript, 2*workers)
			require.Len(t, got.UsageLog, workers)
			require.Equal(t, workers, got.TotalInputTokens)
			require.Equal(t, 2*workers, got.TotalOutputTokens)

			// each exchange's pair must be adjacent, user first
			for i := 0; i < len(got.Transcript); i += 2 {
				require.Equal(t, RoleUser, got.Transcript[i].Role)
				require.Equal(t, RoleAssistant, got.Transcript[i+1].Role)
				require.Equal(t, "a"+got.Transcript[i].Content[1:], got.Transcript[i+1].Content)
			}
		})
	}
}

// TestMemoryStore_GetReturnsCopy guards against callers mutating the stored
// transcript through the returned handle.
func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sess, err := store.Create(ctx, Identity{UserID: "S1", DisplayName: "Sari"}, "m", "v1")
	require.NoError(t, err)

	err = store.AppendExchange(ctx, sess.ID, turn(RoleUser, "q", 1), turn(RoleAssistant, "a", 1), 1, 1)
	require.NoError(t, err)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	got.Transcript[0].Content = "tampered"
	got.TotalInputTokens = 999

	again, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "q", again.Transcript[0].Content)
	require.Equal(t, 1, again.TotalInputTokens)
}
