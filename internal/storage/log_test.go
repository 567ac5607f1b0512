package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
)

func newTestSQLite(t *testing.T) Log {
	t.Helper()
	store, err := NewSQLiteLog("sqlite://file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestPebble(t *testing.T) Log {
	t.Helper()
	store, err := OpenPebbleLog(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var backends = map[string]func(*testing.T) Log{
	"sqlite": newTestSQLite,
	"pebble": newTestPebble,
}

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func stored(id, room, sender, corr string, n int) chat.Message {
	return chat.Message{
		ID:            id,
		RoomID:        room,
		SenderID:      sender,
		Content:       "msg " + id,
		Type:          chat.TypeText,
		SentAt:        epoch.Add(time.Duration(n) * time.Millisecond),
		CorrelationID: corr,
	}
}

func TestLogConformance(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("append and list newest first", func(t *testing.T) {
				log := open(t)
				ctx := context.Background()
				for i := 1; i <= 5; i++ {
					_, created, err := log.Append(ctx, stored(fmt.Sprintf("m%d", i), "R", "bob", "", i))
					require.NoError(t, err)
					assert.True(t, created)
				}
				_, _, err := log.Append(ctx, stored("x1", "other", "bob", "", 9))
				require.NoError(t, err)

				page, err := log.List(ctx, "R", "", 3)
				require.NoError(t, err)
				require.Len(t, page, 3)
				assert.Equal(t, "m5", page[0].ID)
				assert.Equal(t, "m3", page[2].ID)
				assert.Equal(t, chat.StateSent, page[0].State)
				assert.True(t, page[0].SentAt.Equal(epoch.Add(5*time.Millisecond)))

				older, err := log.List(ctx, "R", "m3", 10)
				require.NoError(t, err)
				require.Len(t, older, 2)
				assert.Equal(t, "m2", older[0].ID)
				assert.Equal(t, "m1", older[1].ID)

				none, err := log.List(ctx, "R", "m1", 10)
				require.NoError(t, err)
				assert.Empty(t, none)
			})

			t.Run("retry with the same correlation id is idempotent", func(t *testing.T) {
				log := open(t)
				ctx := context.Background()
				first, created, err := log.Append(ctx, stored("s1", "R", "alice", "c-1", 1))
				require.NoError(t, err)
				require.True(t, created)

				again, created, err := log.Append(ctx, stored("s2", "R", "alice", "c-1", 2))
				require.NoError(t, err)
				assert.False(t, created)
				assert.Equal(t, first.ID, again.ID)
				assert.Equal(t, "c-1", again.CorrelationID)

				// another sender may reuse the correlation id
				_, created, err = log.Append(ctx, stored("s3", "R", "bob", "c-1", 3))
				require.NoError(t, err)
				assert.True(t, created)

				page, err := log.List(ctx, "R", "", 10)
				require.NoError(t, err)
				assert.Len(t, page, 2)
			})

			t.Run("duplicate id returns existing copy", func(t *testing.T) {
				log := open(t)
				ctx := context.Background()
				_, _, err := log.Append(ctx, stored("s1", "R", "alice", "", 1))
				require.NoError(t, err)
				got, created, err := log.Append(ctx, stored("s1", "R", "alice", "", 1))
				require.NoError(t, err)
				assert.False(t, created)
				assert.Equal(t, "s1", got.ID)
			})

			t.Run("unknown cursor", func(t *testing.T) {
				log := open(t)
				_, err := log.List(context.Background(), "R", "missing", 10)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("exists", func(t *testing.T) {
				log := open(t)
				ctx := context.Background()
				ok, err := log.Exists(ctx, "R")
				require.NoError(t, err)
				assert.False(t, ok)
				_, _, err = log.Append(ctx, stored("s1", "R", "alice", "", 1))
				require.NoError(t, err)
				ok, err = log.Exists(ctx, "R")
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = log.Exists(ctx, "Rx")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("rejects invalid messages", func(t *testing.T) {
				log := open(t)
				_, _, err := log.Append(context.Background(), chat.Message{ID: "x", RoomID: "R"})
				assert.Error(t, err)
				_, _, err = log.Append(context.Background(), stored("y", "", "bob", "", 1))
				assert.Error(t, err)
			})
		})
	}
}

func TestPebbleSequenceSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	ctx := context.Background()

	store, err := OpenPebbleLog(dir)
	require.NoError(t, err)
	_, _, err = store.Append(ctx, stored("a", "R", "bob", "", 1))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenPebbleLog(dir)
	require.NoError(t, err)
	defer store.Close()
	_, _, err = store.Append(ctx, stored("b", "R", "bob", "", 2))
	require.NoError(t, err)

	page, err := store.List(ctx, "R", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "a", page[1].ID)
}

func TestBuildDSN(t *testing.T) {
	assert.Equal(t, "file:chat.db?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", buildDSN("chat.db"))
	assert.Equal(t, "file:x?mode=memory&_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", buildDSN("sqlite://file:x?mode=memory"))
}

func TestOpenByKind(t *testing.T) {
	log, err := Open("pebble", filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	log, err = Open("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = Open("redis", "")
	assert.Error(t, err)
}
