package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/history"
	"chatsync/internal/session"
)

func TestNormalizeJoinPath(t *testing.T) {
	assert.Equal(t, "/join", NormalizeJoinPath(""))
	assert.Equal(t, "/join", NormalizeJoinPath("  "))
	assert.Equal(t, "/ws", NormalizeJoinPath("ws"))
	assert.Equal(t, "/ws", NormalizeJoinPath("/ws"))
}

func TestServerConfigFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_ADDR", ":9999")
	t.Setenv("CHATSYNC_PATH", "socket")
	t.Setenv("CHATSYNC_STORE", "pebble")
	t.Setenv("CHATSYNC_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("CHATSYNC_RATE_LIMIT", "9")
	t.Setenv("CHATSYNC_RATE_WINDOW", "2s")

	cfg := ServerConfigFromEnv()
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "/socket", cfg.Path)
	assert.Equal(t, "pebble", cfg.Store)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 9, cfg.RateLimit)
	assert.Equal(t, 2*time.Second, cfg.RateWindow)
}

func TestClientConfigDefaults(t *testing.T) {
	t.Setenv("CHATSYNC_SERVER", "")
	t.Setenv("CHATSYNC_ACK_TIMEOUT", "not-a-duration")
	t.Setenv("CHATSYNC_OUTBOX", "")

	cfg := ClientConfigFromEnv()
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, DefaultAckTimeout, cfg.AckTimeout)
	assert.Equal(t, DefaultOutbox, cfg.Outbox)

	t.Setenv("CHATSYNC_ACK_TIMEOUT", "3s")
	t.Setenv("CHATSYNC_USER", "ann")
	t.Setenv("CHATSYNC_RESYNC", "true")
	cfg = ClientConfigFromEnv()
	assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	assert.Equal(t, "ann", cfg.Username)
	assert.True(t, cfg.ResyncOnReconnect)
}

func TestLoadEnvKeepsExistingValues(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("CHATSYNC_USER=from-file\nCHATSYNC_OUTBOX=7\n"), 0o600))
	t.Setenv("CHATSYNC_USER", "from-env")
	t.Setenv("CHATSYNC_OUTBOX", "")
	require.NoError(t, os.Unsetenv("CHATSYNC_OUTBOX"))

	LoadEnv(file)
	assert.Equal(t, "from-env", os.Getenv("CHATSYNC_USER"))
	assert.Equal(t, "7", os.Getenv("CHATSYNC_OUTBOX"))
}

func TestDefaultDBPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATSYNC_DATA_DIR", dir)
	assert.Equal(t, filepath.Join(dir, "chatsync.db"), DefaultDBPath("sqlite"))
	assert.Equal(t, filepath.Join(dir, "chatsync.pebble"), DefaultDBPath("pebble"))
}

func TestSocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8080/join", SocketURL("[::]:8080", ""))
	assert.Equal(t, "ws://127.0.0.1:8080/join", SocketURL(":8080", "join"))
	assert.Equal(t, "ws://10.0.0.2:81/ws", SocketURL("10.0.0.2:81", "/ws"))
}

func TestWithUser(t *testing.T) {
	u, err := withUser("ws://relay:8080/join?x=1", "ann lee")
	require.NoError(t, err)
	assert.Equal(t, "ws://relay:8080/join?user=ann+lee&x=1", u)

	_, err = withUser("http://relay/join", "ann")
	assert.Error(t, err)
}

func TestSetupLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := SetupLogger("chatty", "", nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "client.log")
	closer, err := SetupLogger("debug", file, nil)
	require.NoError(t, err)
	require.NoError(t, closer())
	_, err = os.Stat(file)
	assert.NoError(t, err)
}

func startLocal(t *testing.T, store string) *ServerHandle {
	t.Helper()
	_, err := SetupLogger("error", "", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := RunServer(ctx, ServerConfig{
		Addr:   LocalAddr,
		Store:  store,
		DBPath: filepath.Join(t.TempDir(), "data", "chatsync."+store),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, handle.Wait())
	})
	require.NoError(t, WaitForServer(handle.Addr(), 2*time.Second))
	return handle
}

func TestRunServerServesHealth(t *testing.T) {
	for _, store := range []string{"sqlite", "pebble"} {
		t.Run(store, func(t *testing.T) {
			handle := startLocal(t, store)
			resp, err := http.Get("http://" + handle.Addr() + "/healthz")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "ok", body["status"])
			assert.Equal(t, Version, body["version"])
		})
	}
}

func TestRunServerRejectsUnknownStore(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{
		Addr:   LocalAddr,
		Store:  "tape",
		DBPath: filepath.Join(t.TempDir(), "x"),
	})
	assert.Error(t, err)
}

func TestClientDialsRoomThroughLocalRelay(t *testing.T) {
	handle := startLocal(t, "sqlite")
	serverURL := SocketURL(handle.Addr(), "")
	base, err := history.BaseFromSocketURL(serverURL)
	require.NoError(t, err)

	c := &Client{
		cfg:     ClientConfig{ServerURL: serverURL, AckTimeout: 2 * time.Second},
		fetcher: history.NewHTTPFetcher(base, nil),
		ids:     session.NewTempIDs("t"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	room, err := c.Dial(ctx, " <b>ann</b> ", "lobby")
	require.NoError(t, err)
	defer room.Close()
	require.NoError(t, room.Join(ctx))
	assert.Equal(t, session.StateActive, room.State())

	tempID, err := room.Send(ctx, "hello relay", chat.TypeText)
	require.NoError(t, err)
	assert.Equal(t, "t-1", tempID)
	require.Eventually(t, func() bool {
		snap := room.Snapshot()
		return len(snap) == 1 && snap[0].State == chat.StateSent && snap[0].CorrelationID == tempID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ann", room.Snapshot()[0].SenderID)

	_, err = c.Dial(ctx, "<script></script>", "lobby")
	assert.Error(t, err)

	exists, err := history.NewHTTPFetcher(base, nil).Exists(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRoomsShareTransportPerUser(t *testing.T) {
	handle := startLocal(t, "pebble")
	serverURL := SocketURL(handle.Addr(), "")
	base, err := history.BaseFromSocketURL(serverURL)
	require.NoError(t, err)

	c := &Client{
		cfg:     ClientConfig{ServerURL: serverURL, AckTimeout: 2 * time.Second},
		fetcher: history.NewHTTPFetcher(base, nil),
		ids:     session.NewTempIDs("t"),
	}
	rooms := func() []string {
		c.mu.Lock()
		defer c.mu.Unlock()
		l := c.links["ann"]
		if l == nil {
			return nil
		}
		var out []string
		for id := range l.rooms {
			out = append(out, id)
		}
		return out
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	lobby, err := c.Dial(ctx, "ann", "lobby")
	require.NoError(t, err)
	games, err := c.Dial(ctx, "ann", "games")
	require.NoError(t, err)
	require.NoError(t, lobby.Join(ctx))
	require.NoError(t, games.Join(ctx))
	assert.ElementsMatch(t, []string{"lobby", "games"}, rooms())

	// a second session for an open room gets its own link
	again, err := c.Dial(ctx, "ann", "lobby")
	require.NoError(t, err)
	again.Close()
	assert.ElementsMatch(t, []string{"lobby", "games"}, rooms())

	lobby.Close()
	lobby.Close()
	assert.Equal(t, []string{"games"}, rooms())

	tempID, err := games.Send(ctx, "still here", chat.TypeText)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := games.Snapshot()
		return len(snap) == 1 && snap[0].State == chat.StateSent && snap[0].CorrelationID == tempID
	}, 2*time.Second, 10*time.Millisecond)

	games.Close()
	assert.Empty(t, rooms())
}
