package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tavern-games/roomlink/auth"
	"github.com/tavern-games/roomlink/client"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay/memory"
	"github.com/tavern-games/roomlink/relay/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	hub := memory.NewHub(&logger)
	t.Cleanup(hub.Close)

	srv := NewServer(Config{Logger: &logger, Hub: hub, ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return ts, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roomlink_relay_connections")
}

func newWsClient(t *testing.T, wsURL, id string) *client.Client {
	t.Helper()
	logger := zerolog.Nop()
	c := client.New(client.Config{
		Identity: auth.Static{ID: id, Nickname: "nick-" + id},
		Opener:   ws.NewOpener(ws.Config{URL: wsURL, Logger: &logger}),
		Logger:   &logger,
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

// TestEndToEnd drives two protocol clients through the daemon over real
// websockets: join, membership, chat, leave.
func TestEndToEnd(t *testing.T) {
	_, wsURL := newTestServer(t)

	a := newWsClient(t, wsURL, "a")
	b := newWsClient(t, wsURL, "b")

	var mu sync.Mutex
	var bEnvs []model.Envelope
	b.OnAnyMessage(func(env model.Envelope) {
		mu.Lock()
		bEnvs = append(bEnvs, env)
		mu.Unlock()
	})
	countB := func(msgType string) int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, env := range bEnvs {
			if env.Type == msgType {
				n++
			}
		}
		return n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.JoinRoom(ctx, "e2e", "Alice", "hearts"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.JoinRoom(ctx, "e2e", "Bob", "hearts"))

	require.Eventually(t, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	}, 3*time.Second, 20*time.Millisecond, "both clients converge on the membership")

	members := a.Members()
	assert.Equal(t, "a", members[0].ParticipantID)
	assert.True(t, members[0].IsHost)

	require.NoError(t, a.SendChat("hello over the wire", true))
	require.Eventually(t, func() bool {
		return countB(model.TypeChatBroadcast) == 1
	}, 3*time.Second, 20*time.Millisecond)

	a.LeaveRoom()
	require.Eventually(t, func() bool {
		return countB(model.TypePlayerLeft) == 1 && countB(model.TypeRoomDestroyed) == 1
	}, 3*time.Second, 20*time.Millisecond, "host leaving the lobby ends the room")
}
