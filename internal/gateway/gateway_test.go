// ABOUTME: Tests for the gateway HTTP surfaces and route wiring
// ABOUTME: Exercises health, JSON API, transcript view, and chat upgrade

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

func newGatewayFixture(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Chat.HistoryLimit = config.DefaultHistoryLimit
	cfg.Chat.ReplayLimit = config.DefaultReplayLimit
	cfg.Chat.PageLimit = config.DefaultPageLimit

	completer := backend.NewScriptedCompleter(backend.Script{Deltas: []string{"scripted reply"}})
	g := NewWithCompleter(cfg, st, completer, nil)

	server := httptest.NewServer(g.Handler())
	t.Cleanup(server.Close)
	return server, st
}

func TestGateway_Health(t *testing.T) {
	server, _ := newGatewayFixture(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestGateway_ListConversations(t *testing.T) {
	server, st := newGatewayFixture(t)
	ctx := context.Background()

	conv := store.NewConversation("u1")
	conv.Messages = []store.ChatMessage{
		store.NewChatMessage(store.RoleUser, "first words"),
		store.NewChatMessage(store.RoleBot, "a reply"),
	}
	_, err := st.CreateConversation(ctx, conv)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/users/u1/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []ConversationSummaryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, conv.ID, summaries[0].ID)
	assert.Equal(t, "first words", summaries[0].FirstMessage)
	assert.Equal(t, 2, summaries[0].MessageCount)
}

func TestGateway_ListConversations_EmptyUser(t *testing.T) {
	server, _ := newGatewayFixture(t)

	resp, err := http.Get(server.URL + "/api/users/nobody/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []ConversationSummaryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	assert.Empty(t, summaries)
}

func TestGateway_GetConversation(t *testing.T) {
	server, st := newGatewayFixture(t)
	ctx := context.Background()

	conv := store.NewConversation("u1")
	conv.Messages = []store.ChatMessage{store.NewChatMessage(store.RoleUser, "hello")}
	_, err := st.CreateConversation(ctx, conv)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/conversations/" + conv.ID)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got ConversationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
}

func TestGateway_GetConversation_NotFound(t *testing.T) {
	server, _ := newGatewayFixture(t)

	resp, err := http.Get(server.URL + "/api/conversations/u1-missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["error"])
}

func TestGateway_DeleteConversation(t *testing.T) {
	server, st := newGatewayFixture(t)
	ctx := context.Background()

	conv := store.NewConversation("u1")
	_, err := st.CreateConversation(ctx, conv)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/conversations/"+conv.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = st.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Second delete reports not found
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_TranscriptView(t *testing.T) {
	server, st := newGatewayFixture(t)
	ctx := context.Background()

	conv := store.NewConversation("u1")
	conv.Messages = []store.ChatMessage{
		store.NewChatMessage(store.RoleUser, "render <this> safely"),
		store.NewChatMessage(store.RoleBot, "# Heading\n\nSome *markdown*."),
	}
	_, err := st.CreateConversation(ctx, conv)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/conversations/" + conv.ID + "/view")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	body := buf.String()

	// Bot markdown rendered to HTML, user content escaped
	assert.Contains(t, body, "<h1>Heading</h1>")
	assert.Contains(t, body, "<em>markdown</em>")
	assert.Contains(t, body, "render &lt;this&gt; safely")
	assert.NotContains(t, body, "render <this> safely")
}

func TestGateway_TranscriptView_NotFound(t *testing.T) {
	server, _ := newGatewayFixture(t)

	resp, err := http.Get(server.URL + "/conversations/u1-missing/view")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_ChatRouteUpgrades(t *testing.T) {
	server, _ := newGatewayFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, server.URL+"/chat/u1?token=t", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "######CONVERSATIONS######", string(data))
}
