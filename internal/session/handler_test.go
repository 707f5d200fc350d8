// ABOUTME: End-to-end protocol tests against an in-process websocket server
// ABOUTME: Uses a scripted completer so streamed replies are deterministic

package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/store"
)

type sessionFixture struct {
	server        *httptest.Server
	store         *store.SQLiteStore
	conversations *conversation.Service
}

func newSessionFixture(t *testing.T, completer backend.Completer, verifier auth.TokenVerifier) *sessionFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := conversation.New(st, 10, nil)
	handler := NewHandler(svc, completer, verifier, Config{}, nil)

	mux := http.NewServeMux()
	mux.Handle("GET /chat/{user_id}", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &sessionFixture{server: server, store: st, conversations: svc}
}

func (f *sessionFixture) dial(t *testing.T, userID, query string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := f.server.URL + "/chat/" + userID + query
	conn, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func writeFrame(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(text)))
}

func TestSession_NewUserFirstExchange(t *testing.T) {
	completer := backend.NewScriptedCompleter(backend.Script{Deltas: []string{"hi", " there"}})
	f := newSessionFixture(t, completer, nil)
	conn := f.dial(t, "u1", "?token=t", nil)

	// New user: empty replay block, then a conversation exists server-side
	assert.Equal(t, MarkerConversations, readFrame(t, conn))
	assert.Equal(t, MarkerAllConversations, readFrame(t, conn))

	writeFrame(t, conn, "hello")
	assert.Equal(t, MarkerStart, readFrame(t, conn))
	assert.Equal(t, "hi", readFrame(t, conn))
	assert.Equal(t, "hi there", readFrame(t, conn))
	assert.Equal(t, MarkerEnd, readFrame(t, conn))

	require.Eventually(t, func() bool {
		convs, err := f.store.GetConversationsByUser(context.Background(), "u1", 0, 0)
		return err == nil && len(convs) == 1 && len(convs[0].Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	convs, err := f.store.GetConversationsByUser(context.Background(), "u1", 0, 0)
	require.NoError(t, err)
	conv := convs[0]
	assert.Equal(t, "u1", store.UserIDFromConversationID(conv.ID))
	assert.Equal(t, store.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, store.RoleBot, conv.Messages[1].Role)
	assert.Equal(t, "hi there", conv.Messages[1].Content)
}

func TestSession_ReplaysFullSetWithinWindow(t *testing.T) {
	f := newSessionFixture(t, backend.NewScriptedCompleter(), nil)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		conv := store.NewConversation("u1")
		if i != 1 { // one conversation stays empty: id only, no content frame
			conv.Messages = []store.ChatMessage{store.NewChatMessage(store.RoleUser, fmt.Sprintf("opener %d", i))}
		}
		conv.CreatedAt = conv.CreatedAt.Add(time.Duration(i) * time.Second)
		_, err := f.store.CreateConversation(ctx, conv)
		require.NoError(t, err)
		ids = append(ids, conv.ID)
	}

	conn := f.dial(t, "u1", "?token=t", nil)
	assert.Equal(t, MarkerConversations, readFrame(t, conn))
	assert.Equal(t, ids[0], readFrame(t, conn))
	assert.Equal(t, "opener 0", readFrame(t, conn))
	assert.Equal(t, ids[1], readFrame(t, conn))
	assert.Equal(t, ids[2], readFrame(t, conn))
	assert.Equal(t, "opener 2", readFrame(t, conn))
	assert.Equal(t, MarkerAllConversations, readFrame(t, conn))
}

func TestSession_ReplayTruncatesToMostRecent(t *testing.T) {
	f := newSessionFixture(t, backend.NewScriptedCompleter(backend.Script{Deltas: []string{"ok"}}), nil)
	ctx := context.Background()

	var ids []string
	for i := range 7 {
		conv := store.NewConversation("u1")
		conv.Messages = []store.ChatMessage{store.NewChatMessage(store.RoleUser, fmt.Sprintf("opener %d", i))}
		conv.CreatedAt = conv.CreatedAt.Add(time.Duration(i) * time.Second)
		_, err := f.store.CreateConversation(ctx, conv)
		require.NoError(t, err)
		ids = append(ids, conv.ID)
	}

	conn := f.dial(t, "u1", "?token=t", nil)
	assert.Equal(t, MarkerConversations, readFrame(t, conn))
	for i := 2; i < 7; i++ {
		assert.Equal(t, ids[i], readFrame(t, conn))
		assert.Equal(t, fmt.Sprintf("opener %d", i), readFrame(t, conn))
	}

	// No all-sent marker after a truncated replay: the next frame the
	// server emits is the start of the first exchange.
	writeFrame(t, conn, "hello")
	assert.Equal(t, MarkerStart, readFrame(t, conn))
}

func TestSession_SwitchConversation(t *testing.T) {
	completer := backend.NewScriptedCompleter(backend.Script{Deltas: []string{"ok"}})
	f := newSessionFixture(t, completer, nil)
	ctx := context.Background()

	first := store.NewConversation("u1")
	first.Messages = []store.ChatMessage{
		store.NewChatMessage(store.RoleUser, "old question"),
		store.NewChatMessage(store.RoleBot, "old answer"),
	}
	_, err := f.store.CreateConversation(ctx, first)
	require.NoError(t, err)

	second := store.NewConversation("u1")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	_, err = f.store.CreateConversation(ctx, second)
	require.NoError(t, err)

	conn := f.dial(t, "u1", "?token=t", nil)
	for range 5 { // CONVERSATIONS, both ids, one opener, ALL
		readFrame(t, conn)
	}

	writeFrame(t, conn, MarkerSwitchConversation)
	writeFrame(t, conn, first.ID)
	assert.Equal(t, MarkerConversationFound, readFrame(t, conn))
	assert.Equal(t, "old question", readFrame(t, conn))
	assert.Equal(t, "old answer", readFrame(t, conn))
	assert.Equal(t, MarkerConversationSwitched, readFrame(t, conn))

	// Subsequent messages land in the switched conversation
	writeFrame(t, conn, "follow-up")
	assert.Equal(t, MarkerStart, readFrame(t, conn))
	assert.Equal(t, "ok", readFrame(t, conn))
	assert.Equal(t, MarkerEnd, readFrame(t, conn))

	require.Eventually(t, func() bool {
		conv, err := f.store.GetConversation(ctx, first.ID)
		return err == nil && len(conv.Messages) == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_SwitchToUnknownConversation(t *testing.T) {
	completer := backend.NewScriptedCompleter(backend.Script{Deltas: []string{"ok"}})
	f := newSessionFixture(t, completer, nil)
	ctx := context.Background()

	conv := store.NewConversation("u1")
	_, err := f.store.CreateConversation(ctx, conv)
	require.NoError(t, err)

	conn := f.dial(t, "u1", "?token=t", nil)
	for range 3 { // CONVERSATIONS, id, ALL
		readFrame(t, conn)
	}

	writeFrame(t, conn, MarkerSwitchConversation)
	writeFrame(t, conn, "u1-no-such-conversation")
	assert.Equal(t, MarkerConversationNotFound, readFrame(t, conn))

	// Still active on the original conversation, not closed
	writeFrame(t, conn, "still here")
	assert.Equal(t, MarkerStart, readFrame(t, conn))
	assert.Equal(t, "ok", readFrame(t, conn))
	assert.Equal(t, MarkerEnd, readFrame(t, conn))

	require.Eventually(t, func() bool {
		got, err := f.store.GetConversation(ctx, conv.ID)
		return err == nil && len(got.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_HistoryBoundedForBackend(t *testing.T) {
	completer := backend.NewScriptedCompleter(backend.Script{Deltas: []string{"ok"}})
	f := newSessionFixture(t, completer, nil)
	ctx := context.Background()

	conv := store.NewConversation("u1")
	for i := range 14 {
		conv.Messages = append(conv.Messages, store.NewChatMessage(store.RoleUser, fmt.Sprintf("m%d", i)))
	}
	_, err := f.store.CreateConversation(ctx, conv)
	require.NoError(t, err)

	conn := f.dial(t, "u1", "?token=t", nil)
	for range 3 { // CONVERSATIONS, id, m0
		readFrame(t, conn)
	}
	readFrame(t, conn) // ALL

	writeFrame(t, conn, "one more")
	for readFrame(t, conn) != MarkerEnd {
	}

	calls := completer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "one more", calls[0].UserMessage)
	require.Len(t, calls[0].History, 10, "backend history must be bounded")
	assert.Equal(t, "m4", calls[0].History[0].Content)
	assert.Equal(t, "m13", calls[0].History[9].Content)

	// Persisted history was never truncated
	require.Eventually(t, func() bool {
		got, err := f.store.GetConversation(ctx, conv.ID)
		return err == nil && len(got.Messages) == 16
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_BackendFailureKeepsSessionOpen(t *testing.T) {
	completer := backend.NewScriptedCompleter(
		backend.Script{Deltas: []string{"partial"}, Err: backend.ErrRateLimited},
		backend.Script{Deltas: []string{"recovered"}},
	)
	f := newSessionFixture(t, completer, nil)
	conn := f.dial(t, "u1", "?token=t", nil)

	readFrame(t, conn) // CONVERSATIONS
	readFrame(t, conn) // ALL

	// The failed reply is still bracketed and nothing is persisted
	writeFrame(t, conn, "first")
	assert.Equal(t, MarkerStart, readFrame(t, conn))
	assert.Equal(t, "partial", readFrame(t, conn))
	assert.Equal(t, MarkerEnd, readFrame(t, conn))

	// The session survives and the next exchange works
	writeFrame(t, conn, "second")
	assert.Equal(t, MarkerStart, readFrame(t, conn))
	assert.Equal(t, "recovered", readFrame(t, conn))
	assert.Equal(t, MarkerEnd, readFrame(t, conn))

	require.Eventually(t, func() bool {
		convs, err := f.store.GetConversationsByUser(context.Background(), "u1", 0, 0)
		return err == nil && len(convs) == 1 && len(convs[0].Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	convs, err := f.store.GetConversationsByUser(context.Background(), "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "second", convs[0].Messages[0].Content)
	assert.Equal(t, "recovered", convs[0].Messages[1].Content)
}

func TestSession_RejectsMissingCredentials(t *testing.T) {
	f := newSessionFixture(t, backend.NewScriptedCompleter(), nil)
	conn := f.dial(t, "u1", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestSession_VerifierRejectsBadToken(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	f := newSessionFixture(t, backend.NewScriptedCompleter(), verifier)
	conn := f.dial(t, "u1", "?token=not-a-jwt", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestSession_VerifierRejectsSubjectMismatch(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	f := newSessionFixture(t, backend.NewScriptedCompleter(), verifier)

	token, err := verifier.Generate("someone-else", time.Hour)
	require.NoError(t, err)
	conn := f.dial(t, "u1", "?token="+token, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, readErr := conn.Read(ctx)
	require.Error(t, readErr)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(readErr))
}

func TestSession_VerifierAcceptsTokenQueryParam(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	f := newSessionFixture(t, backend.NewScriptedCompleter(), verifier)

	token, err := verifier.Generate("u1", time.Hour)
	require.NoError(t, err)
	conn := f.dial(t, "u1", "?token="+token, nil)

	assert.Equal(t, MarkerConversations, readFrame(t, conn))
}

func TestSession_VerifierAcceptsSessionCookie(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	f := newSessionFixture(t, backend.NewScriptedCompleter(), verifier)

	token, err := verifier.Generate("u1", time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Cookie", auth.SessionCookieName+"="+token)
	conn := f.dial(t, "u1", "", &websocket.DialOptions{HTTPHeader: header})

	assert.Equal(t, MarkerConversations, readFrame(t, conn))
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state
		legal    bool
	}{
		{stateBootstrapping, stateReplaying, true},
		{stateReplaying, stateActive, true},
		{stateActive, stateSwitching, true},
		{stateSwitching, stateActive, true},
		{stateActive, stateClosed, true},
		{stateBootstrapping, stateActive, false},
		{stateReplaying, stateSwitching, false},
		{stateClosed, stateActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"_to_"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.legal, tt.from.canEnter(tt.to))
		})
	}
}

func TestSession_NearMarkerFrameIsAChatMessage(t *testing.T) {
	// A frame that merely resembles the switch marker is treated as content
	completer := backend.NewScriptedCompleter(backend.Script{Deltas: []string{"ok"}})
	f := newSessionFixture(t, completer, nil)
	conn := f.dial(t, "u1", "?token=t", nil)

	readFrame(t, conn) // CONVERSATIONS
	readFrame(t, conn) // ALL

	almostMarker := strings.Replace(MarkerSwitchConversation, "#####S", "######S", 1)
	writeFrame(t, conn, almostMarker)
	assert.Equal(t, MarkerStart, readFrame(t, conn))
	assert.Equal(t, "ok", readFrame(t, conn))
	assert.Equal(t, MarkerEnd, readFrame(t, conn))
}
