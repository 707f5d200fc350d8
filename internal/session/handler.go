// ABOUTME: Websocket session handler driving the chat protocol state machine
// ABOUTME: One goroutine per connection, strictly sequential frame processing

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/stream"
)

// Config bounds the handler's history and replay windows. Zero values
// fall back to the package defaults.
type Config struct {
	// HistoryLimit caps the prior messages sent to the generative
	// backend per exchange. Persisted history is never truncated.
	HistoryLimit int
	// ReplayLimit caps the conversations summarized during history
	// replay after connect.
	ReplayLimit int
}

// Handler upgrades chat requests to websocket sessions and runs the
// protocol loop until the client disconnects or a fatal error occurs.
type Handler struct {
	conversations *conversation.Service
	completer     backend.Completer
	aggregator    *stream.Aggregator
	verifier      auth.TokenVerifier
	historyLimit  int
	replayLimit   int
	logger        *slog.Logger
}

// NewHandler builds a session handler. verifier may be nil, in which
// case credentials must be present but are not validated.
func NewHandler(conversations *conversation.Service, completer backend.Completer, verifier auth.TokenVerifier, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = config.DefaultReplayLimit
	}
	return &Handler{
		conversations: conversations,
		completer:     completer,
		aggregator:    stream.NewAggregator(logger),
		verifier:      verifier,
		historyLimit:  cfg.HistoryLimit,
		replayLimit:   cfg.ReplayLimit,
		logger:        logger.With("component", "session"),
	}
}

// ServeHTTP handles GET /chat/{user_id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	credential, credErr := auth.ExtractCredential(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()

	// Auth preconditions close with a policy-violation code rather than
	// rejecting the handshake, so clients can observe the reason.
	if credErr != nil {
		h.logger.Info("rejecting session without credentials", "user_id", userID)
		conn.Close(websocket.StatusPolicyViolation, "missing session credentials")
		return
	}
	if h.verifier != nil {
		subject, err := h.verifier.Verify(credential)
		if err != nil {
			h.logger.Info("rejecting session with invalid credentials", "user_id", userID, "error", err)
			conn.Close(websocket.StatusPolicyViolation, "invalid session credentials")
			return
		}
		if subject != userID {
			h.logger.Info("rejecting session for mismatched subject", "user_id", userID, "subject", subject)
			conn.Close(websocket.StatusPolicyViolation, "credential subject mismatch")
			return
		}
	}

	sess := &session{
		conn:          conn,
		conversations: h.conversations,
		completer:     h.completer,
		aggregator:    h.aggregator,
		historyLimit:  h.historyLimit,
		replayLimit:   h.replayLimit,
		userID:        userID,
		state:         stateBootstrapping,
		logger:        h.logger.With("user_id", userID),
	}
	if err := sess.run(r.Context()); err != nil {
		h.logger.Error("session failed", "user_id", userID, "error", err)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// session is the per-connection protocol task. All frame processing is
// sequential; the only shared state is the conversation service.
type session struct {
	conn          *websocket.Conn
	conversations *conversation.Service
	completer     backend.Completer
	aggregator    *stream.Aggregator
	historyLimit  int
	replayLimit   int
	userID        string
	activeID      string
	state         state
	logger        *slog.Logger
}

func (s *session) transition(next state) {
	if !s.state.canEnter(next) {
		s.logger.Warn("illegal state transition", "from", s.state, "to", next)
	}
	s.state = next
}

func (s *session) run(ctx context.Context) error {
	defer s.transition(stateClosed)

	if _, err := s.conversations.EnsureUser(ctx, s.userID); err != nil {
		return fmt.Errorf("bootstrapping user %s: %w", s.userID, err)
	}

	// Snapshot the summaries before creating anything: a brand-new user
	// gets an empty replay block even though a conversation is created
	// for them below.
	summaries, err := s.conversations.Summaries(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("loading conversations for %s: %w", s.userID, err)
	}
	if len(summaries) == 0 {
		conv, err := s.conversations.CreateConversation(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("creating first conversation for %s: %w", s.userID, err)
		}
		s.activeID = conv.ID
	} else {
		recent, err := s.conversations.MostRecent(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("selecting active conversation for %s: %w", s.userID, err)
		}
		s.activeID = recent.ID
	}

	s.transition(stateReplaying)
	if err := s.replay(ctx, summaries); err != nil {
		return disconnectOrErr(err)
	}

	s.transition(stateActive)
	s.logger.Info("session active", "conversation_id", s.activeID)
	for {
		data, err := s.readFrame(ctx)
		if err != nil {
			return disconnectOrErr(err)
		}
		if data == MarkerSwitchConversation {
			err = s.handleSwitch(ctx)
		} else {
			err = s.handleMessage(ctx, data)
		}
		if err != nil {
			return disconnectOrErr(err)
		}
	}
}

// replay emits the bounded conversation summary block. When the known
// set exceeds the replay window only the most recent conversations are
// sent and the all-sent marker is withheld.
func (s *session) replay(ctx context.Context, summaries []conversation.Summary) error {
	if err := s.writeFrame(ctx, MarkerConversations); err != nil {
		return err
	}
	window := summaries
	complete := true
	if len(summaries) > s.replayLimit {
		window = summaries[len(summaries)-s.replayLimit:]
		complete = false
	}
	for _, summary := range window {
		if err := s.writeFrame(ctx, summary.ID); err != nil {
			return err
		}
		if summary.FirstMessage == "" {
			continue
		}
		if err := s.writeFrame(ctx, summary.FirstMessage); err != nil {
			return err
		}
	}
	if complete {
		return s.writeFrame(ctx, MarkerAllConversations)
	}
	return nil
}

// handleSwitch runs the switch sub-protocol: read a target id, replay
// its full message history, and activate it. An unknown target keeps
// the current conversation active.
func (s *session) handleSwitch(ctx context.Context) error {
	s.transition(stateSwitching)
	defer s.transition(stateActive)

	targetID, err := s.readFrame(ctx)
	if err != nil {
		return err
	}
	history, err := s.conversations.History(ctx, targetID, 0)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("switch target not found", "conversation_id", targetID)
		return s.writeFrame(ctx, MarkerConversationNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolving switch target %s: %w", targetID, err)
	}
	if err := s.writeFrame(ctx, MarkerConversationFound); err != nil {
		return err
	}
	for _, msg := range history {
		if err := s.writeFrame(ctx, msg.Content); err != nil {
			return err
		}
	}
	if err := s.writeFrame(ctx, MarkerConversationSwitched); err != nil {
		return err
	}
	s.activeID = targetID
	s.logger.Info("switched conversation", "conversation_id", targetID)
	return nil
}

// handleMessage runs one chat exchange: stream a reply bracketed by the
// start and end markers, then persist the user message and the reply.
// A classified backend failure still terminates the bracket and leaves
// the session active with nothing appended.
func (s *session) handleMessage(ctx context.Context, text string) error {
	history, err := s.conversations.History(ctx, s.activeID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("loading history for %s: %w", s.activeID, err)
	}

	if err := s.writeFrame(ctx, MarkerStart); err != nil {
		return err
	}
	assembled, runErr := func() (string, error) {
		replyStream, err := s.completer.StreamCompletion(ctx, history, text)
		if err != nil {
			return "", err
		}
		return s.aggregator.Run(ctx, replyStream, func(sofar string) error {
			return s.writeFrame(ctx, sofar)
		})
	}()
	if runErr != nil {
		if !isBackendFailure(runErr) {
			return runErr
		}
		s.logger.Error("streamed reply aborted", "conversation_id", s.activeID, "error", runErr)
		return s.writeFrame(ctx, MarkerEnd)
	}
	if err := s.writeFrame(ctx, MarkerEnd); err != nil {
		return err
	}

	// Two persistence calls, not transactional. The cache already holds
	// both messages if either store call fails; the session stays up.
	userMsg := store.NewChatMessage(store.RoleUser, text)
	botMsg := store.NewChatMessage(store.RoleBot, assembled)
	if err := s.conversations.AppendMessage(ctx, s.activeID, userMsg); err != nil {
		s.logger.Error("persisting user message", "conversation_id", s.activeID, "error", err)
	}
	if err := s.conversations.AppendMessage(ctx, s.activeID, botMsg); err != nil {
		s.logger.Error("persisting reply", "conversation_id", s.activeID, "error", err)
	}
	return nil
}

func (s *session) readFrame(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *session) writeFrame(ctx context.Context, text string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

// isBackendFailure reports whether err is one of the classified
// generative-backend conditions that abort a single reply without
// killing the connection.
func isBackendFailure(err error) bool {
	return errors.Is(err, backend.ErrRateLimited) ||
		errors.Is(err, backend.ErrBadRequest) ||
		errors.Is(err, backend.ErrInternal)
}

// disconnectOrErr maps a client disconnect to a clean session end and
// passes every other error through as fatal.
func disconnectOrErr(err error) error {
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) != -1 ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
