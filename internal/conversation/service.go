// ABOUTME: Conversation cache and persistence orchestration, serialized per user
// ABOUTME: The cache is authoritative for live sessions and is never behind the store

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/internal/store"
)

// Service owns the process-wide conversation cache: a mapping from user id to
// that user's recently-touched conversations, lazily populated from the store
// and mutated in place as messages are appended.
//
// Every read-modify-write sequence for one user runs under that user's entry
// lock, so concurrent sessions of the same user cannot lose updates. Entries
// live for the process lifetime; there is no eviction. That is acceptable for
// a bounded, cooperative user population and is a known scaling limit.
type Service struct {
	store     store.Store
	pageLimit int
	logger    *slog.Logger

	mu    sync.Mutex
	users map[string]*userEntry
}

// userEntry is one user's cached conversation list. The entry lock is held
// across store calls so all cache traffic for a user is fully serialized.
type userEntry struct {
	mu            sync.Mutex
	loaded        bool
	conversations []*store.Conversation
}

// Summary is a read-only snapshot of a conversation for history replay.
type Summary struct {
	ID           string
	FirstMessage string
	MessageCount int
}

// New creates a Service backed by the given store. pageLimit bounds the
// repository page fetched on a cache miss.
func New(st store.Store, pageLimit int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		pageLimit: pageLimit,
		logger:    logger.With("component", "conversation"),
		users:     make(map[string]*userEntry),
	}
}

// entry returns the cache entry for a user, creating it if absent.
func (s *Service) entry(userID string) *userEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userID]
	if !ok {
		e = &userEntry{}
		s.users[userID] = e
	}
	return e
}

// EnsureUser returns the user record, creating it on first contact.
func (s *Service) EnsureUser(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	s.logger.Info("user not found, creating", "user_id", userID)
	user = store.NewUser(userID)
	if _, err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetOrLoad returns the user's cached conversations, falling through to the
// store on a miss and populating the cache with the result.
func (s *Service) GetOrLoad(ctx context.Context, userID string) ([]*store.Conversation, error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.loadLocked(ctx, e, userID); err != nil {
		return nil, err
	}
	return append([]*store.Conversation(nil), e.conversations...), nil
}

// loadLocked populates an entry from the store. Must be called with e.mu held.
func (s *Service) loadLocked(ctx context.Context, e *userEntry, userID string) error {
	if e.loaded {
		return nil
	}

	s.logger.Info("user not in cache, loading from store", "user_id", userID)
	conversations, err := s.store.GetConversationsByUser(ctx, userID, 0, s.pageLimit)
	if err != nil {
		return err
	}
	e.conversations = conversations
	e.loaded = true
	return nil
}

// CreateConversation creates a new conversation for the user, records it on
// the user record, and adds it to the cached list. The cached list is
// appended to, never overwritten, so conversations created by concurrent
// sessions of the same user all survive.
func (s *Service) CreateConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	conversation := store.NewConversation(userID)

	if _, err := s.store.CreateConversation(ctx, conversation); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	if err := s.store.AddConversationToUser(ctx, userID, conversation.ID); err != nil {
		return nil, fmt.Errorf("linking conversation to user: %w", err)
	}

	if err := s.RecordNew(ctx, userID, conversation); err != nil {
		return nil, err
	}

	s.logger.Info("conversation created", "conversation_id", conversation.ID, "user_id", userID)
	return conversation, nil
}

// RecordNew inserts a freshly created conversation into the user's cached
// list, loading the rest of the list first so existing history is preserved.
func (s *Service) RecordNew(ctx context.Context, userID string, conversation *store.Conversation) error {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.loadLocked(ctx, e, userID); err != nil {
		return err
	}
	for _, cached := range e.conversations {
		if cached.ID == conversation.ID {
			return nil
		}
	}
	e.conversations = append(e.conversations, conversation)
	return nil
}

// AppendMessage appends a message in place to the cached conversation, then
// issues the persistence call. The owning user is recovered from the
// conversation id prefix; a cache miss triggers a store fetch and cache
// population. The cache mutation always precedes persistence, so the cache
// can run ahead of the store but never behind it; a persistence fault leaves
// the cached copy intact and is surfaced to the caller without retry.
func (s *Service) AppendMessage(ctx context.Context, conversationID string, msg store.ChatMessage) error {
	userID := store.UserIDFromConversationID(conversationID)

	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	conversation, err := s.residentLocked(ctx, e, userID, conversationID)
	if err != nil {
		return err
	}

	conversation.Messages = append(conversation.Messages, msg)

	if err := s.store.AddMessageToConversation(ctx, conversationID, msg); err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	return nil
}

// residentLocked returns the cached conversation, fetching it from the store
// and inserting it into the entry on a miss. Must be called with e.mu held.
func (s *Service) residentLocked(ctx context.Context, e *userEntry, userID, conversationID string) (*store.Conversation, error) {
	for _, cached := range e.conversations {
		if cached.ID == conversationID {
			return cached, nil
		}
	}

	s.logger.Info("conversation not in cache, loading from store", "conversation_id", conversationID)
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	e.conversations = append(e.conversations, conversation)
	e.loaded = true
	return conversation, nil
}

// Resolve returns a conversation by id, from cache or store. Missing
// conversations surface as store.ErrNotFound.
func (s *Service) Resolve(ctx context.Context, conversationID string) (*store.Conversation, error) {
	userID := store.UserIDFromConversationID(conversationID)

	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	return s.residentLocked(ctx, e, userID, conversationID)
}

// Summaries returns replay snapshots of all cached conversations for a user,
// oldest first.
func (s *Service) Summaries(ctx context.Context, userID string) ([]Summary, error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.loadLocked(ctx, e, userID); err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(e.conversations))
	for _, conversation := range e.conversations {
		summary := Summary{
			ID:           conversation.ID,
			MessageCount: len(conversation.Messages),
		}
		if len(conversation.Messages) > 0 {
			summary.FirstMessage = conversation.Messages[0].Content
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// History returns a copy of the conversation's messages. When limit > 0 only
// the most recent limit messages are returned; the stored conversation is
// never truncated.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]store.ChatMessage, error) {
	userID := store.UserIDFromConversationID(conversationID)

	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	conversation, err := s.residentLocked(ctx, e, userID, conversationID)
	if err != nil {
		return nil, err
	}

	messages := conversation.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]store.ChatMessage(nil), messages...), nil
}

// MostRecent returns the most recently created of the user's cached
// conversations, or store.ErrNotFound when the user has none.
func (s *Service) MostRecent(ctx context.Context, userID string) (*store.Conversation, error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.loadLocked(ctx, e, userID); err != nil {
		return nil, err
	}
	if len(e.conversations) == 0 {
		return nil, store.ErrNotFound
	}

	recent := e.conversations[0]
	for _, conversation := range e.conversations[1:] {
		if !conversation.CreatedAt.Before(recent.CreatedAt) {
			recent = conversation
		}
	}
	return recent, nil
}
