// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines User, Conversation, ChatMessage structs and the Store interface

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// StorageError wraps a raw driver error at the repository boundary.
// Driver errors never leak upward unwrapped; callers classify with
// errors.As(&StorageError{}) and can still inspect the cause via Unwrap.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a *StorageError for the given operation.
func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Message roles
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// ChatMessage is a single message within a conversation. Messages are
// immutable once appended; conversation order is append order.
type ChatMessage struct {
	MessageID string `json:"message_id" bson:"message_id"`
	Role      string `json:"role" bson:"role"`
	Content   string `json:"content" bson:"content"`
}

// NewChatMessage creates a ChatMessage with a generated id.
func NewChatMessage(role, content string) ChatMessage {
	return ChatMessage{
		MessageID: uuid.New().String(),
		Role:      role,
		Content:   content,
	}
}

// Conversation is an ordered, append-only sequence of messages owned by
// exactly one user. The owning user id is always recoverable from the
// conversation id prefix.
type Conversation struct {
	ID        string        `json:"conversation_id" bson:"_id"`
	UserID    string        `json:"user_id" bson:"user_id"`
	Messages  []ChatMessage `json:"messages" bson:"messages"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
}

// NewConversation creates a Conversation for the given user with a derived
// id of the form "{user_id}-{uuid}".
func NewConversation(userID string) *Conversation {
	return &Conversation{
		ID:        userID + "-" + uuid.New().String(),
		UserID:    userID,
		Messages:  []ChatMessage{},
		CreatedAt: time.Now().UTC(),
	}
}

// UserIDFromConversationID recovers the owning user id from a conversation
// id: the prefix before the first "-".
func UserIDFromConversationID(conversationID string) string {
	if i := strings.Index(conversationID, "-"); i >= 0 {
		return conversationID[:i]
	}
	return conversationID
}

// User is a chat user and the set of conversation ids it owns.
type User struct {
	ID            string    `json:"user_id" bson:"_id"`
	Conversations []string  `json:"conversations" bson:"conversations"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// NewUser creates a User with no conversations.
func NewUser(id string) *User {
	return &User{
		ID:            id,
		Conversations: []string{},
		CreatedAt:     time.Now().UTC(),
	}
}

// Store defines the interface for user and conversation persistence.
// Implementations return ErrNotFound for missing entities and wrap all
// driver faults in *StorageError.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conversation *Conversation) (string, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationsByUser(ctx context.Context, userID string, skip, limit int) ([]*Conversation, error)
	AddMessageToConversation(ctx context.Context, id string, msg ChatMessage) error
	RemoveMessageFromConversation(ctx context.Context, id, messageID string) error
	DeleteConversation(ctx context.Context, id string) error

	// Users
	CreateUser(ctx context.Context, user *User) (string, error)
	GetUser(ctx context.Context, id string) (*User, error)
	AddConversationToUser(ctx context.Context, userID, conversationID string) error
	ListUsers(ctx context.Context, skip, limit int) ([]*User, error)

	Close() error
}
