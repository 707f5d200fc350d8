// Package store provides durable storage for users and conversations.
//
// # Architecture
//
// The package defines a single Store interface with two implementations:
//
//   - SQLiteStore: the default backend, a single-file SQLite database
//     (modernc.org/sqlite) with WAL mode and schema creation on open
//   - MongoStore: a document-store backend keyed by the derived
//     conversation id, selected with database.driver: mongo
//
// # Data Models
//
//   - User: user id plus the set of owned conversation ids
//   - Conversation: ordered, append-only message sequence owned by one user;
//     its id is derived as "{user_id}-{uuid}" so the owner is always
//     recoverable from the id prefix
//   - ChatMessage: immutable message with a role of "user" or "bot"
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: conversation id already exists
//   - StorageError: wraps every raw driver fault at the repository boundary
//
// All methods accept context.Context for cancellation support.
package store
