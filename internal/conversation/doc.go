// Package conversation provides the process-wide conversation cache and
// persistence orchestration.
//
// # Overview
//
// The conversation package sits between the session protocol handler and the
// store, owning the in-memory copy of each user's active conversations. All
// connections for a user share one cache entry; every cache operation for a
// user runs under that user's lock, so two live sessions of the same user
// cannot lose each other's updates.
//
// # Service
//
// Key operations:
//
//   - EnsureUser(ctx, userID): get-or-create the user record
//   - GetOrLoad(ctx, userID): cached conversations, store fall-through on miss
//   - CreateConversation(ctx, userID): create, link to user, cache
//   - AppendMessage(ctx, conversationID, msg): in-place cache append then persist
//   - Resolve / History / Summaries / MostRecent: read-side snapshots
//
// # Cache drift
//
// The cache is mutated before the persistence call is issued, so for any
// resident conversation the cached message sequence is a superset-in-order
// of what has been durably stored. A crash between the two steps loses the
// unpersisted tail; persistence is at-least-once, not transactional.
package conversation
