// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Describes wiring, routes, and lifecycle

// Package gateway assembles the parley server: it opens the configured
// storage backend, builds the conversation service and generative
// backend client, and serves the websocket chat endpoint alongside the
// JSON inspection API and an HTML transcript view.
//
// Routes:
//
//	GET    /chat/{user_id}                      websocket chat session
//	GET    /healthz                             liveness probe
//	GET    /api/users/{user_id}/conversations   conversation summaries
//	GET    /api/conversations/{id}              full conversation JSON
//	DELETE /api/conversations/{id}              administrative deletion
//	GET    /conversations/{id}/view             HTML transcript
//
// Run blocks until the context is canceled, then shuts the HTTP server
// down gracefully and closes the store.
package gateway
