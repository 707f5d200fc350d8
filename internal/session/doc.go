// ABOUTME: Package documentation for the websocket session protocol
// ABOUTME: Describes the state machine, framing, and failure policy

// Package session implements the live chat protocol over a websocket
// connection.
//
// Each connection runs one session task through an explicit state
// machine: bootstrapping (resolve or create the user and their active
// conversation), replaying (emit a bounded summary of recent
// conversations), then an active loop where every client frame is
// either the switch command or a chat message. Frames are processed
// strictly sequentially; the only concurrency is between sessions,
// mediated by the conversation service.
//
// # Framing
//
// All traffic is text frames. Sentinel markers (see protocol.go) share
// the channel with ordinary content and are matched verbatim. A
// streamed reply is always bracketed by the start and end markers, and
// each intermediate frame carries the full reply assembled so far; the
// client renders by replacing, not appending.
//
// # Failure policy
//
// Missing or invalid credentials close the socket with a policy
// violation (1008). A classified generative-backend failure mid-stream
// still terminates the reply bracket and leaves the session active with
// nothing persisted. Any unclassified failure closes the socket with an
// internal error (1011). A client disconnect ends the task immediately;
// in-flight aggregation is abandoned unpersisted.
package session
