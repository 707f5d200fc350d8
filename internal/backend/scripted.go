// ABOUTME: Scripted Completer implementation for tests
// ABOUTME: Plays back configured deltas and faults instead of calling a real backend

package backend

import (
	"context"
	"io"
	"sync"

	"github.com/parleyhq/parley/internal/store"
)

// ScriptedCall records one StreamCompletion invocation for verification.
type ScriptedCall struct {
	History     []store.ChatMessage
	UserMessage string
}

// ScriptedCompleter implements Completer with canned delta sequences.
// Each StreamCompletion call consumes the next script in order; when the
// scripts run out the last one repeats.
type ScriptedCompleter struct {
	mu      sync.Mutex
	scripts []Script
	calls   []ScriptedCall
	next    int
}

// Script is one canned stream: the deltas to yield, then either a clean end
// or Err after the deltas are exhausted. CallErr makes StreamCompletion
// itself fail before any delta.
type Script struct {
	Deltas  []string
	Err     error
	CallErr error
}

// NewScriptedCompleter creates a completer that plays the given scripts in order.
func NewScriptedCompleter(scripts ...Script) *ScriptedCompleter {
	return &ScriptedCompleter{scripts: scripts}
}

// StreamCompletion records the call and returns the next scripted stream.
func (c *ScriptedCompleter) StreamCompletion(_ context.Context, history []store.ChatMessage, userMessage string) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, ScriptedCall{
		History:     append([]store.ChatMessage(nil), history...),
		UserMessage: userMessage,
	})

	if len(c.scripts) == 0 {
		return &scriptedStream{}, nil
	}
	script := c.scripts[min(c.next, len(c.scripts)-1)]
	c.next++

	if script.CallErr != nil {
		return nil, script.CallErr
	}
	return &scriptedStream{deltas: script.Deltas, err: script.Err}, nil
}

// Calls returns a copy of the recorded invocations.
func (c *ScriptedCompleter) Calls() []ScriptedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScriptedCall(nil), c.calls...)
}

type scriptedStream struct {
	deltas []string
	err    error
	pos    int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos < len(s.deltas) {
		delta := s.deltas[s.pos]
		s.pos++
		return delta, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() {}
