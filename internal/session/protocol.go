// ABOUTME: Wire protocol constants and the session state machine
// ABOUTME: Sentinel text frames share the channel with ordinary chat content

package session

// Sentinel markers interleaved with ordinary text frames. Clients match
// them verbatim, so they are wire-format constants: never reformat.
const (
	// MarkerConversations opens the history replay block.
	MarkerConversations = "######CONVERSATIONS######"
	// MarkerAllConversations closes the replay block, but only when the
	// full known set was replayed rather than a truncated window.
	MarkerAllConversations = "######ALL_CONVERSATIONS######"
	// MarkerSwitchConversation begins the switch sub-protocol. Five
	// leading hashes, unlike every other marker; clients depend on the
	// exact byte sequence.
	MarkerSwitchConversation = "#####SWITCH_CONVERSATION######"
	// MarkerConversationNotFound reports a failed switch target lookup.
	MarkerConversationNotFound = "######CONVERSATION_NOT_FOUND######"
	// MarkerConversationFound precedes the switched conversation's messages.
	MarkerConversationFound = "######CONVERSATION_FOUND######"
	// MarkerConversationSwitched ends the switch sub-protocol.
	MarkerConversationSwitched = "######CONVERSATION_SWITCHED######"
	// MarkerStart and MarkerEnd bracket every streamed reply.
	MarkerStart = "######START######"
	MarkerEnd   = "######END######"
)

// state tracks where a session is in its lifecycle. The switch
// sub-protocol is only reachable from stateActive.
type state int

const (
	stateBootstrapping state = iota
	stateReplaying
	stateActive
	stateSwitching
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateBootstrapping:
		return "bootstrapping"
	case stateReplaying:
		return "replaying"
	case stateActive:
		return "active"
	case stateSwitching:
		return "switching"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canEnter reports whether next is a legal transition from s. Closed is
// terminal and reachable from everywhere.
func (s state) canEnter(next state) bool {
	if next == stateClosed {
		return true
	}
	switch s {
	case stateBootstrapping:
		return next == stateReplaying
	case stateReplaying:
		return next == stateActive
	case stateActive:
		return next == stateSwitching
	case stateSwitching:
		return next == stateActive
	default:
		return false
	}
}
