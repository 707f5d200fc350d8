// ABOUTME: HTTP API handlers for conversation inspection and administration
// ABOUTME: JSON surfaces consumed by the frontend sidebar and admin tooling

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// ConversationSummaryResponse is one element of the JSON response for
// GET /api/users/{user_id}/conversations.
type ConversationSummaryResponse struct {
	ID           string `json:"id"`
	FirstMessage string `json:"first_message,omitempty"`
	MessageCount int    `json:"message_count"`
}

// MessageResponse is the JSON shape of one chat message.
type MessageResponse struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// ConversationResponse is the JSON response for GET /api/conversations/{id}.
type ConversationResponse struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	CreatedAt string            `json:"created_at"`
	Messages  []MessageResponse `json:"messages"`
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleListConversations handles GET /api/users/{user_id}/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	summaries, err := g.conversations.Summaries(r.Context(), userID)
	if err != nil {
		g.logger.Error("listing conversations", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "listing conversations failed")
		return
	}

	response := make([]ConversationSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		response = append(response, ConversationSummaryResponse{
			ID:           s.ID,
			FirstMessage: s.FirstMessage,
			MessageCount: s.MessageCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleGetConversation handles GET /api/conversations/{id}. It reads
// from the store directly so the response reflects durable state.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("loading conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "loading conversation failed")
		return
	}

	response := ConversationResponse{
		ID:        conv.ID,
		UserID:    conv.UserID,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339),
		Messages:  make([]MessageResponse, 0, len(conv.Messages)),
	}
	for _, msg := range conv.Messages {
		response.Messages = append(response.Messages, MessageResponse{
			MessageID: msg.MessageID,
			Role:      msg.Role,
			Content:   msg.Content,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
// Deletion is administrative and never part of the chat path.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := g.store.DeleteConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("deleting conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "deleting conversation failed")
		return
	}
	g.logger.Info("conversation deleted", "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}
