// ABOUTME: HTML transcript view rendering a conversation for browsers
// ABOUTME: Bot replies are markdown and rendered to HTML via goldmark

package gateway

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/parleyhq/parley/internal/store"
)

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Conversation {{.ID}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.message { margin: 1rem 0; padding: 0.75rem 1rem; border-radius: 0.5rem; }
.message.user { background: #e8f0fe; }
.message.bot { background: #f1f3f4; }
.role { font-size: 0.75rem; text-transform: uppercase; color: #5f6368; margin-bottom: 0.25rem; }
</style>
</head>
<body>
<h1>Conversation {{.ID}}</h1>
<p>User: {{.UserID}}</p>
{{range .Messages}}<div class="message {{.Role}}">
<div class="role">{{.Role}}</div>
<div class="content">{{.Body}}</div>
</div>
{{end}}</body>
</html>
`))

type transcriptMessage struct {
	Role string
	Body template.HTML
}

type transcriptData struct {
	ID       string
	UserID   string
	Messages []transcriptMessage
}

// handleTranscriptView handles GET /conversations/{id}/view.
func (g *Gateway) handleTranscriptView(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		g.logger.Error("loading conversation for view", "conversation_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := transcriptData{ID: conv.ID, UserID: conv.UserID}
	for _, msg := range conv.Messages {
		data.Messages = append(data.Messages, transcriptMessage{
			Role: msg.Role,
			Body: renderMessageBody(msg),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTemplate.Execute(w, data); err != nil {
		g.logger.Error("rendering transcript", "conversation_id", id, "error", err)
	}
}

// renderMessageBody converts bot markdown to HTML; user content is
// escaped verbatim.
func renderMessageBody(msg store.ChatMessage) template.HTML {
	if msg.Role != store.RoleBot {
		return template.HTML(template.HTMLEscapeString(msg.Content))
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(msg.Content), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(msg.Content))
	}
	return template.HTML(buf.String())
}
