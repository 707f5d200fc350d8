// ABOUTME: Generative backend client built on the eino OpenAI chat model
// ABOUTME: Streams completion deltas and classifies backend faults into typed errors

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

// Backend fault taxonomy. Faults from the generative backend are always one
// of these three kinds; anything unrecognized is classified as ErrInternal.
var (
	ErrRateLimited = errors.New("backend rate limited")
	ErrBadRequest  = errors.New("backend rejected request")
	ErrInternal    = errors.New("backend internal error")
)

// systemPrompt instructs the model to answer in markdown; the transcript view
// renders bot replies as markdown.
const systemPrompt = "You are a helpful chat assistant that only responds in markdown. " +
	"Format the response as markdown, closing all tags and using correct syntax " +
	"for code blocks. The user only reads the formatted response; do not mention " +
	"the format. Prior messages in this conversation are provided as context: " +
	"treat the user's message as a follow-up to them."

// Stream is a lazy, ordered, finite sequence of text deltas. Recv returns
// io.EOF when the sequence is exhausted and a typed backend error on fault.
type Stream interface {
	Recv() (string, error)
	Close()
}

// Completer produces a delta stream for a user message with bounded history.
type Completer interface {
	StreamCompletion(ctx context.Context, history []store.ChatMessage, userMessage string) (Stream, error)
}

// Client implements Completer against an OpenAI-compatible API.
type Client struct {
	model  model.BaseChatModel
	logger *slog.Logger
}

// NewClient constructs a Client from backend configuration.
func NewClient(ctx context.Context, cfg config.BackendConfig) (*Client, error) {
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat model: %w", err)
	}

	return &Client{
		model:  chatModel,
		logger: slog.Default().With("component", "backend"),
	}, nil
}

// StreamCompletion sends the user message plus bounded history to the model
// and returns the delta stream. The caller is responsible for bounding the
// history before the call.
func (c *Client) StreamCompletion(ctx context.Context, history []store.ChatMessage, userMessage string) (Stream, error) {
	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt,
	})
	for _, msg := range history {
		role := schema.User
		if msg.Role == store.RoleBot {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	messages = append(messages, &schema.Message{
		Role:    schema.User,
		Content: userMessage,
	})

	reader, err := c.model.Stream(ctx, messages)
	if err != nil {
		return nil, classify(err)
	}

	c.logger.Debug("completion stream opened", "history_len", len(history))
	return &modelStream{reader: reader}, nil
}

// modelStream adapts an eino stream reader to the Stream interface.
type modelStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *modelStream) Recv() (string, error) {
	msg, err := s.reader.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", classify(err)
	}
	return msg.Content, nil
}

func (s *modelStream) Close() {
	s.reader.Close()
}

// classify maps a raw backend error onto the fault taxonomy. The underlying
// SDK surfaces HTTP status information in the error text.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "status code: 400") ||
		strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "bad request"):
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
