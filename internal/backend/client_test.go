// ABOUTME: Tests for backend error classification
// ABOUTME: Verifies raw SDK errors map onto the typed fault taxonomy

package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"http 429", errors.New("error, status code: 429, message: Too Many Requests"), ErrRateLimited},
		{"rate limit text", errors.New("Rate limit reached for gpt-4o"), ErrRateLimited},
		{"http 400", errors.New("error, status code: 400, message: missing model"), ErrBadRequest},
		{"invalid request", errors.New("Invalid request: context length exceeded"), ErrBadRequest},
		{"http 500", errors.New("error, status code: 500, message: upstream broke"), ErrInternal},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			// The original cause stays visible in the message
			assert.Contains(t, got.Error(), tt.err.Error())
		})
	}
}
