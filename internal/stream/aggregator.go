// ABOUTME: Streaming aggregator that assembles backend deltas into a reply
// ABOUTME: Emits growing-prefix snapshots and aborts on typed backend faults

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/parleyhq/parley/internal/backend"
)

// Aggregator consumes a backend delta stream and incrementally concatenates
// it into a full reply.
//
// Emission convention (fixed system-wide): every emission is the growing
// prefix, the full concatenation of all deltas received so far. Consumers
// must replace, not append, what they have rendered; the final emission
// equals the assembled reply.
type Aggregator struct {
	logger     *slog.Logger
	rateLimits atomic.Int64
}

// NewAggregator creates an Aggregator. A nil logger falls back to the default.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger: logger.With("component", "aggregator"),
	}
}

// Run drains the stream, calling emit with the growing prefix after every
// non-empty delta, and returns the assembled reply once the stream is
// exhausted. The reply is complete, and therefore eligible for persistence,
// only when Run returns a nil error.
//
// A backend fault aborts the sequence and surfaces as the typed error;
// rate-limit faults additionally increment the aggregator's counter. An emit
// failure (the client write path) aborts with that error.
func (a *Aggregator) Run(ctx context.Context, s backend.Stream, emit func(string) error) (string, error) {
	defer s.Close()

	var assembled strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		delta, err := s.Recv()
		if err == io.EOF {
			a.logger.Debug("stream exhausted", "reply_len", assembled.Len())
			return assembled.String(), nil
		}
		if err != nil {
			if errors.Is(err, backend.ErrRateLimited) {
				count := a.rateLimits.Add(1)
				a.logger.Warn("backend rate limited", "occurrences", count)
			}
			return "", err
		}

		if delta == "" {
			continue
		}
		assembled.WriteString(delta)

		if emit != nil {
			if err := emit(assembled.String()); err != nil {
				return "", fmt.Errorf("forwarding aggregated output: %w", err)
			}
		}
	}
}

// RateLimitCount reports how many rate-limit faults this aggregator has seen.
func (a *Aggregator) RateLimitCount() int64 {
	return a.rateLimits.Load()
}
