package ai

import (
	"context"
	"errors"
	"io"

	"github.com/narratia/inkflow/pkg/schema"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a provider-agnostic chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Chunk is one streamed fragment of a completion. Done marks the provider's
// explicit end-of-stream signal. A stream that ends without a Done chunk is
// treated as a failure, not a short success.
type Chunk struct {
	ContentDelta string
	Done         bool
}

// Stream delivers completion chunks. Recv blocks until the next chunk,
// the explicit done signal, or an error. Close releases the connection.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is a streaming chat completion provider.
type Client interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Collect drains a stream into the full completion text. onDelta is invoked
// for every non-empty content fragment as it arrives; a non-nil return aborts
// the stream with that error. Context cancellation is checked per chunk so a
// cancel lands mid-stream rather than at the end.
func Collect(ctx context.Context, s Stream, onDelta func(delta string) error) (string, error) {
	defer s.Close()

	var buf []byte
	done := false
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		if chunk.ContentDelta != "" {
			buf = append(buf, chunk.ContentDelta...)
			if onDelta != nil {
				if cbErr := onDelta(chunk.ContentDelta); cbErr != nil {
					return "", cbErr
				}
			}
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if !done {
		return "", schema.NewError(schema.ErrCodeAIProvider, "stream ended without completion signal")
	}
	return string(buf), nil
}
