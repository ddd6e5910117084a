package ai

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())

	require.NoError(t, r.AllowRequest("openai"))
	r.RecordFailure("openai")
	r.RecordFailure("openai")
	assert.Equal(t, BreakerClosed, r.GetState("openai"))

	state := r.RecordFailure("openai")
	assert.Equal(t, BreakerOpen, state)
	assert.Error(t, r.AllowRequest("openai"))
}

func TestBreaker_PerProviderIsolation(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("openai")
	}
	assert.Error(t, r.AllowRequest("openai"))
	assert.NoError(t, r.AllowRequest("deepseek"))
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("openai")
	}
	require.Error(t, r.AllowRequest("openai"))

	time.Sleep(60 * time.Millisecond)

	// First request after cooldown is the half-open test request.
	require.NoError(t, r.AllowRequest("openai"))
	// Second concurrent test request is rejected.
	require.Error(t, r.AllowRequest("openai"))

	r.RecordSuccess("openai")
	assert.Equal(t, BreakerClosed, r.GetState("openai"))
	assert.NoError(t, r.AllowRequest("openai"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("openai")
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.AllowRequest("openai"))

	state := r.RecordFailure("openai")
	assert.Equal(t, BreakerOpen, state)
	assert.Error(t, r.AllowRequest("openai"))
}

// scriptedStream yields preset chunks then an error.
type scriptedStream struct {
	chunks []Chunk
	err    error
	i      int
	closed bool
}

func (s *scriptedStream) Recv() (Chunk, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return Chunk{}, s.err
	}
	return Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type scriptedClient struct {
	name    string
	streams []*scriptedStream
	i       int
}

func (c *scriptedClient) Name() string { return c.name }

func (c *scriptedClient) Stream(_ context.Context, _ Request) (Stream, error) {
	s := c.streams[c.i]
	c.i++
	return s, nil
}

func TestGuardedClient_RecordsStreamOutcome(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())

	client := &scriptedClient{name: "openai", streams: []*scriptedStream{
		{chunks: []Chunk{{ContentDelta: "ok"}, {Done: true}}},
		{chunks: []Chunk{{ContentDelta: "partial"}}}, // EOF without Done
		{chunks: []Chunk{{ContentDelta: "partial"}}},
		{chunks: []Chunk{{ContentDelta: "partial"}}},
	}}
	guarded := NewGuardedClient(client, r)
	ctx := context.Background()

	// Clean completion keeps the breaker closed.
	s, err := guarded.Stream(ctx, Request{})
	require.NoError(t, err)
	got, err := Collect(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, BreakerClosed, r.GetState("openai"))

	// Three truncated streams trip the breaker.
	for i := 0; i < 3; i++ {
		s, err = guarded.Stream(ctx, Request{})
		require.NoError(t, err)
		_, err = Collect(ctx, s, nil)
		require.Error(t, err)
	}
	_, err = guarded.Stream(ctx, Request{})
	assert.Error(t, err)
}
