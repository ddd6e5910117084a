package ai

import (
	"context"
	"sync"
	"time"

	"github.com/narratia/inkflow/pkg/schema"
)

// BreakerState represents the state of a provider circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, rejecting calls
	BreakerHalfOpen                     // testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-provider circuit breakers so one failing
// provider cannot poison executions using another.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// AllowRequest checks whether a request to the given provider is allowed.
// Returns nil if allowed, or a FlowError if the circuit is open.
func (r *BreakerRegistry) AllowRequest(provider string) error {
	b := r.getOrCreate(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeAIProvider,
			"circuit breaker open for provider %q: %d consecutive failures",
			provider, b.consecutiveFailures).
			WithDetails(map[string]any{
				"provider":             provider,
				"consecutive_failures": b.consecutiveFailures,
				"state":                b.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case BreakerHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeAIProvider,
				"circuit breaker half-open for provider %q: max test requests reached", provider)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess resets the breaker for a provider.
func (r *BreakerRegistry) RecordSuccess(provider string) {
	b := r.getOrCreate(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = BreakerClosed
}

// RecordFailure records a failed call and returns the new state.
func (r *BreakerRegistry) RecordFailure(provider string) BreakerState {
	b := r.getOrCreate(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == BreakerHalfOpen {
		// Any failure in half-open reopens the circuit.
		b.state = BreakerOpen
		return BreakerOpen
	}

	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		return BreakerOpen
	}

	return b.state
}

// GetState returns the current state of the circuit for a provider.
func (r *BreakerRegistry) GetState(provider string) BreakerState {
	b := r.getOrCreate(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenAttempts = 0
	}

	return b.state
}

func (r *BreakerRegistry) getOrCreate(provider string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = &breaker{state: BreakerClosed, config: r.config}
		r.breakers[provider] = b
	}
	return b
}

// GuardedClient wraps a Client with a circuit breaker.
type GuardedClient struct {
	inner    Client
	breakers *BreakerRegistry
}

// NewGuardedClient wraps inner with breaker checks keyed by its provider name.
func NewGuardedClient(inner Client, breakers *BreakerRegistry) *GuardedClient {
	return &GuardedClient{inner: inner, breakers: breakers}
}

func (g *GuardedClient) Name() string { return g.inner.Name() }

// Stream opens a stream if the breaker allows it. Breaker outcome is recorded
// when the stream finishes, via the wrapping guardedStream.
func (g *GuardedClient) Stream(ctx context.Context, req Request) (Stream, error) {
	name := g.inner.Name()
	if err := g.breakers.AllowRequest(name); err != nil {
		return nil, err
	}
	s, err := g.inner.Stream(ctx, req)
	if err != nil {
		g.breakers.RecordFailure(name)
		return nil, err
	}
	return &guardedStream{inner: s, provider: name, breakers: g.breakers}, nil
}

type guardedStream struct {
	inner    Stream
	provider string
	breakers *BreakerRegistry
	recorded bool
}

func (s *guardedStream) Recv() (Chunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil && !s.recorded {
		s.recorded = true
		s.breakers.RecordFailure(s.provider)
	}
	if chunk.Done && !s.recorded {
		s.recorded = true
		s.breakers.RecordSuccess(s.provider)
	}
	return chunk, err
}

func (s *guardedStream) Close() error {
	return s.inner.Close()
}
