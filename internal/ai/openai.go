package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/narratia/inkflow/pkg/schema"
)

// OpenAIClient streams chat completions from any OpenAI-compatible endpoint
// (OpenAI, DeepSeek, Ollama, vLLM and friends all speak this dialect).
type OpenAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// WithProviderName overrides the name reported by the client.
func WithProviderName(name string) OpenAIOption {
	return func(o *OpenAIClient) { o.name = name }
}

// NewOpenAIClient creates a client for an OpenAI-compatible API.
// baseURL may or may not carry a trailing /v1; both are normalized.
func NewOpenAIClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		name:    "openai",
		baseURL: normalizeBaseURL(baseURL),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // per-node timeouts are enforced via ctx
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	if u == "" {
		u = "https://api.openai.com/v1"
	}
	if !strings.HasSuffix(u, "/v1") && !strings.Contains(u, "/v1/") {
		u += "/v1"
	}
	return u
}

func (c *OpenAIClient) Name() string { return c.name }

// Stream opens a streaming chat completion. The returned Stream yields one
// Chunk per SSE data line until the [DONE] sentinel.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	jsonBody, _ = sjson.SetBytes(jsonBody, "stream", true)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAIProvider, "%s request failed: %s", c.name, err.Error()).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, schema.NewErrorf(schema.ErrCodeAIProvider, "%s returned status %d", c.name, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(body)})
	}

	return &sseStream{
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
	}, nil
}

// sseStream parses the OpenAI SSE wire format line by line.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

func (s *sseStream) Recv() (Chunk, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				return Chunk{}, io.EOF
			}
			if err != io.EOF {
				return Chunk{}, err
			}
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

		if bytes.Equal(data, []byte("[DONE]")) {
			return Chunk{Done: true}, nil
		}

		if errMsg := gjson.GetBytes(data, "error.message"); errMsg.Exists() {
			return Chunk{}, schema.NewErrorf(schema.ErrCodeAIProvider, "provider error: %s", errMsg.String())
		}

		delta := gjson.GetBytes(data, "choices.0.delta.content")
		finish := gjson.GetBytes(data, "choices.0.finish_reason")
		chunk := Chunk{ContentDelta: delta.String()}
		if finish.Exists() && finish.Type != gjson.Null && finish.String() != "" {
			// Some providers end via finish_reason instead of [DONE].
			chunk.Done = true
		}
		if chunk.ContentDelta == "" && !chunk.Done {
			continue // role announcements, usage frames
		}
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
