// Package embeddings provides the client for the external embedding
// provider: vector generation and chat-based tag generation.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/retry"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates the provider could not be reached after
	// retries or kept rate-limiting.
	ErrUnavailable = errors.New("embedding provider unavailable")

	// ErrConfig indicates an authentication or configuration rejection.
	ErrConfig = errors.New("embedding provider rejected configuration")

	// ErrDimension indicates a response vector of unexpected dimension.
	ErrDimension = errors.New("embedding dimension mismatch")
)

// newlineReplacer normalizes newline sequences to spaces before sending.
var newlineReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Config holds configuration for the embedding client.
type Config struct {
	// BaseURL is the provider's base URL.
	BaseURL string
	// APIKey authenticates requests. Optional for self-hosted providers.
	APIKey string
	// Model is the embedding model name.
	Model string
	// ChatModel is the completion model used for tag generation.
	ChatModel string
	// Dimension is the expected vector dimension. Responses with any other
	// dimension are rejected.
	Dimension int
	// MinInterval is the baseline pacing interval between call starts.
	MinInterval time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// Embedding is one generated vector with its accounting info.
type Embedding struct {
	Vector []float32
	Tokens int
	Model  string
}

// Client calls the embedding provider with pacing and retry.
type Client struct {
	config Config
	http   *http.Client
	pacer  *retry.Pacer
	policy retry.Policy
	logger *zap.Logger
}

// NewClient creates an embedding client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if config.ChatModel == "" {
		config.ChatModel = "gpt-4o-mini"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: 30 * time.Second},
		pacer:  retry.NewPacer(config.MinInterval),
		policy: retry.DefaultPolicy(),
		logger: logger.Named("embeddings"),
	}, nil
}

// Pacer exposes the client's pacer. Tests only.
func (c *Client) Pacer() *retry.Pacer { return c.pacer }

// embedRequest is the request body for the embeddings endpoint.
type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) (Embedding, error) {
	if strings.TrimSpace(text) == "" {
		return Embedding{}, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	body, err := json.Marshal(embedRequest{
		Input: []string{newlineReplacer.Replace(text)},
		Model: c.config.Model,
	})
	if err != nil {
		return Embedding{}, fmt.Errorf("marshaling request: %w", err)
	}

	var out embedResponse
	if err := c.call(ctx, "/v1/embeddings", body, &out); err != nil {
		return Embedding{}, err
	}
	if len(out.Data) == 0 {
		return Embedding{}, apperr.Wrap(apperr.KindEmbeddingUnavailable, ErrUnavailable, "empty embedding response")
	}
	vector := out.Data[0].Embedding
	if len(vector) != c.config.Dimension {
		return Embedding{}, apperr.Wrap(apperr.KindInternal,
			fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), c.config.Dimension),
			"embedding dimension mismatch")
	}
	return Embedding{Vector: vector, Tokens: out.Usage.TotalTokens, Model: out.Model}, nil
}

// EmbedBatch generates embeddings for several texts, fanning out through the
// same pacer so the per-client rate limit is preserved.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = emb.Vector
	}
	return vectors, nil
}

// chatRequest is the request body for the chat-completions endpoint.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateTags asks the provider's completion model for up to maxTags
// lowercase tags describing text. contextHint is a short description of the
// document derived from its metadata.
func (c *Client) GenerateTags(ctx context.Context, text, contextHint string, maxTags int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if maxTags <= 0 {
		maxTags = 5
	}

	prompt := fmt.Sprintf(
		"Generate exactly %d short lowercase tags for the following document. "+
			"Respond with a comma-separated list only, no extra text.\n", maxTags)
	if contextHint != "" {
		prompt += "Context: " + contextHint + "\n"
	}
	prompt += "Document:\n" + newlineReplacer.Replace(text)

	body, err := json.Marshal(chatRequest{
		Model: c.config.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a document tagging assistant."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 100,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var out chatResponse
	if err := c.call(ctx, "/v1/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, ErrUnavailable, "empty completion response")
	}
	return ParseTags(out.Choices[0].Message.Content, maxTags), nil
}

// ParseTags normalizes a comma-separated tag list: lowercase, trimmed,
// empties dropped, truncated to maxTags.
func ParseTags(raw string, maxTags int) []string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		tag := strings.ToLower(strings.TrimSpace(p))
		if tag == "" {
			continue
		}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// call POSTs body to path, paced and retried, decoding the JSON response
// into out.
func (c *Client) call(ctx context.Context, path string, body []byte, out any) error {
	op := func() error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &httpError{status: 0, err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			c.pacer.Faster()
			return json.NewDecoder(resp.Body).Decode(out)
		case resp.StatusCode == http.StatusTooManyRequests:
			c.pacer.Slower()
			return &httpError{status: resp.StatusCode, err: readBodyError(resp)}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrConfig, resp.StatusCode)
		case resp.StatusCode >= 500:
			return &httpError{status: resp.StatusCode, err: readBodyError(resp)}
		default:
			return fmt.Errorf("%w: status %d: %v", ErrUnavailable, resp.StatusCode, readBodyError(resp))
		}
	}

	err := retry.Do(ctx, c.policy, classify, op)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConfig) {
		return apperr.Wrap(apperr.KindInternal, err, "embedding provider configuration error")
	}
	var he *httpError
	if errors.As(err, &he) {
		return apperr.Wrap(apperr.KindEmbeddingUnavailable,
			fmt.Errorf("%w: %v", ErrUnavailable, err), "embedding provider unavailable")
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Wrap(apperr.KindEmbeddingUnavailable, err, "embedding request failed")
}

// httpError carries the status code for the retry classifier.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("connection error: %v", e.err)
	}
	return fmt.Sprintf("status %d: %v", e.status, e.err)
}

func (e *httpError) Unwrap() error { return e.err }

func classify(err error) retry.Class {
	var he *httpError
	if !errors.As(err, &he) {
		return retry.ClassOther
	}
	switch {
	case he.status == http.StatusTooManyRequests:
		return retry.ClassRateLimit
	case he.status == 0 || he.status >= 500:
		return retry.ClassConnection
	default:
		return retry.ClassOther
	}
}

func readBodyError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s", strings.TrimSpace(string(b)))
}
