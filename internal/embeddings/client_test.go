package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Model:       "text-embedding-ada-002",
		Dimension:   4,
		MinInterval: 0,
	}
}

func embedPayload(dim int) map[string]any {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = 0.1
	}
	return map[string]any{
		"data":  []map[string]any{{"embedding": vec}},
		"usage": map[string]any{"total_tokens": 7},
		"model": "text-embedding-ada-002",
	}
}

func TestEmbedSuccess(t *testing.T) {
	var gotReq embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		require.NoError(t, json.NewEncoder(w).Encode(embedPayload(4)))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	emb, err := c.Embed(context.Background(), "hello\nworld\r\nagain")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, 4)
	assert.Equal(t, 7, emb.Tokens)
	assert.Equal(t, "text-embedding-ada-002", emb.Model)

	require.Len(t, gotReq.Input, 1)
	assert.Equal(t, "hello world again", gotReq.Input[0], "newlines normalized to spaces")
}

func TestEmbedEmptyInput(t *testing.T) {
	c, err := NewClient(testConfig("http://localhost:1"), nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(embedPayload(3)))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrDimension)
}

func TestEmbedRetriesRateLimitAndAdaptsInterval(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(embedPayload(4)))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MinInterval = time.Millisecond
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	c.policy.Base = time.Millisecond
	c.policy.Max = 2 * time.Millisecond

	_, err = c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// One 429 bumps the interval 50%; the success decays it back part way.
	got := c.Pacer().Interval()
	assert.Greater(t, got, time.Millisecond)
}

func TestEmbedAuthFailureIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrConfig)
	assert.Equal(t, 1, calls, "auth failures are not retried")
}

func TestEmbedExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)
	c.policy.MaxRetries = 1
	c.policy.Base = time.Millisecond
	c.policy.Max = 2 * time.Millisecond

	_, err = c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmbeddingUnavailable, apperr.KindOf(err))
}

func TestEmbedBatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, json.NewEncoder(w).Encode(embedPayload(4)))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, 3, calls)
}

func TestGenerateTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": " AI , machine learning,, NLP ,extra,over"}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	tags, err := c.GenerateTags(context.Background(), "some text", "author: Alice", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai", "machine learning", "nlp", "extra"}, tags)
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		max  int
		want []string
	}{
		{"plain", "a,b,c", 5, []string{"a", "b", "c"}},
		{"uppercase and spaces", " Alpha , BETA ", 5, []string{"alpha", "beta"}},
		{"empties dropped", "a,,b,", 5, []string{"a", "b"}},
		{"truncated", "a,b,c,d", 2, []string{"a", "b"}},
		{"empty input", "", 3, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTags(tt.raw, tt.max))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	err := Config{Model: "m", Dimension: 4}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)

	err = Config{BaseURL: "http://x", Dimension: 4}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)

	err = Config{BaseURL: "http://x", Model: "m"}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
}
