package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/embeddings"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
	"github.com/Huyen1974/agent-data-sub002/internal/orchestrator"
	"github.com/Huyen1974/agent-data-sub002/internal/retrieval"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
	"github.com/Huyen1974/agent-data-sub002/pkg/auth"
)

type stubEmbedder struct {
	vec   []float32
	calls int
}

func (s *stubEmbedder) Embed(context.Context, string) (embeddings.Embedding, error) {
	s.calls++
	return embeddings.Embedding{Vector: s.vec, Model: "stub"}, nil
}

type testStack struct {
	server   *Server
	embedder *stubEmbedder
	vectors  *vectorstore.MemoryStore
	meta     *metadata.MemoryStore
}

func newStack(t *testing.T, cfg Config) *testStack {
	t.Helper()
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()

	orch := orchestrator.New(emb, vecs, meta, nil, 3, zap.NewNop())
	engine := retrieval.New(emb, vecs, meta, zap.NewNop())
	mgr, err := auth.NewManager("test-secret", time.Hour, metadata.NewMemoryStore())
	require.NoError(t, err)

	srv, err := NewServer(cfg, orch, engine, mgr, vecs, meta, zap.NewNop())
	require.NoError(t, err)
	return &testStack{server: srv, embedder: emb, vectors: vecs, meta: meta}
}

func (ts *testStack) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func bearerWithSub(sub string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"sub":%q}`, sub)))
	return "Bearer header." + payload + ".signature"
}

func TestExtractPrincipal(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"no header", "", "ip:192.0.2.1"},
		{"not bearer", "Basic abc", "ip:192.0.2.1"},
		{"two segments", "Bearer a.b", "ip:192.0.2.1"},
		{"bad base64", "Bearer a.!!!.c", "ip:192.0.2.1"},
		{"not json", "Bearer a." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".c", "ip:192.0.2.1"},
		{"no sub", "Bearer a." + base64.RawURLEncoding.EncodeToString([]byte(`{"aud":"x"}`)) + ".c", "ip:192.0.2.1"},
		{"well-formed", bearerWithSub("alice"), "user:alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractPrincipal(tc.header, "192.0.2.1"))
		})
	}
}

func TestSaveEndpoint(t *testing.T) {
	ts := newStack(t, Config{})

	rec := ts.do(http.MethodPost, "/save", `{"doc_id":"doc-A","content":"hello","metadata":{"author":"Alice"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "doc-A", res.DocID)
	assert.NotEmpty(t, res.VectorID)

	stored, err := ts.meta.Get(context.Background(), "doc-A")
	require.NoError(t, err)
	assert.Equal(t, "completed", stored["vectorStatus"])
}

func TestSaveEndpointRejectsInvalidInput(t *testing.T) {
	ts := newStack(t, Config{})

	rec := ts.do(http.MethodPost, "/save", `{"doc_id":"","content":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed", body.Status)
	assert.Contains(t, body.Error, "InvalidInput")
}

func seedViaSave(t *testing.T, ts *testStack, docID, content string, meta string) {
	t.Helper()
	body := fmt.Sprintf(`{"doc_id":%q,"content":%q,"metadata":%s}`, docID, content, meta)
	rec := ts.do(http.MethodPost, "/save", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestQueryEndpoint(t *testing.T) {
	ts := newStack(t, Config{})
	seedViaSave(t, ts, "doc-A", "hello", `{"category":"science"}`)

	rec := ts.do(http.MethodPost, "/query", `{"query_text":"hello","k":5,"score_min":0.1}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp retrieval.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-A", resp.Results[0].DocID)
}

func TestRAGSearchCaching(t *testing.T) {
	ts := newStack(t, Config{CacheEnabled: true, CacheTTL: time.Hour})
	seedViaSave(t, ts, "doc-A", "hello", `{}`)
	callsAfterSeed := ts.embedder.calls

	body := `{"query_text":"hello","k":5,"score_min":0.1}`
	first := ts.do(http.MethodPost, "/rag_search", body, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, callsAfterSeed+1, ts.embedder.calls)
	assert.Equal(t, 1, ts.server.RAGCache().Size())

	second := ts.do(http.MethodPost, "/rag_search", body, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, callsAfterSeed+1, ts.embedder.calls, "cache hit skips the embedder")

	// Past TTL the entry expires and the embedder runs again.
	ts.server.RAGCache().SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	third := ts.do(http.MethodPost, "/rag_search", body, nil)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, callsAfterSeed+2, ts.embedder.calls)
}

func TestRAGSearchCacheScopedByPrincipal(t *testing.T) {
	ts := newStack(t, Config{CacheEnabled: true})
	seedViaSave(t, ts, "doc-A", "hello", `{}`)
	callsAfterSeed := ts.embedder.calls

	body := `{"query_text":"hello","k":5,"score_min":0.1}`
	ts.do(http.MethodPost, "/rag_search", body, map[string]string{echo.HeaderAuthorization: bearerWithSub("alice")})
	ts.do(http.MethodPost, "/rag_search", body, map[string]string{echo.HeaderAuthorization: bearerWithSub("bob")})

	assert.Equal(t, callsAfterSeed+2, ts.embedder.calls, "distinct principals never share entries")
	assert.Equal(t, 2, ts.server.RAGCache().Size())
}

func TestQueryEndpointNotCached(t *testing.T) {
	ts := newStack(t, Config{CacheEnabled: true})
	seedViaSave(t, ts, "doc-A", "hello", `{}`)

	body := `{"query_text":"hello","k":5,"score_min":0.1}`
	ts.do(http.MethodPost, "/query", body, nil)
	ts.do(http.MethodPost, "/query", body, nil)
	assert.Equal(t, 0, ts.server.RAGCache().Size())
}

func TestSearchEndpoint(t *testing.T) {
	ts := newStack(t, Config{})
	seedViaSave(t, ts, "doc-A", "hello", `{"category":"science"}`)
	seedViaSave(t, ts, "doc-B", "world", `{"category":"history"}`)

	rec := ts.do(http.MethodPost, "/search", `{"filters":{"category":"science"},"limit":10,"offset":0}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp retrieval.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-A", resp.Results[0].DocID)
}

func TestRateLimitPerPrincipal(t *testing.T) {
	ts := newStack(t, Config{RateRPS: 0.001, RateBurst: 2})

	body := `{"query_text":"q"}`
	hdr := map[string]string{echo.HeaderAuthorization: bearerWithSub("alice")}
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/query", body, hdr).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/query", body, hdr).Code)

	rec := ts.do(http.MethodPost, "/query", body, hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "TooManyRequests")

	// A different principal has its own bucket.
	other := map[string]string{echo.HeaderAuthorization: bearerWithSub("bob")}
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/query", body, other).Code)

	// Health is never rate limited.
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", hdr).Code)
}

func TestLimiterRegistryBounded(t *testing.T) {
	ts := newStack(t, Config{RateRPS: 0.001, RateBurst: 1})

	first := "ip:198.51.100.1"
	require.True(t, ts.server.limiter(first).Allow())
	require.False(t, ts.server.limiter(first).Allow(), "burst of one is spent")

	for i := 0; i < limiterMax+10; i++ {
		ts.server.limiter(fmt.Sprintf("user:crowd-%d", i))
	}
	assert.LessOrEqual(t, ts.server.limiters.Size(), limiterMax)

	// The evicted principal comes back with a fresh bucket.
	assert.True(t, ts.server.limiter(first).Allow())
}

func TestAuthEndpoints(t *testing.T) {
	ts := newStack(t, Config{})

	rec := ts.do(http.MethodPost, "/auth/register", `{"email":"alice@example.com","password":"s3cret","full_name":"Alice"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var user auth.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, "alice@example.com", user.Email)

	form := "username=alice%40example.com&password=s3cret"
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	loginRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(loginRec, req)
	require.Equal(t, http.StatusOK, loginRec.Code, loginRec.Body.String())

	var token auth.Token
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &token))
	assert.Equal(t, "bearer", token.TokenType)
	assert.NotEmpty(t, token.AccessToken)

	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("username=alice%40example.com&password=wrong"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	badRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(badRec, req)
	assert.Equal(t, http.StatusUnauthorized, badRec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newStack(t, Config{})

	rec := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Services["vector_store"])
	assert.Equal(t, "ok", resp.Services["metadata_store"])
	assert.Equal(t, "configured", resp.Services["embedder"], "presence only, the provider is never pinged")
}

func TestUnconfiguredBackendsReturnServiceUnavailable(t *testing.T) {
	srv, err := NewServer(Config{}, nil, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)

	for _, path := range []string{"/save", "/query", "/rag_search", "/search", "/auth/login", "/auth/register"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
