// Package httpapi provides the HTTP gateway: authentication, per-principal
// rate limiting, response caching and dispatch to ingestion and retrieval.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/cache"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
	"github.com/Huyen1974/agent-data-sub002/internal/orchestrator"
	"github.com/Huyen1974/agent-data-sub002/internal/retrieval"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
	"github.com/Huyen1974/agent-data-sub002/pkg/auth"
)

const principalKey = "principal"

const (
	// limiterMax and limiterTTL bound the per-principal limiter registry so
	// one-off principals do not accumulate for the life of the process. An
	// evicted principal restarts with a full bucket on its next request.
	limiterMax = 4096
	limiterTTL = time.Hour
)

// Config holds gateway configuration.
type Config struct {
	Host string
	Port int

	// RateRPS and RateBurst shape the per-principal token bucket.
	RateRPS   float64
	RateBurst int

	// CacheEnabled, CacheTTL and CacheMax configure the RAG response cache.
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheMax     int
}

// ApplyDefaults sets defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RateRPS == 0 {
		c.RateRPS = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheMax == 0 {
		c.CacheMax = 1000
	}
}

// Server is the HTTP gateway.
type Server struct {
	echo   *echo.Echo
	config Config
	logger *zap.Logger

	orch    *orchestrator.Service
	engine  *retrieval.Engine
	authMgr *auth.Manager

	vectors vectorstore.Store
	meta    metadata.Store

	ragCache *cache.Cache

	mu       sync.Mutex
	limiters *cache.Cache
}

// NewServer creates the gateway. orch, engine, vectors and meta may be nil
// when the corresponding backend is not configured; affected endpoints then
// answer ServiceUnavailable. authMgr may be nil to disable the auth
// endpoints.
func NewServer(cfg Config, orch *orchestrator.Service, engine *retrieval.Engine,
	authMgr *auth.Manager, vectors vectorstore.Store, meta metadata.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	cfg.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		config:   cfg,
		logger:   logger,
		orch:     orch,
		engine:   engine,
		authMgr:  authMgr,
		vectors:  vectors,
		meta:     meta,
		limiters: cache.New(limiterMax, limiterTTL),
	}
	if cfg.CacheEnabled {
		s.ragCache = cache.New(cfg.CacheMax, cfg.CacheTTL)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.String("principal", principalOf(c)),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(s.principalMiddleware)
	e.Use(s.rateLimitMiddleware)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	s.echo.POST("/save", s.handleSave)
	s.echo.POST("/query", s.handleRAG(false))
	s.echo.POST("/rag_search", s.handleRAG(true))
	s.echo.POST("/search", s.handleSearch)

	s.echo.POST("/auth/login", s.handleLogin)
	s.echo.POST("/auth/register", s.handleRegister)
}

// RAGCache exposes the response cache for inspection in tests.
func (s *Server) RAGCache() *cache.Cache { return s.ragCache }

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// principalMiddleware resolves the rate-limit and cache principal. A
// well-formed bearer token contributes "user:{sub}" without signature
// verification; anything else falls back to the caller's IP. This stage
// never rejects a request.
func (s *Server) principalMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set(principalKey, extractPrincipal(c.Request().Header.Get(echo.HeaderAuthorization), c.RealIP()))
		return next(c)
	}
}

func extractPrincipal(authHeader, remoteIP string) string {
	fallback := "ip:" + remoteIP

	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return fallback
	}
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return fallback
	}
	payload, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return fallback
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Sub == "" {
		return fallback
	}
	return "user:" + claims.Sub
}

func principalOf(c echo.Context) string {
	if p, ok := c.Get(principalKey).(string); ok {
		return p
	}
	return ""
}

// rateLimitMiddleware applies a non-blocking per-principal token bucket.
func (s *Server) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/health" {
			return next(c)
		}
		if !s.limiter(principalOf(c)).Allow() {
			return writeError(c, apperr.New(apperr.KindTooManyRequests, "rate limit exceeded"))
		}
		return next(c)
	}
}

// limiter returns the principal's token bucket, creating it on first sight.
// s.mu makes lookup-then-insert atomic so a principal never gets two buckets.
func (s *Server) limiter(principal string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.limiters.Get(principal); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(s.config.RateRPS), s.config.RateBurst)
	s.limiters.Put(principal, l)
	return l
}

// SaveRequest is the body for POST /save.
type SaveRequest struct {
	DocID          string          `json:"doc_id"`
	Content        string          `json:"content"`
	Metadata       metadata.Record `json:"metadata,omitempty"`
	Tag            string          `json:"tag,omitempty"`
	UpdateMetadata *bool           `json:"update_metadata,omitempty"`
	AutoTag        *bool           `json:"auto_tag,omitempty"`
}

func (s *Server) handleSave(c echo.Context) error {
	if s.orch == nil {
		return writeError(c, apperr.New(apperr.KindVectorStoreUnavailable, "ingestion backend not configured"))
	}
	var req SaveRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.New(apperr.KindInvalidInput, "invalid request body"))
	}

	opts := orchestrator.DefaultOptions()
	opts.Tag = req.Tag
	if req.UpdateMetadata != nil {
		opts.UpdateMetadata = *req.UpdateMetadata
	}
	if req.AutoTag != nil {
		opts.AutoTag = *req.AutoTag
	}

	res, err := s.orch.Vectorize(c.Request().Context(), orchestrator.Document{
		DocID:    req.DocID,
		Content:  req.Content,
		Metadata: req.Metadata,
	}, opts)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(apperr.KindOf(err)), res)
	}
	return c.JSON(http.StatusOK, res)
}

// RAGRequest is the body for POST /query and POST /rag_search.
type RAGRequest struct {
	QueryText string         `json:"query_text"`
	K         int            `json:"k,omitempty"`
	ScoreMin  *float32       `json:"score_min,omitempty"`
	Tag       string         `json:"tag,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	PathQuery string         `json:"path_query,omitempty"`
}

func (s *Server) handleRAG(cacheable bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.engine == nil {
			return writeError(c, apperr.New(apperr.KindVectorStoreUnavailable, "retrieval backend not configured"))
		}
		var req RAGRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, apperr.New(apperr.KindInvalidInput, "invalid request body"))
		}

		p := retrieval.Params{
			Query:     req.QueryText,
			Filters:   req.Filters,
			Tags:      req.Tags,
			PathQuery: req.PathQuery,
			K:         req.K,
			ScoreMin:  retrieval.DefaultScoreMin,
			Tag:       req.Tag,
		}
		if p.K <= 0 {
			p.K = retrieval.DefaultK
		}
		if req.ScoreMin != nil {
			p.ScoreMin = *req.ScoreMin
		}

		key := ""
		if cacheable && s.ragCache != nil {
			key = cacheKey(c.Path(), p, principalOf(c))
			if v, ok := s.ragCache.Get(key); ok {
				return c.JSON(http.StatusOK, v.(retrieval.Response))
			}
		}

		resp, err := s.engine.RAGSearch(c.Request().Context(), p)
		if err != nil {
			return c.JSON(apperr.HTTPStatus(apperr.KindOf(err)), resp)
		}
		if key != "" {
			s.ragCache.Put(key, resp)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// cacheKey hashes the full request shape plus the principal so cached
// responses are never shared across callers.
func cacheKey(endpoint string, p retrieval.Params, principal string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%g|", endpoint, p.Query, p.K, p.ScoreMin)

	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, p.Filters[k])
	}

	fmt.Fprintf(h, "|%s|%s|%s|%s", strings.Join(p.Tags, ","), p.PathQuery, p.Tag, principal)
	return hex.EncodeToString(h.Sum(nil))
}

// SearchRequest is the body for POST /search.
type SearchRequest struct {
	Tag     string         `json:"tag,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Offset  int            `json:"offset,omitempty"`
}

func (s *Server) handleSearch(c echo.Context) error {
	if s.engine == nil {
		return writeError(c, apperr.New(apperr.KindVectorStoreUnavailable, "retrieval backend not configured"))
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.New(apperr.KindInvalidInput, "invalid request body"))
	}

	resp, err := s.engine.Search(c.Request().Context(), req.Tag, req.Filters, req.Limit, req.Offset)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(apperr.KindOf(err)), resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.authMgr == nil {
		return writeError(c, apperr.New(apperr.KindMetadataStoreUnavailable, "auth backend not configured"))
	}
	username := c.FormValue("username")
	password := c.FormValue("password")

	token, err := s.authMgr.Login(c.Request().Context(), username, password)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, token)
}

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

func (s *Server) handleRegister(c echo.Context) error {
	if s.authMgr == nil {
		return writeError(c, apperr.New(apperr.KindMetadataStoreUnavailable, "auth backend not configured"))
	}
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.New(apperr.KindInvalidInput, "invalid request body"))
	}

	user, err := s.authMgr.Register(c.Request().Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, user)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{
		"vector_store":   "not_configured",
		"metadata_store": "not_configured",
		"embedder":       "not_configured",
	}
	healthy := true

	if s.vectors != nil {
		services["vector_store"] = "ok"
		if err := s.vectors.HealthCheck(ctx); err != nil {
			services["vector_store"] = "unavailable"
			healthy = false
		}
	}
	if s.meta != nil {
		services["metadata_store"] = "ok"
		if err := s.meta.HealthCheck(ctx); err != nil {
			services["metadata_store"] = "unavailable"
			healthy = false
		}
	}
	// The embedding provider exposes no liveness endpoint, so this reports
	// presence, not reachability.
	if s.engine != nil || s.orch != nil {
		services["embedder"] = "configured"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{Status: status, Services: services})
}

// writeError renders the uniform error body with the kind-mapped status.
func writeError(c echo.Context, err error) error {
	return c.JSON(apperr.HTTPStatus(apperr.KindOf(err)), map[string]string{
		"status": "failed",
		"error":  apperr.Message(err),
	})
}
